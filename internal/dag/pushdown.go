package dag

import (
	"fmt"
	"strings"
)

// BuildQuery composes the absorbed operators into a native SELECT. A
// bare identifier base is wrapped as SELECT * FROM <name>; each operator
// then wraps the prior expression in a subquery. The filter condition
// token == is rewritten to = for SQL.
func BuildQuery(base string, ops []PushdownOp) string {
	query := strings.TrimSpace(base)
	if !strings.ContainsAny(query, " \t\n") {
		query = fmt.Sprintf("SELECT * FROM %s", query)
	}
	for _, op := range ops {
		switch op.Class {
		case "filter":
			cond, _ := op.Config["condition"].(string)
			cond = strings.ReplaceAll(cond, "==", "=")
			query = fmt.Sprintf("SELECT * FROM (%s) AS filter_subq WHERE %s", query, cond)
		case "limit_offset":
			clause := fmt.Sprintf("SELECT * FROM (%s) AS limit_subq", query)
			if limit, ok := intConfig(op.Config, "limit"); ok {
				clause += fmt.Sprintf(" LIMIT %d", limit)
			}
			if offset, ok := intConfig(op.Config, "offset"); ok {
				clause += fmt.Sprintf(" OFFSET %d", offset)
			}
			query = clause
		}
	}
	return query
}

func intConfig(cfg map[string]any, key string) (int64, bool) {
	switch v := cfg[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
