// Package postgres registers the PostgreSQL driver and the connector
// kinds it serves. Importing it for side effects is enough:
//
//	import _ "github.com/synqx/synqx/internal/connector/sqlconn/drivers/postgres"
package postgres

import (
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers database/sql driver "pgx"

	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/connector/sqlconn"
)

func init() {
	sqlconn.RegisterDriver("postgres", driver{})
	for _, kind := range []string{"postgresql", "postgres"} {
		k := kind
		connector.Register(k, func(cfg map[string]any) (connector.Connector, error) {
			merged := map[string]any{"driver": "postgres"}
			for key, v := range cfg {
				merged[key] = v
			}
			return sqlconn.New(k, merged)
		})
	}
}

type driver struct{}

func (driver) Name() string { return "pgx" }

func (driver) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (driver) DiscoverQuery(schema string) string {
	if schema == "" {
		schema = "public"
	}
	return fmt.Sprintf(
		`SELECT table_name, table_type FROM information_schema.tables WHERE table_schema = '%s' ORDER BY table_name`,
		schema)
}

func (driver) ColumnsQuery() string {
	return `SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`
}

// UpsertSuffix emits ON CONFLICT DO UPDATE over the key columns.
func (driver) UpsertSuffix(keys, cols []string) string {
	var sets []string
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	for _, c := range cols {
		if _, ok := keySet[c]; ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	if len(sets) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keys, ", "), strings.Join(sets, ", "))
}
