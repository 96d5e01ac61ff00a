package operator

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/errdefs"
)

func init() {
	Register("validate", newValidate)
}

// Quarantine metadata columns stamped onto diverted rows.
const (
	ColQuarantineReason = "__synqx_quarantine_reason__"
	ColQuarantineAt     = "__synqx_quarantine_at__"
)

// canonicalCheck maps a configured check name to its canonical kind.
// min/max/in_set are accepted as legacy spellings of min_value, max_value
// and in_list.
func canonicalCheck(name string) (string, bool) {
	switch name {
	case "not_null", "unique", "min_value", "max_value", "regex", "in_list", "data_type":
		return name, true
	case "min":
		return "min_value", true
	case "max":
		return "max_value", true
	case "in_set":
		return "in_list", true
	default:
		return "", false
	}
}

// validateRule is one column check. Canonical checks: not_null, unique
// (within a single job's stream), min_value, max_value, regex, in_list,
// data_type. The quarantine reason token keeps the check name as
// configured.
type validateRule struct {
	column   string
	check    string
	kind     string
	value    any
	dataType string
	pattern  *regexp.Regexp
	allowed  map[string]struct{}
	seen     map[string]struct{}
}

func (r *validateRule) token() string { return r.column + ":" + r.check }

func (r *validateRule) passes(v any) bool {
	switch r.kind {
	case "not_null":
		return v != nil
	case "min_value":
		return v == nil || chunk.Compare(v, r.value) >= 0
	case "max_value":
		return v == nil || chunk.Compare(v, r.value) <= 0
	case "regex":
		if v == nil {
			return true
		}
		return r.pattern.MatchString(chunk.ToString(v))
	case "in_list":
		if v == nil {
			return true
		}
		_, ok := r.allowed[chunk.ToString(v)]
		return ok
	case "data_type":
		return v == nil || valueHasType(v, r.dataType)
	case "unique":
		if v == nil {
			return true
		}
		key := chunk.ToString(v)
		if _, dup := r.seen[key]; dup {
			return false
		}
		r.seen[key] = struct{}{}
		return true
	default:
		return true
	}
}

// valueHasType matches a value against the type vocabulary used by
// type_cast and schema inference.
func valueHasType(v any, want string) bool {
	switch want {
	case "int", "integer", "bigint":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
	case "float", "double", "decimal":
		switch v.(type) {
		case float32, float64:
			return true
		}
	case "number", "numeric":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
	case "bool", "boolean":
		_, ok := v.(bool)
		return ok
	case "string", "text", "varchar":
		_, ok := v.(string)
		return ok
	case "datetime", "timestamp", "date":
		_, ok := v.(time.Time)
		return ok
	}
	return false
}

// validateOp checks rows against rules, diverting failures to the
// quarantine stream with reason and timestamp columns. Error thresholds
// are cumulative over the whole stream: the operator fails as soon as
// the running totals cross either bound. Schema drift is checked once,
// on the first chunk, in both directions: expected columns that are
// absent, and present columns that were not expected.
type validateOp struct {
	rules             []*validateRule
	expectedColumns   []string
	strict            bool
	allowExtraColumns bool
	maxErrorPercent   float64
	maxErrorRows      int64
	now               func() time.Time

	firstChunkSeen bool
	totalRows      int64
	failedRows     int64
	quarantine     []*chunk.Chunk
}

func newValidate(cfg map[string]any) (Operator, error) {
	rawRules, ok := cfg["rules"].([]any)
	if !ok || len(rawRules) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "validate requires rules")
	}
	o := &validateOp{
		expectedColumns:   stringsOpt(cfg, "expected_columns"),
		strict:            boolOpt(cfg, "strict", false),
		allowExtraColumns: boolOpt(cfg, "allow_extra_columns", false),
		maxErrorPercent:   floatOpt(cfg, "error_threshold_percent", floatOpt(cfg, "max_error_percent", 100)),
		maxErrorRows:      int64(floatOpt(cfg, "error_threshold_rows", floatOpt(cfg, "max_error_rows", -1))),
		now:               time.Now,
	}
	for _, raw := range rawRules {
		spec, ok := raw.(map[string]any)
		if !ok {
			return nil, errdefs.New(errdefs.KindConfiguration, "validate rule must be an object")
		}
		rule := &validateRule{
			column: stringOpt(spec, "column", ""),
			check:  strings.ToLower(stringOpt(spec, "check", "")),
			value:  spec["value"],
		}
		if rule.column == "" {
			return nil, errdefs.New(errdefs.KindConfiguration, "validate rule requires a column")
		}
		kind, known := canonicalCheck(rule.check)
		if !known {
			return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown validate check %q for %q", rule.check, rule.column)
		}
		rule.kind = kind
		switch kind {
		case "not_null", "min_value", "max_value":
		case "regex":
			src := stringOpt(spec, "pattern", chunk.ToString(spec["value"]))
			pattern, err := regexp.Compile(src)
			if err != nil {
				return nil, errdefs.NewCompile(err, "invalid validate pattern for "+rule.column)
			}
			rule.pattern = pattern
		case "in_list":
			rule.allowed = make(map[string]struct{})
			switch vals := spec["value"].(type) {
			case []any:
				for _, v := range vals {
					rule.allowed[chunk.ToString(v)] = struct{}{}
				}
			default:
				return nil, errdefs.Newf(errdefs.KindConfiguration, "%s rule for %q requires a value list", rule.check, rule.column)
			}
		case "data_type":
			rule.dataType = strings.ToLower(stringOpt(spec, "data_type", chunk.ToString(spec["value"])))
			if rule.dataType == "" {
				return nil, errdefs.Newf(errdefs.KindConfiguration, "data_type rule for %q requires a type name", rule.column)
			}
		case "unique":
			rule.seen = make(map[string]struct{})
		}
		o.rules = append(o.rules, rule)
	}
	return o, nil
}

func (o *validateOp) Class() string { return "validate" }

func (o *validateOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	if !o.firstChunkSeen {
		o.firstChunkSeen = true
		if err := o.checkSchema(ch); err != nil {
			return nil, err
		}
	}
	if ch.IsEmpty() {
		return ch, nil
	}

	passMask := make([]bool, ch.NumRows())
	reasons := make([]string, 0)
	failIdx := make([]int, 0)
	for i := 0; i < ch.NumRows(); i++ {
		var tokens []string
		for _, rule := range o.rules {
			if !rule.passes(ch.Value(i, rule.column)) {
				tokens = append(tokens, rule.token())
			}
		}
		if len(tokens) == 0 {
			passMask[i] = true
			continue
		}
		failIdx = append(failIdx, i)
		reasons = append(reasons, strings.Join(tokens, ";"))
	}

	o.totalRows += int64(ch.NumRows())
	o.failedRows += int64(len(failIdx))

	if len(failIdx) > 0 {
		q := ch.Take(failIdx)
		at := o.now().UTC()
		reasonVals := make([]any, len(failIdx))
		atVals := make([]any, len(failIdx))
		for i := range failIdx {
			reasonVals[i] = reasons[i]
			atVals[i] = at
		}
		q, err := q.WithColumn(ColQuarantineReason, reasonVals)
		if err == nil {
			q, err = q.WithColumn(ColQuarantineAt, atVals)
		}
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "quarantine assembly failed")
		}
		o.quarantine = append(o.quarantine, q)
	}

	if err := o.checkThresholds(); err != nil {
		return nil, err
	}
	return ch.FilterMask(passMask), nil
}

func (o *validateOp) checkSchema(ch *chunk.Chunk) error {
	if len(o.expectedColumns) == 0 {
		return nil
	}
	have := ch.ColumnSet()
	expected := make(map[string]struct{}, len(o.expectedColumns))
	var missing []string
	for _, col := range o.expectedColumns {
		expected[col] = struct{}{}
		if _, ok := have[col]; !ok {
			missing = append(missing, col)
		}
	}
	var extra []string
	for _, col := range ch.Columns() {
		if _, ok := expected[col]; !ok {
			extra = append(extra, col)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	if len(extra) > 0 && len(missing) == 0 && !o.strict && o.allowExtraColumns {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing columns "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unexpected columns "+strings.Join(extra, ", "))
	}
	return errdefs.Newf(errdefs.KindTransformation, "schema drift: %s", strings.Join(parts, "; "))
}

func (o *validateOp) checkThresholds() error {
	if o.maxErrorRows >= 0 && o.failedRows > o.maxErrorRows {
		return errdefs.Newf(errdefs.KindTransformation,
			"validation failed: %d rows over the %d row error budget", o.failedRows, o.maxErrorRows)
	}
	if o.totalRows > 0 {
		pct := float64(o.failedRows) / float64(o.totalRows) * 100
		if pct > o.maxErrorPercent {
			return errdefs.Newf(errdefs.KindTransformation,
				"validation failed: %.1f%% of rows over the %.1f%% error budget", pct, o.maxErrorPercent)
		}
	}
	return nil
}

func (o *validateOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }

// TakeQuarantine returns rows diverted since the last call.
func (o *validateOp) TakeQuarantine() *chunk.Chunk {
	if len(o.quarantine) == 0 {
		return nil
	}
	out := chunk.Concat(o.quarantine...)
	o.quarantine = nil
	return out
}
