package operator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/errdefs"
)

func init() {
	Register("type_cast", newTypeCast)
	Register("regex_replace", newRegexReplace)
	Register("fill_nulls", newFillNulls)
	Register("pii_mask", newPIIMask)
}

// typeCastOp coerces columns to target types. Values that cannot be
// coerced become nil rather than failing the stream.
type typeCastOp struct {
	casts map[string]chunk.CastKind
	order []string
}

func newTypeCast(cfg map[string]any) (Operator, error) {
	raw := mapOpt(cfg, "casts")
	if raw == nil {
		raw = mapOpt(cfg, "columns")
	}
	if len(raw) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "type_cast requires casts")
	}
	o := &typeCastOp{casts: make(map[string]chunk.CastKind, len(raw))}
	for col, kind := range raw {
		s, ok := kind.(string)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindConfiguration, "cast target for %q must be a string", col)
		}
		switch k := chunk.CastKind(strings.ToLower(s)); k {
		case chunk.CastInt, chunk.CastFloat, chunk.CastBool, chunk.CastString, chunk.CastDatetime, chunk.CastDate:
			o.casts[col] = k
		default:
			return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown cast target %q for %q", s, col)
		}
		o.order = append(o.order, col)
	}
	sort.Strings(o.order)
	return o, nil
}

func (o *typeCastOp) Class() string { return "type_cast" }

func (o *typeCastOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	out := ch
	for _, col := range o.order {
		src := out.Column(col)
		if src == nil {
			continue
		}
		vals := make([]any, len(src))
		for i, v := range src {
			vals[i] = chunk.Cast(v, o.casts[col])
		}
		next, err := out.WithColumn(col, vals)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "type_cast failed")
		}
		out = next
	}
	return out, nil
}

func (o *typeCastOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }

type regexReplaceOp struct {
	columns     []string
	pattern     *regexp.Regexp
	replacement string
}

func newRegexReplace(cfg map[string]any) (Operator, error) {
	cols := stringsOpt(cfg, "columns")
	if col := stringOpt(cfg, "column", ""); col != "" {
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "regex_replace requires columns")
	}
	src := stringOpt(cfg, "pattern", "")
	if src == "" {
		return nil, errdefs.New(errdefs.KindConfiguration, "regex_replace requires a pattern")
	}
	pattern, err := regexp.Compile(src)
	if err != nil {
		return nil, errdefs.NewCompile(err, "invalid regex_replace pattern")
	}
	return &regexReplaceOp{
		columns:     cols,
		pattern:     pattern,
		replacement: stringOpt(cfg, "replacement", ""),
	}, nil
}

func (o *regexReplaceOp) Class() string { return "regex_replace" }

func (o *regexReplaceOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	out := ch
	for _, col := range o.columns {
		src := out.Column(col)
		if src == nil {
			continue
		}
		vals := make([]any, len(src))
		for i, v := range src {
			if s, ok := v.(string); ok {
				vals[i] = o.pattern.ReplaceAllString(s, o.replacement)
			} else {
				vals[i] = v
			}
		}
		next, err := out.WithColumn(col, vals)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "regex_replace failed")
		}
		out = next
	}
	return out, nil
}

func (o *regexReplaceOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }

// fillNullsOp replaces nulls in the named columns. Strategy "value"
// substitutes a configured constant per column; "zero" and "one" fill
// numeric constants; "forward" carries the last non-null value down the
// stream; "backward", "min", "max" and "mean" need the whole column, so
// they buffer the stream and emit at Flush.
type fillNullsOp struct {
	strategy string
	values   map[string]any
	order    []string

	last     map[string]any
	buffered []*chunk.Chunk
}

func newFillNulls(cfg map[string]any) (Operator, error) {
	strategy := strings.ToLower(stringOpt(cfg, "strategy", "value"))
	cols := stringsOpt(cfg, "columns")
	if col := stringOpt(cfg, "column", ""); col != "" {
		cols = append(cols, col)
	}

	o := &fillNullsOp{strategy: strategy, last: make(map[string]any)}
	switch strategy {
	case "value":
		values := mapOpt(cfg, "values")
		if values == nil {
			// Alternate form: one value applied to a column list.
			if len(cols) > 0 {
				values = make(map[string]any, len(cols))
				for _, col := range cols {
					values[col] = cfg["value"]
				}
			}
		}
		if len(values) == 0 {
			return nil, errdefs.New(errdefs.KindConfiguration, "fill_nulls requires values")
		}
		o.values = values
		for col := range values {
			o.order = append(o.order, col)
		}
		sort.Strings(o.order)
	case "zero", "one", "forward", "backward", "min", "max", "mean":
		if len(cols) == 0 {
			return nil, errdefs.Newf(errdefs.KindConfiguration, "fill_nulls strategy %q requires columns", strategy)
		}
		o.order = cols
	default:
		return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown fill_nulls strategy %q", strategy)
	}
	return o, nil
}

func (o *fillNullsOp) Class() string { return "fill_nulls" }

func (o *fillNullsOp) buffers() bool {
	switch o.strategy {
	case "backward", "min", "max", "mean":
		return true
	}
	return false
}

func (o *fillNullsOp) fillValue(col string) any {
	switch o.strategy {
	case "zero":
		return int64(0)
	case "one":
		return int64(1)
	default:
		return o.values[col]
	}
}

func (o *fillNullsOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	if o.buffers() {
		o.buffered = append(o.buffered, ch)
		return nil, nil
	}

	out := ch
	for _, col := range o.order {
		src := out.Column(col)
		if src == nil {
			continue
		}
		vals := make([]any, len(src))
		for i, v := range src {
			switch {
			case v != nil:
				vals[i] = v
				if o.strategy == "forward" {
					o.last[col] = v
				}
			case o.strategy == "forward":
				vals[i] = o.last[col]
			default:
				vals[i] = o.fillValue(col)
			}
		}
		next, err := out.WithColumn(col, vals)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "fill_nulls failed")
		}
		out = next
	}
	return out, nil
}

func (o *fillNullsOp) Flush(context.Context) (*chunk.Chunk, error) {
	if !o.buffers() || len(o.buffered) == 0 {
		return nil, nil
	}
	out := chunk.Concat(o.buffered...)
	o.buffered = nil

	for _, col := range o.order {
		src := out.Column(col)
		if src == nil {
			continue
		}
		vals := make([]any, len(src))
		copy(vals, src)
		switch o.strategy {
		case "backward":
			var carry any
			for i := len(vals) - 1; i >= 0; i-- {
				if vals[i] != nil {
					carry = vals[i]
				} else {
					vals[i] = carry
				}
			}
		case "min", "max":
			var best any
			for _, v := range vals {
				if v == nil {
					continue
				}
				if best == nil ||
					(o.strategy == "min" && chunk.Compare(v, best) < 0) ||
					(o.strategy == "max" && chunk.Compare(v, best) > 0) {
					best = v
				}
			}
			for i, v := range vals {
				if v == nil {
					vals[i] = best
				}
			}
		case "mean":
			var sum float64
			var n int
			for _, v := range vals {
				if v == nil {
					continue
				}
				if f, ok := chunk.ToFloat(v); ok {
					sum += f
					n++
				}
			}
			if n > 0 {
				mean := sum / float64(n)
				for i, v := range vals {
					if v == nil {
						vals[i] = mean
					}
				}
			}
		}
		next, err := out.WithColumn(col, vals)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "fill_nulls failed")
		}
		out = next
	}
	return out, nil
}

// piiMaskOp obscures sensitive columns. Strategies: redact (fixed
// token), partial (keep last 4 characters), hash (hex SHA-256), regex
// (pattern substitution).
type piiMaskOp struct {
	columns     []string
	strategy    string
	pattern     *regexp.Regexp
	replacement string
}

func newPIIMask(cfg map[string]any) (Operator, error) {
	cols := stringsOpt(cfg, "columns")
	if len(cols) == 0 {
		return nil, errdefs.New(errdefs.KindConfiguration, "pii_mask requires columns")
	}
	o := &piiMaskOp{
		columns:     cols,
		strategy:    stringOpt(cfg, "strategy", "redact"),
		replacement: stringOpt(cfg, "replacement", "***"),
	}
	switch o.strategy {
	case "redact", "partial", "hash":
	case "regex":
		src := stringOpt(cfg, "pattern", "")
		if src == "" {
			return nil, errdefs.New(errdefs.KindConfiguration, "pii_mask regex strategy requires a pattern")
		}
		pattern, err := regexp.Compile(src)
		if err != nil {
			return nil, errdefs.NewCompile(err, "invalid pii_mask pattern")
		}
		o.pattern = pattern
	default:
		return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown pii_mask strategy %q", o.strategy)
	}
	return o, nil
}

func (o *piiMaskOp) Class() string { return "pii_mask" }

func (o *piiMaskOp) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	out := ch
	for _, col := range o.columns {
		src := out.Column(col)
		if src == nil {
			continue
		}
		vals := make([]any, len(src))
		for i, v := range src {
			if v == nil {
				vals[i] = nil
				continue
			}
			vals[i] = o.mask(chunk.ToString(v))
		}
		next, err := out.WithColumn(col, vals)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransformation, err, "pii_mask failed")
		}
		out = next
	}
	return out, nil
}

func (o *piiMaskOp) mask(s string) string {
	switch o.strategy {
	case "partial":
		if len(s) <= 4 {
			return strings.Repeat("*", len(s))
		}
		return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
	case "hash":
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	case "regex":
		return o.pattern.ReplaceAllString(s, o.replacement)
	default:
		return o.replacement
	}
}

func (o *piiMaskOp) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }
