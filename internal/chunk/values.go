package chunk

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Compare orders two cell values. Nil sorts first; numbers compare
// numerically, times chronologically, everything else by string form.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, aok := ToFloat(a); aok {
		if bf, bok := ToFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(ToString(a), ToString(b))
}

// ToFloat coerces numeric cell values to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ToString renders a cell value for display and hashing.
func ToString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// CastKind is a target type for the type_cast operator.
type CastKind string

const (
	CastInt      CastKind = "int"
	CastFloat    CastKind = "float"
	CastBool     CastKind = "bool"
	CastString   CastKind = "string"
	CastDatetime CastKind = "datetime"
	CastDate     CastKind = "date"
)

// Cast coerces a value to the target kind. Invalid values become nil.
func Cast(v any, kind CastKind) any {
	if v == nil {
		return nil
	}
	switch kind {
	case CastInt:
		if f, ok := ToFloat(v); ok {
			return int64(f)
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(ToString(v)), 10, 64); err == nil {
			return n
		}
		return nil
	case CastFloat:
		if f, ok := ToFloat(v); ok {
			return f
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(ToString(v)), 64); err == nil {
			return f
		}
		return nil
	case CastBool:
		if b, ok := v.(bool); ok {
			return b
		}
		if b, err := strconv.ParseBool(strings.TrimSpace(ToString(v))); err == nil {
			return b
		}
		return nil
	case CastString:
		return ToString(v)
	case CastDatetime, CastDate:
		t, ok := toTime(v)
		if !ok {
			return nil
		}
		if kind == CastDate {
			return t.Truncate(24 * time.Hour)
		}
		return t
	default:
		return nil
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	case int64:
		return time.Unix(t, 0).UTC(), true
	}
	return time.Time{}, false
}
