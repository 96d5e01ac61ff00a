package operator_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/operator"
)

func newValidateOp(t *testing.T, cfg map[string]any) operator.Operator {
	t.Helper()
	op, err := operator.New("validate", cfg)
	require.NoError(t, err)
	return op
}

func TestValidateQuarantinesFailingRows(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules": []any{
			map[string]any{"column": "email", "check": "not_null"},
			map[string]any{"column": "age", "check": "min", "value": 0},
		},
	})

	in := chunk.FromRows([]string{"email", "age"}, []map[string]any{
		{"email": "ok@example.com", "age": 30},
		{"email": nil, "age": -5},
		{"email": "also@example.com", "age": 40},
	})
	out, err := op.Transform(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumRows(), "passing rows flow through")

	q := op.(operator.Quarantiner).TakeQuarantine()
	require.NotNil(t, q)
	require.Equal(t, 1, q.NumRows())

	reason := q.Value(0, operator.ColQuarantineReason).(string)
	tokens := strings.Split(reason, ";")
	assert.ElementsMatch(t, []string{"email:not_null", "age:min"}, tokens)
	assert.NotNil(t, q.Value(0, operator.ColQuarantineAt))

	assert.Nil(t, op.(operator.Quarantiner).TakeQuarantine(), "quarantine drains once")
}

func TestValidatePartitionsRowsUnderPercentThreshold(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules": []any{
			map[string]any{"column": "email", "check": "not_null"},
			map[string]any{"column": "email", "check": "regex", "pattern": "^.+@.+$"},
		},
		"error_threshold_percent": 50,
	})

	in := chunk.FromRows([]string{"email"}, []map[string]any{
		{"email": "a@example.com"},
		{"email": nil},
		{"email": "b@example.com"},
		{"email": "not-an-email"},
		{"email": "c@example.com"},
	})
	out, err := op.Transform(context.Background(), in)
	require.NoError(t, err, "40% failed stays inside a 50% threshold")
	assert.Equal(t, 3, out.NumRows())

	q := op.(operator.Quarantiner).TakeQuarantine()
	require.NotNil(t, q)
	require.Equal(t, 2, q.NumRows())
	assert.Equal(t, "email:not_null", q.Value(0, operator.ColQuarantineReason))
	assert.Equal(t, "email:regex", q.Value(1, operator.ColQuarantineReason))
}

func TestValidateValueBoundsAndListChecks(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules": []any{
			map[string]any{"column": "age", "check": "min_value", "value": 0},
			map[string]any{"column": "age", "check": "max_value", "value": 120},
			map[string]any{"column": "status", "check": "in_list", "value": []any{"active", "closed"}},
		},
	})

	in := chunk.FromRows([]string{"age", "status"}, []map[string]any{
		{"age": 30, "status": "active"},
		{"age": -1, "status": "active"},
		{"age": 140, "status": "closed"},
		{"age": 50, "status": "pending"},
	})
	out, err := op.Transform(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NumRows())

	q := op.(operator.Quarantiner).TakeQuarantine()
	require.Equal(t, 3, q.NumRows())
	assert.Equal(t, "age:min_value", q.Value(0, operator.ColQuarantineReason))
	assert.Equal(t, "age:max_value", q.Value(1, operator.ColQuarantineReason))
	assert.Equal(t, "status:in_list", q.Value(2, operator.ColQuarantineReason))
}

func TestValidateDataTypeCheck(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules": []any{
			map[string]any{"column": "amount", "check": "data_type", "data_type": "float"},
		},
	})

	in := chunk.FromRows([]string{"amount"}, []map[string]any{
		{"amount": 12.5},
		{"amount": "12.5"},
		{"amount": nil},
	})
	out, err := op.Transform(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumRows(), "nulls are not type violations")

	q := op.(operator.Quarantiner).TakeQuarantine()
	require.Equal(t, 1, q.NumRows())
	assert.Equal(t, "amount:data_type", q.Value(0, operator.ColQuarantineReason))
}

func TestValidateErrorRowBudget(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules":          []any{map[string]any{"column": "v", "check": "not_null"}},
		"max_error_rows": 1,
	})

	ctx := context.Background()
	_, err := op.Transform(ctx, chunk.FromRows([]string{"v"}, []map[string]any{
		{"v": nil}, {"v": "x"},
	}))
	require.NoError(t, err, "one failure is inside the budget")

	_, err = op.Transform(ctx, chunk.FromRows([]string{"v"}, []map[string]any{
		{"v": nil},
	}))
	assert.ErrorContains(t, err, "error budget", "budget is cumulative across chunks")
}

func TestValidateErrorPercentBudgetIsCumulative(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules":             []any{map[string]any{"column": "v", "check": "not_null"}},
		"max_error_percent": 30,
	})

	ctx := context.Background()
	// 1 of 4 failing: 25%, within budget.
	_, err := op.Transform(ctx, chunk.FromRows([]string{"v"}, []map[string]any{
		{"v": nil}, {"v": 1}, {"v": 2}, {"v": 3},
	}))
	require.NoError(t, err)

	// 2 more failures push the cumulative rate to 3/6 = 50%.
	_, err = op.Transform(ctx, chunk.FromRows([]string{"v"}, []map[string]any{
		{"v": nil}, {"v": nil},
	}))
	assert.ErrorContains(t, err, "error budget")
}

func TestValidateSchemaDriftOnFirstChunk(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules":            []any{map[string]any{"column": "id", "check": "not_null"}},
		"expected_columns": []any{"id", "name"},
	})

	_, err := op.Transform(context.Background(),
		chunk.FromRows([]string{"id"}, []map[string]any{{"id": 1}}))
	assert.ErrorContains(t, err, "schema drift")
}

func TestValidateSchemaDriftExtraColumns(t *testing.T) {
	t.Parallel()

	rules := []any{map[string]any{"column": "id", "check": "not_null"}}
	in := chunk.FromRows([]string{"id", "surprise"}, []map[string]any{
		{"id": 1, "surprise": "x"},
	})

	op := newValidateOp(t, map[string]any{
		"rules":            rules,
		"expected_columns": []any{"id"},
	})
	_, err := op.Transform(context.Background(), in)
	assert.ErrorContains(t, err, "unexpected columns", "extra columns fail by default")

	op = newValidateOp(t, map[string]any{
		"rules":               rules,
		"expected_columns":    []any{"id"},
		"allow_extra_columns": true,
	})
	out, err := op.Transform(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NumRows())

	op = newValidateOp(t, map[string]any{
		"rules":               rules,
		"expected_columns":    []any{"id"},
		"allow_extra_columns": true,
		"strict":              true,
	})
	_, err = op.Transform(context.Background(), in)
	assert.ErrorContains(t, err, "unexpected columns", "strict overrides allow_extra_columns")
}

func TestValidateThresholdKeyAliases(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules":                []any{map[string]any{"column": "v", "check": "not_null"}},
		"error_threshold_rows": 0,
	})
	_, err := op.Transform(context.Background(), chunk.FromRows([]string{"v"}, []map[string]any{
		{"v": nil},
	}))
	assert.ErrorContains(t, err, "error budget")
}

func TestValidateUniqueCheck(t *testing.T) {
	t.Parallel()

	op := newValidateOp(t, map[string]any{
		"rules": []any{map[string]any{"column": "id", "check": "unique"}},
	})

	ctx := context.Background()
	out, err := op.Transform(ctx, chunk.FromRows([]string{"id"}, []map[string]any{
		{"id": 1}, {"id": 1},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, out.NumRows())

	out, err = op.Transform(ctx, chunk.FromRows([]string{"id"}, []map[string]any{
		{"id": 1},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, out.NumRows(), "uniqueness tracks across chunks")
}
