package breach

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalExpression(t *testing.T) {
	vars := map[string]float64{
		"tokens_denied":  30,
		"token_requests": 120,
		"login_failures": 7,
	}
	tests := []struct {
		expr string
		want float64
	}{
		{"tokens_denied", 30},
		{"tokens_denied / token_requests", 0.25},
		{"tokens_denied / token_requests * 100", 25},
		{"login_failures + tokens_denied", 37},
		{"(login_failures + tokens_denied) * 2", 74},
		{"tokens_denied - 10", 20},
		{"-login_failures", -7},
		{"2.5 * 4", 10},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpression(tt.expr, vars)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEvalExpression_DivisionByZero(t *testing.T) {
	got, err := evalExpression("a / b", map[string]float64{"a": 5, "b": 0})
	require.NoError(t, err)
	assert.Equal(t, float64(0), got)
}

func TestEvalExpression_Errors(t *testing.T) {
	vars := map[string]float64{"a": 1}
	for _, expr := range []string{
		"",
		"a +",
		"(a",
		"a b",
		"unknown_metric",
		"a; drop",
		"a > 1",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := evalExpression(expr, vars)
			assert.Error(t, err)
		})
	}
}
