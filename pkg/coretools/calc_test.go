package coretools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/nia/pkg/fault"
)

func TestEvalExpr(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2 + 3", 5},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 - 4 - 3", 3},
		{"8 / 2 / 2", 2},
		{"10 % 3", 1},
		{"5.5 % 2", 1.5},
		{"2 ^ 10", 1024},
		{"2 ^ 3 ^ 2", 512},
		{"-2 ^ 2", -4},
		{"2 ^ -1", 0.5},
		{"-5 + 3", -2},
		{"+7", 7},
		{"--4", 4},
		{"3.25 * 4", 13},
		{"2e3 + 1", 2001},
		{"1.5E2", 150},
		{"sqrt(16)", 4},
		{"abs(-3.5)", 3.5},
		{"round(2.5)", 3},
		{"floor(2.9)", 2},
		{"ceil(2.1)", 3},
		{"sqrt(abs(-16))", 4},
		{"(1 + 2) * (3 + 4)", 21},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpr(tt.expr)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEvalExpr_Constants(t *testing.T) {
	got, err := evalExpr("2 * pi")
	require.NoError(t, err)
	assert.InDelta(t, 6.283185307, got, 1e-6)

	got, err = evalExpr("e")
	require.NoError(t, err)
	assert.InDelta(t, 2.718281828, got, 1e-6)
}

func TestEvalExpr_Errors(t *testing.T) {
	tests := []struct {
		expr string
		msg  string
	}{
		{"1 / 0", "division by zero"},
		{"10 % 0", "division by zero"},
		{"sqrt(-1)", "negative"},
		{"2 +", "unexpected end"},
		{"(2 + 3", "closing parenthesis"},
		{"2 + 3)", "unexpected"},
		{"2 ** 3", "unexpected"},
		{"frob(2)", "unknown function"},
		{"bogus", "unknown identifier"},
		{"1.2.3", "invalid number"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := evalExpr(tt.expr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "5", formatNumber(5))
	assert.Equal(t, "2.5", formatNumber(2.5))
	// Representation noise stays hidden.
	assert.Equal(t, "0.3", formatNumber(0.1+0.2))
}

func TestCalcTool(t *testing.T) {
	def := calcTool()
	ctx := context.Background()

	t.Run("evaluates", func(t *testing.T) {
		out, err := def.Handler(ctx, map[string]interface{}{"expression": "(2 + 3) * 4"})
		require.NoError(t, err)
		assert.Equal(t, "20", out)
	})

	t.Run("empty expression", func(t *testing.T) {
		_, err := def.Handler(ctx, map[string]interface{}{"expression": "  "})
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})

	t.Run("bad expression carries input", func(t *testing.T) {
		_, err := def.Handler(ctx, map[string]interface{}{"expression": "2 +"})
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
		assert.Contains(t, err.Error(), "2 +")
	})
}
