package execution_test

import (
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/execution"
	"funding_arb/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLimitPrice(t *testing.T) {
	q := &core.Quote{Bid: d("1999"), Ask: d("2001")}

	tests := []struct {
		name string
		side core.Side
		bps  string
		tick string
		want string
	}{
		{"buy pays up to ask plus buffer", core.SideLong, "15", "0", "2004.0015"},
		{"sell accepts down to bid minus buffer", core.SideShort, "15", "0", "1996.0015"},
		{"buy rounds down to tick", core.SideLong, "15", "0.01", "2004"},
		{"sell rounds up to tick", core.SideShort, "15", "0.01", "1996.01"},
		{"zero buffer is the touch", core.SideLong, "0", "0.1", "2001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execution.LimitPrice(tt.side, q, d(tt.bps), d(tt.tick))
			require.NoError(t, err)
			assert.True(t, d(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestLimitPrice_InvalidBook(t *testing.T) {
	_, err := execution.LimitPrice(core.SideLong, &core.Quote{Bid: d("1"), Ask: d("0")}, d("15"), d("0"))
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)

	_, err = execution.LimitPrice(core.SideShort, &core.Quote{Bid: d("-1"), Ask: d("2")}, d("15"), d("0"))
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func TestSizeOrder(t *testing.T) {
	fine := &core.SymbolRules{QuantityStep: d("0.001"), MinQuantity: d("0.001"), MinNotional: d("5")}
	coarse := &core.SymbolRules{QuantityStep: d("0.01"), MinQuantity: d("0.01"), MinNotional: d("12")}

	t.Run("floors to the coarsest step", func(t *testing.T) {
		qty, err := execution.SizeOrder(d("100"), d("3333"), fine, coarse)
		require.NoError(t, err)
		assert.True(t, d("0.03").Equal(qty), "got %s", qty)
	})

	t.Run("below venue minimum notional after rounding", func(t *testing.T) {
		_, err := execution.SizeOrder(d("15"), d("1000"), fine, coarse)
		assert.ErrorIs(t, err, apperrors.ErrBelowMinimum)
	})

	t.Run("rounds to zero", func(t *testing.T) {
		_, err := execution.SizeOrder(d("5"), d("60000"), coarse)
		assert.ErrorIs(t, err, apperrors.ErrBelowMinimum)
	})

	t.Run("below minimum quantity", func(t *testing.T) {
		rules := &core.SymbolRules{QuantityStep: d("1"), MinQuantity: d("10")}
		_, err := execution.SizeOrder(d("50"), d("10"), rules)
		assert.ErrorIs(t, err, apperrors.ErrBelowMinimum)
	})

	t.Run("invalid mark", func(t *testing.T) {
		_, err := execution.SizeOrder(d("50"), d("0"), fine)
		assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
	})
}

func TestCommonStep(t *testing.T) {
	rules := func(step string) *core.SymbolRules { return &core.SymbolRules{QuantityStep: d(step)} }

	tests := []struct {
		name  string
		rules []*core.SymbolRules
		want  string
	}{
		{"nested steps", []*core.SymbolRules{rules("0.001"), rules("0.01")}, "0.01"},
		{"coprime steps", []*core.SymbolRules{rules("0.02"), rules("0.03")}, "0.06"},
		{"mixed precision", []*core.SymbolRules{rules("0.4"), rules("0.06")}, "1.2"},
		{"integer steps", []*core.SymbolRules{rules("2"), rules("3")}, "6"},
		{"one venue unset", []*core.SymbolRules{rules("0"), rules("0.5"), nil}, "0.5"},
		{"none set", []*core.SymbolRules{rules("0")}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := execution.CommonStep(tt.rules...)
			assert.True(t, d(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestSizeOrder_NonNestedSteps(t *testing.T) {
	a := &core.SymbolRules{QuantityStep: d("0.02")}
	b := &core.SymbolRules{QuantityStep: d("0.03")}

	// flooring to the coarser 0.03 alone would give 0.33, which is not a multiple of 0.02
	qty, err := execution.SizeOrder(d("100"), d("300"), a, b)
	require.NoError(t, err)
	assert.True(t, d("0.3").Equal(qty), "got %s", qty)
}

func TestFitQuantity(t *testing.T) {
	rules := &core.SymbolRules{QuantityStep: d("0.01"), MinQuantity: d("0.02"), MinNotional: d("10")}

	qty, err := execution.FitQuantity(d("0.0555"), d("1000"), rules)
	require.NoError(t, err)
	assert.True(t, d("0.05").Equal(qty))

	_, err = execution.FitQuantity(d("0.015"), d("1000"), rules)
	assert.ErrorIs(t, err, apperrors.ErrBelowMinimum)

	_, err = execution.FitQuantity(d("0.004"), d("1000"), rules)
	assert.ErrorIs(t, err, apperrors.ErrBelowMinimum)
}

func TestRounding(t *testing.T) {
	assert.True(t, d("1.23").Equal(execution.RoundDown(d("1.239"), d("0.01"))))
	assert.True(t, d("1.24").Equal(execution.RoundUp(d("1.231"), d("0.01"))))
	assert.True(t, d("1.231").Equal(execution.RoundUp(d("1.231"), d("0"))))
}
