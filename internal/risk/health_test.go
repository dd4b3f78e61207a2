package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"perpSentinel/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestHealthFactor(t *testing.T) {
	// 1 BTC long from 50000 with 1000 collateral at 5% maintenance margin.
	size, entry, collateral, mmr := d("1"), d("50000"), d("1000"), d("0.05")

	tests := []struct {
		name  string
		side  model.Side
		price string
		want  string
	}{
		{"long at entry", model.Long, "50000", "0.4"},
		{"long in profit", model.Long, "52000", "1.1538461538"},
		{"long deep underwater", model.Long, "49000", "0"},
		{"short at entry", model.Short, "50000", "0.4"},
		{"short in profit", model.Short, "48500", "1.0309278351"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HealthFactor(tt.side, size, entry, d(tt.price), collateral, decimal.Zero, mmr)
			assert.True(t, got.Round(10).Equal(d(tt.want)),
				"health = %s, want %s", got, tt.want)
		})
	}
}

func TestHealthFactorZeroMarginIsMaxHealthy(t *testing.T) {
	got := HealthFactor(model.Long, decimal.Zero, d("50000"), d("50000"), d("1000"), decimal.Zero, d("0.05"))
	assert.True(t, got.Equal(maxHealth))
}

func TestAccumulatedFundingReducesHealth(t *testing.T) {
	base := HealthFactor(model.Long, d("1"), d("50000"), d("52000"), d("1000"), decimal.Zero, d("0.05"))
	funded := HealthFactor(model.Long, d("1"), d("50000"), d("52000"), d("1000"), d("200"), d("0.05"))
	assert.True(t, funded.LessThan(base))
}

func TestLiquidationPriceLong(t *testing.T) {
	// (1*50000 - 1000) / (1 * 0.95) = 51578.9473...
	got := LiquidationPrice(model.Long, d("1"), d("50000"), d("1000"), d("0.05"))
	assert.Equal(t, "51578.95", got.Round(2).String())

	// Health at the liquidation price is exactly 1.
	health := HealthFactor(model.Long, d("1"), d("50000"), got, d("1000"), decimal.Zero, d("0.05"))
	assert.True(t, health.Round(8).Equal(d("1")), "health at liq price = %s", health)
}

func TestLiquidationPriceShort(t *testing.T) {
	// (1*50000 + 1000) / (1 * 1.05) = 48571.4285...
	got := LiquidationPrice(model.Short, d("1"), d("50000"), d("1000"), d("0.05"))
	assert.Equal(t, "48571.43", got.Round(2).String())

	health := HealthFactor(model.Short, d("1"), d("50000"), got, d("1000"), decimal.Zero, d("0.05"))
	assert.True(t, health.Round(8).Equal(d("1")), "health at liq price = %s", health)
}

func TestLiquidationPriceFloorsAtZero(t *testing.T) {
	// Collateral exceeds notional: a long can never be liquidated by price.
	got := LiquidationPrice(model.Long, d("1"), d("100"), d("500"), d("0.05"))
	assert.True(t, got.IsZero())

	assert.True(t, LiquidationPrice(model.Long, decimal.Zero, d("100"), d("10"), d("0.05")).IsZero())
}

func TestDeriveExitPrice(t *testing.T) {
	// Long closed at -200 over size 2: exit = 3000 + (-200/2) = 2900.
	got := DeriveExitPrice(model.Long, d("2"), d("3000"), d("-200"))
	assert.Equal(t, "2900", got.String())

	// Short with the same loss moves the other way.
	got = DeriveExitPrice(model.Short, d("2"), d("3000"), d("-200"))
	assert.Equal(t, "3100", got.String())

	assert.Equal(t, "3000", DeriveExitPrice(model.Long, decimal.Zero, d("3000"), d("-200")).String())
}

func TestPotentialReward(t *testing.T) {
	got := PotentialReward(d("2"), d("2850"), d("0.01"))
	assert.Equal(t, "57", got.String())
}

func TestLeverage(t *testing.T) {
	assert.Equal(t, "20", Leverage(d("2"), d("3000"), d("300")).String())
	assert.True(t, Leverage(d("2"), d("3000"), decimal.Zero).IsZero())
}
