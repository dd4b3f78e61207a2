package risk

import (
	"github.com/shopspring/decimal"

	"perpSentinel/internal/model"
)

var (
	one = decimal.NewFromInt(1)

	// maxHealth stands in for "infinitely healthy" when the maintenance
	// margin is zero (empty position).
	maxHealth = decimal.NewFromInt(999999)
)

// UnrealizedPnL is size*(price-entry) for longs and size*(entry-price)
// for shorts.
func UnrealizedPnL(side model.Side, size, entry, price decimal.Decimal) decimal.Decimal {
	if side == model.Long {
		return size.Mul(price.Sub(entry))
	}
	return size.Mul(entry.Sub(price))
}

// HealthFactor is equity over required maintenance margin:
//
//	(collateral + unrealizedPnL - accumulatedFunding) / (size * price * mmr)
//
// A position is liquidatable at health <= 1.
func HealthFactor(side model.Side, size, entry, price, collateral, accumulatedFunding, mmr decimal.Decimal) decimal.Decimal {
	margin := size.Mul(price).Mul(mmr)
	if !margin.IsPositive() {
		return maxHealth
	}
	equity := collateral.Add(UnrealizedPnL(side, size, entry, price)).Sub(accumulatedFunding)
	return equity.Div(margin)
}

// LiquidationPrice solves HealthFactor == 1 for price:
//
//	long:  p = (size*entry - collateral) / (size * (1 - mmr))
//	short: p = (size*entry + collateral) / (size * (1 + mmr))
//
// floored at zero.
func LiquidationPrice(side model.Side, size, entry, collateral, mmr decimal.Decimal) decimal.Decimal {
	if !size.IsPositive() {
		return decimal.Zero
	}

	var p decimal.Decimal
	if side == model.Long {
		denom := size.Mul(one.Sub(mmr))
		if !denom.IsPositive() {
			return decimal.Zero
		}
		p = size.Mul(entry).Sub(collateral).Div(denom)
	} else {
		p = size.Mul(entry).Add(collateral).Div(size.Mul(one.Add(mmr)))
	}

	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}

// PotentialReward estimates the liquidator's take: notional times the
// market's liquidation fee rate.
func PotentialReward(size, price, feeRate decimal.Decimal) decimal.Decimal {
	return size.Mul(price).Mul(feeRate)
}

// DeriveExitPrice backs the exit price out of realized PnL when the close
// event did not carry one.
func DeriveExitPrice(side model.Side, size, entry, realizedPnL decimal.Decimal) decimal.Decimal {
	if !size.IsPositive() {
		return entry
	}
	perUnit := realizedPnL.Div(size)

	var exit decimal.Decimal
	if side == model.Long {
		exit = entry.Add(perUnit)
	} else {
		exit = entry.Sub(perUnit)
	}
	if exit.IsNegative() {
		return decimal.Zero
	}
	return exit
}

// Leverage is notional over collateral; zero collateral yields zero.
func Leverage(size, entry, collateral decimal.Decimal) decimal.Decimal {
	if !collateral.IsPositive() {
		return decimal.Zero
	}
	return size.Mul(entry).Div(collateral)
}
