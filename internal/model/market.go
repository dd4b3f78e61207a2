package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketActive MarketStatus = "active"
	MarketPaused MarketStatus = "paused"
	MarketClosed MarketStatus = "closed"
)

// Market holds per-instrument parameters and running open-interest totals.
// Markets are created by admin tooling and only ever soft-closed.
type Market struct {
	MarketID    string
	Symbol      string
	BaseToken   string
	QuoteToken  string
	PriceFeedID string

	MaxLeverage           decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	LiquidationFeeRate    decimal.Decimal

	FundingInterval time.Duration
	MaxFundingRate  decimal.Decimal

	LongOI  decimal.Decimal
	ShortOI decimal.Decimal

	CurrentFundingRate decimal.Decimal
	LastFundingUpdate  *time.Time

	Status MarketStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FundingDue reports whether the market's funding interval has elapsed.
func (m *Market) FundingDue(now time.Time) bool {
	if m.Status != MarketActive {
		return false
	}
	if m.LastFundingUpdate == nil {
		return true
	}
	return !m.LastFundingUpdate.Add(m.FundingInterval).After(now)
}
