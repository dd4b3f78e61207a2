package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingRateSnapshot is one append-only funding history row, written once
// per funding-interval tick per market.
type FundingRateSnapshot struct {
	MarketID string
	Rate     decimal.Decimal
	LongOI   decimal.Decimal
	ShortOI  decimal.Decimal
	Timestamp time.Time
}
