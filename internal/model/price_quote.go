package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is an ephemeral oracle quote. It is never persisted; a quote
// past its freshness window must not feed any risk decision.
type PriceQuote struct {
	FeedID      string
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	PublishTime time.Time
}

// Age returns how old the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.PublishTime)
}

// Fresh reports whether the quote is within maxAge of now.
func (q PriceQuote) Fresh(now time.Time, maxAge time.Duration) bool {
	return q.Age(now) <= maxAge
}

// Confident reports whether confidence/price stays within maxRatio.
// A zero price never qualifies.
func (q PriceQuote) Confident(maxRatio decimal.Decimal) bool {
	if q.Price.IsZero() {
		return false
	}
	return q.Confidence.Div(q.Price.Abs()).LessThanOrEqual(maxRatio)
}
