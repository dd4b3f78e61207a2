package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// PositionStatus is the lifecycle state of a position. A position leaves
// open exactly once and a terminal status is never mutated again.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// Position mirrors an on-chain position object in the ledger.
type Position struct {
	PositionID  string
	MarketID    string
	UserAddress string

	Side       Side
	Size       decimal.Decimal
	Collateral decimal.Decimal
	Leverage   decimal.Decimal

	EntryPrice decimal.Decimal
	ExitPrice  *decimal.Decimal

	RealizedPnL        decimal.Decimal
	AccumulatedFunding decimal.Decimal

	Status PositionStatus

	BlockHeight     uint64
	TransactionHash string
	CloseTxHash     string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Terminal reports whether the position has reached a final status.
func (p *Position) Terminal() bool {
	return p.Status == PositionClosed || p.Status == PositionLiquidated
}

// UnrealizedPnL computes mark-to-market PnL at the given price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.Side == Long {
		return p.Size.Mul(price.Sub(p.EntryPrice))
	}
	return p.Size.Mul(p.EntryPrice.Sub(price))
}
