package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationRecord is written exactly once per liquidated position.
type LiquidationRecord struct {
	PositionID        string
	MarketID          string
	UserAddress       string
	LiquidatorAddress string

	LiquidationPrice decimal.Decimal
	Collateral       decimal.Decimal
	Fee              decimal.Decimal

	TransactionHash string
	BlockHeight     uint64
	Timestamp       time.Time
}
