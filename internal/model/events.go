package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionOpenedData is the decoded PositionOpened payload.
type PositionOpenedData struct {
	PositionID string
	Owner      string
	MarketID   string
	Side       Side
	Size       decimal.Decimal
	Collateral decimal.Decimal
	EntryPrice decimal.Decimal
	Timestamp  time.Time
}

// PositionClosedData is the decoded PositionClosed payload.
type PositionClosedData struct {
	PositionID         string
	Owner              string
	MarketID           string
	ClosePrice         decimal.Decimal
	Size               decimal.Decimal
	CollateralReturned decimal.Decimal
	PnL                decimal.Decimal
	IsProfit           bool
}

// PositionLiquidatedData is the decoded PositionLiquidated payload.
type PositionLiquidatedData struct {
	PositionID         string
	Owner              string
	Liquidator         string
	MarketID           string
	Size               decimal.Decimal
	Collateral         decimal.Decimal
	PnL                decimal.Decimal
	AmountToLiquidator decimal.Decimal
	Timestamp          time.Time
}

// PositionUpdatedData is the decoded PositionUpdated payload. The event
// replaces size, collateral and entry price of an open position.
type PositionUpdatedData struct {
	PositionID    string
	Owner         string
	MarketID      string
	Side          Side
	NewSize       decimal.Decimal
	NewCollateral decimal.Decimal
	NewEntryPrice decimal.Decimal
	Timestamp     time.Time
}
