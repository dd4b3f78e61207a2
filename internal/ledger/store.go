// Package ledger owns the durable off-chain view of markets, positions,
// funding history, liquidations and the sync checkpoint. Write ownership is
// partitioned: the synchronizer mutates positions, open interest and the
// checkpoint; the funding engine mutates funding fields and snapshots; all
// other components read.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"perpSentinel/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrCheckpointRegression is an invariant violation: an attempt to move
	// the sync checkpoint backwards. The write is rejected.
	ErrCheckpointRegression = errors.New("ledger: checkpoint regression")

	// ErrTerminalPosition is an invariant violation: an attempt to mutate a
	// closed or liquidated position.
	ErrTerminalPosition = errors.New("ledger: position already terminal")
)

// PositionFilter narrows position listings. Zero values match everything.
type PositionFilter struct {
	UserAddress string
	MarketID    string
	Status      model.PositionStatus
	Limit       int
	Offset      int
}

// Tx is the transactional view the synchronizer applies one event batch
// against. All mutations within one ApplyBatch call commit or roll back
// together with the checkpoint advance.
type Tx interface {
	Market(ctx context.Context, marketID string) (model.Market, error)
	Position(ctx context.Context, positionID string) (model.Position, error)
	InsertPosition(ctx context.Context, p model.Position) error
	UpdatePosition(ctx context.Context, p model.Position) error
	AdjustOpenInterest(ctx context.Context, marketID string, side model.Side, delta decimal.Decimal) error
	InsertLiquidation(ctx context.Context, rec model.LiquidationRecord) error
}

// Store is the Ledger Store contract shared by the postgres and in-memory
// implementations.
type Store interface {
	// Checkpoint returns the last durably applied height for the chain,
	// or ErrNotFound before the first batch.
	Checkpoint(ctx context.Context, chainID uint64) (model.SyncCheckpoint, error)

	// ApplyBatch runs fn against a transactional view and advances the
	// checkpoint to newHeight in the same transaction. The checkpoint never
	// advances past events not yet durably applied and never moves
	// backwards (ErrCheckpointRegression).
	ApplyBatch(ctx context.Context, chainID, newHeight uint64, fn func(tx Tx) error) error

	Market(ctx context.Context, marketID string) (model.Market, error)
	Markets(ctx context.Context, status model.MarketStatus) ([]model.Market, error)
	UpsertMarket(ctx context.Context, m model.Market) error

	// RecordFunding writes the snapshot and updates the market's current
	// rate, open-interest aggregates and last-funding timestamp atomically.
	RecordFunding(ctx context.Context, snap model.FundingRateSnapshot) error
	FundingHistory(ctx context.Context, marketID string, from, to time.Time, limit int) ([]model.FundingRateSnapshot, error)

	Position(ctx context.Context, positionID string) (model.Position, error)
	OpenPositions(ctx context.Context) ([]model.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]model.Position, error)

	Liquidation(ctx context.Context, positionID string) (model.LiquidationRecord, error)
	ListLiquidations(ctx context.Context, marketID string, limit int) ([]model.LiquidationRecord, error)
}
