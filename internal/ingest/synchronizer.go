// Package ingest keeps the ledger in lockstep with the chain. One
// synchronizer instance per deployment: batches never overlap, events are
// applied in (checkpoint, event seq) order, and the checkpoint advances in
// the same transaction as the batch it covers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"perpSentinel/internal/ledger"
	"perpSentinel/internal/model"
	"perpSentinel/internal/notify"
	"perpSentinel/internal/observability"
	"perpSentinel/internal/risk"
)

// ChainSource is the slice of the chain RPC surface the synchronizer needs.
type ChainSource interface {
	LatestCheckpoint(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, fromCheckpoint, toCheckpoint uint64) ([]model.RawEvent, error)
}

// Config holds synchronizer settings.
type Config struct {
	ChainID      uint64
	StartHeight  uint64
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// Synchronizer applies chain events to the ledger.
type Synchronizer struct {
	cfg      Config
	chain    ChainSource
	store    ledger.Store
	notifier *notify.Publisher
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewSynchronizer builds a Synchronizer with its dependencies.
func NewSynchronizer(cfg Config, chain ChainSource, store ledger.Store, notifier *notify.Publisher, metrics *observability.Metrics, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	return &Synchronizer{
		cfg:      cfg,
		chain:    chain,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Sync runs one catch-up pass: from the durable checkpoint to the chain
// head, batch by batch. A batch that fails leaves the checkpoint untouched
// so the same range is retried on the next tick.
func (s *Synchronizer) Sync(ctx context.Context) error {
	from, err := s.lastHeight(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	var head uint64
	err = withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		head, err = s.chain.LatestCheckpoint(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("get chain head: %w", err)
	}

	if from >= head {
		return nil
	}

	s.logger.Info("syncing", zap.Uint64("from", from), zap.Uint64("head", head))

	for from < head {
		// Cancellation is observed between batches only; an in-flight
		// batch commits or rolls back as a unit.
		if err := ctx.Err(); err != nil {
			return err
		}

		to := from + s.cfg.BatchSize
		if to > head {
			to = head
		}

		if err := s.syncBatch(ctx, from, to); err != nil {
			return fmt.Errorf("batch (%d, %d]: %w", from, to, err)
		}
		from = to
	}

	return nil
}

func (s *Synchronizer) syncBatch(ctx context.Context, from, to uint64) error {
	start := time.Now()

	var raws []model.RawEvent
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		raws, err = s.chain.QueryEvents(ctx, from, to)
		if err != nil {
			s.logger.Warn("query events failed", zap.Error(err), zap.Uint64("from", from), zap.Uint64("to", to))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	events := s.decodeBatch(raws)

	var published []func(context.Context)
	err = s.store.ApplyBatch(ctx, s.cfg.ChainID, to, func(tx ledger.Tx) error {
		for _, ev := range events {
			notes, err := s.applyEvent(ctx, tx, ev)
			if err != nil {
				return fmt.Errorf("apply %s %s: %w", ev.Kind, ev.Key(), err)
			}
			published = append(published, notes...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, fn := range published {
		fn(ctx)
	}

	s.metrics.SetCheckpoint(to)
	s.metrics.ObserveBatch(time.Since(start).Seconds())
	s.logger.Info("batch applied",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("events", len(events)),
	)
	return nil
}

// decodeBatch decodes raw events once at the boundary and enforces strict
// (checkpoint, event seq) ordering. Malformed payloads are logged and
// dropped without failing the batch.
func (s *Synchronizer) decodeBatch(raws []model.RawEvent) []model.ChainEvent {
	events := make([]model.ChainEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := model.DecodeEvent(raw)
		if err != nil {
			s.metrics.EventSkipped("malformed")
			s.logger.Warn("skip malformed event",
				zap.String("type", raw.Type),
				zap.String("tx_digest", raw.ID.TxDigest),
				zap.Error(err),
			)
			continue
		}
		if ev.Kind == model.EventUnknown {
			s.metrics.EventSkipped("unknown")
			s.logger.Debug("skip unknown event type", zap.String("type", raw.Type))
			continue
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Checkpoint != events[j].Checkpoint {
			return events[i].Checkpoint < events[j].Checkpoint
		}
		return events[i].EventSeq < events[j].EventSeq
	})
	return events
}

func (s *Synchronizer) applyEvent(ctx context.Context, tx ledger.Tx, ev model.ChainEvent) ([]func(context.Context), error) {
	switch ev.Kind {
	case model.EventPositionOpened:
		return s.applyOpened(ctx, tx, ev)
	case model.EventPositionClosed:
		return s.applyClosed(ctx, tx, ev)
	case model.EventPositionLiquidated:
		return s.applyLiquidated(ctx, tx, ev)
	case model.EventPositionUpdated:
		return s.applyUpdated(ctx, tx, ev)
	default:
		return nil, nil
	}
}

func (s *Synchronizer) applyOpened(ctx context.Context, tx ledger.Tx, ev model.ChainEvent) ([]func(context.Context), error) {
	data := ev.Opened

	if _, err := tx.Position(ctx, data.PositionID); err == nil {
		// Replay of an already-applied event.
		s.metrics.EventSkipped("duplicate")
		s.logger.Debug("position already indexed", zap.String("position_id", data.PositionID))
		return nil, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	position := model.Position{
		PositionID:      data.PositionID,
		MarketID:        data.MarketID,
		UserAddress:     data.Owner,
		Side:            data.Side,
		Size:            data.Size,
		Collateral:      data.Collateral,
		Leverage:        risk.Leverage(data.Size, data.EntryPrice, data.Collateral),
		EntryPrice:      data.EntryPrice,
		Status:          model.PositionOpen,
		BlockHeight:     ev.Checkpoint,
		TransactionHash: ev.TxDigest,
		CreatedAt:       data.Timestamp,
		UpdatedAt:       data.Timestamp,
	}
	if err := tx.InsertPosition(ctx, position); err != nil {
		return nil, err
	}
	if err := tx.AdjustOpenInterest(ctx, data.MarketID, data.Side, data.Size); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("market not found for open interest update", zap.String("market_id", data.MarketID))
			return nil, nil
		}
		return nil, err
	}

	s.metrics.EventApplied(string(ev.Kind))
	return []func(context.Context){func(ctx context.Context) {
		s.notifier.PositionOpened(ctx, position)
	}}, nil
}

func (s *Synchronizer) applyClosed(ctx context.Context, tx ledger.Tx, ev model.ChainEvent) ([]func(context.Context), error) {
	data := ev.Closed

	position, err := tx.Position(ctx, data.PositionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("close for unindexed position", zap.String("position_id", data.PositionID))
			return nil, nil
		}
		return nil, err
	}
	if position.Terminal() {
		s.metrics.EventSkipped("duplicate")
		return nil, nil
	}

	exitPrice := data.ClosePrice
	if exitPrice.IsZero() {
		exitPrice = risk.DeriveExitPrice(position.Side, position.Size, position.EntryPrice, data.PnL)
	}

	closedAt := ev.Timestamp
	position.Status = model.PositionClosed
	position.ExitPrice = &exitPrice
	position.RealizedPnL = data.PnL
	position.CloseTxHash = ev.TxDigest
	position.UpdatedAt = ev.Timestamp
	position.ClosedAt = &closedAt

	if err := tx.UpdatePosition(ctx, position); err != nil {
		return nil, err
	}
	if err := s.decrementOI(ctx, tx, position); err != nil {
		return nil, err
	}

	s.metrics.EventApplied(string(ev.Kind))
	pos := position
	return []func(context.Context){func(ctx context.Context) {
		s.notifier.PositionClosed(ctx, pos)
	}}, nil
}

func (s *Synchronizer) applyLiquidated(ctx context.Context, tx ledger.Tx, ev model.ChainEvent) ([]func(context.Context), error) {
	data := ev.Liquidated

	position, err := tx.Position(ctx, data.PositionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("liquidation for unindexed position", zap.String("position_id", data.PositionID))
			return nil, nil
		}
		return nil, err
	}
	if position.Terminal() {
		s.metrics.EventSkipped("duplicate")
		return nil, nil
	}

	market, err := tx.Market(ctx, position.MarketID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("market not found for liquidation", zap.String("market_id", position.MarketID))
			return nil, nil
		}
		return nil, err
	}

	closedAt := data.Timestamp
	position.Status = model.PositionLiquidated
	position.RealizedPnL = data.PnL
	position.CloseTxHash = ev.TxDigest
	position.UpdatedAt = data.Timestamp
	position.ClosedAt = &closedAt

	if err := tx.UpdatePosition(ctx, position); err != nil {
		return nil, err
	}

	record := model.LiquidationRecord{
		PositionID:        position.PositionID,
		MarketID:          position.MarketID,
		UserAddress:       position.UserAddress,
		LiquidatorAddress: data.Liquidator,
		LiquidationPrice: risk.LiquidationPrice(
			position.Side, position.Size, position.EntryPrice,
			position.Collateral, market.MaintenanceMarginRate,
		),
		Collateral:      data.Collateral,
		Fee:             position.Collateral.Mul(market.LiquidationFeeRate),
		TransactionHash: ev.TxDigest,
		BlockHeight:     ev.Checkpoint,
		Timestamp:       data.Timestamp,
	}
	if err := tx.InsertLiquidation(ctx, record); err != nil {
		return nil, err
	}
	if err := s.decrementOI(ctx, tx, position); err != nil {
		return nil, err
	}

	s.metrics.EventApplied(string(ev.Kind))
	return []func(context.Context){func(ctx context.Context) {
		s.notifier.PositionLiquidated(ctx, record)
	}}, nil
}

func (s *Synchronizer) applyUpdated(ctx context.Context, tx ledger.Tx, ev model.ChainEvent) ([]func(context.Context), error) {
	data := ev.Updated

	position, err := tx.Position(ctx, data.PositionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("update for unindexed position", zap.String("position_id", data.PositionID))
			return nil, nil
		}
		return nil, err
	}
	if position.Terminal() {
		s.metrics.EventSkipped("duplicate")
		return nil, nil
	}

	oldSide, oldSize := position.Side, position.Size

	position.Side = data.Side
	position.Size = data.NewSize
	position.Collateral = data.NewCollateral
	position.EntryPrice = data.NewEntryPrice
	position.Leverage = risk.Leverage(data.NewSize, data.NewEntryPrice, data.NewCollateral)
	position.UpdatedAt = data.Timestamp

	if err := tx.UpdatePosition(ctx, position); err != nil {
		return nil, err
	}

	if oldSide == data.Side {
		delta := data.NewSize.Sub(oldSize)
		if !delta.IsZero() {
			if err := tx.AdjustOpenInterest(ctx, position.MarketID, oldSide, delta); err != nil {
				return nil, err
			}
		}
	} else {
		if err := tx.AdjustOpenInterest(ctx, position.MarketID, oldSide, oldSize.Neg()); err != nil {
			return nil, err
		}
		if err := tx.AdjustOpenInterest(ctx, position.MarketID, data.Side, data.NewSize); err != nil {
			return nil, err
		}
	}

	s.metrics.EventApplied(string(ev.Kind))
	return nil, nil
}

func (s *Synchronizer) decrementOI(ctx context.Context, tx ledger.Tx, position model.Position) error {
	err := tx.AdjustOpenInterest(ctx, position.MarketID, position.Side, position.Size.Neg())
	if errors.Is(err, ledger.ErrNotFound) {
		s.logger.Warn("market not found for open interest update", zap.String("market_id", position.MarketID))
		return nil
	}
	return err
}

func (s *Synchronizer) lastHeight(ctx context.Context) (uint64, error) {
	cp, err := s.store.Checkpoint(ctx, s.cfg.ChainID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return s.cfg.StartHeight, nil
		}
		return 0, err
	}
	if cp.Height < s.cfg.StartHeight {
		return s.cfg.StartHeight, nil
	}
	return cp.Height, nil
}
