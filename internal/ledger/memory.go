package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpSentinel/internal/model"
)

// MemoryStore is an in-memory Store used in tests and local runs. ApplyBatch
// stages mutations on a copy and swaps it in on success, so a failed batch
// leaves no partial state behind.
type MemoryStore struct {
	mu           sync.RWMutex
	markets      map[string]model.Market
	positions    map[string]model.Position
	funding      []model.FundingRateSnapshot
	liquidations map[string]model.LiquidationRecord
	checkpoints  map[uint64]model.SyncCheckpoint

	now func() time.Time
}

// NewMemoryStore builds an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:      make(map[string]model.Market),
		positions:    make(map[string]model.Position),
		liquidations: make(map[string]model.LiquidationRecord),
		checkpoints:  make(map[uint64]model.SyncCheckpoint),
		now:          time.Now,
	}
}

func (s *MemoryStore) Checkpoint(_ context.Context, chainID uint64) (model.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[chainID]
	if !ok {
		return model.SyncCheckpoint{}, ErrNotFound
	}
	return cp, nil
}

type memTx struct {
	store        *MemoryStore
	positions    map[string]model.Position
	markets      map[string]model.Market
	liquidations map[string]model.LiquidationRecord
}

func (t *memTx) Market(_ context.Context, marketID string) (model.Market, error) {
	m, ok := t.markets[marketID]
	if !ok {
		return model.Market{}, ErrNotFound
	}
	return m, nil
}

func (t *memTx) Position(_ context.Context, positionID string) (model.Position, error) {
	p, ok := t.positions[positionID]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) InsertPosition(_ context.Context, p model.Position) error {
	if _, ok := t.positions[p.PositionID]; ok {
		return fmt.Errorf("position %s: already exists", p.PositionID)
	}
	t.positions[p.PositionID] = p
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p model.Position) error {
	current, ok := t.positions[p.PositionID]
	if !ok {
		return ErrNotFound
	}
	if current.Terminal() {
		return ErrTerminalPosition
	}
	t.positions[p.PositionID] = p
	return nil
}

func (t *memTx) AdjustOpenInterest(_ context.Context, marketID string, side model.Side, delta decimal.Decimal) error {
	m, ok := t.markets[marketID]
	if !ok {
		return ErrNotFound
	}
	if side == model.Long {
		m.LongOI = clampZero(m.LongOI.Add(delta))
	} else {
		m.ShortOI = clampZero(m.ShortOI.Add(delta))
	}
	m.UpdatedAt = t.store.now()
	t.markets[marketID] = m
	return nil
}

func (t *memTx) InsertLiquidation(_ context.Context, rec model.LiquidationRecord) error {
	if _, ok := t.liquidations[rec.PositionID]; ok {
		return fmt.Errorf("liquidation for %s: already recorded", rec.PositionID)
	}
	t.liquidations[rec.PositionID] = rec
	return nil
}

func (s *MemoryStore) ApplyBatch(ctx context.Context, chainID, newHeight uint64, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp, ok := s.checkpoints[chainID]; ok && newHeight < cp.Height {
		return fmt.Errorf("%w: %d < %d", ErrCheckpointRegression, newHeight, cp.Height)
	}

	tx := &memTx{
		store:        s,
		positions:    clonePositions(s.positions),
		markets:      cloneMarkets(s.markets),
		liquidations: cloneLiquidations(s.liquidations),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.positions = tx.positions
	s.markets = tx.markets
	s.liquidations = tx.liquidations
	s.checkpoints[chainID] = model.SyncCheckpoint{
		ChainID:   chainID,
		Height:    newHeight,
		UpdatedAt: s.now(),
	}
	return nil
}

func (s *MemoryStore) Market(_ context.Context, marketID string) (model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[marketID]
	if !ok {
		return model.Market{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Markets(_ context.Context, status model.MarketStatus) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (s *MemoryStore) UpsertMarket(_ context.Context, m model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.markets[m.MarketID]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.UpdatedAt = s.now()
	s.markets[m.MarketID] = m
	return nil
}

func (s *MemoryStore) RecordFunding(_ context.Context, snap model.FundingRateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[snap.MarketID]
	if !ok {
		return ErrNotFound
	}

	ts := snap.Timestamp
	m.CurrentFundingRate = snap.Rate
	m.LastFundingUpdate = &ts
	m.UpdatedAt = s.now()
	s.markets[snap.MarketID] = m
	s.funding = append(s.funding, snap)
	return nil
}

func (s *MemoryStore) FundingHistory(_ context.Context, marketID string, from, to time.Time, limit int) ([]model.FundingRateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FundingRateSnapshot
	for _, snap := range s.funding {
		if snap.MarketID != marketID {
			continue
		}
		if !from.IsZero() && snap.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && snap.Timestamp.After(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Position(_ context.Context, positionID string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) OpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.ListPositions(ctx, PositionFilter{Status: model.PositionOpen})
}

func (s *MemoryStore) ListPositions(_ context.Context, filter PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if filter.UserAddress != "" && p.UserAddress != filter.UserAddress {
			continue
		}
		if filter.MarketID != "" && p.MarketID != filter.MarketID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PositionID < out[j].PositionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Liquidation(_ context.Context, positionID string) (model.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.liquidations[positionID]
	if !ok {
		return model.LiquidationRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListLiquidations(_ context.Context, marketID string, limit int) ([]model.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.LiquidationRecord, 0, len(s.liquidations))
	for _, rec := range s.liquidations {
		if marketID != "" && rec.MarketID != marketID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func clonePositions(in map[string]model.Position) map[string]model.Position {
	out := make(map[string]model.Position, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMarkets(in map[string]model.Market) map[string]model.Market {
	out := make(map[string]model.Market, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneLiquidations(in map[string]model.LiquidationRecord) map[string]model.LiquidationRecord {
	out := make(map[string]model.LiquidationRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
