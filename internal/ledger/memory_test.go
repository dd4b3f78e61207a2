package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpSentinel/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openPosition(id, user, marketID string) model.Position {
	return model.Position{
		PositionID:  id,
		MarketID:    marketID,
		UserAddress: user,
		Side:        model.Long,
		Size:        d("1"),
		Collateral:  d("100"),
		EntryPrice:  d("3000"),
		Status:      model.PositionOpen,
	}
}

func apply(t *testing.T, store Store, height uint64, fn func(tx Tx) error) {
	t.Helper()
	if err := store.ApplyBatch(context.Background(), 1, height, fn); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
}

func TestApplyBatchRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.ApplyBatch(ctx, 1, 10, func(tx Tx) error {
		if err := tx.InsertPosition(ctx, openPosition("pos-1", "0xa", "m1")); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("ApplyBatch succeeded, want error")
	}

	if _, err := store.Position(ctx, "pos-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("position after rollback: err = %v, want ErrNotFound", err)
	}
	if _, err := store.Checkpoint(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("checkpoint after rollback: err = %v, want ErrNotFound", err)
	}
}

func TestApplyBatchRejectsCheckpointRegression(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	apply(t, store, 10, func(Tx) error { return nil })

	err := store.ApplyBatch(ctx, 1, 5, func(Tx) error { return nil })
	if !errors.Is(err, ErrCheckpointRegression) {
		t.Fatalf("err = %v, want ErrCheckpointRegression", err)
	}

	cp, err := store.Checkpoint(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Height != 10 {
		t.Errorf("checkpoint = %d, want 10", cp.Height)
	}
}

func TestCheckpointsScopedByChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.ApplyBatch(ctx, 1, 10, func(Tx) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := store.ApplyBatch(ctx, 2, 3, func(Tx) error { return nil }); err != nil {
		t.Fatalf("second chain: %v", err)
	}

	cp, err := store.Checkpoint(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Height != 3 {
		t.Errorf("chain 2 checkpoint = %d, want 3", cp.Height)
	}
}

func TestUpdatePositionGuardsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	apply(t, store, 1, func(tx Tx) error {
		return tx.InsertPosition(ctx, openPosition("pos-1", "0xa", "m1"))
	})
	apply(t, store, 2, func(tx Tx) error {
		p, err := tx.Position(ctx, "pos-1")
		if err != nil {
			return err
		}
		p.Status = model.PositionClosed
		return tx.UpdatePosition(ctx, p)
	})

	err := store.ApplyBatch(ctx, 1, 3, func(tx Tx) error {
		p, _ := tx.Position(ctx, "pos-1")
		p.Collateral = d("999")
		return tx.UpdatePosition(ctx, p)
	})
	if !errors.Is(err, ErrTerminalPosition) {
		t.Fatalf("err = %v, want ErrTerminalPosition", err)
	}
}

func TestAdjustOpenInterestClampsAtZero(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.UpsertMarket(ctx, model.Market{MarketID: "m1", Status: model.MarketActive}); err != nil {
		t.Fatal(err)
	}

	apply(t, store, 1, func(tx Tx) error {
		return tx.AdjustOpenInterest(ctx, "m1", model.Short, d("-5"))
	})

	m, err := store.Market(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m.ShortOI.IsZero() {
		t.Errorf("short OI = %s, want clamped to 0", m.ShortOI)
	}
}

func TestListPositionsFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	apply(t, store, 1, func(tx Tx) error {
		for i := 0; i < 5; i++ {
			p := openPosition(fmt.Sprintf("pos-%d", i), "0xalice", "m1")
			if i >= 3 {
				p.UserAddress = "0xbob"
				p.MarketID = "m2"
			}
			if err := tx.InsertPosition(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})

	alice, err := store.ListPositions(ctx, PositionFilter{UserAddress: "0xalice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 3 {
		t.Errorf("alice positions = %d, want 3", len(alice))
	}

	page, err := store.ListPositions(ctx, PositionFilter{UserAddress: "0xalice", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Errorf("page = %d positions, want 1", len(page))
	}

	open, err := store.ListPositions(ctx, PositionFilter{Status: model.PositionOpen, MarketID: "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("m2 open positions = %d, want 2", len(open))
	}
}

func TestOpenPositionsExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	apply(t, store, 1, func(tx Tx) error {
		if err := tx.InsertPosition(ctx, openPosition("pos-open", "0xa", "m1")); err != nil {
			return err
		}
		closed := openPosition("pos-closed", "0xa", "m1")
		closed.Status = model.PositionClosed
		return tx.InsertPosition(ctx, closed)
	})

	open, err := store.OpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].PositionID != "pos-open" {
		t.Errorf("open positions = %+v, want only pos-open", open)
	}
}

func TestRecordFundingUpdatesMarketAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.UpsertMarket(ctx, model.Market{MarketID: "m1", Status: model.MarketActive}); err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		snap := model.FundingRateSnapshot{
			MarketID:  "m1",
			Rate:      d("0.0005"),
			LongOI:    d("10"),
			ShortOI:   d("8"),
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
		}
		if err := store.RecordFunding(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}

	m, err := store.Market(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.CurrentFundingRate.String(); got != "0.0005" {
		t.Errorf("current rate = %s, want 0.0005", got)
	}
	if m.LastFundingUpdate == nil || !m.LastFundingUpdate.Equal(ts.Add(2*time.Hour)) {
		t.Errorf("last update = %v, want %v", m.LastFundingUpdate, ts.Add(2*time.Hour))
	}

	// Newest first, limit honored, window respected.
	history, err := store.FundingHistory(ctx, "m1", ts, ts.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d snapshots, want 2", len(history))
	}
	if !history[0].Timestamp.After(history[1].Timestamp) {
		t.Error("history not sorted newest first")
	}

	limited, err := store.FundingHistory(ctx, "m1", time.Time{}, time.Time{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited history = %d, want 1", len(limited))
	}
}

func TestRecordFundingUnknownMarket(t *testing.T) {
	store := NewMemoryStore()
	err := store.RecordFunding(context.Background(), model.FundingRateSnapshot{MarketID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
