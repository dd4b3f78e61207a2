package funding

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpSentinel/internal/ledger"
	"perpSentinel/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRate(t *testing.T) {
	one := decimal.NewFromInt(1)
	maxRate := d("0.001")

	tests := []struct {
		name             string
		longOI, shortOI  string
		sensitivity      decimal.Decimal
		want             string
	}{
		{"long heavy clamps to cap", "1100000", "950000", one, "0.001"},
		{"short heavy clamps to negative cap", "950000", "1100000", one, "-0.001"},
		{"balanced book", "500000", "500000", one, "0"},
		{"empty market", "0", "0", one, "0"},
		{"inside the cap", "1000100", "999900", one, "0.0001"},
		{"sensitivity damps imbalance", "1100000", "950000", d("0.001"), "0.0000731707"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rate(d(tt.longOI), d(tt.shortOI), tt.sensitivity, maxRate)
			want := d(tt.want)
			if !got.Round(10).Equal(want) {
				t.Errorf("Rate(%s, %s) = %s, want %s", tt.longOI, tt.shortOI, got, want)
			}
		})
	}
}

func TestTickUpdatesDueMarkets(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()

	stale := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	due := model.Market{
		MarketID:          "btc-perp",
		FundingInterval:   time.Hour,
		MaxFundingRate:    d("0.001"),
		LongOI:            d("1100000"),
		ShortOI:           d("950000"),
		LastFundingUpdate: &stale,
		Status:            model.MarketActive,
	}
	notDue := model.Market{
		MarketID:          "eth-perp",
		FundingInterval:   time.Hour,
		MaxFundingRate:    d("0.001"),
		LongOI:            d("10"),
		ShortOI:           d("5"),
		LastFundingUpdate: &fresh,
		Status:            model.MarketActive,
	}
	for _, m := range []model.Market{due, notDue} {
		if err := store.UpsertMarket(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	engine := NewEngine(Config{}, store, nil, nil, zap.NewNop())
	engine.now = func() time.Time { return now }

	if err := engine.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	updated, err := store.Market(ctx, "btc-perp")
	if err != nil {
		t.Fatal(err)
	}
	if got := updated.CurrentFundingRate.String(); got != "0.001" {
		t.Errorf("current rate = %s, want 0.001", got)
	}
	if updated.LastFundingUpdate == nil || !updated.LastFundingUpdate.Equal(now) {
		t.Errorf("last update = %v, want %v", updated.LastFundingUpdate, now)
	}

	history, err := store.FundingHistory(ctx, "btc-perp", time.Time{}, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d snapshots, want 1", len(history))
	}
	if got := history[0].LongOI.String(); got != "1100000" {
		t.Errorf("snapshot long OI = %s, want 1100000", got)
	}

	untouched, err := store.Market(ctx, "eth-perp")
	if err != nil {
		t.Fatal(err)
	}
	if !untouched.LastFundingUpdate.Equal(fresh) {
		t.Errorf("not-due market was updated at %v", untouched.LastFundingUpdate)
	}
}

func TestTickSkipsMarketNeverFundedUntilFirstPass(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()

	// No LastFundingUpdate: funding is due immediately.
	if err := store.UpsertMarket(ctx, model.Market{
		MarketID:        "btc-perp",
		FundingInterval: time.Hour,
		MaxFundingRate:  d("0.001"),
		Status:          model.MarketActive,
	}); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(Config{}, store, nil, nil, zap.NewNop())
	if err := engine.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	m, err := store.Market(ctx, "btc-perp")
	if err != nil {
		t.Fatal(err)
	}
	if m.LastFundingUpdate == nil {
		t.Fatal("first funding pass did not stamp the market")
	}
	if got := m.CurrentFundingRate.String(); got != "0" {
		t.Errorf("rate for empty market = %s, want 0", got)
	}
}
