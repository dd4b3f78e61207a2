// Package funding periodically recomputes funding rates from the
// open-interest imbalance of each active market.
package funding

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpSentinel/internal/ledger"
	"perpSentinel/internal/model"
	"perpSentinel/internal/notify"
	"perpSentinel/internal/observability"
)

// Config holds funding engine settings.
type Config struct {
	// Sensitivity scales the OI imbalance into a rate. 1 means a fully
	// one-sided book pays the cap.
	Sensitivity decimal.Decimal

	// DefaultInterval applies to markets created without a funding
	// interval of their own.
	DefaultInterval time.Duration
}

// Engine owns funding-rate writes. Nothing else mutates a market's
// funding fields.
type Engine struct {
	cfg      Config
	store    ledger.Store
	notifier *notify.Publisher
	metrics  *observability.Metrics
	logger   *zap.Logger

	now func() time.Time
}

// NewEngine builds a funding engine.
func NewEngine(cfg Config, store ledger.Store, notifier *notify.Publisher, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Sensitivity.IsZero() {
		cfg.Sensitivity = decimal.NewFromInt(1)
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Hour
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Rate computes the funding rate from the open-interest imbalance:
//
//	clamp((longOI - shortOI) / (longOI + shortOI) * sensitivity, ±max)
//
// Zero total open interest yields a zero rate. A positive rate means longs
// pay shorts.
func Rate(longOI, shortOI, sensitivity, maxRate decimal.Decimal) decimal.Decimal {
	total := longOI.Add(shortOI)
	if !total.IsPositive() {
		return decimal.Zero
	}

	rate := longOI.Sub(shortOI).Div(total).Mul(sensitivity)
	if rate.GreaterThan(maxRate) {
		return maxRate
	}
	if rate.LessThan(maxRate.Neg()) {
		return maxRate.Neg()
	}
	return rate
}

// Tick recomputes funding for every active market whose interval has
// elapsed. One market failing does not stop the others.
func (e *Engine) Tick(ctx context.Context) error {
	markets, err := e.store.Markets(ctx, model.MarketActive)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}

	now := e.now().UTC()
	var failed int
	for _, market := range markets {
		if market.FundingInterval <= 0 {
			market.FundingInterval = e.cfg.DefaultInterval
		}
		if !market.FundingDue(now) {
			continue
		}
		if err := e.update(ctx, market, now); err != nil {
			failed++
			e.logger.Error("funding update failed",
				zap.String("market_id", market.MarketID),
				zap.Error(err),
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d markets failed", failed, len(markets))
	}
	return nil
}

func (e *Engine) update(ctx context.Context, market model.Market, now time.Time) error {
	rate := Rate(market.LongOI, market.ShortOI, e.cfg.Sensitivity, market.MaxFundingRate)

	snap := model.FundingRateSnapshot{
		MarketID:  market.MarketID,
		Rate:      rate,
		LongOI:    market.LongOI,
		ShortOI:   market.ShortOI,
		Timestamp: now,
	}
	if err := e.store.RecordFunding(ctx, snap); err != nil {
		return fmt.Errorf("record funding: %w", err)
	}

	e.metrics.FundingUpdate()
	e.notifier.FundingUpdated(ctx, snap)
	e.logger.Info("funding rate updated",
		zap.String("market_id", market.MarketID),
		zap.String("rate", rate.String()),
		zap.String("long_oi", market.LongOI.String()),
		zap.String("short_oi", market.ShortOI.String()),
	)
	return nil
}
