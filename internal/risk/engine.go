// Package risk scans open positions against fresh oracle prices, ranks
// liquidation candidates and fires liquidations through the gateway.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpSentinel/internal/chain"
	"perpSentinel/internal/ledger"
	"perpSentinel/internal/model"
	"perpSentinel/internal/notify"
	"perpSentinel/internal/observability"
	"perpSentinel/internal/txgateway"
)

// PriceSource provides oracle quotes and signed price attestations.
type PriceSource interface {
	GetPrices(ctx context.Context, feedIDs []string) (map[string]model.PriceQuote, error)
	GetPriceUpdateData(ctx context.Context, feedID string) ([]byte, error)
}

// TxBuilder serializes liquidation calls into unsigned transaction bytes.
type TxBuilder interface {
	BuildLiquidationTx(ctx context.Context, sender, marketID, positionID string, priceUpdateData []byte, gasBudget uint64) (string, error)
}

// Submitter is the gateway surface the engine fires liquidations through.
type Submitter interface {
	Submit(ctx context.Context, kind, txBytesB64 string) (chain.ExecuteResult, error)
}

// Config holds risk engine settings.
type Config struct {
	SenderAddress string
	GasBudget     uint64

	// MaxPriceAge is the oracle freshness window; stale quotes skip the
	// whole market rather than risk a wrong liquidation.
	MaxPriceAge time.Duration

	// MaxConfidenceRatio gates quotes whose confidence interval is too
	// wide relative to the price.
	MaxConfidenceRatio decimal.Decimal

	// WarnThreshold marks positions as at-risk when health is in
	// (1, WarnThreshold].
	WarnThreshold decimal.Decimal

	// FailureCooldown holds off retrying a position after a
	// non-retryable submission failure. Zero disables the cooldown.
	FailureCooldown time.Duration
}

// Candidate is a position eligible for liquidation at the current price,
// with everything needed to rank and act on it.
type Candidate struct {
	Position         model.Position
	Market           model.Market
	Health           decimal.Decimal
	CurrentPrice     decimal.Decimal
	LiquidationPrice decimal.Decimal
	PotentialReward  decimal.Decimal
}

// Engine runs the liquidation scan.
type Engine struct {
	cfg      Config
	store    ledger.Store
	prices   PriceSource
	builder  TxBuilder
	gateway  Submitter
	notifier *notify.Publisher
	metrics  *observability.Metrics
	logger   *zap.Logger

	now func() time.Time

	mu       sync.Mutex
	cooldown map[string]time.Time
}

// NewEngine builds a risk engine. builder and gateway may be nil for
// report-only use; Tick then stops after the scan.
func NewEngine(cfg Config, store ledger.Store, prices PriceSource, builder TxBuilder, gateway Submitter, notifier *notify.Publisher, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPriceAge <= 0 {
		cfg.MaxPriceAge = 10 * time.Second
	}
	if cfg.MaxConfidenceRatio.IsZero() {
		cfg.MaxConfidenceRatio = decimal.RequireFromString("0.01")
	}
	if cfg.WarnThreshold.IsZero() {
		cfg.WarnThreshold = decimal.RequireFromString("1.2")
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		prices:   prices,
		builder:  builder,
		gateway:  gateway,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		cooldown: make(map[string]time.Time),
	}
}

// Scan evaluates every open position and returns liquidation candidates
// ranked most-urgent first: ascending health, ties broken by descending
// liquidator reward. At-risk positions get a warning published.
func (e *Engine) Scan(ctx context.Context) ([]Candidate, error) {
	positions, err := e.store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	if len(positions) == 0 {
		e.metrics.SetCandidates(0, 0)
		return nil, nil
	}

	byMarket := make(map[string][]model.Position)
	for _, p := range positions {
		byMarket[p.MarketID] = append(byMarket[p.MarketID], p)
	}

	markets := make(map[string]model.Market, len(byMarket))
	feedIDs := make([]string, 0, len(byMarket))
	seenFeeds := make(map[string]bool)
	for marketID := range byMarket {
		market, err := e.store.Market(ctx, marketID)
		if err != nil {
			e.logger.Warn("market missing for open positions", zap.String("market_id", marketID), zap.Error(err))
			continue
		}
		markets[marketID] = market
		if !seenFeeds[market.PriceFeedID] {
			seenFeeds[market.PriceFeedID] = true
			feedIDs = append(feedIDs, market.PriceFeedID)
		}
	}

	quotes, err := e.prices.GetPrices(ctx, feedIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}

	now := e.now().UTC()
	var (
		candidates []Candidate
		atRisk     int
	)
	for marketID, market := range markets {
		quote, ok := quotes[market.PriceFeedID]
		if !ok {
			e.metrics.StalePriceSkip()
			e.logger.Warn("no quote for market", zap.String("market_id", marketID), zap.String("feed_id", market.PriceFeedID))
			continue
		}
		if !quote.Fresh(now, e.cfg.MaxPriceAge) {
			e.metrics.StalePriceSkip()
			e.logger.Warn("stale quote, skipping market",
				zap.String("market_id", marketID),
				zap.Duration("age", quote.Age(now)),
			)
			continue
		}
		if !quote.Confident(e.cfg.MaxConfidenceRatio) {
			e.metrics.StalePriceSkip()
			e.logger.Warn("wide confidence interval, skipping market",
				zap.String("market_id", marketID),
				zap.String("price", quote.Price.String()),
				zap.String("confidence", quote.Confidence.String()),
			)
			continue
		}

		for _, position := range byMarket[marketID] {
			health := HealthFactor(
				position.Side, position.Size, position.EntryPrice,
				quote.Price, position.Collateral, position.AccumulatedFunding,
				market.MaintenanceMarginRate,
			)
			liqPrice := LiquidationPrice(
				position.Side, position.Size, position.EntryPrice,
				position.Collateral, market.MaintenanceMarginRate,
			)

			switch {
			case health.LessThanOrEqual(one):
				candidates = append(candidates, Candidate{
					Position:         position,
					Market:           market,
					Health:           health,
					CurrentPrice:     quote.Price,
					LiquidationPrice: liqPrice,
					PotentialReward:  PotentialReward(position.Size, quote.Price, market.LiquidationFeeRate),
				})
			case health.LessThanOrEqual(e.cfg.WarnThreshold):
				atRisk++
				e.notifier.WarnLiquidation(ctx, notify.LiquidationWarning{
					PositionID:       position.PositionID,
					MarketID:         position.MarketID,
					UserAddress:      position.UserAddress,
					HealthFactor:     health.String(),
					CurrentPrice:     quote.Price.String(),
					LiquidationPrice: liqPrice.String(),
				})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Health.Equal(candidates[j].Health) {
			return candidates[i].Health.LessThan(candidates[j].Health)
		}
		return candidates[i].PotentialReward.GreaterThan(candidates[j].PotentialReward)
	})

	e.metrics.SetCandidates(len(candidates), atRisk)
	return candidates, nil
}

// Tick runs one scan and submits a liquidation for each candidate. One
// candidate failing never aborts the rest of the pass.
func (e *Engine) Tick(ctx context.Context) error {
	candidates, err := e.Scan(ctx)
	if err != nil {
		return err
	}
	if e.gateway == nil || e.builder == nil {
		return nil
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.liquidate(ctx, candidate)
	}
	return nil
}

func (e *Engine) liquidate(ctx context.Context, candidate Candidate) {
	position := candidate.Position
	logger := e.logger.With(
		zap.String("position_id", position.PositionID),
		zap.String("market_id", position.MarketID),
		zap.String("health", candidate.Health.String()),
	)

	if e.onCooldown(position.PositionID) {
		logger.Debug("position on failure cooldown")
		return
	}

	// Already liquidated on-chain but not yet ingested: don't resubmit.
	if _, err := e.store.Liquidation(ctx, position.PositionID); err == nil {
		logger.Debug("liquidation already recorded")
		return
	} else if !errors.Is(err, ledger.ErrNotFound) {
		logger.Error("check liquidation record", zap.Error(err))
		return
	}

	updateData, err := e.prices.GetPriceUpdateData(ctx, candidate.Market.PriceFeedID)
	if err != nil {
		logger.Error("fetch price update data", zap.Error(err))
		return
	}

	txBytes, err := e.builder.BuildLiquidationTx(ctx, e.cfg.SenderAddress,
		position.MarketID, position.PositionID, updateData, e.cfg.GasBudget)
	if err != nil {
		logger.Error("build liquidation tx", zap.Error(err))
		return
	}

	if _, err := e.gateway.Submit(ctx, "liquidation", txBytes); err != nil {
		var gwErr *txgateway.Error
		if errors.As(err, &gwErr) && gwErr.Retryable() {
			// Stale object or gas starvation resolves on its own; retry
			// on the next tick without penalty.
			logger.Warn("liquidation submission retryable", zap.String("code", string(gwErr.Code)))
			return
		}
		logger.Error("liquidation submission failed", zap.Error(err))
		e.startCooldown(position.PositionID)
		return
	}

	logger.Info("liquidation submitted")
}

func (e *Engine) onCooldown(positionID string) bool {
	if e.cfg.FailureCooldown <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldown[positionID]
	if !ok {
		return false
	}
	if e.now().After(until) {
		delete(e.cooldown, positionID)
		return false
	}
	return true
}

func (e *Engine) startCooldown(positionID string) {
	if e.cfg.FailureCooldown <= 0 {
		return
	}
	e.mu.Lock()
	e.cooldown[positionID] = e.now().Add(e.cfg.FailureCooldown)
	e.mu.Unlock()
}
