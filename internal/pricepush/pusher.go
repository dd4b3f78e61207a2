// Package pricepush keeps the on-chain oracle fresh by relaying signed
// price attestations through the gateway on a short interval.
package pricepush

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perpSentinel/internal/chain"
	"perpSentinel/internal/ledger"
	"perpSentinel/internal/model"
	"perpSentinel/internal/observability"
	"perpSentinel/internal/txgateway"
)

// PriceSource provides quotes and signed attestations per feed.
type PriceSource interface {
	GetPrice(ctx context.Context, feedID string) (model.PriceQuote, error)
	GetPriceUpdateData(ctx context.Context, feedID string) ([]byte, error)
}

// TxBuilder serializes price-update calls.
type TxBuilder interface {
	BuildPricePushTx(ctx context.Context, sender, priceObjectID, scaledPrice string, priceUpdateData []byte, gasBudget uint64) (string, error)
}

// contractScale converts oracle decimals to on-chain integer amounts.
var contractScale = decimal.New(1, 6)

// Submitter is the gateway surface used for pushes.
type Submitter interface {
	Submit(ctx context.Context, kind, txBytesB64 string) (chain.ExecuteResult, error)
}

// Config holds price pusher settings.
type Config struct {
	SenderAddress string
	GasBudget     uint64

	// PriceObjectID is the on-chain oracle object receiving updates.
	PriceObjectID string

	// MaxPriceAge and MaxConfidenceRatio gate pushes the same way the
	// risk engine gates reads: never push a quote it would refuse to act
	// on.
	MaxPriceAge        time.Duration
	MaxConfidenceRatio decimal.Decimal
}

// Pusher relays oracle attestations on-chain for every active market feed.
type Pusher struct {
	cfg     Config
	store   ledger.Store
	prices  PriceSource
	builder TxBuilder
	gateway Submitter
	metrics *observability.Metrics
	logger  *zap.Logger

	now func() time.Time
}

// NewPusher builds a price pusher.
func NewPusher(cfg Config, store ledger.Store, prices PriceSource, builder TxBuilder, gateway Submitter, metrics *observability.Metrics, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPriceAge <= 0 {
		cfg.MaxPriceAge = 10 * time.Second
	}
	if cfg.MaxConfidenceRatio.IsZero() {
		cfg.MaxConfidenceRatio = decimal.RequireFromString("0.01")
	}
	return &Pusher{
		cfg:     cfg,
		store:   store,
		prices:  prices,
		builder: builder,
		gateway: gateway,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Tick pushes one attestation per distinct feed of the active markets.
// A feed failing does not stop the others.
func (p *Pusher) Tick(ctx context.Context) error {
	markets, err := p.store.Markets(ctx, model.MarketActive)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}

	seen := make(map[string]bool)
	var failed int
	for _, market := range markets {
		if market.PriceFeedID == "" || seen[market.PriceFeedID] {
			continue
		}
		seen[market.PriceFeedID] = true

		if err := p.push(ctx, market.PriceFeedID); err != nil {
			failed++
			p.logger.Warn("price push failed",
				zap.String("feed_id", market.PriceFeedID),
				zap.Error(err),
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d feeds failed", failed, len(seen))
	}
	return nil
}

func (p *Pusher) push(ctx context.Context, feedID string) error {
	quote, err := p.prices.GetPrice(ctx, feedID)
	if err != nil {
		return fmt.Errorf("fetch quote: %w", err)
	}

	now := p.now().UTC()
	if !quote.Fresh(now, p.cfg.MaxPriceAge) {
		p.metrics.StalePriceSkip()
		return fmt.Errorf("quote is %s old", quote.Age(now))
	}
	if !quote.Confident(p.cfg.MaxConfidenceRatio) {
		p.metrics.StalePriceSkip()
		return fmt.Errorf("confidence %s too wide for price %s", quote.Confidence, quote.Price)
	}

	updateData, err := p.prices.GetPriceUpdateData(ctx, feedID)
	if err != nil {
		return fmt.Errorf("fetch update data: %w", err)
	}

	scaledPrice := quote.Price.Mul(contractScale).Truncate(0).String()
	txBytes, err := p.builder.BuildPricePushTx(ctx, p.cfg.SenderAddress,
		p.cfg.PriceObjectID, scaledPrice, updateData, p.cfg.GasBudget)
	if err != nil {
		return fmt.Errorf("build tx: %w", err)
	}

	if _, err := p.gateway.Submit(ctx, "price_push", txBytes); err != nil {
		var gwErr *txgateway.Error
		if errors.As(err, &gwErr) && gwErr.Retryable() {
			p.logger.Debug("price push retryable", zap.String("code", string(gwErr.Code)))
			return nil
		}
		return err
	}

	p.logger.Debug("price pushed",
		zap.String("feed_id", feedID),
		zap.String("price", quote.Price.String()),
	)
	return nil
}
