// Package notify publishes ledger changes to NATS JetStream so the API and
// WebSocket layers can fan them out without reading the database. Publishing
// is best-effort: a failed publish is logged, never propagated, because
// consumers can always re-read the ledger.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"perpSentinel/internal/model"
)

const streamName = "PERP_SENTINEL_EVENTS"

// Publisher emits events under perp.sentinel.events.>. A nil Publisher is
// valid and drops everything, so callers never have to branch on whether
// NATS is configured.
type Publisher struct {
	js     jetstream.JetStream
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS and ensures the outbound stream exists.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url, nats.Name("perp-sentinel"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"perp.sentinel.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &Publisher{js: js, conn: conn, logger: logger}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

func (p *Publisher) publish(ctx context.Context, subject string, payload interface{}) {
	if p == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// PositionOpened announces a newly indexed position.
func (p *Publisher) PositionOpened(ctx context.Context, pos model.Position) {
	p.publish(ctx, "perp.sentinel.events.position_opened."+pos.MarketID, pos)
}

// PositionClosed announces a close transition.
func (p *Publisher) PositionClosed(ctx context.Context, pos model.Position) {
	p.publish(ctx, "perp.sentinel.events.position_closed."+pos.MarketID, pos)
}

// PositionLiquidated announces a liquidation with its record.
func (p *Publisher) PositionLiquidated(ctx context.Context, rec model.LiquidationRecord) {
	p.publish(ctx, "perp.sentinel.events.position_liquidated."+rec.MarketID, rec)
}

// LiquidationWarning is sent for at-risk positions (1.0 < health <= 1.2).
type LiquidationWarning struct {
	PositionID       string `json:"position_id"`
	MarketID         string `json:"market_id"`
	UserAddress      string `json:"user_address"`
	HealthFactor     string `json:"health_factor"`
	CurrentPrice     string `json:"current_price"`
	LiquidationPrice string `json:"liquidation_price"`
}

// WarnLiquidation announces an at-risk position.
func (p *Publisher) WarnLiquidation(ctx context.Context, warning LiquidationWarning) {
	p.publish(ctx, "perp.sentinel.events.liquidation_warning."+warning.MarketID, warning)
}

// FundingUpdated announces a funding snapshot.
func (p *Publisher) FundingUpdated(ctx context.Context, snap model.FundingRateSnapshot) {
	p.publish(ctx, "perp.sentinel.events.funding_rate."+snap.MarketID, snap)
}
