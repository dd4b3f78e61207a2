package ledger

import (
	"context"
	"fmt"
)

// Migrate applies the ledger DDL. Statements are idempotent so the command
// can run on every deploy.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		market_id                TEXT PRIMARY KEY,
		symbol                   TEXT NOT NULL,
		base_token               TEXT NOT NULL,
		quote_token              TEXT NOT NULL,
		price_feed_id            TEXT NOT NULL,
		max_leverage             NUMERIC(10,2) NOT NULL,
		maintenance_margin_rate  NUMERIC(10,6) NOT NULL,
		liquidation_fee_rate     NUMERIC(10,6) NOT NULL,
		funding_interval_seconds BIGINT NOT NULL DEFAULT 3600,
		max_funding_rate         NUMERIC(10,6) NOT NULL DEFAULT 0.001,
		long_oi                  NUMERIC(30,18) NOT NULL DEFAULT 0,
		short_oi                 NUMERIC(30,18) NOT NULL DEFAULT 0,
		current_funding_rate     NUMERIC(10,6) NOT NULL DEFAULT 0,
		last_funding_update      TIMESTAMPTZ,
		status                   TEXT NOT NULL DEFAULT 'active',
		created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_markets_status ON markets (status)`,

	`CREATE TABLE IF NOT EXISTS positions (
		position_id         TEXT PRIMARY KEY,
		market_id           TEXT NOT NULL,
		user_address        TEXT NOT NULL,
		side                TEXT NOT NULL,
		size                NUMERIC(30,18) NOT NULL,
		collateral          NUMERIC(30,18) NOT NULL,
		leverage            NUMERIC(10,2) NOT NULL,
		entry_price         NUMERIC(30,18) NOT NULL,
		exit_price          NUMERIC(30,18),
		realized_pnl        NUMERIC(30,18) NOT NULL DEFAULT 0,
		accumulated_funding NUMERIC(30,18) NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'open',
		block_height        BIGINT NOT NULL,
		transaction_hash    TEXT NOT NULL,
		close_tx_hash       TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at           TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions (user_address)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_market ON positions (market_id)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_open ON positions (status, market_id)`,

	`CREATE TABLE IF NOT EXISTS funding_rates (
		id           BIGSERIAL PRIMARY KEY,
		market_id    TEXT NOT NULL,
		funding_rate NUMERIC(10,6) NOT NULL,
		long_oi      NUMERIC(30,18) NOT NULL,
		short_oi     NUMERIC(30,18) NOT NULL,
		timestamp    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_funding_market_time ON funding_rates (market_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS liquidations (
		id                 BIGSERIAL PRIMARY KEY,
		position_id        TEXT NOT NULL UNIQUE,
		market_id          TEXT NOT NULL,
		user_address       TEXT NOT NULL,
		liquidator_address TEXT NOT NULL,
		liquidation_price  NUMERIC(30,18) NOT NULL,
		collateral         NUMERIC(30,18) NOT NULL,
		liquidation_fee    NUMERIC(30,18) NOT NULL,
		transaction_hash   TEXT NOT NULL,
		block_height       BIGINT NOT NULL,
		timestamp          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_liquidations_user ON liquidations (user_address)`,
	`CREATE INDEX IF NOT EXISTS idx_liquidations_market ON liquidations (market_id)`,

	`CREATE TABLE IF NOT EXISTS sync_checkpoints (
		chain_id   BIGINT PRIMARY KEY,
		height     BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
