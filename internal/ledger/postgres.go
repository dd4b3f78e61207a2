package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"perpSentinel/internal/model"
)

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Checkpoint(ctx context.Context, chainID uint64) (model.SyncCheckpoint, error) {
	var cp model.SyncCheckpoint
	row := s.pool.QueryRow(ctx,
		`SELECT chain_id, height, updated_at FROM sync_checkpoints WHERE chain_id=$1`, int64(chainID))
	if err := row.Scan(&cp.ChainID, &cp.Height, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncCheckpoint{}, ErrNotFound
		}
		return model.SyncCheckpoint{}, err
	}
	return cp, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Market(ctx context.Context, marketID string) (model.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx, selectMarket+` WHERE market_id=$1`, marketID))
}

func (t *pgTx) Position(ctx context.Context, positionID string) (model.Position, error) {
	return scanPosition(t.tx.QueryRow(ctx, selectPosition+` WHERE position_id=$1 FOR UPDATE`, positionID))
}

func (t *pgTx) InsertPosition(ctx context.Context, p model.Position) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (
			position_id, market_id, user_address, side, size, collateral, leverage,
			entry_price, exit_price, realized_pnl, accumulated_funding, status,
			block_height, transaction_hash, close_tx_hash, created_at, updated_at, closed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		p.PositionID, p.MarketID, p.UserAddress, string(p.Side),
		p.Size, p.Collateral, p.Leverage,
		p.EntryPrice, p.ExitPrice, p.RealizedPnL, p.AccumulatedFunding, string(p.Status),
		int64(p.BlockHeight), p.TransactionHash, nullable(p.CloseTxHash),
		p.CreatedAt, p.UpdatedAt, p.ClosedAt,
	)
	return err
}

func (t *pgTx) UpdatePosition(ctx context.Context, p model.Position) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE positions SET
			side=$2, size=$3, collateral=$4, leverage=$5, entry_price=$6,
			exit_price=$7, realized_pnl=$8, accumulated_funding=$9, status=$10,
			close_tx_hash=$11, updated_at=$12, closed_at=$13
		WHERE position_id=$1 AND status='open'
	`,
		p.PositionID, string(p.Side), p.Size, p.Collateral, p.Leverage, p.EntryPrice,
		p.ExitPrice, p.RealizedPnL, p.AccumulatedFunding, string(p.Status),
		nullable(p.CloseTxHash), p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or it already reached a terminal status.
		var status string
		row := t.tx.QueryRow(ctx, `SELECT status FROM positions WHERE position_id=$1`, p.PositionID)
		if scanErr := row.Scan(&status); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return scanErr
		}
		return ErrTerminalPosition
	}
	return nil
}

func (t *pgTx) AdjustOpenInterest(ctx context.Context, marketID string, side model.Side, delta decimal.Decimal) error {
	column := "short_oi"
	if side == model.Long {
		column = "long_oi"
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`
		UPDATE markets
		SET %[1]s = GREATEST(0, %[1]s + $2), updated_at = now()
		WHERE market_id = $1
	`, column), marketID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertLiquidation(ctx context.Context, rec model.LiquidationRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO liquidations (
			position_id, market_id, user_address, liquidator_address,
			liquidation_price, collateral, liquidation_fee,
			transaction_hash, block_height, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		rec.PositionID, rec.MarketID, rec.UserAddress, rec.LiquidatorAddress,
		rec.LiquidationPrice, rec.Collateral, rec.Fee,
		rec.TransactionHash, int64(rec.BlockHeight), rec.Timestamp,
	)
	return err
}

func (s *PostgresStore) ApplyBatch(ctx context.Context, chainID, newHeight uint64, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current int64
		row := tx.QueryRow(ctx,
			`SELECT height FROM sync_checkpoints WHERE chain_id=$1 FOR UPDATE`, int64(chainID))
		switch err := row.Scan(&current); {
		case errors.Is(err, pgx.ErrNoRows):
			current = -1
		case err != nil:
			return err
		}
		if current >= 0 && newHeight < uint64(current) {
			return fmt.Errorf("%w: %d < %d", ErrCheckpointRegression, newHeight, current)
		}

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO sync_checkpoints (chain_id, height, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (chain_id) DO UPDATE
			SET height = EXCLUDED.height, updated_at = now()
		`, int64(chainID), int64(newHeight))
		return err
	})
}

func (s *PostgresStore) Market(ctx context.Context, marketID string) (model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx, selectMarket+` WHERE market_id=$1`, marketID))
}

func (s *PostgresStore) Markets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	query := selectMarket
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, string(status))
	}
	query += ` ORDER BY market_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, m model.Market) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO markets (
			market_id, symbol, base_token, quote_token, price_feed_id,
			max_leverage, maintenance_margin_rate, liquidation_fee_rate,
			funding_interval_seconds, max_funding_rate,
			long_oi, short_oi, current_funding_rate, last_funding_update,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())
		ON CONFLICT (market_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			base_token = EXCLUDED.base_token,
			quote_token = EXCLUDED.quote_token,
			price_feed_id = EXCLUDED.price_feed_id,
			max_leverage = EXCLUDED.max_leverage,
			maintenance_margin_rate = EXCLUDED.maintenance_margin_rate,
			liquidation_fee_rate = EXCLUDED.liquidation_fee_rate,
			funding_interval_seconds = EXCLUDED.funding_interval_seconds,
			max_funding_rate = EXCLUDED.max_funding_rate,
			status = EXCLUDED.status,
			updated_at = now()
	`,
		m.MarketID, m.Symbol, m.BaseToken, m.QuoteToken, m.PriceFeedID,
		m.MaxLeverage, m.MaintenanceMarginRate, m.LiquidationFeeRate,
		int64(m.FundingInterval/time.Second), m.MaxFundingRate,
		m.LongOI, m.ShortOI, m.CurrentFundingRate, m.LastFundingUpdate,
		string(m.Status),
	)
	return err
}

func (s *PostgresStore) RecordFunding(ctx context.Context, snap model.FundingRateSnapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE markets
			SET current_funding_rate=$2, last_funding_update=$3, updated_at=now()
			WHERE market_id=$1
		`, snap.MarketID, snap.Rate, snap.Timestamp)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO funding_rates (market_id, funding_rate, long_oi, short_oi, timestamp)
			VALUES ($1,$2,$3,$4,$5)
		`, snap.MarketID, snap.Rate, snap.LongOI, snap.ShortOI, snap.Timestamp)
		return err
	})
}

func (s *PostgresStore) FundingHistory(ctx context.Context, marketID string, from, to time.Time, limit int) ([]model.FundingRateSnapshot, error) {
	query := `
		SELECT market_id, funding_rate, long_oi, short_oi, timestamp
		FROM funding_rates
		WHERE market_id=$1
	`
	args := []interface{}{marketID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.FundingRateSnapshot
	for rows.Next() {
		var snap model.FundingRateSnapshot
		if err := rows.Scan(&snap.MarketID, &snap.Rate, &snap.LongOI, &snap.ShortOI, &snap.Timestamp); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) Position(ctx context.Context, positionID string) (model.Position, error) {
	return scanPosition(s.pool.QueryRow(ctx, selectPosition+` WHERE position_id=$1`, positionID))
}

func (s *PostgresStore) OpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.ListPositions(ctx, PositionFilter{Status: model.PositionOpen})
}

func (s *PostgresStore) ListPositions(ctx context.Context, filter PositionFilter) ([]model.Position, error) {
	query := selectPosition + ` WHERE 1=1`
	var args []interface{}
	if filter.UserAddress != "" {
		args = append(args, filter.UserAddress)
		query += fmt.Sprintf(" AND user_address=$%d", len(args))
	}
	if filter.MarketID != "" {
		args = append(args, filter.MarketID)
		query += fmt.Sprintf(" AND market_id=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	query += " ORDER BY created_at, position_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) Liquidation(ctx context.Context, positionID string) (model.LiquidationRecord, error) {
	return scanLiquidation(s.pool.QueryRow(ctx, selectLiquidation+` WHERE position_id=$1`, positionID))
}

func (s *PostgresStore) ListLiquidations(ctx context.Context, marketID string, limit int) ([]model.LiquidationRecord, error) {
	query := selectLiquidation
	var args []interface{}
	if marketID != "" {
		args = append(args, marketID)
		query += fmt.Sprintf(" WHERE market_id=$%d", len(args))
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.LiquidationRecord
	for rows.Next() {
		rec, err := scanLiquidation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const selectMarket = `
	SELECT market_id, symbol, base_token, quote_token, price_feed_id,
		max_leverage, maintenance_margin_rate, liquidation_fee_rate,
		funding_interval_seconds, max_funding_rate,
		long_oi, short_oi, current_funding_rate, last_funding_update,
		status, created_at, updated_at
	FROM markets`

const selectPosition = `
	SELECT position_id, market_id, user_address, side, size, collateral, leverage,
		entry_price, exit_price, realized_pnl, accumulated_funding, status,
		block_height, transaction_hash, close_tx_hash, created_at, updated_at, closed_at
	FROM positions`

const selectLiquidation = `
	SELECT position_id, market_id, user_address, liquidator_address,
		liquidation_price, collateral, liquidation_fee,
		transaction_hash, block_height, timestamp
	FROM liquidations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner) (model.Market, error) {
	var (
		m               model.Market
		status          string
		intervalSeconds int64
	)
	err := row.Scan(
		&m.MarketID, &m.Symbol, &m.BaseToken, &m.QuoteToken, &m.PriceFeedID,
		&m.MaxLeverage, &m.MaintenanceMarginRate, &m.LiquidationFeeRate,
		&intervalSeconds, &m.MaxFundingRate,
		&m.LongOI, &m.ShortOI, &m.CurrentFundingRate, &m.LastFundingUpdate,
		&status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Market{}, ErrNotFound
		}
		return model.Market{}, err
	}
	m.FundingInterval = time.Duration(intervalSeconds) * time.Second
	m.Status = model.MarketStatus(status)
	return m, nil
}

func scanPosition(row rowScanner) (model.Position, error) {
	var (
		p            model.Position
		side, status string
		closeTx      *string
		blockHeight  int64
	)
	err := row.Scan(
		&p.PositionID, &p.MarketID, &p.UserAddress, &side, &p.Size, &p.Collateral, &p.Leverage,
		&p.EntryPrice, &p.ExitPrice, &p.RealizedPnL, &p.AccumulatedFunding, &status,
		&blockHeight, &p.TransactionHash, &closeTx, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Position{}, ErrNotFound
		}
		return model.Position{}, err
	}
	p.Side = model.Side(side)
	p.Status = model.PositionStatus(status)
	p.BlockHeight = uint64(blockHeight)
	if closeTx != nil {
		p.CloseTxHash = *closeTx
	}
	return p, nil
}

func scanLiquidation(row rowScanner) (model.LiquidationRecord, error) {
	var (
		rec         model.LiquidationRecord
		blockHeight int64
	)
	err := row.Scan(
		&rec.PositionID, &rec.MarketID, &rec.UserAddress, &rec.LiquidatorAddress,
		&rec.LiquidationPrice, &rec.Collateral, &rec.Fee,
		&rec.TransactionHash, &blockHeight, &rec.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LiquidationRecord{}, ErrNotFound
		}
		return model.LiquidationRecord{}, err
	}
	rec.BlockHeight = uint64(blockHeight)
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
