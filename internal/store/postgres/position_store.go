package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `symbol, direction, state, entry_price, size,
	stop_price, take_profit_price, entry_order_id, entry_token,
	stop_order_id, take_profit_order_id, trigger_rate, signal_id,
	opened_at, closed_at, exit_price, closed_by`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, state, closedBy string
	var openedAt *time.Time

	err := row.Scan(
		&p.Symbol, &direction, &state,
		&p.EntryPrice, &p.Size,
		&p.StopPrice, &p.TakeProfitPrice,
		&p.EntryOrderID, &p.EntryToken,
		&p.StopOrderID, &p.TakeProfitOrderID,
		&p.TriggerRate, &p.SignalID,
		&openedAt, &p.ClosedAt, &p.ExitPrice, &closedBy,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.State = domain.PositionState(state)
	p.ClosedBy = domain.CloseReason(closedBy)
	if openedAt != nil {
		p.OpenedAt = *openedAt
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert writes a position snapshot, keyed by symbol and entry token so one
// symbol accumulates history across successive positions.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			symbol, direction, state, entry_price, size,
			stop_price, take_profit_price, entry_order_id, entry_token,
			stop_order_id, take_profit_order_id, trigger_rate, signal_id,
			opened_at, closed_at, exit_price, closed_by, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, NOW()
		)
		ON CONFLICT (symbol, entry_token) DO UPDATE SET
			state                = EXCLUDED.state,
			entry_price          = EXCLUDED.entry_price,
			size                 = EXCLUDED.size,
			stop_price           = EXCLUDED.stop_price,
			take_profit_price    = EXCLUDED.take_profit_price,
			entry_order_id       = EXCLUDED.entry_order_id,
			stop_order_id        = EXCLUDED.stop_order_id,
			take_profit_order_id = EXCLUDED.take_profit_order_id,
			opened_at            = EXCLUDED.opened_at,
			closed_at            = EXCLUDED.closed_at,
			exit_price           = EXCLUDED.exit_price,
			closed_by            = EXCLUDED.closed_by,
			updated_at           = NOW()`

	var openedAt *time.Time
	if !p.OpenedAt.IsZero() {
		openedAt = &p.OpenedAt
	}

	_, err := s.pool.Exec(ctx, query,
		p.Symbol, string(p.Direction), string(p.State),
		p.EntryPrice, p.Size,
		p.StopPrice, p.TakeProfitPrice,
		p.EntryOrderID, p.EntryToken,
		p.StopOrderID, p.TakeProfitOrderID,
		p.TriggerRate, p.SignalID,
		openedAt, p.ClosedAt, p.ExitPrice, string(p.ClosedBy),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// GetBySymbol returns the most recent position for symbol, preferring a
// non-terminal one.
func (s *PositionStore) GetBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE symbol = $1
		 ORDER BY (state NOT IN ('closed', 'entry_failed')) DESC, updated_at DESC
		 LIMIT 1`, symbol)

	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", symbol, err)
	}
	return p, nil
}

// ListActive returns all positions in a non-terminal state.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state NOT IN ('closed', 'entry_failed')
		 ORDER BY opened_at DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions whose closure predates before.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state = 'closed' AND closed_at < $1
		 ORDER BY closed_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions with pagination and optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC NULLS LAST"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore removes closed positions older than before, returning
// the number of rows deleted. Used after archival.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE state = 'closed' AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}
