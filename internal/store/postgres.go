package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/model"
)

// PostgresStore implements TicketStore using PostgreSQL as the source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const ticketColumns = `ticket_id, status, symbol, strike_price::TEXT, side, market_ticker,
	entry_price::TEXT, exit_price::TEXT, position_size,
	opened_at, closed_at, settlement,
	probability_at_entry, momentum_at_entry,
	realized_pnl::TEXT, diagnostic_log, created_at, updated_at`

func (s *PostgresStore) SaveTicket(ctx context.Context, t *model.TradeTicket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tickets (ticket_id, status, symbol, strike_price, side, market_ticker,
			entry_price, exit_price, position_size,
			opened_at, closed_at, settlement,
			probability_at_entry, momentum_at_entry,
			realized_pnl, diagnostic_log, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6,
			$7::NUMERIC, $8::NUMERIC, $9,
			$10, $11, $12,
			$13, $14,
			$15::NUMERIC, $16, $17, $18)
		 ON CONFLICT (ticket_id) DO UPDATE SET
			status = EXCLUDED.status,
			entry_price = EXCLUDED.entry_price,
			exit_price = EXCLUDED.exit_price,
			opened_at = EXCLUDED.opened_at,
			closed_at = EXCLUDED.closed_at,
			probability_at_entry = EXCLUDED.probability_at_entry,
			momentum_at_entry = EXCLUDED.momentum_at_entry,
			realized_pnl = EXCLUDED.realized_pnl,
			diagnostic_log = EXCLUDED.diagnostic_log,
			updated_at = EXCLUDED.updated_at`,
		t.TicketID, t.Status, t.Symbol, t.StrikePrice.String(), t.Side, t.MarketTicker,
		decString(t.EntryPrice), decString(t.ExitPrice), t.PositionSize,
		t.OpenedAt, t.ClosedAt, t.Settlement,
		t.ProbabilityAtEntry, t.MomentumAtEntry,
		decString(t.RealizedPnL), t.DiagnosticLog, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetTicket(ctx context.Context, ticketID string) (*model.TradeTicket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)

	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
		}
		return nil, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTickets(ctx context.Context) ([]model.TradeTicket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTickets(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.TradeTicket, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = ANY($1) ORDER BY created_at DESC`,
		names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTickets(rows)
}

func scanTickets(rows pgx.Rows) ([]model.TradeTicket, error) {
	var tickets []model.TradeTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func scanTicket(row pgx.Row) (*model.TradeTicket, error) {
	var t model.TradeTicket
	var strikeS string
	var entryS, exitS, pnlS *string

	if err := row.Scan(&t.TicketID, &t.Status, &t.Symbol, &strikeS, &t.Side, &t.MarketTicker,
		&entryS, &exitS, &t.PositionSize,
		&t.OpenedAt, &t.ClosedAt, &t.Settlement,
		&t.ProbabilityAtEntry, &t.MomentumAtEntry,
		&pnlS, &t.DiagnosticLog, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	t.StrikePrice, _ = decimal.NewFromString(strikeS)
	t.EntryPrice = decFromString(entryS)
	t.ExitPrice = decFromString(exitS)
	t.RealizedPnL = decFromString(pnlS)
	return &t, nil
}

func decString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decFromString(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
