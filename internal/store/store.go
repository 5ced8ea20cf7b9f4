// Package store defines ticket persistence for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Tickets are append/update only and never deleted — an error ticket stays
// queryable indefinitely with its diagnostic trail.
package store

import (
	"context"
	"errors"

	"github.com/strikeline/trade-engine/internal/model"
)

// ErrTicketNotFound is returned when no ticket exists for the given id.
var ErrTicketNotFound = errors.New("store: ticket not found")

// TicketStore is the persistence interface. The coordinator is the only
// writer; everything else reads.
type TicketStore interface {
	// SaveTicket inserts or updates a ticket keyed by ticket_id.
	SaveTicket(ctx context.Context, t *model.TradeTicket) error

	// GetTicket retrieves a ticket by its id.
	GetTicket(ctx context.Context, ticketID string) (*model.TradeTicket, error)

	// ListTickets returns all tickets, newest first.
	ListTickets(ctx context.Context) ([]model.TradeTicket, error)

	// ListByStatus returns tickets in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.TradeTicket, error)
}
