package store

import (
	"context"
	"sort"
	"sync"

	"github.com/strikeline/trade-engine/internal/model"
)

// MemoryStore implements TicketStore with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]*model.TradeTicket
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]*model.TradeTicket)}
}

func (s *MemoryStore) SaveTicket(_ context.Context, t *model.TradeTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.tickets[t.TicketID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTicket(_ context.Context, ticketID string) (*model.TradeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTickets(_ context.Context) ([]model.TradeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tickets := make([]model.TradeTicket, 0, len(s.tickets))
	for _, t := range s.tickets {
		tickets = append(tickets, *t.Clone())
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].CreatedAt.After(tickets[j].CreatedAt)
	})
	return tickets, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.TradeTicket, error) {
	all, err := s.ListTickets(ctx)
	if err != nil {
		return nil, err
	}

	var result []model.TradeTicket
	for _, t := range all {
		for _, st := range statuses {
			if t.Status == st {
				result = append(result, t)
				break
			}
		}
	}
	return result, nil
}
