package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strikeline/trade-engine/internal/model"
)

// CachedStore wraps a primary TicketStore (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary store and refresh the cache;
// single-ticket reads check Redis first then fall back to the primary.
// List queries pass through — the supervisor needs the authoritative set.
type CachedStore struct {
	primary TicketStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary TicketStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) SaveTicket(ctx context.Context, t *model.TradeTicket) error {
	if err := s.primary.SaveTicket(ctx, t); err != nil {
		return err
	}
	s.cacheTicket(ctx, t)
	return nil
}

func (s *CachedStore) GetTicket(ctx context.Context, ticketID string) (*model.TradeTicket, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, ticketKey(ticketID)).Bytes()
	if err == nil {
		var t model.TradeTicket
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	// Cache miss: read from primary.
	t, err := s.primary.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	s.cacheTicket(ctx, t)
	return t, nil
}

func (s *CachedStore) ListTickets(ctx context.Context) ([]model.TradeTicket, error) {
	return s.primary.ListTickets(ctx)
}

func (s *CachedStore) ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.TradeTicket, error) {
	return s.primary.ListByStatus(ctx, statuses...)
}

func (s *CachedStore) cacheTicket(ctx context.Context, t *model.TradeTicket) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, ticketKey(t.TicketID), data, s.ttl)
	}
}

func ticketKey(id string) string { return fmt.Sprintf("ticket:%s", id) }
