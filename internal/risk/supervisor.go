// Package risk implements the active position risk supervisor: a periodic
// loop that re-evaluates every open ticket against the latest strike table
// and feed data, classifies it into a risk tier, and issues protective
// actions (auto-close, settlement expiry) through the ticket coordinator.
//
// The supervisor never mutates tickets itself — it only reads clones and
// calls coordinator operations. Risk snapshots are transient: recomputed
// every cycle and published whole for the API to read, never persisted.
package risk

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/feed"
	"github.com/strikeline/trade-engine/internal/metrics"
	"github.com/strikeline/trade-engine/internal/model"
	"github.com/strikeline/trade-engine/internal/strike"
)

// TicketController is the slice of the coordinator the supervisor drives.
type TicketController interface {
	List(statuses ...model.Status) []model.TradeTicket
	CloseForRisk(ctx context.Context, ticketID string, limitPrice decimal.Decimal) (*model.TradeTicket, error)
	ExpireAtSettlement(ctx context.Context, ticketID string, settlementPrice decimal.Decimal) (*model.TradeTicket, error)
}

// TableSource provides the latest published strike table.
type TableSource interface {
	Latest() *strike.TableSnapshot
}

// Supervisor runs the risk loop.
type Supervisor struct {
	coord  TicketController
	tables TableSource
	feed   *feed.Feed

	// maxAge bounds how old feed data and strike tables may be before the
	// supervisor stops trusting them and degrades to unknown.
	maxAge time.Duration

	// autoClose gates protective closes. With it off the supervisor still
	// classifies and publishes snapshots, it just never pulls the trigger.
	autoClose bool

	snaps atomic.Pointer[map[string]model.RiskSnapshot]
	now   func() time.Time
}

// New creates a supervisor. maxAge is the freshness bound applied to both
// the feed tick and the strike table.
func New(coord TicketController, tables TableSource, f *feed.Feed, maxAge time.Duration, autoClose bool) *Supervisor {
	return &Supervisor{
		coord:     coord,
		tables:    tables,
		feed:      f,
		maxAge:    maxAge,
		autoClose: autoClose,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one supervision cycle per interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle evaluates every open ticket once: expiry first, then tier
// classification, then protective closes for danger-tier positions.
func (s *Supervisor) Cycle(ctx context.Context) {
	open := s.coord.List(model.StatusOpen)
	now := s.now()

	tick, tickErr := s.feed.LatestTick(s.maxAge)
	haveTick := tickErr == nil

	table := s.tables.Latest()
	if table != nil && now.Sub(table.BuiltAt) > s.maxAge {
		// A stale table is no table. Unknown over wrong.
		table = nil
	}

	next := make(map[string]model.RiskSnapshot, len(open))
	for i := range open {
		t := &open[i]

		if !t.Settlement.After(now) {
			s.expire(ctx, t, tick, haveTick)
			continue
		}

		snap := s.evaluate(t, table, tick, haveTick, now)
		next[t.TicketID] = snap

		switch {
		case snap.Tier == model.TierUnknown:
			metrics.UnknownRiskCycles.Inc()
			slog.Debug("risk unknown, holding position", "ticket", t.TicketID)
		case snap.Tier == model.TierDanger && s.autoClose:
			slog.Warn("danger tier, auto-closing",
				"ticket", t.TicketID,
				"probability", *snap.CurrentProbability,
				"buffer", snap.BufferFromEntry.String(),
			)
			if _, err := s.coord.CloseForRisk(ctx, t.TicketID, decimal.Zero); err != nil {
				slog.Error("auto-close failed", "ticket", t.TicketID, "err", err)
			}
		}
	}

	s.snaps.Store(&next)
}

// expire settles a ticket whose settlement time has passed. Without a fresh
// tick there is no settlement price; the ticket waits for the next cycle.
func (s *Supervisor) expire(ctx context.Context, t *model.TradeTicket, tick model.FeedTick, haveTick bool) {
	if !haveTick {
		slog.Warn("settlement passed but no fresh price, deferring expiry", "ticket", t.TicketID)
		return
	}
	if _, err := s.coord.ExpireAtSettlement(ctx, t.TicketID, tick.Price); err != nil {
		slog.Error("settlement expiry failed", "ticket", t.TicketID, "err", err)
	}
}

// evaluate computes one ticket's risk snapshot. Anything missing — tick,
// table, strike row, probability — yields TierUnknown, which never
// auto-closes: a blind supervisor holds, it does not panic-sell.
func (s *Supervisor) evaluate(t *model.TradeTicket, table *strike.TableSnapshot, tick model.FeedTick, haveTick bool, now time.Time) model.RiskSnapshot {
	snap := model.RiskSnapshot{
		TicketID:   t.TicketID,
		Tier:       model.TierUnknown,
		ComputedAt: now,
	}
	if !haveTick {
		return snap
	}

	// Sign-normalized: positive means price is on the winning side of the
	// strike for the held side.
	snap.BufferFromEntry = tick.Price.Sub(t.StrikePrice).Mul(t.Side.Sign())

	if table == nil {
		return snap
	}
	row, ok := table.RowForStrike(t.StrikePrice)
	if !ok || row.ProbabilityWithin == nil {
		return snap
	}

	p := *row.ProbabilityWithin
	snap.CurrentProbability = &p

	tier := model.TierForProbability(p)
	if snap.BufferFromEntry.IsNegative() {
		tier = tier.Degrade()
	}
	snap.Tier = tier

	if mark := markPrice(row, t.Side); mark != nil && t.EntryPrice != nil {
		pnl := mark.Sub(*t.EntryPrice).
			Mul(decimal.NewFromInt(t.PositionSize)).
			Mul(t.Side.Sign())
		snap.CurrentPnL = &pnl
	}
	return snap
}

// markPrice returns the YES-quoted mark for the held side from the strike
// row's asks, or nil when the needed ask is missing.
func markPrice(row model.StrikeRow, side model.Side) *decimal.Decimal {
	switch side {
	case model.SideYes:
		if row.YesAsk == nil {
			return nil
		}
		v := *row.YesAsk
		return &v
	default:
		if row.NoAsk == nil {
			return nil
		}
		v := decimal.NewFromInt(1).Sub(*row.NoAsk)
		return &v
	}
}

// Snapshots returns a copy of the latest published snapshot batch, keyed by
// ticket id. Empty before the first cycle.
func (s *Supervisor) Snapshots() map[string]model.RiskSnapshot {
	m := s.snaps.Load()
	if m == nil {
		return map[string]model.RiskSnapshot{}
	}
	out := make(map[string]model.RiskSnapshot, len(*m))
	for k, v := range *m {
		out[k] = v
	}
	return out
}

// SnapshotFor returns the latest snapshot for one ticket, if the last cycle
// produced one.
func (s *Supervisor) SnapshotFor(ticketID string) (model.RiskSnapshot, bool) {
	m := s.snaps.Load()
	if m == nil {
		return model.RiskSnapshot{}, false
	}
	snap, ok := (*m)[ticketID]
	return snap, ok
}
