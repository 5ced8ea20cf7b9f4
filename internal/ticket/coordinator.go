// Package ticket implements the trade ticket lifecycle coordinator: the
// state machine that turns trading intents into externally executed orders
// exactly once.
//
// Legal transitions:
//
//	pending --execute ok-->   open
//	pending --execute fail--> error
//	pending --cancel-->       cancelled
//	open    --close intent--> closing
//	closing --execute ok-->   closed
//	closing --execute fail--> error
//	open    --settlement-->   expired   (no closing order)
//
// The coordinator owns every TradeTicket exclusively; other components read
// clones and mutate only through these operations. A single global
// try-acquire lock guarantees at most one venue execution in flight
// system-wide — correctness over throughput, the account trades one symbol
// family at a time.
package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/exec"
	"github.com/strikeline/trade-engine/internal/metrics"
	"github.com/strikeline/trade-engine/internal/model"
	"github.com/strikeline/trade-engine/internal/store"
	"github.com/strikeline/trade-engine/internal/strike"
)

// Initiator labels who triggered a terminal transition, for metrics.
type Initiator string

const (
	InitiatorClient     Initiator = "client"
	InitiatorSupervisor Initiator = "supervisor"
	InitiatorSettlement Initiator = "settlement"
)

// OpenIntent is a request to open a position.
type OpenIntent struct {
	// TicketID makes the open idempotent: a replay with an id that
	// already exists is a no-op returning the existing ticket. Generated
	// when empty.
	TicketID string

	Symbol       string
	StrikePrice  decimal.Decimal
	Side         model.Side
	MarketTicker string
	PositionSize int64

	// LimitPrice is the willing-to-pay ask in the held side's quote.
	LimitPrice decimal.Decimal

	Settlement time.Time

	// Decision-time audit values, stored verbatim on the ticket.
	ProbabilityAtEntry float64
	MomentumAtEntry    float64
}

// Coordinator is the single state-machine authority over trade tickets.
type Coordinator struct {
	store    store.TicketStore
	executor exec.Executor
	limiter  *PositionLimiter

	mu       sync.RWMutex
	tickets  map[string]*model.TradeTicket
	inflight map[string]bool // execution currently at the venue for this ticket

	// execBusy is the single global execution lock. Try-acquire only:
	// contention fails fast with ErrExecutionBusy, never queues.
	execBusy atomic.Bool

	now func() time.Time
}

// NewCoordinator creates a coordinator persisting write-through to st and
// executing against ex. limiter may be nil to disable exposure caps.
func NewCoordinator(st store.TicketStore, ex exec.Executor, limiter *PositionLimiter) *Coordinator {
	return &Coordinator{
		store:    st,
		executor: ex,
		limiter:  limiter,
		tickets:  make(map[string]*model.TradeTicket),
		inflight: make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recover loads every persisted ticket into memory. Called once at startup
// so terminal tickets stay queryable and non-terminal ones resume
// supervision.
func (c *Coordinator) Recover(ctx context.Context) error {
	tickets, err := c.store.ListTickets(ctx)
	if err != nil {
		return fmt.Errorf("recover tickets: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	open := 0
	for i := range tickets {
		t := tickets[i]
		c.tickets[t.TicketID] = &t
		if !t.Status.Terminal() {
			open++
		}
	}
	metrics.OpenTickets.Set(float64(open))
	slog.Info("tickets recovered", "total", len(tickets), "live", open)
	return nil
}

// Get returns a clone of the ticket, or ErrNotFound.
func (c *Coordinator) Get(ticketID string) (*model.TradeTicket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	return t.Clone(), nil
}

// List returns clones of tickets in any of the given statuses; with no
// statuses it returns everything.
func (c *Coordinator) List(statuses ...model.Status) []model.TradeTicket {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []model.TradeTicket
	for _, t := range c.tickets {
		if len(statuses) == 0 {
			result = append(result, *t.Clone())
			continue
		}
		for _, st := range statuses {
			if t.Status == st {
				result = append(result, *t.Clone())
				break
			}
		}
	}
	return result
}

// OpenTrade validates the intent, creates the ticket in pending so a stable
// identity exists before the (possibly slow) venue call, then executes under
// the global lock. Replays with an existing ticket id return the existing
// ticket without a second submission.
func (c *Coordinator) OpenTrade(ctx context.Context, intent OpenIntent) (*model.TradeTicket, error) {
	if err := c.validateIntent(intent); err != nil {
		return nil, err
	}
	if intent.TicketID == "" {
		intent.TicketID = uuid.New().String()
	}

	// Idempotency guard + pending creation must be one atomic step so two
	// replays can never both create.
	c.mu.Lock()
	if existing, ok := c.tickets[intent.TicketID]; ok {
		clone := existing.Clone()
		c.mu.Unlock()
		return clone, nil
	}
	if err := c.limiter.CheckOpen(intent.Symbol, intent.StrikePrice, intent.PositionSize,
		c.lockedList(model.StatusOpen, model.StatusClosing)); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	now := c.now()
	t := &model.TradeTicket{
		TicketID:           intent.TicketID,
		Status:             model.StatusPending,
		Symbol:             intent.Symbol,
		StrikePrice:        intent.StrikePrice,
		Side:               intent.Side,
		MarketTicker:       intent.MarketTicker,
		PositionSize:       intent.PositionSize,
		Settlement:         intent.Settlement,
		ProbabilityAtEntry: intent.ProbabilityAtEntry,
		MomentumAtEntry:    intent.MomentumAtEntry,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	c.tickets[t.TicketID] = t
	c.mu.Unlock()

	metrics.OpenTickets.Inc()
	c.persist(ctx, t)

	if !c.execBusy.CompareAndSwap(false, true) {
		// Abandon before the venue: pending -> cancelled, caller retries
		// with a fresh intent. Guarded because a concurrent CancelTrade
		// may already have moved the ticket.
		metrics.ExecutionBusy.Inc()
		if _, err := c.guardedTransition(ctx, t.TicketID, model.StatusPending, model.StatusCancelled, func(t *model.TradeTicket) {
			t.ClosedAt = ptr(c.now())
		}); err == nil {
			metrics.TicketsClosed.WithLabelValues(string(model.StatusCancelled), string(InitiatorClient)).Inc()
			metrics.OpenTickets.Dec()
		}
		return nil, ErrExecutionBusy
	}
	defer c.execBusy.Store(false)

	// Claim the ticket for execution: the ticket must still be pending and
	// becomes inflight in the same critical section, so a CancelTrade that
	// won the race is honored and one that arrives later is rejected.
	c.mu.Lock()
	if cur := c.tickets[t.TicketID]; cur.Status != model.StatusPending {
		status := cur.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: execute from %s", ErrInvalidState, status)
	}
	c.inflight[t.TicketID] = true
	c.mu.Unlock()
	defer c.setInflight(t.TicketID, false)

	start := time.Now()
	fill, err := c.executor.Submit(ctx, exec.Request{
		Ticker: intent.MarketTicker,
		Side:   intent.Side,
		Size:   intent.PositionSize,
		Price:  intent.LimitPrice,
		Type:   exec.TypeLimit,
	})
	metrics.ExecutionLatency.WithLabelValues("open").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ExecutionErrors.Inc()
		metrics.TicketsClosed.WithLabelValues(string(model.StatusError), string(InitiatorClient)).Inc()
		metrics.OpenTickets.Dec()
		updated, terr := c.guardedTransition(ctx, t.TicketID, model.StatusPending, model.StatusError, func(t *model.TradeTicket) {
			t.DiagnosticLog = append(t.DiagnosticLog, fmt.Sprintf("open execution: %v", err))
		})
		if terr != nil {
			slog.Error("error transition conflict", "ticket", t.TicketID, "err", terr)
		}
		slog.Error("open execution failed", "ticket", t.TicketID, "err", err)
		return updated, fmt.Errorf("%w: %v", ErrExternalExecution, err)
	}

	entry := yesQuoted(fill.FillPrice, intent.Side)
	updated, terr := c.guardedTransition(ctx, t.TicketID, model.StatusPending, model.StatusOpen, func(t *model.TradeTicket) {
		t.EntryPrice = &entry
		t.OpenedAt = ptr(fill.FillTime.UTC())
	})
	if terr != nil {
		return nil, terr
	}

	metrics.TicketsOpened.WithLabelValues(string(intent.Side)).Inc()
	slog.Info("ticket opened",
		"ticket", t.TicketID,
		"ticker", intent.MarketTicker,
		"side", intent.Side,
		"size", intent.PositionSize,
		"entry", entry.String(),
	)
	return updated, nil
}

// CloseTrade transitions an open ticket through closing to closed by
// submitting the inverted side for the full position size. A failed close is
// a diagnosable event: the ticket parks in error, never silently reverts to
// open.
func (c *Coordinator) CloseTrade(ctx context.Context, ticketID string, limitPrice decimal.Decimal) (*model.TradeTicket, error) {
	return c.close(ctx, ticketID, limitPrice, InitiatorClient)
}

// CloseForRisk is CloseTrade invoked by the risk supervisor; identical
// semantics, labelled separately for metrics.
func (c *Coordinator) CloseForRisk(ctx context.Context, ticketID string, limitPrice decimal.Decimal) (*model.TradeTicket, error) {
	metrics.AutoCloses.Inc()
	return c.close(ctx, ticketID, limitPrice, InitiatorSupervisor)
}

func (c *Coordinator) close(ctx context.Context, ticketID string, limitPrice decimal.Decimal, by Initiator) (*model.TradeTicket, error) {
	c.mu.Lock()
	t, ok := c.tickets[ticketID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	if t.Status != model.StatusOpen {
		status := t.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: close from %s", ErrInvalidState, status)
	}
	side := t.Side
	size := t.PositionSize
	ticker := t.MarketTicker
	entry := *t.EntryPrice
	c.mu.Unlock()

	// Acquire the lock before touching state so a busy engine leaves the
	// ticket open and retryable.
	if !c.execBusy.CompareAndSwap(false, true) {
		metrics.ExecutionBusy.Inc()
		return nil, ErrExecutionBusy
	}
	defer c.execBusy.Store(false)

	if _, err := c.guardedTransition(ctx, ticketID, model.StatusOpen, model.StatusClosing, nil); err != nil {
		return nil, err
	}

	c.setInflight(ticketID, true)
	defer c.setInflight(ticketID, false)

	// A zero limit means "get out now": submit at market.
	orderType := exec.TypeLimit
	if limitPrice.IsZero() {
		orderType = exec.TypeMarket
	}

	start := time.Now()
	fill, err := c.executor.Submit(ctx, exec.Request{
		Ticker: ticker,
		Side:   side.Invert(),
		Size:   size,
		Price:  limitPrice,
		Type:   orderType,
	})
	metrics.ExecutionLatency.WithLabelValues("close").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ExecutionErrors.Inc()
		metrics.TicketsClosed.WithLabelValues(string(model.StatusError), string(by)).Inc()
		metrics.OpenTickets.Dec()
		updated := c.transition(ctx, ticketID, model.StatusError, func(t *model.TradeTicket) {
			t.DiagnosticLog = append(t.DiagnosticLog, fmt.Sprintf("close execution: %v", err))
		})
		slog.Error("close execution failed", "ticket", ticketID, "err", err)
		return updated, fmt.Errorf("%w: %v", ErrExternalExecution, err)
	}

	// The close fill arrives in the inverted side's quote; store the
	// YES-quoted equivalent so PnL math has one convention.
	exit := yesQuoted(fill.FillPrice, side.Invert())
	pnl := realizedPnL(entry, exit, size, side)
	updated := c.transition(ctx, ticketID, model.StatusClosed, func(t *model.TradeTicket) {
		t.ExitPrice = &exit
		t.ClosedAt = ptr(fill.FillTime.UTC())
		t.RealizedPnL = &pnl
	})

	metrics.TicketsClosed.WithLabelValues(string(model.StatusClosed), string(by)).Inc()
	metrics.OpenTickets.Dec()
	slog.Info("ticket closed",
		"ticket", ticketID,
		"exit", exit.String(),
		"pnl", pnl.String(),
		"by", by,
	)
	return updated, nil
}

// CancelTrade abandons a pending ticket before its execution reaches the
// venue. Illegal once the submission is in flight or from any other state.
func (c *Coordinator) CancelTrade(ctx context.Context, ticketID string) (*model.TradeTicket, error) {
	c.mu.Lock()
	t, ok := c.tickets[ticketID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	if t.Status != model.StatusPending || c.inflight[ticketID] {
		status := t.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidState, status)
	}
	t.Status = model.StatusCancelled
	t.ClosedAt = ptr(c.now())
	t.UpdatedAt = c.now()
	clone := t.Clone()
	c.mu.Unlock()

	metrics.TicketsClosed.WithLabelValues(string(model.StatusCancelled), string(InitiatorClient)).Inc()
	metrics.OpenTickets.Dec()
	c.persist(ctx, clone)
	slog.Info("ticket cancelled", "ticket", ticketID)
	return clone, nil
}

// ExpireAtSettlement marks an open ticket expired once its settlement time
// has passed, with no closing order. The contract settles at the binary
// outcome: the boundary case of a settlement price exactly at the strike
// wins for the held side.
func (c *Coordinator) ExpireAtSettlement(ctx context.Context, ticketID string, settlementPrice decimal.Decimal) (*model.TradeTicket, error) {
	c.mu.Lock()
	t, ok := c.tickets[ticketID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	if t.Status != model.StatusOpen {
		status := t.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: expire from %s", ErrInvalidState, status)
	}

	exit := settlementExit(t.Side, t.StrikePrice, settlementPrice)
	pnl := realizedPnL(*t.EntryPrice, exit, t.PositionSize, t.Side)
	t.Status = model.StatusExpired
	t.ExitPrice = &exit
	t.RealizedPnL = &pnl
	t.ClosedAt = ptr(c.now())
	t.UpdatedAt = c.now()
	clone := t.Clone()
	c.mu.Unlock()

	metrics.TicketsClosed.WithLabelValues(string(model.StatusExpired), string(InitiatorSettlement)).Inc()
	metrics.OpenTickets.Dec()
	c.persist(ctx, clone)
	slog.Info("ticket expired at settlement",
		"ticket", ticketID,
		"settle", settlementPrice.String(),
		"exit", exit.String(),
		"pnl", pnl.String(),
	)
	return clone, nil
}

// --- internals ---

func (c *Coordinator) validateIntent(intent OpenIntent) error {
	if intent.PositionSize <= 0 {
		return fmt.Errorf("%w: position size must be positive", ErrValidation)
	}
	if !intent.Side.Valid() {
		return fmt.Errorf("%w: side must be yes or no", ErrValidation)
	}
	if !intent.StrikePrice.IsPositive() {
		return fmt.Errorf("%w: strike must be positive", ErrValidation)
	}
	if intent.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if _, err := strike.ParseTicker(intent.MarketTicker); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if intent.Settlement.IsZero() {
		return fmt.Errorf("%w: settlement time is required", ErrValidation)
	}
	return nil
}

// lockedList returns tickets in the given statuses. Caller must hold c.mu.
func (c *Coordinator) lockedList(statuses ...model.Status) []model.TradeTicket {
	var result []model.TradeTicket
	for _, t := range c.tickets {
		for _, st := range statuses {
			if t.Status == st {
				result = append(result, *t)
				break
			}
		}
	}
	return result
}

func (c *Coordinator) setInflight(ticketID string, v bool) {
	c.mu.Lock()
	if v {
		c.inflight[ticketID] = true
	} else {
		delete(c.inflight, ticketID)
	}
	c.mu.Unlock()
}

// transition applies mutate and the new status to the ticket and persists
// the result. The ticket must exist.
func (c *Coordinator) transition(ctx context.Context, ticketID string, to model.Status, mutate func(*model.TradeTicket)) *model.TradeTicket {
	c.mu.Lock()
	t := c.tickets[ticketID]
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = c.now()
	clone := t.Clone()
	c.mu.Unlock()

	c.persist(ctx, clone)
	return clone
}

// guardedTransition is transition gated on the source status, for edges
// where a concurrent operation could have moved the ticket already.
func (c *Coordinator) guardedTransition(ctx context.Context, ticketID string, from, to model.Status, mutate func(*model.TradeTicket)) (*model.TradeTicket, error) {
	c.mu.Lock()
	t, ok := c.tickets[ticketID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ticketID)
	}
	if t.Status != from {
		status := t.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: expected %s, ticket is %s", ErrInvalidState, from, status)
	}
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = c.now()
	clone := t.Clone()
	c.mu.Unlock()

	c.persist(ctx, clone)
	return clone, nil
}

// persist writes the ticket through to the store. The in-memory record is
// the runtime authority; a persistence failure is logged and surfaced by
// monitoring rather than rolled back.
func (c *Coordinator) persist(ctx context.Context, t *model.TradeTicket) {
	if err := c.store.SaveTicket(ctx, t); err != nil {
		slog.Error("ticket persistence failed", "ticket", t.TicketID, "status", t.Status, "err", err)
	}
}

// yesQuoted converts a fill price in side's quote to the YES quote.
func yesQuoted(price decimal.Decimal, side model.Side) decimal.Decimal {
	if side == model.SideYes {
		return price
	}
	return decimal.NewFromInt(1).Sub(price)
}

// realizedPnL computes (exit - entry) * size * sign(side) with YES-quoted
// prices.
func realizedPnL(entry, exit decimal.Decimal, size int64, side model.Side) decimal.Decimal {
	return exit.Sub(entry).Mul(decimal.NewFromInt(size)).Mul(side.Sign())
}

// settlementExit returns the YES-quoted settlement value. A settlement
// price exactly at the strike counts as a win for the held side.
func settlementExit(side model.Side, strikePrice, settlementPrice decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	zero := decimal.Zero

	switch side {
	case model.SideYes:
		if settlementPrice.GreaterThanOrEqual(strikePrice) {
			return one
		}
		return zero
	default: // no
		if settlementPrice.LessThanOrEqual(strikePrice) {
			return zero // YES worthless, NO side wins
		}
		return one
	}
}

func ptr[T any](v T) *T { return &v }
