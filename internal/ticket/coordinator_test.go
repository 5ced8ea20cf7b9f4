package ticket

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/exec"
	"github.com/strikeline/trade-engine/internal/model"
	"github.com/strikeline/trade-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func validIntent() OpenIntent {
	return OpenIntent{
		Symbol:             "BTCUSD",
		StrikePrice:        d("99750"),
		Side:               model.SideYes,
		MarketTicker:       "BTCUSD-2025083117-T99750",
		PositionSize:       10,
		LimitPrice:         d("0.85"),
		Settlement:         time.Now().Add(time.Hour).UTC(),
		ProbabilityAtEntry: 91.5,
		MomentumAtEntry:    0.3,
	}
}

func newTestCoordinator(ex exec.Executor) *Coordinator {
	return NewCoordinator(store.NewMemoryStore(), ex, nil)
}

// failingExecutor rejects every submission.
type failingExecutor struct{}

func (failingExecutor) Submit(context.Context, exec.Request) (exec.Fill, error) {
	return exec.Fill{}, errors.New("venue rejected order")
}

// blockingExecutor fills the first passthrough submissions immediately, then
// parks each later one until release is closed. Lets tests hold the global
// execution lock at a known point.
type blockingExecutor struct {
	passthrough int32
	calls       atomic.Int32
	entered     chan struct{}
	release     chan struct{}
}

func newBlockingExecutor(passthrough int32) *blockingExecutor {
	return &blockingExecutor{
		passthrough: passthrough,
		entered:     make(chan struct{}, 8),
		release:     make(chan struct{}),
	}
}

func (b *blockingExecutor) Submit(_ context.Context, req exec.Request) (exec.Fill, error) {
	if b.calls.Add(1) > b.passthrough {
		b.entered <- struct{}{}
		<-b.release
	}
	return exec.Fill{FillPrice: req.Price, FillTime: time.Now().UTC()}, nil
}

// gatedStore parks the pending-ticket persist until released, holding
// OpenTrade in the window before its execution claim.
type gatedStore struct {
	store.TicketStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) SaveTicket(ctx context.Context, t *model.TradeTicket) error {
	if t.Status == model.StatusPending {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.TicketStore.SaveTicket(ctx, t)
}

func TestCancelDuringPendingPersistWins(t *testing.T) {
	gate := &gatedStore{
		TicketStore: store.NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	paper := exec.NewPaperExecutor(nil)
	c := NewCoordinator(gate, paper, nil)

	intent := validIntent()
	intent.TicketID = "racer"
	done := make(chan error, 1)
	go func() {
		_, err := c.OpenTrade(context.Background(), intent)
		done <- err
	}()
	<-gate.entered // pending ticket exists, execution not yet claimed

	if _, err := c.CancelTrade(context.Background(), "racer"); err != nil {
		t.Fatalf("cancel of a resting pending ticket: %v", err)
	}
	close(gate.release)

	if err := <-done; !errors.Is(err, ErrInvalidState) {
		t.Fatalf("open after cancel: %v, want ErrInvalidState", err)
	}

	// The cancel the caller was told about must stand.
	got, err := c.Get("racer")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if n := len(paper.Submissions()); n != 0 {
		t.Fatalf("venue saw %d submissions for a cancelled ticket", n)
	}
}

func TestOpenTrade(t *testing.T) {
	c := newTestCoordinator(exec.NewPaperExecutor(nil))

	got, err := c.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
	if got.EntryPrice == nil || !got.EntryPrice.Equal(d("0.85")) {
		t.Fatalf("entry = %v, want 0.85", got.EntryPrice)
	}
	if got.OpenedAt == nil {
		t.Fatal("opened_at not set")
	}
	if got.ProbabilityAtEntry != 91.5 {
		t.Fatalf("probability_at_entry = %v", got.ProbabilityAtEntry)
	}
}

func TestOpenTradeNoSideStoredYesQuoted(t *testing.T) {
	c := newTestCoordinator(exec.NewPaperExecutor(nil))

	intent := validIntent()
	intent.Side = model.SideNo
	intent.LimitPrice = d("0.30")

	got, err := c.OpenTrade(context.Background(), intent)
	if err != nil {
		t.Fatal(err)
	}
	// A no fill at 0.30 is stored as the YES-quoted 0.70.
	if !got.EntryPrice.Equal(d("0.70")) {
		t.Fatalf("entry = %s, want 0.70", got.EntryPrice)
	}
}

func TestOpenTradeValidation(t *testing.T) {
	paper := exec.NewPaperExecutor(nil)
	c := newTestCoordinator(paper)

	tests := []struct {
		name   string
		mutate func(*OpenIntent)
	}{
		{"zero size", func(i *OpenIntent) { i.PositionSize = 0 }},
		{"negative size", func(i *OpenIntent) { i.PositionSize = -5 }},
		{"bad side", func(i *OpenIntent) { i.Side = "maybe" }},
		{"zero strike", func(i *OpenIntent) { i.StrikePrice = decimal.Zero }},
		{"empty symbol", func(i *OpenIntent) { i.Symbol = "" }},
		{"bad ticker", func(i *OpenIntent) { i.MarketTicker = "BTC_99750" }},
		{"zero settlement", func(i *OpenIntent) { i.Settlement = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := validIntent()
			tt.mutate(&intent)
			if _, err := c.OpenTrade(context.Background(), intent); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	if n := len(paper.Submissions()); n != 0 {
		t.Fatalf("invalid intents reached the venue %d times", n)
	}
	if tickets := c.List(); len(tickets) != 0 {
		t.Fatalf("invalid intents created %d tickets", len(tickets))
	}
}

func TestOpenTradeIdempotentReplay(t *testing.T) {
	paper := exec.NewPaperExecutor(nil)
	c := newTestCoordinator(paper)

	intent := validIntent()
	intent.TicketID = "fixed-id"

	first, err := c.OpenTrade(context.Background(), intent)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.OpenTrade(context.Background(), intent)
	if err != nil {
		t.Fatal(err)
	}

	if n := len(paper.Submissions()); n != 1 {
		t.Fatalf("venue saw %d submissions, want exactly 1", n)
	}
	if first.TicketID != second.TicketID || second.Status != model.StatusOpen {
		t.Fatalf("replay returned %s/%s", second.TicketID, second.Status)
	}
}

func TestOpenTradeExecutionFailure(t *testing.T) {
	c := newTestCoordinator(failingExecutor{})

	got, err := c.OpenTrade(context.Background(), validIntent())
	if !errors.Is(err, ErrExternalExecution) {
		t.Fatalf("err = %v, want ErrExternalExecution", err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if len(got.DiagnosticLog) == 0 {
		t.Fatal("diagnostic log empty after execution failure")
	}

	// Error is terminal: no close, no cancel.
	if _, err := c.CloseTrade(context.Background(), got.TicketID, d("0.5")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("close from error: %v, want ErrInvalidState", err)
	}
	if _, err := c.CancelTrade(context.Background(), got.TicketID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel from error: %v, want ErrInvalidState", err)
	}
}

func TestOpenTradeMutualExclusion(t *testing.T) {
	block := newBlockingExecutor(0)
	c := newTestCoordinator(block)

	done := make(chan error, 1)
	go func() {
		_, err := c.OpenTrade(context.Background(), validIntent())
		done <- err
	}()
	<-block.entered // first open is now holding the execution lock

	_, err := c.OpenTrade(context.Background(), validIntent())
	if !errors.Is(err, ErrExecutionBusy) {
		t.Fatalf("concurrent open: %v, want ErrExecutionBusy", err)
	}
	// The rejected intent leaves an auditable cancelled ticket behind.
	if cancelled := c.List(model.StatusCancelled); len(cancelled) != 1 {
		t.Fatalf("cancelled tickets = %d, want 1", len(cancelled))
	}

	close(block.release)
	if err := <-done; err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if open := c.List(model.StatusOpen); len(open) != 1 {
		t.Fatalf("open tickets = %d, want 1", len(open))
	}
}

func TestCloseTrade(t *testing.T) {
	paper := exec.NewPaperExecutor(nil)
	c := newTestCoordinator(paper)

	opened, err := c.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.CloseTrade(context.Background(), opened.TicketID, d("0.05"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	// Yes entry 0.85; the closing no fill at 0.05 is YES-quoted 0.95:
	// (0.95 - 0.85) * 10 contracts = +1.
	if !got.ExitPrice.Equal(d("0.95")) {
		t.Fatalf("exit = %s, want 0.95", got.ExitPrice)
	}
	if !got.RealizedPnL.Equal(d("1")) {
		t.Fatalf("pnl = %s, want 1", got.RealizedPnL)
	}
	if got.ClosedAt == nil {
		t.Fatal("closed_at not set")
	}

	// The venue saw the inverted side.
	subs := paper.Submissions()
	if len(subs) != 2 || subs[1].Side != model.SideNo {
		t.Fatalf("close submission = %+v", subs)
	}
}

func TestCloseTradeBusyLeavesTicketOpen(t *testing.T) {
	block := newBlockingExecutor(2)
	c := newTestCoordinator(block)

	t1, err := c.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}
	t2, err := c.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.CloseTrade(context.Background(), t1.TicketID, d("0.05"))
		done <- err
	}()
	<-block.entered

	if _, err := c.CloseTrade(context.Background(), t2.TicketID, d("0.05")); !errors.Is(err, ErrExecutionBusy) {
		t.Fatalf("concurrent close: %v, want ErrExecutionBusy", err)
	}
	// Busy must not disturb the ticket: it stays open and retryable.
	if got, _ := c.Get(t2.TicketID); got.Status != model.StatusOpen {
		t.Fatalf("ticket status = %s, want open", got.Status)
	}

	close(block.release)
	if err := <-done; err != nil {
		t.Fatalf("first close failed: %v", err)
	}

	if _, err := c.CloseTrade(context.Background(), t2.TicketID, d("0.05")); err != nil {
		t.Fatalf("retry close failed: %v", err)
	}
}

func TestCancelPendingTicket(t *testing.T) {
	// A pending ticket at rest only exists across restarts (e.g. a crash
	// between creation and execution); seed one through the store.
	st := store.NewMemoryStore()
	pending := &model.TradeTicket{
		TicketID:     "stuck",
		Status:       model.StatusPending,
		Symbol:       "BTCUSD",
		StrikePrice:  d("99750"),
		Side:         model.SideYes,
		MarketTicker: "BTCUSD-2025083117-T99750",
		PositionSize: 10,
		Settlement:   time.Now().Add(time.Hour).UTC(),
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := st.SaveTicket(context.Background(), pending); err != nil {
		t.Fatal(err)
	}

	c := NewCoordinator(st, exec.NewPaperExecutor(nil), nil)
	if err := c.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := c.CancelTrade(context.Background(), "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.ClosedAt == nil {
		t.Fatal("closed_at not set on cancel")
	}
}

func TestCancelInflightRejected(t *testing.T) {
	block := newBlockingExecutor(0)
	c := newTestCoordinator(block)

	intent := validIntent()
	intent.TicketID = "inflight"
	done := make(chan error, 1)
	go func() {
		_, err := c.OpenTrade(context.Background(), intent)
		done <- err
	}()
	<-block.entered

	// The submission is at the venue: cancelling now could orphan a fill.
	if _, err := c.CancelTrade(context.Background(), "inflight"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel inflight: %v, want ErrInvalidState", err)
	}

	close(block.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestExpireAtSettlement(t *testing.T) {
	tests := []struct {
		name     string
		side     model.Side
		entry    string // limit the open fills at, in the held side's quote
		settle   string
		wantExit string
		wantPnL  string
	}{
		{"yes wins above strike", model.SideYes, "0.85", "99900", "1", "1.5"},
		{"yes wins at boundary", model.SideYes, "0.85", "99750", "1", "1.5"},
		{"yes loses below strike", model.SideYes, "0.85", "99700", "0", "-8.5"},
		// No entry 0.30 is stored YES-quoted as 0.70.
		{"no wins at boundary", model.SideNo, "0.30", "99750", "0", "7"},
		{"no loses above strike", model.SideNo, "0.30", "99800", "1", "-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paper := exec.NewPaperExecutor(nil)
			c := newTestCoordinator(paper)

			intent := validIntent()
			intent.Side = tt.side
			intent.LimitPrice = d(tt.entry)
			opened, err := c.OpenTrade(context.Background(), intent)
			if err != nil {
				t.Fatal(err)
			}

			got, err := c.ExpireAtSettlement(context.Background(), opened.TicketID, d(tt.settle))
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != model.StatusExpired {
				t.Fatalf("status = %s, want expired", got.Status)
			}
			if !got.ExitPrice.Equal(d(tt.wantExit)) {
				t.Fatalf("exit = %s, want %s", got.ExitPrice, tt.wantExit)
			}
			if !got.RealizedPnL.Equal(d(tt.wantPnL)) {
				t.Fatalf("pnl = %s, want %s", got.RealizedPnL, tt.wantPnL)
			}
			// Expiry settles on the books; it must never submit an order.
			if n := len(paper.Submissions()); n != 1 {
				t.Fatalf("venue submissions = %d, want only the open", n)
			}
		})
	}
}

func TestExpireNonOpenRejected(t *testing.T) {
	c := newTestCoordinator(exec.NewPaperExecutor(nil))
	opened, err := c.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CloseTrade(context.Background(), opened.TicketID, d("0.05")); err != nil {
		t.Fatal(err)
	}

	if _, err := c.ExpireAtSettlement(context.Background(), opened.TicketID, d("99900")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expire closed ticket: %v, want ErrInvalidState", err)
	}
}

func TestRecoverRestoresTickets(t *testing.T) {
	st := store.NewMemoryStore()

	c1 := NewCoordinator(st, exec.NewPaperExecutor(nil), nil)
	opened, err := c1.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}

	c2 := NewCoordinator(st, exec.NewPaperExecutor(nil), nil)
	if err := c2.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := c2.Get(opened.TicketID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusOpen || !got.EntryPrice.Equal(*opened.EntryPrice) {
		t.Fatalf("recovered ticket = %+v", got)
	}
}

func TestGetReturnsClone(t *testing.T) {
	c := newTestCoordinator(exec.NewPaperExecutor(nil))
	opened, err := c.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}

	clone, _ := c.Get(opened.TicketID)
	clone.Status = model.StatusError
	clone.DiagnosticLog = append(clone.DiagnosticLog, "tampered")

	fresh, _ := c.Get(opened.TicketID)
	if fresh.Status != model.StatusOpen || len(fresh.DiagnosticLog) != 0 {
		t.Fatal("mutating a returned ticket leaked into coordinator state")
	}
}
