package ticket

import (
	"context"
	"errors"
	"testing"

	"github.com/strikeline/trade-engine/internal/exec"
	"github.com/strikeline/trade-engine/internal/model"
	"github.com/strikeline/trade-engine/internal/store"
)

func TestCheckOpen(t *testing.T) {
	open := []model.TradeTicket{
		{Symbol: "BTCUSD", StrikePrice: d("99750"), PositionSize: 50},
		{Symbol: "BTCUSD", StrikePrice: d("99500"), PositionSize: 60},
		{Symbol: "ETHUSD", StrikePrice: d("99750"), PositionSize: 400},
	}

	tests := []struct {
		name    string
		limiter *PositionLimiter
		symbol  string
		strike  string
		size    int64
		wantErr error
	}{
		{"within limits", NewPositionLimiter(100, 500), "BTCUSD", "99750", 40, nil},
		{"at strike cap exactly", NewPositionLimiter(100, 500), "BTCUSD", "99750", 50, nil},
		{"over strike cap", NewPositionLimiter(100, 500), "BTCUSD", "99750", 51, ErrPerStrikeLimitExceeded},
		{"over symbol cap", NewPositionLimiter(1000, 150), "BTCUSD", "99000", 41, ErrSymbolLimitExceeded},
		{"other symbol not counted", NewPositionLimiter(1000, 500), "ETHUSD", "99750", 100, nil},
		{"strike cap disabled", NewPositionLimiter(0, 500), "BTCUSD", "99750", 300, nil},
		{"nil limiter allows all", nil, "BTCUSD", "99750", 100000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limiter.CheckOpen(tt.symbol, d(tt.strike), tt.size, open)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenTradeRespectsLimits(t *testing.T) {
	paper := exec.NewPaperExecutor(nil)
	c := NewCoordinator(store.NewMemoryStore(), paper, NewPositionLimiter(15, 1000))

	if _, err := c.OpenTrade(context.Background(), validIntent()); err != nil {
		t.Fatal(err)
	}
	_, err := c.OpenTrade(context.Background(), validIntent())
	if !errors.Is(err, ErrPerStrikeLimitExceeded) {
		t.Fatalf("err = %v, want ErrPerStrikeLimitExceeded", err)
	}

	// The rejected intent never reached the venue and left no ticket.
	if n := len(paper.Submissions()); n != 1 {
		t.Fatalf("venue submissions = %d, want 1", n)
	}
	if tickets := c.List(); len(tickets) != 1 {
		t.Fatalf("tickets = %d, want 1", len(tickets))
	}
}

func TestClosedPositionsFreeLimitCapacity(t *testing.T) {
	c := NewCoordinator(store.NewMemoryStore(), exec.NewPaperExecutor(nil), NewPositionLimiter(15, 1000))

	first, err := c.OpenTrade(context.Background(), validIntent())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CloseTrade(context.Background(), first.TicketID, d("0.05")); err != nil {
		t.Fatal(err)
	}

	// Counts derive from live tickets, so the closed position no longer
	// consumes the cap.
	if _, err := c.OpenTrade(context.Background(), validIntent()); err != nil {
		t.Fatalf("open after close: %v", err)
	}
}
