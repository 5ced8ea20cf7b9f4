package exec

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/model"
)

// ErrNoPaperQuote is returned when the paper executor has no price for the
// requested ticker and the request carries no limit price to fill at.
var ErrNoPaperQuote = errors.New("exec: no paper quote for ticker")

// QuoteSource supplies current asks for paper fills, normally the published
// strike table.
type QuoteSource interface {
	AskFor(ticker string, side model.Side) (decimal.Decimal, bool)
}

// PaperExecutor simulates fills without touching a venue. Limit orders fill
// at the limit price; market orders fill at the quote source's current ask.
// Used for dry runs and in tests.
type PaperExecutor struct {
	quotes QuoteSource

	mu      sync.Mutex
	history []Request
}

// NewPaperExecutor creates a paper executor. quotes may be nil, in which
// case only limit orders can fill.
func NewPaperExecutor(quotes QuoteSource) *PaperExecutor {
	return &PaperExecutor{quotes: quotes}
}

func (p *PaperExecutor) Submit(_ context.Context, req Request) (Fill, error) {
	p.mu.Lock()
	p.history = append(p.history, req)
	p.mu.Unlock()

	price := req.Price
	if req.Type == TypeMarket || price.IsZero() {
		if p.quotes == nil {
			return Fill{}, ErrNoPaperQuote
		}
		ask, ok := p.quotes.AskFor(req.Ticker, req.Side)
		if !ok {
			return Fill{}, ErrNoPaperQuote
		}
		price = ask
	}

	return Fill{FillPrice: price, FillTime: time.Now().UTC()}, nil
}

// Submissions returns a copy of every request seen, in order. Used by tests
// asserting at-most-once submission.
func (p *PaperExecutor) Submissions() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.history...)
}
