// Package exec defines the order-execution collaborator contract and the
// paper implementation used for development and tests.
//
// The coordinator calls Submit at most once per lifecycle operation; an
// implementation must not retry beyond transient network retry, since a
// duplicate fill moves real money.
package exec

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"golang.org/x/time/rate"

	"github.com/strikeline/trade-engine/internal/model"
)

// OrderType selects venue order semantics.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// Request is one order submission.
type Request struct {
	Ticker string
	Side   model.Side
	Size   int64
	Price  decimal.Decimal // limit price in the submitted side's quote
	Type   OrderType
}

// Fill is the venue's confirmation of an executed order. FillPrice is in
// the submitted side's quote.
type Fill struct {
	FillPrice decimal.Decimal
	FillTime  time.Time
}

// Executor is the external order-execution collaborator.
type Executor interface {
	Submit(ctx context.Context, req Request) (Fill, error)
}

// RateLimited wraps an executor with a client-side rate limiter so bursts of
// intents cannot exceed the venue's order-rate limit. It adds pacing only —
// never retries.
type RateLimited struct {
	inner   Executor
	limiter *rate.Limiter
}

// NewRateLimited wraps inner, allowing at most maxRPS submissions per second.
func NewRateLimited(inner Executor, maxRPS float64) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(maxRPS), 1),
	}
}

func (r *RateLimited) Submit(ctx context.Context, req Request) (Fill, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Fill{}, err
	}
	return r.inner.Submit(ctx, req)
}
