package fingerprint

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/model"
)

var (
	// ErrNoFingerprint is returned when the store holds no fingerprint for
	// the requested symbol. Callers must treat this as "do not trade",
	// never default to 50%.
	ErrNoFingerprint = errors.New("fingerprint: no fingerprint available for symbol")

	// ErrModelEvaluation is returned (wrapped, with detail) when a
	// coefficient vector is malformed or an input is out of domain. The
	// strike table builder catches this per strike and marks only that
	// strike probability-unavailable.
	ErrModelEvaluation = errors.New("fingerprint: model evaluation failed")
)

// coefficientCount is the fixed length of a fitted coefficient vector:
// [intercept, distance*sqrt(time), distance, sqrt(time)].
const coefficientCount = 4

// Result is the evaluation outcome for a single strike. Exactly one of
// Probability and Err is set.
type Result struct {
	Probability float64
	Err         error
}

// Engine evaluates the fitted probability surface. It is stateless apart
// from the store reference — inputs are passed per call, mirroring how the
// momentum score and time-to-close arrive from the live feed.
type Engine struct {
	store *Store
}

// NewEngine creates an engine reading from the given store.
func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

// Evaluate selects the fingerprint for (symbol, momentumScore) and evaluates
// probability-within for every strike in the ladder. Returns ErrNoFingerprint
// when the symbol has no model at all; per-strike failures are isolated in
// the corresponding Result so one bad strike never aborts the batch.
//
// Results are percentages in [0,100]. For a fixed time-to-close the surface
// is non-increasing in |currentPrice - strike|, and for a fixed distance it
// rises as time-to-close shrinks.
func (e *Engine) Evaluate(
	symbol string,
	currentPrice decimal.Decimal,
	timeToClose time.Duration,
	momentumScore float64,
	strikes []decimal.Decimal,
) ([]Result, error) {
	fp, ok := e.store.Select(symbol, momentumScore)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFingerprint, symbol)
	}

	results := make([]Result, len(strikes))
	for i, strike := range strikes {
		p, err := evaluateOne(fp, currentPrice, timeToClose, strike)
		if err != nil {
			results[i] = Result{Err: err}
			continue
		}
		results[i] = Result{Probability: p}
	}
	return results, nil
}

// evaluateOne computes the fitted logistic surface for one strike.
//
//	x = |currentPrice - strike| / currentPrice * 100   (absolute buffer %)
//	tau = sqrt(hours to close)
//	z = c0 + c1*x*tau + c2*x + c3*tau
//	p = 100 / (1 + exp(z))
//
// Decimal inputs are converted to float64 here only; all ticket money stays
// decimal. c1, c2, c3 must be non-negative with c1+c2 > 0 so the surface is
// monotone in distance.
func evaluateOne(fp model.Fingerprint, currentPrice decimal.Decimal, timeToClose time.Duration, strike decimal.Decimal) (float64, error) {
	if err := validateCoefficients(fp.Coefficients); err != nil {
		return 0, err
	}
	price := currentPrice.InexactFloat64()
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive current price %s", ErrModelEvaluation, currentPrice)
	}
	if timeToClose < 0 {
		return 0, fmt.Errorf("%w: negative time to close %s", ErrModelEvaluation, timeToClose)
	}

	x := math.Abs(price-strike.InexactFloat64()) / price * 100
	tau := math.Sqrt(timeToClose.Hours())

	c := fp.Coefficients
	z := c[0] + c[1]*x*tau + c[2]*x + c[3]*tau
	p := 100 / (1 + math.Exp(z))

	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: non-finite result for strike %s", ErrModelEvaluation, strike)
	}
	return p, nil
}

func validateCoefficients(c []float64) error {
	if len(c) != coefficientCount {
		return fmt.Errorf("%w: expected %d coefficients, got %d", ErrModelEvaluation, coefficientCount, len(c))
	}
	for i, v := range c {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: coefficient %d is not finite", ErrModelEvaluation, i)
		}
	}
	if c[1] < 0 || c[2] < 0 || c[3] < 0 {
		return fmt.Errorf("%w: distance/time coefficients must be non-negative", ErrModelEvaluation)
	}
	if c[1]+c[2] == 0 {
		return fmt.Errorf("%w: surface is flat in distance", ErrModelEvaluation)
	}
	return nil
}
