package strike

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/feed"
	"github.com/strikeline/trade-engine/internal/fingerprint"
	"github.com/strikeline/trade-engine/internal/metrics"
	"github.com/strikeline/trade-engine/internal/model"
)

// LadderSize is the fixed width of the candidate strike ladder.
const LadderSize = 13

// Params configure ladder geometry and the tradability gates.
type Params struct {
	Symbol string

	// Increment is the strike spacing; the ladder is centered on the
	// current price rounded to this increment.
	Increment decimal.Decimal

	// VolumeFloor disables both sides of a strike whose market volume is
	// below it, regardless of price.
	VolumeFloor int64

	// AskCeiling excludes a side whose ask is at or above it — an ask at
	// near-certainty is not actionable.
	AskCeiling decimal.Decimal
}

// TableSnapshot is one full, internally consistent strike table. Published
// whole every cycle; never patched in place.
type TableSnapshot struct {
	Symbol        string            `json:"symbol"`
	Rows          []model.StrikeRow `json:"rows"`
	CurrentPrice  decimal.Decimal   `json:"current_price"`
	MomentumScore float64           `json:"momentum_score"`
	TimeToClose   time.Duration     `json:"time_to_close"`
	Version       uint64            `json:"version"`
	BuiltAt       time.Time         `json:"built_at"`
}

// RowForStrike returns the row whose strike matches exactly, if any.
func (s *TableSnapshot) RowForStrike(strike decimal.Decimal) (model.StrikeRow, bool) {
	for _, r := range s.Rows {
		if r.Strike.Equal(strike) {
			return r, true
		}
	}
	return model.StrikeRow{}, false
}

// Builder produces strike tables and publishes them through an atomic
// pointer. Consumers read whatever snapshot is current; they never block on
// a build in progress.
type Builder struct {
	engine  *fingerprint.Engine
	params  Params
	version atomic.Uint64
	current atomic.Pointer[TableSnapshot]
}

// NewBuilder creates a builder evaluating probabilities on engine.
func NewBuilder(engine *fingerprint.Engine, params Params) *Builder {
	return &Builder{engine: engine, params: params}
}

// Latest returns the most recently published table, or nil before the first
// successful build.
func (b *Builder) Latest() *TableSnapshot {
	return b.current.Load()
}

// AskFor returns the latest published ask for a ticker and side. Satisfies
// the paper executor's quote source.
func (b *Builder) AskFor(ticker string, side model.Side) (decimal.Decimal, bool) {
	snap := b.current.Load()
	if snap == nil {
		return decimal.Decimal{}, false
	}
	for _, r := range snap.Rows {
		if r.Ticker != ticker {
			continue
		}
		ask := r.YesAsk
		if side == model.SideNo {
			ask = r.NoAsk
		}
		if ask == nil {
			return decimal.Decimal{}, false
		}
		return *ask, true
	}
	return decimal.Decimal{}, false
}

// BuildTable builds one full table from a tick and a market snapshot. The
// probability engine is called once for the whole ladder; a per-strike model
// failure leaves only that strike probability-unavailable.
func (b *Builder) BuildTable(tick model.FeedTick, market *feed.MarketSnapshot) ([]model.StrikeRow, error) {
	// Both feed price and increment are divisors below.
	if !tick.Price.IsPositive() {
		return nil, fmt.Errorf("strike: non-positive tick price %s", tick.Price)
	}
	if !b.params.Increment.IsPositive() {
		return nil, fmt.Errorf("strike: non-positive increment %s", b.params.Increment)
	}

	strikes := b.ladder(tick.Price)

	probs, err := b.engine.Evaluate(b.params.Symbol, tick.Price, tick.TimeToClose, tick.MomentumScore, strikes)
	if err != nil {
		if !errors.Is(err, fingerprint.ErrNoFingerprint) {
			return nil, err
		}
		// No model at all: the table still renders with probabilities
		// unavailable, which downstream treats as "do not trade".
		probs = nil
	}

	settlement := tick.ReceivedAt.Add(tick.TimeToClose)
	rows := make([]model.StrikeRow, 0, len(strikes))
	for i, strikePrice := range strikes {
		row := model.StrikeRow{
			Strike:    strikePrice,
			Ticker:    FormatTicker(b.params.Symbol, settlement, strikePrice),
			Buffer:    tick.Price.Sub(strikePrice),
			BufferPct: tick.Price.Sub(strikePrice).Div(tick.Price).InexactFloat64() * 100,
			Band:      model.TierUnknown,
		}

		if probs != nil && probs[i].Err == nil {
			p := probs[i].Probability
			row.ProbabilityWithin = &p
			row.Band = model.TierForProbability(p)
		} else if probs != nil {
			slog.Debug("strike probability unavailable", "strike", strikePrice, "err", probs[i].Err)
		}

		if quote, ok := nearestQuote(market, strikePrice, b.params.Increment); ok {
			row.Ticker = quote.Ticker
			yes, no := quote.YesAsk, quote.NoAsk
			row.YesAsk = &yes
			row.NoAsk = &no
			row.Volume = quote.Volume
			row.ActiveSide = b.activeSide(tick.Price, strikePrice, quote)
		}

		rows = append(rows, row)
	}
	return rows, nil
}

// ladder returns LadderSize strikes at the configured increment, ascending,
// centered on the current price rounded to the increment.
func (b *Builder) ladder(price decimal.Decimal) []decimal.Decimal {
	center := price.Div(b.params.Increment).Round(0).Mul(b.params.Increment)
	half := int64(LadderSize / 2)

	strikes := make([]decimal.Decimal, 0, LadderSize)
	for i := -half; i <= half; i++ {
		strikes = append(strikes, center.Add(b.params.Increment.Mul(decimal.NewFromInt(i))))
	}
	return strikes
}

// nearestQuote finds the market row whose strike is closest to the rung,
// within half an increment. Anything farther is "no market" for this strike.
func nearestQuote(market *feed.MarketSnapshot, strike, increment decimal.Decimal) (model.MarketQuote, bool) {
	if market == nil {
		return model.MarketQuote{}, false
	}
	maxDist := increment.Div(decimal.NewFromInt(2))

	var best model.MarketQuote
	found := false
	bestDist := decimal.Decimal{}
	for _, q := range market.Quotes {
		dist := q.Strike.Sub(strike).Abs()
		if dist.GreaterThan(maxDist) {
			continue
		}
		if !found || dist.LessThan(bestDist) {
			best = q
			bestDist = dist
			found = true
		}
	}
	return best, found
}

// activeSide picks at most one tradable side for a strike. The side matching
// the strike's position relative to price is preferred (yes at or below,
// no above); the other side is considered only if the preferred one fails a
// gate. Both gates apply: the liquidity floor kills the whole strike, the
// ask ceiling kills a side.
func (b *Builder) activeSide(price, strikePrice decimal.Decimal, quote model.MarketQuote) *model.Side {
	if quote.Volume < b.params.VolumeFloor {
		return nil
	}

	preferred := model.SideYes
	if strikePrice.GreaterThan(price) {
		preferred = model.SideNo
	}

	for _, side := range []model.Side{preferred, preferred.Invert()} {
		ask := quote.YesAsk
		if side == model.SideNo {
			ask = quote.NoAsk
		}
		if ask.IsPositive() && ask.LessThan(b.params.AskCeiling) {
			s := side
			return &s
		}
	}
	return nil
}

// Run rebuilds and publishes the table on the given cadence until ctx is
// cancelled. Missing or stale feed data skips the cycle and leaves the
// previous snapshot current.
func (b *Builder) Run(ctx context.Context, f *feed.Feed, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.buildOnce(f, maxAge)
		}
	}
}

func (b *Builder) buildOnce(f *feed.Feed, maxAge time.Duration) {
	tick, err := f.LatestTick(maxAge)
	if err != nil {
		slog.Debug("table build skipped", "reason", err)
		return
	}
	market, err := f.LatestSnapshot(maxAge)
	if err != nil && !errors.Is(err, feed.ErrNoData) {
		slog.Debug("table build proceeding without market snapshot", "reason", err)
	}

	start := time.Now()
	rows, err := b.BuildTable(tick, market)
	if err != nil {
		slog.Warn("table build failed", "err", err)
		return
	}

	snap := &TableSnapshot{
		Symbol:        b.params.Symbol,
		Rows:          rows,
		CurrentPrice:  tick.Price,
		MomentumScore: tick.MomentumScore,
		TimeToClose:   tick.TimeToClose,
		Version:       b.version.Add(1),
		BuiltAt:       time.Now().UTC(),
	}
	b.current.Store(snap)
	metrics.TableBuildDuration.Observe(time.Since(start).Seconds())
	metrics.TableVersion.Set(float64(snap.Version))
}
