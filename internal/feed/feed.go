// Package feed consumes the live price/momentum feed and the venue market
// snapshot, and republishes them as immutable versioned values.
//
// The build and supervision loops never talk to a socket directly: they read
// whatever snapshot is currently published and apply a freshness bound. The
// ingest side (websocket client or REST poller) is the only writer.
package feed

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/strikeline/trade-engine/internal/model"
)

// ErrStaleData is returned when the latest published value is older than the
// caller's freshness bound. Consumers downgrade to "unknown" risk rather than
// acting on stale numbers.
var ErrStaleData = errors.New("feed: data older than freshness bound")

// ErrNoData is returned before the first tick or snapshot has been published.
var ErrNoData = errors.New("feed: no data published yet")

// MarketSnapshot is one full normalized view of the venue's strike markets.
// Published whole — a row absent here means "no market" for that strike.
type MarketSnapshot struct {
	Quotes     []model.MarketQuote `json:"quotes"`
	Version    uint64              `json:"version"`
	ReceivedAt time.Time           `json:"received_at"`
}

// ByTicker returns the quote for a ticker, if present.
func (s *MarketSnapshot) ByTicker(ticker string) (model.MarketQuote, bool) {
	for _, q := range s.Quotes {
		if q.Ticker == ticker {
			return q, true
		}
	}
	return model.MarketQuote{}, false
}

// Feed holds the latest published tick and market snapshot behind atomic
// pointers. Safe for any number of concurrent readers and one or more
// writers; readers always observe a complete value.
type Feed struct {
	tick    atomic.Pointer[model.FeedTick]
	snap    atomic.Pointer[MarketSnapshot]
	version atomic.Uint64
}

// New creates an empty feed.
func New() *Feed {
	return &Feed{}
}

// PublishTick publishes a new price/momentum reading.
func (f *Feed) PublishTick(t model.FeedTick) {
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now().UTC()
	}
	f.tick.Store(&t)
}

// PublishQuotes publishes a full market snapshot, assigning the next version.
func (f *Feed) PublishQuotes(quotes []model.MarketQuote) {
	snap := &MarketSnapshot{
		Quotes:     append([]model.MarketQuote(nil), quotes...),
		Version:    f.version.Add(1),
		ReceivedAt: time.Now().UTC(),
	}
	f.snap.Store(snap)
}

// LatestTick returns the newest tick if it is younger than maxAge.
func (f *Feed) LatestTick(maxAge time.Duration) (model.FeedTick, error) {
	t := f.tick.Load()
	if t == nil {
		return model.FeedTick{}, ErrNoData
	}
	if age := time.Since(t.ReceivedAt); age > maxAge {
		return model.FeedTick{}, fmt.Errorf("%w: tick is %s old", ErrStaleData, age.Round(time.Millisecond))
	}
	return *t, nil
}

// LatestSnapshot returns the newest market snapshot if it is younger than
// maxAge.
func (f *Feed) LatestSnapshot(maxAge time.Duration) (*MarketSnapshot, error) {
	s := f.snap.Load()
	if s == nil {
		return nil, ErrNoData
	}
	if age := time.Since(s.ReceivedAt); age > maxAge {
		return nil, fmt.Errorf("%w: snapshot is %s old", ErrStaleData, age.Round(time.Millisecond))
	}
	return s, nil
}
