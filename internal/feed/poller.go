package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Poller is the REST fallback for venues without a streaming feed. It polls
// a tick endpoint and a markets endpoint on a fixed cadence and publishes
// into the Feed. A client-side rate limiter keeps the request rate inside
// the venue's published limits even when intervals are configured tight.
type Poller struct {
	tickURL    string
	marketsURL string
	feed       *Feed
	client     *http.Client
	limiter    *rate.Limiter
}

// NewPoller creates a poller. maxRPS bounds total outbound requests per
// second across both endpoints.
func NewPoller(tickURL, marketsURL string, feed *Feed, maxRPS float64) *Poller {
	return &Poller{
		tickURL:    tickURL,
		marketsURL: marketsURL,
		feed:       feed,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(maxRPS), 1),
	}
}

// Run polls both endpoints on the given interval until ctx is cancelled.
// Poll failures are logged and skipped; the previously published snapshot
// stays current and ages toward the consumers' freshness bound.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollTick(ctx); err != nil {
				slog.Warn("tick poll failed", "err", err)
			}
			if p.marketsURL == "" {
				continue
			}
			if err := p.pollMarkets(ctx); err != nil {
				slog.Warn("markets poll failed", "err", err)
			}
		}
	}
}

func (p *Poller) pollTick(ctx context.Context) error {
	var t wsTick
	if err := p.get(ctx, p.tickURL, &t); err != nil {
		return err
	}
	publishTick(p.feed, t)
	return nil
}

func (p *Poller) pollMarkets(ctx context.Context) error {
	var quotes []wsQuote
	if err := p.get(ctx, p.marketsURL, &quotes); err != nil {
		return err
	}
	publishQuotes(p.feed, quotes)
	return nil
}

func (p *Poller) get(ctx context.Context, url string, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
