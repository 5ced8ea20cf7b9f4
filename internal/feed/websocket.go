package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/model"
)

// Reconnection and liveness bounds for the ingest socket.
const (
	initialBackoff   = 1 * time.Second
	maxBackoff       = 30 * time.Second
	backoffFactor    = 2.0
	jitterPercent    = 0.2
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
)

// wsEnvelope is the ingest wire format: one message per tick or per full
// market snapshot.
type wsEnvelope struct {
	Type   string    `json:"type"` // "tick" or "markets"
	Tick   *wsTick   `json:"tick,omitempty"`
	Quotes []wsQuote `json:"quotes,omitempty"`
}

type wsTick struct {
	Symbol             string  `json:"symbol"`
	Price              string  `json:"price"`
	MomentumScore      float64 `json:"momentum_score"`
	TimeToCloseSeconds int64   `json:"time_to_close_seconds"`
}

type wsQuote struct {
	Ticker string `json:"ticker"`
	Strike string `json:"strike"`
	YesAsk string `json:"yes_ask"`
	NoAsk  string `json:"no_ask"`
	Volume int64  `json:"volume"`
}

// Listener maintains the ingest websocket and publishes everything it reads
// into the Feed. Reconnects with jittered exponential backoff.
type Listener struct {
	url     string
	feed    *Feed
	backoff time.Duration
}

// NewListener creates a listener publishing into feed.
func NewListener(url string, feed *Feed) *Listener {
	return &Listener{url: url, feed: feed, backoff: initialBackoff}
}

// Run connects and reads until ctx is cancelled, reconnecting on any error.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("feed socket dropped", "err", err, "backoff", l.backoff)
			l.waitBackoff(ctx)
		}
	}
}

func (l *Listener) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()

	l.backoff = initialBackoff
	slog.Info("feed socket connected", "url", l.url)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Ping ticker keeps the connection alive through proxies.
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(readTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.handleMessage(raw)
	}
}

func (l *Listener) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("feed message parse failed", "err", err)
		return
	}

	switch env.Type {
	case "tick":
		if env.Tick != nil {
			publishTick(l.feed, *env.Tick)
		}
	case "markets":
		publishQuotes(l.feed, env.Quotes)
	default:
		slog.Debug("feed message ignored", "type", env.Type)
	}
}

// publishTick converts a wire tick and publishes it. Bad or non-positive
// prices drop the message rather than poisoning the published value.
func publishTick(f *Feed, t wsTick) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil || !price.IsPositive() {
		slog.Debug("feed tick has bad price", "price", t.Price)
		return
	}
	f.PublishTick(model.FeedTick{
		Symbol:        t.Symbol,
		Price:         price,
		MomentumScore: t.MomentumScore,
		TimeToClose:   time.Duration(t.TimeToCloseSeconds) * time.Second,
		ReceivedAt:    time.Now().UTC(),
	})
}

// publishQuotes converts wire quotes and publishes a full snapshot. Rows
// with malformed numbers are dropped individually.
func publishQuotes(f *Feed, in []wsQuote) {
	quotes := make([]model.MarketQuote, 0, len(in))
	for _, q := range in {
		strike, err1 := decimal.NewFromString(q.Strike)
		yesAsk, err2 := decimal.NewFromString(q.YesAsk)
		noAsk, err3 := decimal.NewFromString(q.NoAsk)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		quotes = append(quotes, model.MarketQuote{
			Ticker: q.Ticker,
			Strike: strike,
			YesAsk: yesAsk,
			NoAsk:  noAsk,
			Volume: q.Volume,
		})
	}
	f.PublishQuotes(quotes)
}

func (l *Listener) waitBackoff(ctx context.Context) {
	jitter := time.Duration(float64(l.backoff) * jitterPercent * (rand.Float64()*2 - 1))
	select {
	case <-ctx.Done():
	case <-time.After(l.backoff + jitter):
	}
	l.backoff = time.Duration(float64(l.backoff) * backoffFactor)
	if l.backoff > maxBackoff {
		l.backoff = maxBackoff
	}
}
