// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Probabilities are float64 percentages in [0,100].
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a binary contract position.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether the side is one of the two legal values.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Invert returns the opposite side. Closing a position submits the
// inverted side to the venue.
func (s Side) Invert() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Sign returns +1 for yes and -1 for no. Used for PnL and for
// sign-normalizing buffers so that positive always means "in favor".
func (s Side) Sign() decimal.Decimal {
	if s == SideYes {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Status is the lifecycle state of a TradeTicket.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOpen      Status = "open"
	StatusClosing   Status = "closing"
	StatusClosed    Status = "closed"
	StatusExpired   Status = "expired"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are legal from this status.
func (st Status) Terminal() bool {
	switch st {
	case StatusClosed, StatusExpired, StatusError, StatusCancelled:
		return true
	}
	return false
}

// TradeTicket is one trading intent/execution record tracked from intent to
// terminal state. TicketID and OpenedAt are write-once; all contract prices
// are YES-quoted in [0,1] regardless of side (a NO fill at ask a is stored
// as 1-a).
type TradeTicket struct {
	TicketID     string          `json:"ticket_id" db:"ticket_id"`
	Status       Status          `json:"status" db:"status"`
	Symbol       string          `json:"symbol" db:"symbol"`
	StrikePrice  decimal.Decimal `json:"strike_price" db:"strike_price"`
	Side         Side            `json:"side" db:"side"`
	MarketTicker string          `json:"market_ticker" db:"market_ticker"`

	EntryPrice   *decimal.Decimal `json:"entry_price,omitempty" db:"entry_price"`
	ExitPrice    *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	PositionSize int64            `json:"position_size" db:"position_size"`

	OpenedAt *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty" db:"closed_at"`

	// Settlement is when the contract's outcome is finalized against the
	// underlying price. Past this instant an open ticket expires without
	// a closing order.
	Settlement time.Time `json:"settlement" db:"settlement"`

	// Audit snapshots taken at entry, never recomputed retroactively.
	ProbabilityAtEntry float64 `json:"probability_at_entry" db:"probability_at_entry"`
	MomentumAtEntry    float64 `json:"momentum_at_entry" db:"momentum_at_entry"`

	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`

	// DiagnosticLog is append-only and populated only on error transitions.
	DiagnosticLog []string `json:"diagnostic_log,omitempty" db:"diagnostic_log"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers outside the coordinator can never
// mutate coordinator-owned state through a shared pointer.
func (t *TradeTicket) Clone() *TradeTicket {
	c := *t
	if t.EntryPrice != nil {
		v := *t.EntryPrice
		c.EntryPrice = &v
	}
	if t.ExitPrice != nil {
		v := *t.ExitPrice
		c.ExitPrice = &v
	}
	if t.OpenedAt != nil {
		v := *t.OpenedAt
		c.OpenedAt = &v
	}
	if t.ClosedAt != nil {
		v := *t.ClosedAt
		c.ClosedAt = &v
	}
	if t.RealizedPnL != nil {
		v := *t.RealizedPnL
		c.RealizedPnL = &v
	}
	c.DiagnosticLog = append([]string(nil), t.DiagnosticLog...)
	return &c
}

// MomentumBucket is the half-open momentum-score range [Low, High) a
// fingerprint was fitted for.
type MomentumBucket struct {
	Low  float64 `json:"low" db:"bucket_low"`
	High float64 `json:"high" db:"bucket_high"`
}

// Contains reports whether the score falls inside the bucket.
func (b MomentumBucket) Contains(score float64) bool {
	return score >= b.Low && score < b.High
}

// Mid returns the bucket midpoint, used for nearest-bucket fallback.
func (b MomentumBucket) Mid() float64 {
	return (b.Low + b.High) / 2
}

// Fingerprint is a fitted probability model for one symbol and momentum
// bucket. Instances are immutable once loaded; refreshes publish a brand-new
// set through the store's atomic pointer.
type Fingerprint struct {
	Symbol       string         `json:"symbol" db:"symbol"`
	Bucket       MomentumBucket `json:"bucket"`
	Coefficients []float64      `json:"coefficients" db:"coefficients"`
	ValidFrom    time.Time      `json:"valid_from" db:"valid_from"`
}

// RiskTier is a discrete classification of an open position's safety.
type RiskTier string

const (
	TierUltraSafe RiskTier = "ultra_safe"
	TierSafe      RiskTier = "safe"
	TierCaution   RiskTier = "caution"
	TierHighRisk  RiskTier = "high_risk"
	TierDanger    RiskTier = "danger"

	// TierUnknown means probability was unavailable or stale. Unknown is
	// never treated as maximum risk and never triggers an auto-close.
	TierUnknown RiskTier = "unknown"
)

// RiskSnapshot is the supervisor's per-cycle view of one open ticket.
// Purely derived — discarded and recomputed every cycle, never persisted.
type RiskSnapshot struct {
	TicketID           string           `json:"ticket_id"`
	BufferFromEntry    decimal.Decimal  `json:"buffer_from_entry"`
	CurrentProbability *float64         `json:"current_probability,omitempty"`
	Tier               RiskTier         `json:"risk_tier"`
	CurrentPnL         *decimal.Decimal `json:"current_pnl,omitempty"`
	ComputedAt         time.Time        `json:"computed_at"`
}

// StrikeRow is one rung of the strike table. Ephemeral — rebuilt every cycle
// as part of a full, internally consistent snapshot, never persisted as
// authoritative state.
type StrikeRow struct {
	Strike            decimal.Decimal  `json:"strike"`
	Ticker            string           `json:"ticker"`
	Buffer            decimal.Decimal  `json:"buffer"`     // current_price - strike
	BufferPct         float64          `json:"buffer_pct"` // buffer / current_price * 100
	ProbabilityWithin *float64         `json:"probability_within,omitempty"`
	YesAsk            *decimal.Decimal `json:"yes_ask,omitempty"`
	NoAsk             *decimal.Decimal `json:"no_ask,omitempty"`
	Volume            int64            `json:"volume"`
	ActiveSide        *Side            `json:"active_side,omitempty"`
	Band              RiskTier         `json:"band"` // coloring band over probability
}

// MarketQuote is one normalized venue market row: best asks and volume for a
// single strike ticker. Rows absent from the latest snapshot mean "no market".
type MarketQuote struct {
	Ticker string          `json:"ticker"`
	Strike decimal.Decimal `json:"strike"`
	YesAsk decimal.Decimal `json:"yes_ask"`
	NoAsk  decimal.Decimal `json:"no_ask"`
	Volume int64           `json:"volume"`
}

// FeedTick is one reading from the live price/momentum feed.
type FeedTick struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	MomentumScore float64         `json:"momentum_score"`
	TimeToClose   time.Duration   `json:"time_to_close"`
	ReceivedAt    time.Time       `json:"received_at"`
}
