package ticket

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/model"
)

var (
	// ErrPerStrikeLimitExceeded is returned when an open would push the
	// contract count at a single strike beyond the per-strike maximum.
	ErrPerStrikeLimitExceeded = errors.New("ticket: per-strike position limit exceeded")

	// ErrSymbolLimitExceeded is returned when an open would push the
	// aggregate contract count across all strikes of a symbol beyond the
	// symbol maximum. Strikes of one symbol settle against one underlying
	// price and are fully correlated.
	ErrSymbolLimitExceeded = errors.New("ticket: symbol exposure limit exceeded")
)

// PositionLimiter caps exposure from concurrently open positions. Counts are
// derived from live tickets on every check, so they update exactly when an
// execution succeeds and never drift.
type PositionLimiter struct {
	// MaxPerStrike is the maximum open contract count at any single strike.
	MaxPerStrike int64

	// MaxPerSymbol is the maximum aggregate open contract count across
	// all strikes of one symbol.
	MaxPerSymbol int64
}

// NewPositionLimiter creates a limiter with the given caps. A cap of zero
// or below disables that check.
func NewPositionLimiter(maxPerStrike, maxPerSymbol int64) *PositionLimiter {
	return &PositionLimiter{MaxPerStrike: maxPerStrike, MaxPerSymbol: maxPerSymbol}
}

// CheckOpen validates whether opening size contracts at (symbol, strike)
// respects the limits given the currently open tickets.
func (l *PositionLimiter) CheckOpen(symbol string, strikePrice decimal.Decimal, size int64, open []model.TradeTicket) error {
	if l == nil {
		return nil
	}

	atStrike := size
	inSymbol := size
	for _, t := range open {
		if t.Symbol != symbol {
			continue
		}
		inSymbol += t.PositionSize
		if t.StrikePrice.Equal(strikePrice) {
			atStrike += t.PositionSize
		}
	}

	if l.MaxPerStrike > 0 && atStrike > l.MaxPerStrike {
		return ErrPerStrikeLimitExceeded
	}
	if l.MaxPerSymbol > 0 && inSymbol > l.MaxPerSymbol {
		return ErrSymbolLimitExceeded
	}
	return nil
}
