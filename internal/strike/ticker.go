// Package strike builds the per-cycle table of tradable strikes by merging
// the probability surface with the live market snapshot.
package strike

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// tickerRegex matches: {SYMBOL}-{YYYYMMDDHH}-T{strike}
// Example: BTCUSD-2025083117-T99750
var tickerRegex = regexp.MustCompile(
	`^([A-Z0-9]+)-(\d{10})-T(\d+(?:\.\d+)?)$`,
)

var ErrInvalidTicker = errors.New("strike: invalid ticker format")

// Ticker is a parsed venue contract identifier for one strike market.
type Ticker struct {
	Symbol     string
	Settlement time.Time
	Strike     decimal.Decimal
}

// FormatTicker renders the venue contract id for a strike settling at the
// given hour. Settlement is truncated to the hour in UTC.
func FormatTicker(symbol string, settlement time.Time, strike decimal.Decimal) string {
	return fmt.Sprintf("%s-%s-T%s",
		symbol,
		settlement.UTC().Format("2006010215"),
		strike.String(),
	)
}

// ParseTicker parses and validates a contract ticker string.
// Format: {SYMBOL}-{YYYYMMDDHH}-T{strike}
func ParseTicker(ticker string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected SYMBOL-YYYYMMDDHH-Tstrike)", ErrInvalidTicker, ticker)
	}

	settlement, err := time.Parse("2006010215", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid settlement hour %s", ErrInvalidTicker, matches[2])
	}
	strike, err := decimal.NewFromString(matches[3])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidTicker, matches[3])
	}

	return &Ticker{
		Symbol:     matches[1],
		Settlement: settlement.UTC(),
		Strike:     strike,
	}, nil
}
