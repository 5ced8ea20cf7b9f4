// Package fingerprint holds fitted probability models and evaluates the
// per-strike probability surface used for entry and risk decisions.
//
// A fingerprint is a small coefficient vector fitted offline for one symbol
// and one momentum-score bucket. The store only ever publishes whole
// immutable sets through an atomic pointer: readers take a consistent
// reference at the start of each evaluation and writers swap in a brand-new
// set, so a half-updated model is never observable.
package fingerprint

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/strikeline/trade-engine/internal/model"
)

// Store holds the currently selected fingerprint set.
type Store struct {
	snap atomic.Pointer[snapshot]
}

// snapshot is an immutable fingerprint set keyed by symbol. Buckets are
// sorted by lower bound.
type snapshot struct {
	bySymbol map[string][]model.Fingerprint
	loadedAt time.Time
}

// NewStore creates an empty store. Until the first Replace, Select reports
// no fingerprint for every symbol and callers must treat probability as
// unavailable.
func NewStore() *Store {
	s := &Store{}
	s.snap.Store(&snapshot{bySymbol: map[string][]model.Fingerprint{}})
	return s
}

// Replace atomically publishes a new fingerprint set, discarding the old one.
// The input slice is copied; the caller may reuse it.
func (s *Store) Replace(fps []model.Fingerprint) {
	bySymbol := make(map[string][]model.Fingerprint)
	for _, fp := range fps {
		bySymbol[fp.Symbol] = append(bySymbol[fp.Symbol], fp)
	}
	for sym := range bySymbol {
		set := bySymbol[sym]
		sort.Slice(set, func(i, j int) bool {
			return set[i].Bucket.Low < set[j].Bucket.Low
		})
	}
	s.snap.Store(&snapshot{bySymbol: bySymbol, loadedAt: time.Now().UTC()})
}

// Select returns the fingerprint for the bucket containing the momentum
// score. If no bucket contains it, the nearest bucket by absolute momentum
// distance to the bucket midpoint is used. Returns false when the store has
// no fingerprints for the symbol at all.
func (s *Store) Select(symbol string, momentum float64) (model.Fingerprint, bool) {
	set := s.snap.Load().bySymbol[symbol]
	if len(set) == 0 {
		return model.Fingerprint{}, false
	}

	best := 0
	bestDist := math.Inf(1)
	for i, fp := range set {
		if fp.Bucket.Contains(momentum) {
			return fp, true
		}
		if d := math.Abs(momentum - fp.Bucket.Mid()); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return set[best], true
}

// Count returns the number of fingerprints in the current set.
func (s *Store) Count() int {
	n := 0
	for _, set := range s.snap.Load().bySymbol {
		n += len(set)
	}
	return n
}

// Provider supplies fingerprint sets from an external source (the offline
// fitting pipeline writes them; this engine only reads).
type Provider interface {
	Fingerprints(ctx context.Context) ([]model.Fingerprint, error)
}

// RunRefresh polls the provider on the given interval and swaps the set into
// the store. A failed poll keeps the previous set; a stale model is better
// than no model. Loads once immediately, then blocks until ctx is cancelled.
func (s *Store) RunRefresh(ctx context.Context, p Provider, interval time.Duration) {
	load := func() {
		fps, err := p.Fingerprints(ctx)
		if err != nil {
			slog.Warn("fingerprint refresh failed, keeping current set", "err", err)
			return
		}
		s.Replace(fps)
		slog.Info("fingerprint set refreshed", "count", len(fps))
	}

	load()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load()
		}
	}
}
