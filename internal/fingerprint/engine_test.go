package fingerprint

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// testFingerprint returns a plausible fitted vector: strongly negative
// intercept so probability near zero distance is high.
func testFingerprint(symbol string, low, high float64) model.Fingerprint {
	return model.Fingerprint{
		Symbol:       symbol,
		Bucket:       model.MomentumBucket{Low: low, High: high},
		Coefficients: []float64{-6, 2.5, 0.5, 0.1},
		ValidFrom:    time.Now().UTC(),
	}
}

func newTestEngine(t *testing.T, fps ...model.Fingerprint) *Engine {
	t.Helper()
	store := NewStore()
	store.Replace(fps)
	return NewEngine(store)
}

// --- Selection tests ---

func TestSelect_ExactBucket(t *testing.T) {
	store := NewStore()
	store.Replace([]model.Fingerprint{
		testFingerprint("BTCUSD", -10, 0),
		testFingerprint("BTCUSD", 0, 10),
	})

	fp, ok := store.Select("BTCUSD", 3.5)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	if !fp.Bucket.Contains(3.5) {
		t.Errorf("expected containing bucket, got [%v,%v)", fp.Bucket.Low, fp.Bucket.High)
	}
}

func TestSelect_NearestBucketFallback(t *testing.T) {
	store := NewStore()
	store.Replace([]model.Fingerprint{
		testFingerprint("BTCUSD", -10, -5),
		testFingerprint("BTCUSD", 5, 10),
	})

	// 12 is outside both buckets; [5,10) midpoint 7.5 is nearest.
	fp, ok := store.Select("BTCUSD", 12)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	if fp.Bucket.Low != 5 {
		t.Errorf("expected bucket [5,10), got [%v,%v)", fp.Bucket.Low, fp.Bucket.High)
	}
}

func TestSelect_EmptyStore(t *testing.T) {
	store := NewStore()
	if _, ok := store.Select("BTCUSD", 0); ok {
		t.Error("empty store should report no fingerprint")
	}
}

func TestReplace_SwapsWholeSet(t *testing.T) {
	store := NewStore()
	store.Replace([]model.Fingerprint{testFingerprint("BTCUSD", -10, 10)})
	store.Replace([]model.Fingerprint{testFingerprint("ETHUSD", -10, 10)})

	if _, ok := store.Select("BTCUSD", 0); ok {
		t.Error("old symbol should be gone after Replace")
	}
	if _, ok := store.Select("ETHUSD", 0); !ok {
		t.Error("new symbol should be present after Replace")
	}
}

// --- Evaluation tests ---

func TestEvaluate_NoFingerprint(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Evaluate("BTCUSD", d(100000), time.Hour, 0, []decimal.Decimal{d(99000)})
	if !errors.Is(err, ErrNoFingerprint) {
		t.Errorf("expected ErrNoFingerprint, got %v", err)
	}
}

func TestEvaluate_MonotoneInDistance(t *testing.T) {
	eng := newTestEngine(t, testFingerprint("BTCUSD", -10, 10))

	// Ladder moving away from the current price on both sides.
	price := d(99800)
	strikes := []decimal.Decimal{
		d(100000), d(101000), d(102000), // above, widening
		d(98000), d(96000), // below, widening
	}
	res, err := eng.Evaluate("BTCUSD", price, time.Hour, 0, strikes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, r := range res {
		if r.Err != nil {
			t.Fatalf("strike %d failed: %v", i, r.Err)
		}
		if r.Probability < 0 || r.Probability > 100 {
			t.Errorf("probability out of [0,100]: %f", r.Probability)
		}
	}

	// Scenario from live trading: a strike 200 away must beat one 1800 away.
	if res[0].Probability <= res[3].Probability {
		t.Errorf("near strike should have higher probability: near=%f far=%f",
			res[0].Probability, res[3].Probability)
	}
	// Strictly non-increasing as distance widens on each side.
	if res[1].Probability > res[0].Probability || res[2].Probability > res[1].Probability {
		t.Errorf("probability should not increase with distance above: %f %f %f",
			res[0].Probability, res[1].Probability, res[2].Probability)
	}
	if res[4].Probability > res[3].Probability {
		t.Errorf("probability should not increase with distance below: %f %f",
			res[3].Probability, res[4].Probability)
	}
}

func TestEvaluate_GrowsAsTimeToCloseShrinks(t *testing.T) {
	eng := newTestEngine(t, testFingerprint("BTCUSD", -10, 10))
	strikes := []decimal.Decimal{d(99000)}

	far, err := eng.Evaluate("BTCUSD", d(100000), time.Hour, 0, strikes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	near, err := eng.Evaluate("BTCUSD", d(100000), 5*time.Minute, 0, strikes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if near[0].Probability <= far[0].Probability {
		t.Errorf("probability should rise as close approaches: 1h=%f 5m=%f",
			far[0].Probability, near[0].Probability)
	}
}

func TestEvaluate_BadCoefficientsIsolatedPerStrike(t *testing.T) {
	bad := model.Fingerprint{
		Symbol:       "BTCUSD",
		Bucket:       model.MomentumBucket{Low: -10, High: 10},
		Coefficients: []float64{-6, 2.5}, // wrong length
	}
	eng := newTestEngine(t, bad)

	res, err := eng.Evaluate("BTCUSD", d(100000), time.Hour, 0,
		[]decimal.Decimal{d(99000), d(99500)})
	if err != nil {
		t.Fatalf("batch should not fail outright: %v", err)
	}
	for i, r := range res {
		if !errors.Is(r.Err, ErrModelEvaluation) {
			t.Errorf("strike %d: expected ErrModelEvaluation, got %v", i, r.Err)
		}
	}
}

func TestEvaluate_OutOfDomainInputs(t *testing.T) {
	eng := newTestEngine(t, testFingerprint("BTCUSD", -10, 10))

	tests := []struct {
		name  string
		price decimal.Decimal
		ttc   time.Duration
	}{
		{"zero price", d(0), time.Hour},
		{"negative price", d(-1), time.Hour},
		{"negative time to close", d(100000), -time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.Evaluate("BTCUSD", tt.price, tt.ttc, 0, []decimal.Decimal{d(99000)})
			if err != nil {
				t.Fatalf("unexpected batch error: %v", err)
			}
			if !errors.Is(res[0].Err, ErrModelEvaluation) {
				t.Errorf("expected ErrModelEvaluation, got %v", res[0].Err)
			}
		})
	}
}

func TestValidateCoefficients(t *testing.T) {
	tests := []struct {
		name    string
		coeffs  []float64
		wantErr bool
	}{
		{"valid", []float64{-6, 2.5, 0.5, 0.1}, false},
		{"wrong length", []float64{-6, 2.5, 0.5}, true},
		{"negative distance term", []float64{-6, -1, 0.5, 0.1}, true},
		{"flat in distance", []float64{-6, 0, 0, 0.1}, true},
		{"nan", []float64{-6, 2.5, 0.5, math.NaN()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCoefficients(tt.coeffs)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
