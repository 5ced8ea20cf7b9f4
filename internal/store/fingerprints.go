package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strikeline/trade-engine/internal/model"
)

// PostgresFingerprintProvider reads the fingerprint table the offline
// fitting pipeline writes into. The engine only ever reads; refresh cadence
// is owned by the fingerprint store's loop.
type PostgresFingerprintProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresFingerprintProvider creates a provider on the given pool.
func NewPostgresFingerprintProvider(pool *pgxpool.Pool) *PostgresFingerprintProvider {
	return &PostgresFingerprintProvider{pool: pool}
}

// Fingerprints returns the current fitted set, one row per symbol/bucket.
func (p *PostgresFingerprintProvider) Fingerprints(ctx context.Context) ([]model.Fingerprint, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT symbol, bucket_low, bucket_high, coefficients, valid_from
		 FROM fingerprints ORDER BY symbol, bucket_low`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []model.Fingerprint
	for rows.Next() {
		var fp model.Fingerprint
		if err := rows.Scan(&fp.Symbol, &fp.Bucket.Low, &fp.Bucket.High,
			&fp.Coefficients, &fp.ValidFrom); err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}
