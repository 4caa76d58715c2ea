package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tradeledger/internal/domain"
)

// AttributionRepo stores one attribution row per fill fingerprint.
type AttributionRepo struct {
	db *sql.DB
}

func NewAttributionRepo(db *sql.DB) *AttributionRepo {
	return &AttributionRepo{db: db}
}

// Upsert writes an attribution, replacing any previous verdict for the
// same fingerprint.
func (r *AttributionRepo) Upsert(ctx context.Context, exec Execer, a domain.Attribution) error {
	var builder interface{}
	if a.Builder != nil {
		builder = a.Builder.String()
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO attributions (fingerprint, attributed, mode, confidence, builder)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			attributed = excluded.attributed,
			mode       = excluded.mode,
			confidence = excluded.confidence,
			builder    = excluded.builder`,
		a.Fingerprint, boolToInt(a.Attributed), string(a.Mode), string(a.Confidence), builder,
	)
	if err != nil {
		return fmt.Errorf("upsert attribution %s: %w", a.Fingerprint, err)
	}
	return nil
}

// Get loads the attribution for a fingerprint, or nil when none exists.
func (r *AttributionRepo) Get(ctx context.Context, fingerprint string) (*domain.Attribution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT fingerprint, attributed, mode, confidence, builder
		FROM attributions WHERE fingerprint = ?`, fingerprint)
	a, err := scanAttribution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attribution %s: %w", fingerprint, err)
	}
	return a, nil
}

// MapFor loads attributions for a set of fingerprints, keyed by
// fingerprint. Missing fingerprints are simply absent from the map.
func (r *AttributionRepo) MapFor(ctx context.Context, fingerprints []string) (map[string]domain.Attribution, error) {
	out := make(map[string]domain.Attribution, len(fingerprints))
	// Chunked IN queries keep under SQLite's bound-parameter ceiling.
	const chunk = 500
	for start := 0; start < len(fingerprints); start += chunk {
		end := start + chunk
		if end > len(fingerprints) {
			end = len(fingerprints)
		}
		part := fingerprints[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]interface{}, len(part))
		for i, fp := range part {
			args[i] = fp
		}

		rows, err := r.db.QueryContext(ctx, `
			SELECT fingerprint, attributed, mode, confidence, builder
			FROM attributions WHERE fingerprint IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("map attributions: %w", err)
		}
		for rows.Next() {
			a, err := scanAttribution(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[a.Fingerprint] = *a
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func scanAttribution(row rowScanner) (*domain.Attribution, error) {
	var (
		a          domain.Attribution
		attributed int
		mode       string
		confidence string
		builder    sql.NullString
	)
	if err := row.Scan(&a.Fingerprint, &attributed, &mode, &confidence, &builder); err != nil {
		return nil, err
	}
	a.Attributed = attributed != 0
	a.Mode = domain.AttributionMode(mode)
	a.Confidence = domain.AttributionConfidence(confidence)
	if builder.Valid {
		addr := domain.NewAddress(builder.String)
		a.Builder = &addr
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
