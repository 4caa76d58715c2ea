package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tradeledger/internal/domain"
)

// EffectRepo stores fill effects, one or two rows per fill.
type EffectRepo struct {
	db *sql.DB
}

func NewEffectRepo(db *sql.DB) *EffectRepo {
	return &EffectRepo{db: db}
}

// InsertBatch writes effects, ignoring rows already stored.
func (r *EffectRepo) InsertBatch(ctx context.Context, exec Execer, effects []domain.Effect) error {
	for i := range effects {
		e := &effects[i]
		_, err := exec.ExecContext(ctx, `
			INSERT OR IGNORE INTO fill_effects
				(fingerprint, lifecycle_id, effect_type, qty, notional, fee, closed_pnl)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Fingerprint, e.LifecycleID, string(e.EffectType),
			e.Qty.Canonical(), e.Notional.Canonical(), e.Fee.Canonical(), e.ClosedPnl.Canonical(),
		)
		if err != nil {
			return fmt.Errorf("insert effect %s/%s: %w", e.Fingerprint, e.EffectType, err)
		}
	}
	return nil
}

// CompiledEffect is an effect joined with its fill's placement and the
// verdicts the read side filters on.
type CompiledEffect struct {
	Effect           domain.Effect
	User             domain.Address
	Coin             domain.Coin
	TimeMs           domain.TimeMs
	LifecycleTainted bool
	Attributed       bool
}

// ListCompiledRange returns a user's effects in [fromMs, toMs] together
// with their lifecycle taint and attribution verdicts, all coins when
// coin is empty. Rows come back in fill-time order; same-fill legs keep
// close before open via the effect type.
func (r *EffectRepo) ListCompiledRange(ctx context.Context, user domain.Address, coin domain.Coin, fromMs, toMs domain.TimeMs) ([]CompiledEffect, error) {
	query := `
		SELECT e.fingerprint, e.lifecycle_id, e.effect_type, e.qty, e.notional, e.fee, e.closed_pnl,
		       f.user_addr, f.coin, f.time_ms,
		       l.is_tainted, COALESCE(a.attributed, 0)
		FROM fill_effects e
		JOIN fills f ON f.fingerprint = e.fingerprint
		JOIN lifecycles l ON l.id = e.lifecycle_id
		LEFT JOIN attributions a ON a.fingerprint = e.fingerprint
		WHERE lower(f.user_addr) = ? AND f.time_ms >= ? AND f.time_ms <= ?`
	args := []interface{}{user.Lower(), fromMs.Int64(), toMs.Int64()}
	if coin != "" {
		query += ` AND upper(f.coin) = ?`
		args = append(args, coin.Upper())
	}
	query += ` ORDER BY f.time_ms ASC, e.fingerprint ASC,
		CASE e.effect_type WHEN 'flip_close' THEN 0 ELSE 1 END ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list compiled effects: %w", err)
	}
	defer rows.Close()

	var out []CompiledEffect
	for rows.Next() {
		var (
			ce         CompiledEffect
			effectType string
			qty        string
			notional   string
			fee, pnl   string
			addr, c    string
			timeMs     int64
			tainted    int
			attributed int
		)
		if err := rows.Scan(&ce.Effect.Fingerprint, &ce.Effect.LifecycleID, &effectType,
			&qty, &notional, &fee, &pnl, &addr, &c, &timeMs, &tainted, &attributed); err != nil {
			return nil, err
		}
		ce.Effect.EffectType = domain.EffectType(effectType)
		if ce.Effect.Qty, err = domain.ParseDecimal(qty); err != nil {
			return nil, err
		}
		if ce.Effect.Notional, err = domain.ParseDecimal(notional); err != nil {
			return nil, err
		}
		if ce.Effect.Fee, err = domain.ParseDecimal(fee); err != nil {
			return nil, err
		}
		if ce.Effect.ClosedPnl, err = domain.ParseDecimal(pnl); err != nil {
			return nil, err
		}
		ce.User = domain.NewAddress(addr)
		ce.Coin = domain.NewCoin(c)
		ce.TimeMs = domain.NewTimeMs(timeMs)
		ce.LifecycleTainted = tainted != 0
		ce.Attributed = attributed != 0
		out = append(out, ce)
	}
	return out, rows.Err()
}

// ListByLifecycles returns all effects belonging to the given
// lifecycles, keyed by lifecycle id.
func (r *EffectRepo) ListByLifecycles(ctx context.Context, lifecycleIDs []string) (map[string][]domain.Effect, error) {
	out := make(map[string][]domain.Effect, len(lifecycleIDs))
	const chunk = 500
	for start := 0; start < len(lifecycleIDs); start += chunk {
		end := start + chunk
		if end > len(lifecycleIDs) {
			end = len(lifecycleIDs)
		}
		part := lifecycleIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]interface{}, len(part))
		for i, id := range part {
			args[i] = id
		}

		rows, err := r.db.QueryContext(ctx, `
			SELECT fingerprint, lifecycle_id, effect_type, qty, notional, fee, closed_pnl
			FROM fill_effects WHERE lifecycle_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("list effects by lifecycle: %w", err)
		}
		if err := collectEffectsInto(rows, func(e domain.Effect) {
			out[e.LifecycleID] = append(out[e.LifecycleID], e)
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListForFingerprints returns all effects of the given fills, keyed by
// fingerprint.
func (r *EffectRepo) ListForFingerprints(ctx context.Context, fingerprints []string) (map[string][]domain.Effect, error) {
	out := make(map[string][]domain.Effect, len(fingerprints))
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
			SELECT fingerprint, lifecycle_id, effect_type, qty, notional, fee, closed_pnl
			FROM fill_effects WHERE fingerprint IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("list effects by fingerprint: %w", err)
		}
		if err := collectEffectsInto(rows, func(e domain.Effect) {
			out[e.Fingerprint] = append(out[e.Fingerprint], e)
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func collectEffectsInto(rows *sql.Rows, add func(domain.Effect)) error {
	defer rows.Close()
	for rows.Next() {
		var (
			e          domain.Effect
			effectType string
			qty        string
			notional   string
			fee, pnl   string
		)
		if err := rows.Scan(&e.Fingerprint, &e.LifecycleID, &effectType, &qty, &notional, &fee, &pnl); err != nil {
			return err
		}
		e.EffectType = domain.EffectType(effectType)
		var err error
		if e.Qty, err = domain.ParseDecimal(qty); err != nil {
			return err
		}
		if e.Notional, err = domain.ParseDecimal(notional); err != nil {
			return err
		}
		if e.Fee, err = domain.ParseDecimal(fee); err != nil {
			return err
		}
		if e.ClosedPnl, err = domain.ParseDecimal(pnl); err != nil {
			return err
		}
		add(e)
	}
	return rows.Err()
}
