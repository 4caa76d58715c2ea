package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tradeledger/internal/domain"
)

// LifecycleRepo stores compiled position lifecycles.
type LifecycleRepo struct {
	db *sql.DB
}

func NewLifecycleRepo(db *sql.DB) *LifecycleRepo {
	return &LifecycleRepo{db: db}
}

// Upsert writes a lifecycle. Taint is monotonic: a stored taint is
// never cleared by a later upsert.
func (r *LifecycleRepo) Upsert(ctx context.Context, exec Execer, l domain.Lifecycle) error {
	var endMs interface{}
	if l.EndTimeMs != nil {
		endMs = l.EndTimeMs.Int64()
	}
	var reason interface{}
	if l.TaintReason != nil {
		reason = string(*l.TaintReason)
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO lifecycles (id, user_addr, coin, start_time_ms, end_time_ms, is_tainted, taint_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time_ms  = excluded.end_time_ms,
			is_tainted   = max(lifecycles.is_tainted, excluded.is_tainted),
			taint_reason = CASE WHEN lifecycles.is_tainted = 1
				THEN lifecycles.taint_reason ELSE excluded.taint_reason END`,
		l.ID, l.User.String(), l.Coin.String(), l.StartTimeMs.Int64(),
		endMs, boolToInt(l.IsTainted), reason,
	)
	if err != nil {
		return fmt.Errorf("upsert lifecycle %s: %w", l.ID, err)
	}
	return nil
}

// Close stamps a lifecycle's end time.
func (r *LifecycleRepo) Close(ctx context.Context, exec Execer, id string, endMs domain.TimeMs) error {
	_, err := exec.ExecContext(ctx, `
		UPDATE lifecycles SET end_time_ms = ? WHERE id = ?`, endMs.Int64(), id)
	if err != nil {
		return fmt.Errorf("close lifecycle %s: %w", id, err)
	}
	return nil
}

// SetTaint marks a lifecycle tainted. A stored reason is kept over the
// new one, so taint stays monotonic.
func (r *LifecycleRepo) SetTaint(ctx context.Context, exec Execer, id string, reason domain.TaintReason) error {
	_, err := exec.ExecContext(ctx, `
		UPDATE lifecycles
		SET is_tainted = 1,
		    taint_reason = COALESCE(taint_reason, ?)
		WHERE id = ?`, string(reason), id)
	if err != nil {
		return fmt.Errorf("taint lifecycle %s: %w", id, err)
	}
	return nil
}

// TaintedIDs returns the subset of the given lifecycles that are
// tainted.
func (r *LifecycleRepo) TaintedIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]interface{}, len(part))
		for i, id := range part {
			args[i] = id
		}

		rows, err := r.db.QueryContext(ctx, `
			SELECT id FROM lifecycles
			WHERE is_tainted = 1 AND id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("tainted lifecycle ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// Get loads one lifecycle, or nil when absent.
func (r *LifecycleRepo) Get(ctx context.Context, id string) (*domain.Lifecycle, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_addr, coin, start_time_ms, end_time_ms, is_tainted, taint_reason
		FROM lifecycles WHERE id = ?`, id)
	l, err := scanLifecycle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lifecycle %s: %w", id, err)
	}
	return l, nil
}

// ListOverlapping returns a user's lifecycles that overlap the window
// [fromMs, toMs]; open lifecycles overlap every window after their start.
func (r *LifecycleRepo) ListOverlapping(ctx context.Context, user domain.Address, coin domain.Coin, fromMs, toMs domain.TimeMs) ([]domain.Lifecycle, error) {
	query := `
		SELECT id, user_addr, coin, start_time_ms, end_time_ms, is_tainted, taint_reason
		FROM lifecycles
		WHERE lower(user_addr) = ?
		  AND start_time_ms <= ?
		  AND (end_time_ms IS NULL OR end_time_ms >= ?)`
	args := []interface{}{user.Lower(), toMs.Int64(), fromMs.Int64()}
	if coin != "" {
		query += ` AND upper(coin) = ?`
		args = append(args, coin.Upper())
	}
	query += ` ORDER BY start_time_ms ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lifecycles: %w", err)
	}
	defer rows.Close()

	var out []domain.Lifecycle
	for rows.Next() {
		l, err := scanLifecycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLifecycle(row rowScanner) (*domain.Lifecycle, error) {
	var (
		l       domain.Lifecycle
		addr    string
		coin    string
		startMs int64
		endMs   sql.NullInt64
		tainted int
		reason  sql.NullString
	)
	if err := row.Scan(&l.ID, &addr, &coin, &startMs, &endMs, &tainted, &reason); err != nil {
		return nil, err
	}
	l.User = domain.NewAddress(addr)
	l.Coin = domain.NewCoin(coin)
	l.StartTimeMs = domain.NewTimeMs(startMs)
	if endMs.Valid {
		t := domain.NewTimeMs(endMs.Int64)
		l.EndTimeMs = &t
	}
	l.IsTainted = tainted != 0
	if reason.Valid {
		tr := domain.TaintReason(reason.String)
		l.TaintReason = &tr
	}
	return &l, nil
}
