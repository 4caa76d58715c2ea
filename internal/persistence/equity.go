package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"tradeledger/internal/domain"
)

// EquityRepo stores per-user equity snapshots.
type EquityRepo struct {
	db *sql.DB
}

func NewEquityRepo(db *sql.DB) *EquityRepo {
	return &EquityRepo{db: db}
}

// Insert writes an equity snapshot, ignoring duplicates.
func (r *EquityRepo) Insert(ctx context.Context, s domain.EquitySnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO equity_snapshots (user_addr, time_ms, equity, source)
		VALUES (?, ?, ?, ?)`,
		s.User.String(), s.TimeMs.Int64(), s.Equity.Canonical(), string(s.Source),
	)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// LatestAtOrBefore returns the newest equity snapshot at or before t,
// or nil when none exists.
func (r *EquityRepo) LatestAtOrBefore(ctx context.Context, user domain.Address, t domain.TimeMs) (*domain.EquitySnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_addr, time_ms, equity, source FROM equity_snapshots
		WHERE lower(user_addr) = ? AND time_ms <= ?
		ORDER BY time_ms DESC LIMIT 1`,
		user.Lower(), t.Int64())

	var (
		s      domain.EquitySnapshot
		addr   string
		timeMs int64
		equity string
		source string
	)
	err := row.Scan(&addr, &timeMs, &equity, &source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest equity snapshot: %w", err)
	}
	s.User = domain.NewAddress(addr)
	s.TimeMs = domain.NewTimeMs(timeMs)
	if s.Equity, err = domain.ParseDecimal(equity); err != nil {
		return nil, err
	}
	s.Source = domain.EquitySource(source)
	return &s, nil
}

// SumClosedPnlBefore totals a user's realized pnl from effects of fills
// strictly before beforeMs, across all coins.
func (r *EquityRepo) SumClosedPnlBefore(ctx context.Context, user domain.Address, beforeMs domain.TimeMs) (domain.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.closed_pnl
		FROM fill_effects e
		JOIN fills f ON f.fingerprint = e.fingerprint
		WHERE lower(f.user_addr) = ? AND f.time_ms < ?`,
		user.Lower(), beforeMs.Int64())
	if err != nil {
		return domain.Zero(), fmt.Errorf("sum closed pnl: %w", err)
	}
	defer rows.Close()

	sum := domain.Zero()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return domain.Zero(), err
		}
		d, err := domain.ParseDecimal(s)
		if err != nil {
			return domain.Zero(), err
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}
