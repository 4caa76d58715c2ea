package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"tradeledger/internal/domain"
)

// SnapshotRepo stores per-fill position snapshots.
type SnapshotRepo struct {
	db *sql.DB
}

func NewSnapshotRepo(db *sql.DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// InsertBatch writes snapshots; recompiles replay deterministically so
// duplicate keys carry identical values and are ignored.
func (r *SnapshotRepo) InsertBatch(ctx context.Context, exec Execer, snaps []domain.Snapshot) error {
	for i := range snaps {
		s := &snaps[i]
		_, err := exec.ExecContext(ctx, `
			INSERT OR IGNORE INTO position_snapshots
				(user_addr, coin, time_ms, seq, net_size, avg_entry_px, lifecycle_id, is_tainted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.User.String(), s.Coin.String(), s.TimeMs.Int64(), s.Seq,
			s.NetSize.Canonical(), s.AvgEntryPx.Canonical(), s.LifecycleID, boolToInt(s.IsTainted),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot %s/%s@%d.%d: %w", s.User, s.Coin, s.TimeMs, s.Seq, err)
		}
	}
	return nil
}

// MarkLifecycleTainted flips the taint flag on all snapshots of a
// lifecycle.
func (r *SnapshotRepo) MarkLifecycleTainted(ctx context.Context, exec Execer, lifecycleID string) error {
	_, err := exec.ExecContext(ctx, `
		UPDATE position_snapshots SET is_tainted = 1 WHERE lifecycle_id = ?`, lifecycleID)
	if err != nil {
		return fmt.Errorf("taint snapshots of %s: %w", lifecycleID, err)
	}
	return nil
}

// ListRange returns a user's snapshots inside [fromMs, toMs] in their
// deterministic order, all coins when coin is empty.
func (r *SnapshotRepo) ListRange(ctx context.Context, user domain.Address, coin domain.Coin, fromMs, toMs domain.TimeMs) ([]domain.Snapshot, error) {
	query := `
		SELECT user_addr, coin, time_ms, seq, net_size, avg_entry_px, lifecycle_id, is_tainted
		FROM position_snapshots
		WHERE lower(user_addr) = ? AND time_ms >= ? AND time_ms <= ?`
	args := []interface{}{user.Lower(), fromMs.Int64(), toMs.Int64()}
	if coin != "" {
		query += ` AND upper(coin) = ?`
		args = append(args, coin.Upper())
	}
	query += ` ORDER BY time_ms ASC, seq ASC, upper(coin) ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// LatestAtOrBefore returns the newest snapshot for user/coin at or
// before t, or nil when the pair has no history yet.
func (r *SnapshotRepo) LatestAtOrBefore(ctx context.Context, user domain.Address, coin domain.Coin, t domain.TimeMs) (*domain.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_addr, coin, time_ms, seq, net_size, avg_entry_px, lifecycle_id, is_tainted
		FROM position_snapshots
		WHERE lower(user_addr) = ? AND upper(coin) = ? AND time_ms <= ?
		ORDER BY time_ms DESC, seq DESC LIMIT 1`,
		user.Lower(), coin.Upper(), t.Int64())
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return s, nil
}

func scanSnapshot(row rowScanner) (*domain.Snapshot, error) {
	var (
		s          domain.Snapshot
		addr, coin string
		timeMs     int64
		netSize    string
		avgEntry   string
		tainted    int
	)
	if err := row.Scan(&addr, &coin, &timeMs, &s.Seq, &netSize, &avgEntry, &s.LifecycleID, &tainted); err != nil {
		return nil, err
	}
	s.User = domain.NewAddress(addr)
	s.Coin = domain.NewCoin(coin)
	s.TimeMs = domain.NewTimeMs(timeMs)
	var err error
	if s.NetSize, err = domain.ParseDecimal(netSize); err != nil {
		return nil, err
	}
	if s.AvgEntryPx, err = domain.ParseDecimal(avgEntry); err != nil {
		return nil, err
	}
	s.IsTainted = tainted != 0
	return &s, nil
}
