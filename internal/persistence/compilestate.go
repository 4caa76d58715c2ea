package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"tradeledger/internal/domain"
)

// CompileState is the per-(user, coin) watermark plus the engine state
// needed to resume compilation without replaying history.
type CompileState struct {
	User                    domain.Address
	Coin                    domain.Coin
	LastCompiledTimeMs      domain.TimeMs
	LastCompiledFingerprint string
	NetSize                 domain.Decimal
	AvgEntryPx              domain.Decimal
	OpenLifecycleID         *string
	LastSnapshotTimeMs      domain.TimeMs
	LastSnapshotSeq         int64
}

// CompileStateRepo stores incremental compile bookkeeping.
type CompileStateRepo struct {
	db *sql.DB
}

func NewCompileStateRepo(db *sql.DB) *CompileStateRepo {
	return &CompileStateRepo{db: db}
}

// Get loads the compile state for a pair, or nil when the pair has
// never been compiled.
func (r *CompileStateRepo) Get(ctx context.Context, user domain.Address, coin domain.Coin) (*CompileState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_addr, coin, last_compiled_time_ms, last_compiled_fingerprint,
		       net_size, avg_entry_px, open_lifecycle_id,
		       last_snapshot_time_ms, last_snapshot_seq
		FROM compile_state
		WHERE lower(user_addr) = ? AND upper(coin) = ?`,
		user.Lower(), coin.Upper())

	var (
		s             CompileState
		addr, coinStr string
		lastMs        int64
		netSize       string
		avgEntry      string
		openLC        sql.NullString
		snapMs        int64
	)
	err := row.Scan(&addr, &coinStr, &lastMs, &s.LastCompiledFingerprint,
		&netSize, &avgEntry, &openLC, &snapMs, &s.LastSnapshotSeq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get compile state: %w", err)
	}

	s.User = domain.NewAddress(addr)
	s.Coin = domain.NewCoin(coinStr)
	s.LastCompiledTimeMs = domain.NewTimeMs(lastMs)
	s.LastSnapshotTimeMs = domain.NewTimeMs(snapMs)
	if s.NetSize, err = domain.ParseDecimal(netSize); err != nil {
		return nil, err
	}
	if s.AvgEntryPx, err = domain.ParseDecimal(avgEntry); err != nil {
		return nil, err
	}
	if openLC.Valid {
		v := openLC.String
		s.OpenLifecycleID = &v
	}
	return &s, nil
}

// Upsert writes the compile state for a pair.
func (r *CompileStateRepo) Upsert(ctx context.Context, exec Execer, s CompileState) error {
	var openLC interface{}
	if s.OpenLifecycleID != nil {
		openLC = *s.OpenLifecycleID
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO compile_state
			(user_addr, coin, last_compiled_time_ms, last_compiled_fingerprint,
			 net_size, avg_entry_px, open_lifecycle_id,
			 last_snapshot_time_ms, last_snapshot_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_addr, coin) DO UPDATE SET
			last_compiled_time_ms     = excluded.last_compiled_time_ms,
			last_compiled_fingerprint = excluded.last_compiled_fingerprint,
			net_size                  = excluded.net_size,
			avg_entry_px              = excluded.avg_entry_px,
			open_lifecycle_id         = excluded.open_lifecycle_id,
			last_snapshot_time_ms     = excluded.last_snapshot_time_ms,
			last_snapshot_seq         = excluded.last_snapshot_seq`,
		s.User.String(), s.Coin.String(), s.LastCompiledTimeMs.Int64(), s.LastCompiledFingerprint,
		s.NetSize.Canonical(), s.AvgEntryPx.Canonical(), openLC,
		s.LastSnapshotTimeMs.Int64(), s.LastSnapshotSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert compile state %s/%s: %w", s.User, s.Coin, err)
	}
	return nil
}
