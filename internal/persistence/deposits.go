package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"tradeledger/internal/domain"
)

// DepositRepo stores deposit events keyed by event key.
type DepositRepo struct {
	db *sql.DB
}

func NewDepositRepo(db *sql.DB) *DepositRepo {
	return &DepositRepo{db: db}
}

// InsertDeposits writes deposits, skipping event keys already stored.
func (r *DepositRepo) InsertDeposits(ctx context.Context, exec Execer, deposits []domain.Deposit) (int, error) {
	inserted := 0
	for i := range deposits {
		d := &deposits[i]
		res, err := exec.ExecContext(ctx, `
			INSERT OR IGNORE INTO deposits (event_key, user_addr, time_ms, amount, tx_hash)
			VALUES (?, ?, ?, ?, ?)`,
			d.EventKey, d.User.String(), d.TimeMs.Int64(), d.Amount.Canonical(), d.TxHash,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert deposit %s: %w", d.EventKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

// ListRange returns deposits for a user in [fromMs, toMs] ordered by
// time then event key.
func (r *DepositRepo) ListRange(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) ([]domain.Deposit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_key, user_addr, time_ms, amount, tx_hash FROM deposits
		WHERE lower(user_addr) = ? AND time_ms >= ? AND time_ms <= ?
		ORDER BY time_ms ASC, event_key ASC`,
		user.Lower(), fromMs.Int64(), toMs.Int64())
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()

	var out []domain.Deposit
	for rows.Next() {
		var (
			d      domain.Deposit
			addr   string
			timeMs int64
			amount string
			txHash sql.NullString
		)
		if err := rows.Scan(&d.EventKey, &addr, &timeMs, &amount, &txHash); err != nil {
			return nil, err
		}
		d.User = domain.NewAddress(addr)
		d.TimeMs = domain.NewTimeMs(timeMs)
		if d.Amount, err = domain.ParseDecimal(amount); err != nil {
			return nil, err
		}
		if txHash.Valid {
			v := txHash.String
			d.TxHash = &v
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SumBefore totals a user's deposits strictly before beforeMs.
func (r *DepositRepo) SumBefore(ctx context.Context, user domain.Address, beforeMs domain.TimeMs) (domain.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT amount FROM deposits
		WHERE lower(user_addr) = ? AND time_ms < ?`,
		user.Lower(), beforeMs.Int64())
	if err != nil {
		return domain.Zero(), fmt.Errorf("sum deposits: %w", err)
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
