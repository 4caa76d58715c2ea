package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"tradeledger/internal/domain"
)

// ShardStatus records the outcome of a builder log shard fetch.
type ShardStatus string

const (
	ShardFetched    ShardStatus = "fetched"
	ShardMissing    ShardStatus = "missing"
	ShardParseError ShardStatus = "parse_error"
)

// ShardRepo caches builder log shards so each daily file is fetched at
// most once.
type ShardRepo struct {
	db *sql.DB
}

func NewShardRepo(db *sql.DB) *ShardRepo {
	return &ShardRepo{db: db}
}

// GetStatus returns the cached status of a shard, or "" when the shard
// has never been fetched.
func (r *ShardRepo) GetStatus(ctx context.Context, builder domain.Address, day string) (ShardStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT status FROM builder_log_shards
		WHERE lower(builder) = ? AND day = ?`,
		builder.Lower(), day).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get shard status: %w", err)
	}
	return ShardStatus(status), nil
}

// SaveShard records a fetch outcome together with its parsed rows in
// one transaction.
func (r *ShardRepo) SaveShard(ctx context.Context, db *sql.DB, builder domain.Address, day string, status ShardStatus, fetchedAt domain.TimeMs, logRows []domain.BuilderLogRow) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO builder_log_shards (builder, day, status, fetched_at_ms, row_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(builder, day) DO UPDATE SET
				status        = excluded.status,
				fetched_at_ms = excluded.fetched_at_ms,
				row_count     = excluded.row_count`,
			builder.Lower(), day, string(status), fetchedAt.Int64(), len(logRows),
		); err != nil {
			return fmt.Errorf("save shard %s/%s: %w", builder, day, err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM builder_log_rows WHERE builder = ? AND day = ?`,
			builder.Lower(), day,
		); err != nil {
			return err
		}

		for i := range logRows {
			row := &logRows[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO builder_log_rows
					(builder, day, row_idx, time_ms, user_addr, coin, side, px, sz)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				builder.Lower(), day, i, row.TimeMs.Int64(), row.User.String(),
				row.Coin.String(), row.Side.String(), row.Px.Canonical(), row.Sz.Canonical(),
			); err != nil {
				return fmt.Errorf("save shard row %d: %w", i, err)
			}
		}
		return nil
	})
}

// ListRows returns the cached rows of one shard in file order.
func (r *ShardRepo) ListRows(ctx context.Context, builder domain.Address, day string) ([]domain.BuilderLogRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT time_ms, user_addr, coin, side, px, sz
		FROM builder_log_rows
		WHERE builder = ? AND day = ?
		ORDER BY row_idx ASC`,
		builder.Lower(), day)
	if err != nil {
		return nil, fmt.Errorf("list shard rows: %w", err)
	}
	defer rows.Close()

	var out []domain.BuilderLogRow
	for rows.Next() {
		var (
			lr         domain.BuilderLogRow
			timeMs     int64
			addr, coin string
			side       string
			px, sz     string
		)
		if err := rows.Scan(&timeMs, &addr, &coin, &side, &px, &sz); err != nil {
			return nil, err
		}
		lr.TimeMs = domain.NewTimeMs(timeMs)
		lr.User = domain.NewAddress(addr)
		lr.Coin = domain.NewCoin(coin)
		parsedSide, err := domain.ParseSide(side)
		if err != nil {
			return nil, err
		}
		lr.Side = parsedSide
		if lr.Px, err = domain.ParseDecimal(px); err != nil {
			return nil, err
		}
		if lr.Sz, err = domain.ParseDecimal(sz); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}
