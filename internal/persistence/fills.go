package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"tradeledger/internal/domain"
)

// FillRepo stores raw fills keyed by fingerprint.
type FillRepo struct {
	db *sql.DB
}

func NewFillRepo(db *sql.DB) *FillRepo {
	return &FillRepo{db: db}
}

const fillColumns = `fingerprint, user_addr, coin, time_ms, side, px, sz, fee, closed_pnl, builder_fee, tid, oid`

// InsertFills writes fills, silently skipping fingerprints already
// stored. Returns how many rows were actually inserted.
func (r *FillRepo) InsertFills(ctx context.Context, exec Execer, fills []domain.Fill) (int, error) {
	inserted := 0
	for i := range fills {
		f := &fills[i]
		res, err := exec.ExecContext(ctx, `
			INSERT OR IGNORE INTO fills (`+fillColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.Fingerprint, f.User.String(), f.Coin.String(), f.TimeMs.Int64(),
			f.Side.String(), f.Px.Canonical(), f.Sz.Canonical(),
			f.Fee.Canonical(), f.ClosedPnl.Canonical(),
			decimalPtr(f.BuilderFee), f.Tid, f.Oid,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert fill %s: %w", f.Fingerprint, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

// GetByFingerprint loads one fill, or nil when absent.
func (r *FillRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Fill, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+fillColumns+` FROM fills WHERE fingerprint = ?`, fingerprint)
	f, err := scanFill(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fill %s: %w", fingerprint, err)
	}
	return f, nil
}

// ListSince returns all stored fills for a user/coin with time_ms at or
// after sinceMs. Callers apply the precise ordering-key cut; the
// timestamp bound only narrows the scan.
func (r *FillRepo) ListSince(ctx context.Context, user domain.Address, coin domain.Coin, sinceMs domain.TimeMs) ([]domain.Fill, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fillColumns+` FROM fills
		WHERE lower(user_addr) = ? AND upper(coin) = ? AND time_ms >= ?
		ORDER BY time_ms ASC`,
		user.Lower(), coin.Upper(), sinceMs.Int64())
	if err != nil {
		return nil, fmt.Errorf("list fills since: %w", err)
	}
	return collectFills(rows)
}

// ListRange returns fills for a user in [fromMs, toMs], all coins when
// coin is empty.
func (r *FillRepo) ListRange(ctx context.Context, user domain.Address, coin domain.Coin, fromMs, toMs domain.TimeMs) ([]domain.Fill, error) {
	query := `
		SELECT ` + fillColumns + ` FROM fills
		WHERE lower(user_addr) = ? AND time_ms >= ? AND time_ms <= ?`
	args := []interface{}{user.Lower(), fromMs.Int64(), toMs.Int64()}
	if coin != "" {
		query += ` AND upper(coin) = ?`
		args = append(args, coin.Upper())
	}
	query += ` ORDER BY time_ms ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fills range: %w", err)
	}
	return collectFills(rows)
}

// ListCoins returns the distinct coins a user has fills in.
func (r *FillRepo) ListCoins(ctx context.Context, user domain.Address) ([]domain.Coin, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT upper(coin) FROM fills
		WHERE lower(user_addr) = ? ORDER BY upper(coin)`, user.Lower())
	if err != nil {
		return nil, fmt.Errorf("list coins: %w", err)
	}
	defer rows.Close()

	var coins []domain.Coin
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		coins = append(coins, domain.NewCoin(c))
	}
	return coins, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFill(row rowScanner) (*domain.Fill, error) {
	var (
		f          domain.Fill
		user, coin string
		timeMs     int64
		side       string
		px, sz     string
		fee, pnl   string
		builderFee sql.NullString
		tid, oid   sql.NullInt64
	)
	if err := row.Scan(&f.Fingerprint, &user, &coin, &timeMs, &side,
		&px, &sz, &fee, &pnl, &builderFee, &tid, &oid); err != nil {
		return nil, err
	}

	f.User = domain.NewAddress(user)
	f.Coin = domain.NewCoin(coin)
	f.TimeMs = domain.NewTimeMs(timeMs)

	parsedSide, err := domain.ParseSide(side)
	if err != nil {
		return nil, err
	}
	f.Side = parsedSide

	if f.Px, err = domain.ParseDecimal(px); err != nil {
		return nil, err
	}
	if f.Sz, err = domain.ParseDecimal(sz); err != nil {
		return nil, err
	}
	if f.Fee, err = domain.ParseDecimal(fee); err != nil {
		return nil, err
	}
	if f.ClosedPnl, err = domain.ParseDecimal(pnl); err != nil {
		return nil, err
	}
	if builderFee.Valid {
		bf, err := domain.ParseDecimal(builderFee.String)
		if err != nil {
			return nil, err
		}
		f.BuilderFee = &bf
	}
	if tid.Valid {
		v := tid.Int64
		f.Tid = &v
	}
	if oid.Valid {
		v := oid.Int64
		f.Oid = &v
	}
	return &f, nil
}

func collectFills(rows *sql.Rows) ([]domain.Fill, error) {
	defer rows.Close()
	var fills []domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	domain.SortFillsDeterministic(fills)
	return fills, nil
}

func decimalPtr(d *domain.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.Canonical()
}
