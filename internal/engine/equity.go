package engine

import (
	"context"

	"github.com/rs/zerolog"

	"tradeledger/internal/domain"
)

// EquityStore is the slice of persistence the resolver needs.
type EquityStore interface {
	LatestAtOrBefore(ctx context.Context, user domain.Address, t domain.TimeMs) (*domain.EquitySnapshot, error)
	Insert(ctx context.Context, s domain.EquitySnapshot) error
	SumClosedPnlBefore(ctx context.Context, user domain.Address, beforeMs domain.TimeMs) (domain.Decimal, error)
}

// DepositSummer totals a user's deposits before a point in time.
type DepositSummer interface {
	SumBefore(ctx context.Context, user domain.Address, beforeMs domain.TimeMs) (domain.Decimal, error)
}

// LiveEquityFetcher reads the account's current value from the
// exchange.
type LiveEquityFetcher interface {
	FetchEquity(ctx context.Context, user domain.Address) (domain.Decimal, error)
}

// EquityResolver produces the capital base for return calculations:
// the account's equity at a window start.
type EquityResolver struct {
	store    EquityStore
	deposits DepositSummer
	live     LiveEquityFetcher
	log      zerolog.Logger
}

func NewEquityResolver(store EquityStore, deposits DepositSummer, live LiveEquityFetcher, log zerolog.Logger) *EquityResolver {
	return &EquityResolver{store: store, deposits: deposits, live: live, log: log}
}

// Resolve returns the user's equity at atMs. A stored snapshot at or
// before the time wins; otherwise the live account value is captured;
// if the exchange is unreachable the value is derived from the ledger
// itself as deposits plus realized pnl. Whatever is computed is
// persisted so the answer is stable across queries.
func (r *EquityResolver) Resolve(ctx context.Context, user domain.Address, atMs domain.TimeMs) (domain.Decimal, domain.EquitySource, error) {
	snap, err := r.store.LatestAtOrBefore(ctx, user, atMs)
	if err != nil {
		return domain.Zero(), "", err
	}
	if snap != nil {
		return snap.Equity, snap.Source, nil
	}

	if r.live != nil {
		equity, err := r.live.FetchEquity(ctx, user)
		if err == nil {
			s := domain.EquitySnapshot{User: user, TimeMs: atMs, Equity: equity, Source: domain.EquityLive}
			if err := r.store.Insert(ctx, s); err != nil {
				return domain.Zero(), "", err
			}
			return equity, domain.EquityLive, nil
		}
		r.log.Warn().Err(err).Str("user", user.Lower()).Msg("live equity fetch failed, deriving from ledger")
	}

	deposits, err := r.deposits.SumBefore(ctx, user, atMs)
	if err != nil {
		return domain.Zero(), "", err
	}
	pnl, err := r.store.SumClosedPnlBefore(ctx, user, atMs)
	if err != nil {
		return domain.Zero(), "", err
	}
	equity := deposits.Add(pnl)

	s := domain.EquitySnapshot{User: user, TimeMs: atMs, Equity: equity, Source: domain.EquityDerived}
	if err := r.store.Insert(ctx, s); err != nil {
		return domain.Zero(), "", err
	}
	return equity, domain.EquityDerived, nil
}
