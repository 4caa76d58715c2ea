package query

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"tradeledger/internal/config"
	"tradeledger/internal/domain"
)

var hundred = domain.MustDecimal("100")

// leaderboardConcurrency bounds how many cohort users compile at once.
const leaderboardConcurrency = 4

// windowAggregate is the effect-level rollup behind pnl and the
// leaderboard metrics.
type windowAggregate struct {
	realized   domain.Decimal
	fees       domain.Decimal
	volume     domain.Decimal
	tradeCount int
	tainted    bool
}

// Pnl aggregates realized pnl, fees, and return over the window.
func (s *Service) Pnl(ctx context.Context, p PnlParams) (*PnlResponse, error) {
	if err := s.orch.EnsureCompiled(ctx, p.User, p.Coin, p.FromMs, p.ToMs); err != nil {
		return nil, err
	}

	agg, err := s.aggregate(ctx, p.Params)
	if err != nil {
		return nil, err
	}

	realized := agg.realized
	if s.pnlMode == config.PnlNet {
		realized = realized.Sub(agg.fees)
	}

	pct, err := s.returnPct(ctx, p.User, p.FromMs, realized, p.MaxStartCapital)
	if err != nil {
		return nil, err
	}

	return &PnlResponse{
		RealizedPnl: realized,
		ReturnPct:   pct,
		FeesPaid:    agg.fees,
		TradeCount:  agg.tradeCount,
		Tainted:     agg.tainted,
	}, nil
}

// aggregate sums effects in the window. A flip fill contributes both of
// its legs, so it counts twice toward tradeCount. Under BuilderOnly,
// effects of tainted lifecycles or without positive attribution are
// excluded and flagged.
func (s *Service) aggregate(ctx context.Context, p Params) (*windowAggregate, error) {
	ces, err := s.effects.ListCompiledRange(ctx, p.User, p.Coin, p.FromMs, p.ToMs)
	if err != nil {
		return nil, err
	}

	agg := &windowAggregate{
		realized: domain.Zero(),
		fees:     domain.Zero(),
		volume:   domain.Zero(),
	}
	for i := range ces {
		ce := &ces[i]
		if p.BuilderOnly && (ce.LifecycleTainted || !ce.Attributed) {
			agg.tainted = true
			continue
		}
		agg.realized = agg.realized.Add(ce.Effect.ClosedPnl)
		agg.fees = agg.fees.Add(ce.Effect.Fee)
		agg.volume = agg.volume.Add(ce.Effect.Notional.Abs())
		agg.tradeCount++
	}
	return agg, nil
}

// returnPct computes realized pnl over the capital base: equity at the
// window start, optionally capped. A zero or unknown base yields 0.
func (s *Service) returnPct(ctx context.Context, user domain.Address, fromMs domain.TimeMs, realized domain.Decimal, maxCap *domain.Decimal) (domain.Decimal, error) {
	equity, source, err := s.equity.Resolve(ctx, user, fromMs)
	if err != nil {
		return domain.Zero(), err
	}
	s.metrics.EquityResolutions.WithLabelValues(string(source)).Inc()

	capital := equity
	if maxCap != nil && maxCap.Cmp(capital) < 0 {
		capital = *maxCap
	}
	if capital.IsZero() {
		return domain.Zero(), nil
	}

	ratio, err := realized.Div(capital)
	if err != nil {
		return domain.Zero(), err
	}
	return ratio.Mul(hundred), nil
}

// Leaderboard ranks the configured cohort by the selected metric,
// descending, ties broken by address ascending, ranks dense from 1.
func (s *Service) Leaderboard(ctx context.Context, p LeaderboardParams) ([]LeaderboardEntry, error) {
	entries := make([]LeaderboardEntry, len(s.cohort))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(leaderboardConcurrency)
	for i, user := range s.cohort {
		g.Go(func() error {
			entry, err := s.leaderboardEntry(gctx, user, p)
			if err != nil {
				return err
			}
			entries[i] = *entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].MetricValue.Cmp(entries[j].MetricValue); c != 0 {
			return c > 0
		}
		return entries[i].User < entries[j].User
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (s *Service) leaderboardEntry(ctx context.Context, user domain.Address, p LeaderboardParams) (*LeaderboardEntry, error) {
	if err := s.orch.EnsureCompiled(ctx, user, p.Coin, p.FromMs, p.ToMs); err != nil {
		return nil, err
	}

	agg, err := s.aggregate(ctx, Params{
		User:        user,
		Coin:        p.Coin,
		FromMs:      p.FromMs,
		ToMs:        p.ToMs,
		BuilderOnly: p.BuilderOnly,
	})
	if err != nil {
		return nil, err
	}

	realized := agg.realized
	if s.pnlMode == config.PnlNet {
		realized = realized.Sub(agg.fees)
	}

	var value domain.Decimal
	switch p.Metric {
	case MetricPnl:
		value = realized
	case MetricVolume:
		value = agg.volume
	case MetricReturnPct:
		if value, err = s.returnPct(ctx, user, p.FromMs, realized, p.MaxStartCapital); err != nil {
			return nil, err
		}
	}

	return &LeaderboardEntry{
		User:        user.Lower(),
		MetricValue: value,
		TradeCount:  agg.tradeCount,
		Tainted:     agg.tainted,
	}, nil
}
