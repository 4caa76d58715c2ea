package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeledger/internal/config"
	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/observability"
	"tradeledger/internal/query"
	"tradeledger/internal/testutil"
)

// Prometheus metrics register once per binary.
var testMetrics = observability.NewMetrics()

var (
	testUser    = domain.NewAddress("0xabc")
	testBuilder = domain.NewAddress("0xb1")
)

func baseConfig() *config.Config {
	return &config.Config{
		TargetBuilder:   testBuilder,
		AttributionMode: config.AttributionHeuristic,
		PnlMode:         config.PnlGross,
		LookbackMs:      0,
	}
}

func newService(t *testing.T, cfg *config.Config) (*datasource.Mock, *query.Service) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	mock := datasource.NewMock()
	svc := query.NewService(db, mock, cfg, observability.NewLogger("test"), testMetrics)
	return mock, svc
}

var fillSeq int64

func mkFill(user domain.Address, coin domain.Coin, timeMs int64, side domain.Side, px, sz, fee, pnl string, routed bool) domain.Fill {
	fillSeq++
	tid := fillSeq
	var builderFee *domain.Decimal
	if routed {
		bf := domain.MustDecimal("0.01")
		builderFee = &bf
	}
	return domain.NewFill(user, coin, domain.NewTimeMs(timeMs), side,
		domain.MustDecimal(px), domain.MustDecimal(sz),
		domain.MustDecimal(fee), domain.MustDecimal(pnl), builderFee, &tid, nil)
}

// ============================================================================
// Test: trades
// ============================================================================

func TestService_Trades(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0.1", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0.1", "10", true),
		mkFill(testUser, "ETH", 1500, domain.Buy, "3000", "1", "0.3", "0", false),
	)

	resp, err := svc.Trades(ctx, query.Params{User: testUser, FromMs: 0, ToMs: 10_000})
	require.NoError(t, err)
	require.Len(t, resp.Trades, 3)
	require.False(t, resp.Tainted)

	// The routed fills carry the builder, the stray one does not.
	require.NotNil(t, resp.Trades[0].Builder)
	require.Equal(t, testBuilder.Lower(), *resp.Trades[0].Builder)
	require.Nil(t, resp.Trades[1].Builder)
	require.Equal(t, "ETH", resp.Trades[1].Coin)
}

func TestService_TradesBuilderOnlyDropsStrays(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0.1", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0.1", "10", true),
		mkFill(testUser, "ETH", 1500, domain.Buy, "3000", "1", "0.3", "0", false),
	)

	resp, err := svc.Trades(ctx, query.Params{User: testUser, FromMs: 0, ToMs: 10_000, BuilderOnly: true})
	require.NoError(t, err)
	require.Len(t, resp.Trades, 2, "only the clean BTC round trip survives")
	require.True(t, resp.Tainted, "dropping anything sets the flag")
	for _, tr := range resp.Trades {
		require.Equal(t, "BTC", tr.Coin)
	}
}

func TestService_TradesBuilderOnlyDropsTaintedLifecycle(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	// The second fill has no builder fee, so the whole lifecycle taints
	// and the attributed first fill falls with it.
	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Buy, "102", "1", "0", "0", false),
	)

	resp, err := svc.Trades(ctx, query.Params{User: testUser, Coin: "BTC", FromMs: 0, ToMs: 10_000, BuilderOnly: true})
	require.NoError(t, err)
	require.Empty(t, resp.Trades)
	require.True(t, resp.Tainted)
}

// ============================================================================
// Test: positions history
// ============================================================================

func TestService_PositionsHistory(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "2", "0", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0", "10", true),
	)

	resp, err := svc.PositionsHistory(ctx, query.Params{User: testUser, Coin: "BTC", FromMs: 0, ToMs: 10_000})
	require.NoError(t, err)
	require.Len(t, resp.Snapshots, 2)
	require.Equal(t, "2", resp.Snapshots[0].NetSize.Canonical())
	require.Equal(t, "1", resp.Snapshots[1].NetSize.Canonical())
	require.Equal(t, "100", resp.Snapshots[1].AvgEntryPx.Canonical())
	require.Equal(t, resp.Snapshots[0].LifecycleID, resp.Snapshots[1].LifecycleID)
}

func TestService_PositionsBuilderOnlyDropsTainted(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0", "0", false),
	)

	resp, err := svc.PositionsHistory(ctx, query.Params{User: testUser, Coin: "BTC", FromMs: 0, ToMs: 10_000, BuilderOnly: true})
	require.NoError(t, err)
	require.Empty(t, resp.Snapshots)
	require.True(t, resp.Tainted)
}

// ============================================================================
// Test: pnl
// ============================================================================

func TestService_PnlGrossAndNet(t *testing.T) {
	ctx := context.Background()

	fills := []domain.Fill{
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0.1", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0.1", "10", true),
	}

	mock, svc := newService(t, baseConfig())
	mock.AddFills(testUser, fills...)
	mock.SetEquity(testUser, domain.MustDecimal("200"))

	resp, err := svc.Pnl(ctx, query.PnlParams{Params: query.Params{User: testUser, Coin: "BTC", FromMs: 0, ToMs: 10_000}})
	require.NoError(t, err)
	require.Equal(t, "10", resp.RealizedPnl.Canonical())
	require.Equal(t, "0.2", resp.FeesPaid.Canonical())
	require.Equal(t, 2, resp.TradeCount)
	require.Equal(t, "5", resp.ReturnPct.Canonical(), "10 realized on 200 equity")
	require.False(t, resp.Tainted)

	netCfg := baseConfig()
	netCfg.PnlMode = config.PnlNet
	mockNet, svcNet := newService(t, netCfg)
	mockNet.AddFills(testUser, fills...)
	mockNet.SetEquity(testUser, domain.MustDecimal("200"))

	respNet, err := svcNet.Pnl(ctx, query.PnlParams{Params: query.Params{User: testUser, Coin: "BTC", FromMs: 0, ToMs: 10_000}})
	require.NoError(t, err)
	require.Equal(t, "9.8", respNet.RealizedPnl.Canonical(), "net mode subtracts fees")
}

func TestService_PnlMaxStartCapitalCapsBase(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0", "10", true),
	)
	mock.SetEquity(testUser, domain.MustDecimal("200"))

	maxCap := domain.MustDecimal("100")
	resp, err := svc.Pnl(ctx, query.PnlParams{
		Params:          query.Params{User: testUser, Coin: "BTC", FromMs: 0, ToMs: 10_000},
		MaxStartCapital: &maxCap,
	})
	require.NoError(t, err)
	require.Equal(t, "10", resp.ReturnPct.Canonical(), "capped base doubles the return")
}

func TestService_PnlDerivesEquityWhenUpstreamSilent(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.LookbackMs = 1000
	mock, svc := newService(t, cfg)

	// No live equity; the base falls back to deposits plus realized pnl
	// before the window start.
	mock.AddDeposits(testUser, domain.NewDeposit(testUser, 500, domain.MustDecimal("100"), nil))
	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0", "10", true),
	)

	resp, err := svc.Pnl(ctx, query.PnlParams{Params: query.Params{User: testUser, Coin: "BTC", FromMs: 900, ToMs: 10_000}})
	require.NoError(t, err)
	require.Equal(t, "10", resp.RealizedPnl.Canonical())
	require.Equal(t, "10", resp.ReturnPct.Canonical(), "10 realized on 100 derived equity")
}

func TestService_PnlZeroBaseYieldsZeroReturn(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0", "10", true),
	)

	resp, err := svc.Pnl(ctx, query.PnlParams{Params: query.Params{User: testUser, Coin: "BTC", FromMs: 0, ToMs: 10_000}})
	require.NoError(t, err)
	require.True(t, resp.ReturnPct.IsZero(), "no capital base means no return figure")
}

func TestService_PnlBuilderOnlyExcludesTainted(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	// Clean BTC round trip plus a stray ETH fill.
	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "1", "0", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "1", "0", "10", true),
		mkFill(testUser, "ETH", 1500, domain.Buy, "3000", "1", "0.3", "0", false),
	)
	mock.SetEquity(testUser, domain.MustDecimal("200"))

	resp, err := svc.Pnl(ctx, query.PnlParams{Params: query.Params{User: testUser, FromMs: 0, ToMs: 10_000, BuilderOnly: true}})
	require.NoError(t, err)
	require.Equal(t, "10", resp.RealizedPnl.Canonical())
	require.Equal(t, 2, resp.TradeCount, "the stray fill is excluded")
	require.True(t, resp.Tainted)
}

// ============================================================================
// Test: leaderboard
// ============================================================================

func TestService_LeaderboardDenseRanksWithAddressTiebreak(t *testing.T) {
	ctx := context.Background()

	userA := domain.NewAddress("0xa1")
	userB := domain.NewAddress("0xa2")
	userC := domain.NewAddress("0xa3")

	cfg := baseConfig()
	// Cohort order scrambled on purpose; ranking must not depend on it.
	cfg.LeaderboardUsers = []domain.Address{userC, userB, userA}
	mock, svc := newService(t, cfg)

	roundTrip := func(user domain.Address, pnl string) {
		mock.AddFills(user,
			mkFill(user, "BTC", 1000, domain.Buy, "100", "1", "0", "0", true),
			mkFill(user, "BTC", 2000, domain.Sell, "110", "1", "0", pnl, true),
		)
	}
	roundTrip(userA, "100")
	roundTrip(userB, "100")
	roundTrip(userC, "50")

	entries, err := svc.Leaderboard(ctx, query.LeaderboardParams{
		Metric: query.MetricPnl,
		FromMs: 0,
		ToMs:   10_000,
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, 1, entries[0].Rank)
	require.Equal(t, userA.Lower(), entries[0].User, "equal values tie-break by address ascending")
	require.Equal(t, 2, entries[1].Rank)
	require.Equal(t, userB.Lower(), entries[1].User)
	require.Equal(t, 3, entries[2].Rank)
	require.Equal(t, userC.Lower(), entries[2].User)
	require.Equal(t, "50", entries[2].MetricValue.Canonical())
}

func TestService_LeaderboardVolumeMetric(t *testing.T) {
	ctx := context.Background()

	cfg := baseConfig()
	cfg.LeaderboardUsers = []domain.Address{testUser}
	mock, svc := newService(t, cfg)

	mock.AddFills(testUser,
		mkFill(testUser, "BTC", 1000, domain.Buy, "100", "2", "0", "0", true),
		mkFill(testUser, "BTC", 2000, domain.Sell, "110", "2", "0", "20", true),
	)

	entries, err := svc.Leaderboard(ctx, query.LeaderboardParams{
		Metric: query.MetricVolume,
		FromMs: 0,
		ToMs:   10_000,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "420", entries[0].MetricValue.Canonical(), "2@100 plus 2@110 notional")
	require.Equal(t, 2, entries[0].TradeCount)
}

// ============================================================================
// Test: deposits
// ============================================================================

func TestService_DepositsTotals(t *testing.T) {
	ctx := context.Background()
	mock, svc := newService(t, baseConfig())

	hash := "0xdead"
	mock.AddDeposits(testUser,
		domain.NewDeposit(testUser, 1000, domain.MustDecimal("100"), &hash),
		domain.NewDeposit(testUser, 2000, domain.MustDecimal("25.5"), nil),
		domain.NewDeposit(testUser, 99_999, domain.MustDecimal("7"), nil),
	)

	resp, err := svc.Deposits(ctx, testUser, 0, 10_000)
	require.NoError(t, err)
	require.Equal(t, 2, resp.DepositCount, "the out-of-window deposit is excluded")
	require.Equal(t, "125.5", resp.TotalDeposits.Canonical())
	require.Equal(t, &hash, resp.Deposits[0].TxHash)
	require.Nil(t, resp.Deposits[1].TxHash)
}

// ============================================================================
// Test: metric parsing
// ============================================================================

func TestParseMetric(t *testing.T) {
	for raw, want := range map[string]query.Metric{
		"pnl":       query.MetricPnl,
		"volume":    query.MetricVolume,
		"returnPct": query.MetricReturnPct,
	} {
		got, err := query.ParseMetric(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := query.ParseMetric("sharpe")
	require.Error(t, err)
}
