package compile_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeledger/internal/compile"
	"tradeledger/internal/config"
	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
	"tradeledger/internal/testutil"
)

// Prometheus metrics register once per binary.
var testMetrics = observability.NewMetrics()

var (
	testUser    = domain.NewAddress("0xabc")
	testCoin    = domain.NewCoin("BTC")
	testBuilder = domain.NewAddress("0xb1")
)

func newPipeline(t *testing.T, mode config.AttributionMode) (*sql.DB, *datasource.Mock, *compile.Orchestrator) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	mock := datasource.NewMock()
	cfg := &config.Config{
		TargetBuilder:   testBuilder,
		AttributionMode: mode,
		LookbackMs:      0,
	}
	orch := compile.NewOrchestrator(db, mock, cfg, observability.NewLogger("test"), testMetrics)
	return db, mock, orch
}

var fillSeq int64

func mkFill(timeMs int64, side domain.Side, px, sz, fee, pnl string, builderFee *domain.Decimal) domain.Fill {
	fillSeq++
	tid := fillSeq
	return domain.NewFill(testUser, testCoin, domain.NewTimeMs(timeMs), side,
		domain.MustDecimal(px), domain.MustDecimal(sz),
		domain.MustDecimal(fee), domain.MustDecimal(pnl), builderFee, &tid, nil)
}

func withBuilderFee(s string) *domain.Decimal {
	d := domain.MustDecimal(s)
	return &d
}

// ============================================================================
// Test: open then close, end to end
// ============================================================================

func TestCompile_OpenCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	open := mkFill(1000, domain.Buy, "100", "1", "0.1", "0", withBuilderFee("0.01"))
	clos := mkFill(2000, domain.Sell, "110", "1", "0.1", "10", withBuilderFee("0.01"))
	mock.AddFills(testUser, open, clos)

	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	effects := persistence.NewEffectRepo(db)
	ces, err := effects.ListCompiledRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, ces, 2)
	require.Equal(t, domain.EffectOpen, ces[0].Effect.EffectType)
	require.Equal(t, domain.EffectClose, ces[1].Effect.EffectType)
	require.True(t, ces[0].Attributed)
	require.False(t, ces[0].LifecycleTainted)
	require.Equal(t, "10", ces[1].Effect.ClosedPnl.Canonical())

	lc, err := persistence.NewLifecycleRepo(db).Get(ctx, ces[0].Effect.LifecycleID)
	require.NoError(t, err)
	require.NotNil(t, lc)
	require.NotNil(t, lc.EndTimeMs, "round trip must close the lifecycle")
	require.Equal(t, int64(2000), lc.EndTimeMs.Int64())
	require.False(t, lc.IsTainted)

	snaps, err := persistence.NewSnapshotRepo(db).ListRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.True(t, snaps[1].NetSize.IsZero())

	st, err := persistence.NewCompileStateRepo(db).Get(ctx, testUser, testCoin)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, int64(2000), st.LastCompiledTimeMs.Int64())
	require.Equal(t, clos.Fingerprint, st.LastCompiledFingerprint)
	require.Nil(t, st.OpenLifecycleID)
}

// ============================================================================
// Test: recompiling the same window changes nothing
// ============================================================================

func TestCompile_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	mock.AddFills(testUser,
		mkFill(1000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01")),
		mkFill(2000, domain.Sell, "105", "1", "0", "5", withBuilderFee("0.01")),
	)

	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	effects := persistence.NewEffectRepo(db)
	ces, err := effects.ListCompiledRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, ces, 2, "rerun must not duplicate effects")

	snaps, err := persistence.NewSnapshotRepo(db).ListRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, snaps, 2, "rerun must not duplicate snapshots")
}

// ============================================================================
// Test: the watermark lets a later batch resume the open lifecycle
// ============================================================================

func TestCompile_LaterBatchResumesLifecycle(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	mock.AddFills(testUser, mkFill(1000, domain.Buy, "100", "2", "0", "0", withBuilderFee("0.01")))
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	st, err := persistence.NewCompileStateRepo(db).Get(ctx, testUser, testCoin)
	require.NoError(t, err)
	require.NotNil(t, st.OpenLifecycleID)
	openID := *st.OpenLifecycleID

	mock.AddFills(testUser, mkFill(5000, domain.Sell, "110", "2", "0", "20", withBuilderFee("0.01")))
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	lc, err := persistence.NewLifecycleRepo(db).Get(ctx, openID)
	require.NoError(t, err)
	require.NotNil(t, lc.EndTimeMs, "second batch must close the lifecycle opened by the first")

	ces, err := persistence.NewEffectRepo(db).ListCompiledRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, ces, 2)
	require.Equal(t, openID, ces[1].Effect.LifecycleID)
}

// ============================================================================
// Test: flip splits into two lifecycles
// ============================================================================

func TestCompile_FlipSplitsLifecycles(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	mock.AddFills(testUser,
		mkFill(1000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01")),
		mkFill(2000, domain.Sell, "110", "3", "0.3", "10", withBuilderFee("0.01")),
	)
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	ces, err := persistence.NewEffectRepo(db).ListCompiledRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, ces, 3)
	require.Equal(t, domain.EffectOpen, ces[0].Effect.EffectType)
	require.Equal(t, domain.EffectFlipClose, ces[1].Effect.EffectType)
	require.Equal(t, domain.EffectFlipOpen, ces[2].Effect.EffectType)
	require.NotEqual(t, ces[1].Effect.LifecycleID, ces[2].Effect.LifecycleID)

	st, err := persistence.NewCompileStateRepo(db).Get(ctx, testUser, testCoin)
	require.NoError(t, err)
	require.NotNil(t, st.OpenLifecycleID)
	require.Equal(t, ces[2].Effect.LifecycleID, *st.OpenLifecycleID)
	require.Equal(t, "-2", st.NetSize.Canonical())
}

// ============================================================================
// Test: heuristic taint
// ============================================================================

func TestCompile_UnattributedFillTaintsLifecycle(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	// First fill routed through the builder, second one not.
	mock.AddFills(testUser,
		mkFill(1000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01")),
		mkFill(2000, domain.Buy, "102", "1", "0", "0", nil),
	)
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	ces, err := persistence.NewEffectRepo(db).ListCompiledRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, ces, 2)

	lc, err := persistence.NewLifecycleRepo(db).Get(ctx, ces[0].Effect.LifecycleID)
	require.NoError(t, err)
	require.True(t, lc.IsTainted)
	require.NotNil(t, lc.TaintReason)
	require.Equal(t, domain.TaintNoAttribution, *lc.TaintReason)

	snaps, err := persistence.NewSnapshotRepo(db).ListRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	for _, s := range snaps {
		require.True(t, s.IsTainted, "every snapshot of a tainted lifecycle is tainted")
	}
}

func TestCompile_TaintIsMonotonicAcrossBatches(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	mock.AddFills(testUser, mkFill(1000, domain.Buy, "100", "1", "0", "0", nil))
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	// A later attributed fill must not launder the lifecycle.
	mock.AddFills(testUser, mkFill(2000, domain.Buy, "101", "1", "0", "0", withBuilderFee("0.01")))
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	st, err := persistence.NewCompileStateRepo(db).Get(ctx, testUser, testCoin)
	require.NoError(t, err)
	require.NotNil(t, st.OpenLifecycleID)

	lc, err := persistence.NewLifecycleRepo(db).Get(ctx, *st.OpenLifecycleID)
	require.NoError(t, err)
	require.True(t, lc.IsTainted)
	require.Equal(t, domain.TaintNoAttribution, *lc.TaintReason)
}

// ============================================================================
// Test: logs mode and the shard cache
// ============================================================================

func TestCompile_LogsModeMatchesShard(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionLogs)

	f := mkFill(1000, domain.Buy, "100", "1", "0", "0", nil)
	mock.AddFills(testUser, f)
	mock.AddShard(testBuilder, f.TimeMs.UTCDay(), domain.BuilderLogRow{
		TimeMs: f.TimeMs, User: testUser, Coin: testCoin, Side: domain.Buy,
		Px: domain.MustDecimal("100"), Sz: domain.MustDecimal("1"),
	})

	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	attr, err := persistence.NewAttributionRepo(db).Get(ctx, f.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, attr)
	require.True(t, attr.Attributed)
	require.Equal(t, domain.ModeLogs, attr.Mode)
	require.NotNil(t, attr.Builder)
	require.Equal(t, testBuilder.Lower(), attr.Builder.Lower())
	require.Equal(t, 1, mock.ShardCalls)

	// A later fill on the same day hits the cached shard, not upstream.
	f2 := mkFill(2000, domain.Sell, "100", "1", "0", "0", nil)
	mock.AddFills(testUser, f2)
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))
	require.Equal(t, 1, mock.ShardCalls, "cached shard must not be re-fetched")
}

func TestCompile_LogsModeMissingShardIsNegative(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionLogs)

	f := mkFill(1000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01"))
	mock.AddFills(testUser, f)

	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	attr, err := persistence.NewAttributionRepo(db).Get(ctx, f.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, attr)
	require.False(t, attr.Attributed, "logs mode never guesses from the fee")
	require.Equal(t, 1, mock.ShardCalls)

	// The definitive miss is cached too.
	f2 := mkFill(2000, domain.Buy, "100", "1", "0", "0", nil)
	mock.AddFills(testUser, f2)
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))
	require.Equal(t, 1, mock.ShardCalls, "missing shard must not be re-fetched")
}

// ============================================================================
// Test: auto mode fallback
// ============================================================================

func TestCompile_AutoFallsBackOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionAuto)
	mock.ShardErr = &datasource.Error{Kind: datasource.KindNetwork, Err: errors.New("connection refused")}

	f := mkFill(1000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01"))
	mock.AddFills(testUser, f)

	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))

	attr, err := persistence.NewAttributionRepo(db).Get(ctx, f.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, attr)
	require.True(t, attr.Attributed)
	require.Equal(t, domain.ModeHeuristic, attr.Mode, "auto must fall back to the heuristic")

	// Transport failures are not cached; the next batch tries upstream
	// again.
	firstCalls := mock.ShardCalls
	f2 := mkFill(2000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01"))
	mock.AddFills(testUser, f2)
	require.NoError(t, orch.EnsureCompiled(ctx, testUser, testCoin, 0, 10_000))
	require.Greater(t, mock.ShardCalls, firstCalls, "transient failure must be retried next batch")
}

// ============================================================================
// Test: ingest dedup
// ============================================================================

func TestCompile_IngestDeduplicatesFills(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	f := mkFill(1000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01"))
	mock.AddFills(testUser, f)

	require.NoError(t, orch.EnsureIngested(ctx, testUser, 0, 10_000))
	require.NoError(t, orch.EnsureIngested(ctx, testUser, 0, 10_000))

	fills, err := persistence.NewFillRepo(db).ListRange(ctx, testUser, testCoin, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

// ============================================================================
// Test: all-coins compile
// ============================================================================

func TestCompile_EmptyCoinCompilesAllPairs(t *testing.T) {
	ctx := context.Background()
	db, mock, orch := newPipeline(t, config.AttributionHeuristic)

	fillSeq++
	tid1 := fillSeq
	eth := domain.NewFill(testUser, domain.NewCoin("ETH"), 1000, domain.Buy,
		domain.MustDecimal("3000"), domain.MustDecimal("1"),
		domain.Zero(), domain.Zero(), withBuilderFee("0.01"), &tid1, nil)
	btc := mkFill(1000, domain.Buy, "100", "1", "0", "0", withBuilderFee("0.01"))
	mock.AddFills(testUser, eth, btc)

	require.NoError(t, orch.EnsureCompiled(ctx, testUser, "", 0, 10_000))

	stateRepo := persistence.NewCompileStateRepo(db)
	for _, coin := range []domain.Coin{"BTC", "ETH"} {
		st, err := stateRepo.Get(ctx, testUser, coin)
		require.NoError(t, err)
		require.NotNil(t, st, "pair %s must be compiled", coin)
	}
}
