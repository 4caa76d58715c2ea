package compile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradeledger/internal/config"
	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/engine"
	"tradeledger/internal/observability"
	"tradeledger/internal/persistence"
)

// Compiler turns stored raw fills into lifecycles, effects, and
// snapshots. Compilation is incremental: each (user, coin) pair carries
// a watermark, and a batch only processes fills strictly after it, so
// re-running over the same data is a no-op.
type Compiler struct {
	db           *sql.DB
	fills        *persistence.FillRepo
	effects      *persistence.EffectRepo
	lifecycles   *persistence.LifecycleRepo
	snapshots    *persistence.SnapshotRepo
	attributions *persistence.AttributionRepo
	state        *persistence.CompileStateRepo

	attributor *attributor
	target     domain.Address
	locks      *pairLocks
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewCompiler(db *sql.DB, ds datasource.DataSource, mode config.AttributionMode, target domain.Address, log zerolog.Logger, m *observability.Metrics) *Compiler {
	shards := newShardProvider(db, ds, log, m)
	return &Compiler{
		db:           db,
		fills:        persistence.NewFillRepo(db),
		effects:      persistence.NewEffectRepo(db),
		lifecycles:   persistence.NewLifecycleRepo(db),
		snapshots:    persistence.NewSnapshotRepo(db),
		attributions: persistence.NewAttributionRepo(db),
		state:        persistence.NewCompileStateRepo(db),
		attributor:   newAttributor(mode, target, shards, log, m),
		target:       target,
		locks:        newPairLocks(),
		log:          log,
		metrics:      m,
	}
}

// CompilePair compiles everything new for one (user, coin) pair. Safe
// to call concurrently; the same pair is serialized, distinct pairs are
// not. All derived rows of a batch land in one transaction, so readers
// never see a half-compiled batch.
func (c *Compiler) CompilePair(ctx context.Context, user domain.Address, coin domain.Coin) error {
	lock := c.locks.acquire(user.Lower() + "|" + coin.Upper())
	defer lock.Unlock()

	start := time.Now()
	err := c.compileLocked(ctx, user, coin)
	c.metrics.CompileDuration.Observe(time.Since(start).Seconds())
	return err
}

func (c *Compiler) compileLocked(ctx context.Context, user domain.Address, coin domain.Coin) error {
	st, err := c.state.Get(ctx, user, coin)
	if err != nil {
		return c.fail("error", err)
	}

	pending, err := c.pendingFills(ctx, user, coin, st)
	if err != nil {
		return c.fail("error", err)
	}
	if len(pending) == 0 {
		c.metrics.CompileBatches.WithLabelValues("noop").Inc()
		return nil
	}

	attrs, err := c.attributor.attribute(ctx, pending)
	if err != nil {
		return c.fail("error", err)
	}

	var resume engine.Resume
	if st != nil {
		resume = engine.Resume{
			NetSize:            st.NetSize,
			AvgEntryPx:         st.AvgEntryPx,
			OpenLifecycleID:    st.OpenLifecycleID,
			LastSnapshotTimeMs: st.LastSnapshotTimeMs,
			LastSnapshotSeq:    st.LastSnapshotSeq,
		}
	}
	tracker, err := engine.NewTracker(user, coin, resume)
	if err != nil {
		return c.failEngine(user, coin, err)
	}

	var (
		allEffects []domain.Effect
		allSnaps   []domain.Snapshot
		opened     []domain.Lifecycle
		closed     []engine.ClosedLifecycle
		flips      int
	)
	for i := range pending {
		res, err := tracker.Apply(&pending[i])
		if err != nil {
			return c.failEngine(user, coin, err)
		}
		allEffects = append(allEffects, res.Effects...)
		allSnaps = append(allSnaps, res.Snapshots...)
		if res.Opened != nil {
			opened = append(opened, *res.Opened)
		}
		if res.Closed != nil {
			closed = append(closed, *res.Closed)
		}
		if res.Opened != nil && res.Closed != nil {
			flips++
		}
	}

	taintedNow, alreadyTainted, err := c.evaluateTaint(ctx, allEffects, attrs)
	if err != nil {
		return c.fail("error", err)
	}
	for i := range allSnaps {
		s := &allSnaps[i]
		if _, ok := taintedNow[s.LifecycleID]; ok {
			s.IsTainted = true
		} else if alreadyTainted[s.LifecycleID] {
			s.IsTainted = true
		}
	}

	last := &pending[len(pending)-1]
	resume = tracker.State()

	err = persistence.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		for i := range opened {
			if err := c.lifecycles.Upsert(ctx, tx, opened[i]); err != nil {
				return err
			}
		}
		for _, cl := range closed {
			if err := c.lifecycles.Close(ctx, tx, cl.ID, cl.EndTime); err != nil {
				return err
			}
		}
		if err := c.effects.InsertBatch(ctx, tx, allEffects); err != nil {
			return err
		}
		if err := c.snapshots.InsertBatch(ctx, tx, allSnaps); err != nil {
			return err
		}
		for _, a := range attrs {
			if err := c.attributions.Upsert(ctx, tx, a); err != nil {
				return err
			}
		}
		for id, reason := range taintedNow {
			if err := c.lifecycles.SetTaint(ctx, tx, id, reason); err != nil {
				return err
			}
			if err := c.snapshots.MarkLifecycleTainted(ctx, tx, id); err != nil {
				return err
			}
		}
		return c.state.Upsert(ctx, tx, persistence.CompileState{
			User:                    user,
			Coin:                    coin,
			LastCompiledTimeMs:      last.TimeMs,
			LastCompiledFingerprint: last.Fingerprint,
			NetSize:                 resume.NetSize,
			AvgEntryPx:              resume.AvgEntryPx,
			OpenLifecycleID:         resume.OpenLifecycleID,
			LastSnapshotTimeMs:      resume.LastSnapshotTimeMs,
			LastSnapshotSeq:         resume.LastSnapshotSeq,
		})
	})
	if err != nil {
		return c.fail("error", fmt.Errorf("compile %s/%s: %w", user, coin, err))
	}

	c.metrics.CompileFills.Add(float64(len(pending)))
	c.metrics.LifecyclesOpened.Add(float64(len(opened)))
	c.metrics.LifecyclesClosed.Add(float64(len(closed)))
	c.metrics.PositionFlips.Add(float64(flips))
	for id, reason := range taintedNow {
		if !alreadyTainted[id] {
			c.metrics.TaintMarks.WithLabelValues(string(reason)).Inc()
		}
	}
	c.metrics.CompileBatches.WithLabelValues("ok").Inc()

	c.log.Info().
		Str("user", user.Lower()).Str("coin", coin.Upper()).
		Int("fills", len(pending)).
		Int("opened", len(opened)).Int("closed", len(closed)).
		Int64("watermark_ms", last.TimeMs.Int64()).
		Msg("compiled batch")
	return nil
}

// pendingFills loads the fills strictly after the watermark in
// deterministic order. The timestamp narrows the scan; the stored
// fingerprint's full ordering key makes the cut exact, so a
// same-millisecond neighbor of the watermark fill is neither skipped
// nor replayed.
func (c *Compiler) pendingFills(ctx context.Context, user domain.Address, coin domain.Coin, st *persistence.CompileState) ([]domain.Fill, error) {
	if st == nil {
		return c.fills.ListSince(ctx, user, coin, 0)
	}

	fills, err := c.fills.ListSince(ctx, user, coin, st.LastCompiledTimeMs)
	if err != nil {
		return nil, err
	}

	lastKey := domain.OrderingKey{
		TimeMs:      st.LastCompiledTimeMs,
		Fingerprint: st.LastCompiledFingerprint,
	}
	if wm, err := c.fills.GetByFingerprint(ctx, st.LastCompiledFingerprint); err != nil {
		return nil, err
	} else if wm != nil {
		lastKey = domain.KeyOf(wm)
	}

	pending := fills[:0]
	for i := range fills {
		if lastKey.Less(domain.KeyOf(&fills[i])) {
			pending = append(pending, fills[i])
		}
	}
	return pending, nil
}

// evaluateTaint decides the builder-only standing of every lifecycle a
// batch touched, over the lifecycle's full fill history, not just this
// batch's slice of it.
func (c *Compiler) evaluateTaint(ctx context.Context, newEffects []domain.Effect, newAttrs map[string]domain.Attribution) (map[string]domain.TaintReason, map[string]bool, error) {
	var touched []string
	seen := make(map[string]bool)
	for i := range newEffects {
		id := newEffects[i].LifecycleID
		if !seen[id] {
			seen[id] = true
			touched = append(touched, id)
		}
	}

	existing, err := c.effects.ListByLifecycles(ctx, touched)
	if err != nil {
		return nil, nil, err
	}

	var existingFps []string
	fpSeen := make(map[string]bool)
	for _, effs := range existing {
		for i := range effs {
			fp := effs[i].Fingerprint
			if !fpSeen[fp] {
				fpSeen[fp] = true
				existingFps = append(existingFps, fp)
			}
		}
	}
	attrs, err := c.attributions.MapFor(ctx, existingFps)
	if err != nil {
		return nil, nil, err
	}
	for fp, a := range newAttrs {
		attrs[fp] = a
	}

	alreadyTainted, err := c.lifecycles.TaintedIDs(ctx, touched)
	if err != nil {
		return nil, nil, err
	}

	taintedNow := make(map[string]domain.TaintReason)
	for _, id := range touched {
		fps := lifecycleFingerprints(existing[id], newEffects, id)
		tainted, reason := engine.EvaluateTaint(fps, attrs, c.target)
		if tainted {
			taintedNow[id] = *reason
		}
	}
	return taintedNow, alreadyTainted, nil
}

// lifecycleFingerprints merges a lifecycle's stored and new effect
// fingerprints, stored first, deduplicated.
func lifecycleFingerprints(stored []domain.Effect, fresh []domain.Effect, id string) []string {
	var fps []string
	seen := make(map[string]bool)
	add := func(fp string) {
		if !seen[fp] {
			seen[fp] = true
			fps = append(fps, fp)
		}
	}
	for i := range stored {
		add(stored[i].Fingerprint)
	}
	for i := range fresh {
		if fresh[i].LifecycleID == id {
			add(fresh[i].Fingerprint)
		}
	}
	return fps
}

func (c *Compiler) fail(outcome string, err error) error {
	c.metrics.CompileBatches.WithLabelValues(outcome).Inc()
	return err
}

func (c *Compiler) failEngine(user domain.Address, coin domain.Coin, err error) error {
	if errors.Is(err, engine.ErrEngineCorrupt) {
		c.metrics.EngineCorruptions.Inc()
		c.log.Error().Err(err).Str("user", user.Lower()).Str("coin", coin.Upper()).
			Msg("aborting batch on corrupt engine state")
		return c.fail("corrupt", err)
	}
	return c.fail("error", err)
}
