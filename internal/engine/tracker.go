package engine

import (
	"errors"
	"fmt"

	"tradeledger/internal/domain"
)

// ErrEngineCorrupt reports an impossible tracker state: exposure without
// an open lifecycle, or an open lifecycle with no exposure. Compilation
// of the affected pair aborts rather than persisting bad state.
var ErrEngineCorrupt = errors.New("position engine state corrupt")

// sizeEpsilon absorbs upstream rounding drift when a position is closed
// by fills whose sizes do not cancel exactly.
var sizeEpsilon = domain.MustDecimal("0.000000000001")

// Tracker replays one user/coin fill stream into lifecycles, effects,
// and snapshots. It is single-goroutine state; the compiler serializes
// access per pair.
type Tracker struct {
	user domain.Address
	coin domain.Coin

	netSize    domain.Decimal
	avgEntryPx domain.Decimal
	openLCID   *string

	lastSnapTime domain.TimeMs
	lastSnapSeq  int64
}

// Resume captures the state needed to continue a tracker across
// process restarts.
type Resume struct {
	NetSize            domain.Decimal
	AvgEntryPx         domain.Decimal
	OpenLifecycleID    *string
	LastSnapshotTimeMs domain.TimeMs
	LastSnapshotSeq    int64
}

// NewTracker builds a tracker from a resume point. A zero Resume is a
// fresh pair.
func NewTracker(user domain.Address, coin domain.Coin, r Resume) (*Tracker, error) {
	t := &Tracker{
		user:         user,
		coin:         coin,
		netSize:      r.NetSize,
		avgEntryPx:   r.AvgEntryPx,
		openLCID:     r.OpenLifecycleID,
		lastSnapTime: r.LastSnapshotTimeMs,
		lastSnapSeq:  r.LastSnapshotSeq,
	}
	if err := t.checkConsistent(); err != nil {
		return nil, err
	}
	return t, nil
}

// State returns the tracker's current resume point.
func (t *Tracker) State() Resume {
	return Resume{
		NetSize:            t.netSize,
		AvgEntryPx:         t.avgEntryPx,
		OpenLifecycleID:    t.openLCID,
		LastSnapshotTimeMs: t.lastSnapTime,
		LastSnapshotSeq:    t.lastSnapSeq,
	}
}

// ApplyResult is everything one fill produced.
type ApplyResult struct {
	Effects   []domain.Effect
	Snapshots []domain.Snapshot

	// Opened is set when the fill started a lifecycle; Closed when it
	// ended one. A flip sets both.
	Opened *domain.Lifecycle
	Closed *ClosedLifecycle
}

// ClosedLifecycle identifies a lifecycle ended by a fill.
type ClosedLifecycle struct {
	ID      string
	EndTime domain.TimeMs
}

// Apply advances the tracker by one fill. Zero-size fills produce
// nothing.
func (t *Tracker) Apply(f *domain.Fill) (*ApplyResult, error) {
	if err := t.checkConsistent(); err != nil {
		return nil, err
	}
	if f.Sz.IsZero() {
		return &ApplyResult{}, nil
	}

	signed := f.SignedSize()
	res := &ApplyResult{}

	switch {
	case t.netSize.IsZero():
		t.open(f, signed, res)

	case sameSign(t.netSize, signed):
		if err := t.grow(f, res); err != nil {
			return nil, err
		}

	default:
		absNet := t.netSize.Abs()
		switch absNet.Cmp(f.Sz) {
		case 1: // partial close
			t.reduce(f, signed, res)
		case 0: // full close
			t.close(f, res)
		default: // flip
			if err := t.flip(f, signed, res); err != nil {
				return nil, err
			}
		}
	}

	return res, nil
}

func (t *Tracker) open(f *domain.Fill, signed domain.Decimal, res *ApplyResult) {
	id := domain.NewLifecycleID(t.user, t.coin, f.Fingerprint)
	t.openLCID = &id
	t.netSize = signed
	t.avgEntryPx = f.Px

	res.Opened = &domain.Lifecycle{
		ID:          id,
		User:        t.user,
		Coin:        t.coin,
		StartTimeMs: f.TimeMs,
	}
	res.Effects = append(res.Effects, domain.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: id,
		EffectType:  domain.EffectOpen,
		Qty:         f.Sz,
		Notional:    f.Px.Mul(f.Sz),
		Fee:         f.Fee,
		ClosedPnl:   f.ClosedPnl,
	})
	res.Snapshots = append(res.Snapshots, t.snapshot(f.TimeMs))
}

// grow enlarges the position in its current direction, re-averaging
// the entry price by size.
func (t *Tracker) grow(f *domain.Fill, res *ApplyResult) error {
	absNet := t.netSize.Abs()
	newAbs := absNet.Add(f.Sz)
	weighted := t.avgEntryPx.Mul(absNet).Add(f.Px.Mul(f.Sz))
	avg, err := weighted.Div(newAbs)
	if err != nil {
		return fmt.Errorf("re-average entry price: %w", err)
	}

	t.avgEntryPx = avg
	t.netSize = t.netSize.Add(f.SignedSize())

	res.Effects = append(res.Effects, domain.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: *t.openLCID,
		EffectType:  domain.EffectOpen,
		Qty:         f.Sz,
		Notional:    f.Px.Mul(f.Sz),
		Fee:         f.Fee,
		ClosedPnl:   f.ClosedPnl,
	})
	res.Snapshots = append(res.Snapshots, t.snapshot(f.TimeMs))
	return nil
}

func (t *Tracker) reduce(f *domain.Fill, signed domain.Decimal, res *ApplyResult) {
	t.netSize = snapToZero(t.netSize.Add(signed))
	if t.netSize.IsZero() {
		// Rounding drift consumed the remainder; treat as a full close.
		t.finishLifecycle(f, res)
		return
	}

	res.Effects = append(res.Effects, domain.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: *t.openLCID,
		EffectType:  domain.EffectClose,
		Qty:         f.Sz,
		Notional:    f.Px.Mul(f.Sz),
		Fee:         f.Fee,
		ClosedPnl:   f.ClosedPnl,
	})
	res.Snapshots = append(res.Snapshots, t.snapshot(f.TimeMs))
}

func (t *Tracker) close(f *domain.Fill, res *ApplyResult) {
	t.netSize = domain.Zero()
	t.finishLifecycle(f, res)
}

// finishLifecycle emits the closing effect and snapshot, then clears
// the open lifecycle. The entry price stays as-is so the final
// snapshot still shows what the position was opened at.
func (t *Tracker) finishLifecycle(f *domain.Fill, res *ApplyResult) {
	id := *t.openLCID
	res.Effects = append(res.Effects, domain.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: id,
		EffectType:  domain.EffectClose,
		Qty:         f.Sz,
		Notional:    f.Px.Mul(f.Sz),
		Fee:         f.Fee,
		ClosedPnl:   f.ClosedPnl,
	})
	res.Snapshots = append(res.Snapshots, t.snapshot(f.TimeMs))
	res.Closed = &ClosedLifecycle{ID: id, EndTime: f.TimeMs}
	t.openLCID = nil
}

// flip decomposes a direction-crossing fill into a closing leg on the
// old lifecycle and an opening leg on a new one. The fee is pro-rated
// by quantity; realized pnl belongs entirely to the closing leg.
func (t *Tracker) flip(f *domain.Fill, signed domain.Decimal, res *ApplyResult) error {
	oldID := *t.openLCID
	qClose := t.netSize.Abs()
	qOpen := f.Sz.Sub(qClose)

	feeClose, err := f.Fee.Mul(qClose).Div(f.Sz)
	if err != nil {
		return fmt.Errorf("flip fee split: %w", err)
	}
	feeOpen := f.Fee.Sub(feeClose)

	// Closing leg: old lifecycle flattens.
	res.Effects = append(res.Effects, domain.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: oldID,
		EffectType:  domain.EffectFlipClose,
		Qty:         qClose,
		Notional:    f.Px.Mul(qClose),
		Fee:         feeClose,
		ClosedPnl:   f.ClosedPnl,
	})
	t.netSize = domain.Zero()
	res.Snapshots = append(res.Snapshots, t.snapshot(f.TimeMs))
	res.Closed = &ClosedLifecycle{ID: oldID, EndTime: f.TimeMs}

	// Opening leg: new lifecycle in the fill's direction.
	newID := domain.NewLifecycleID(t.user, t.coin, f.Fingerprint)
	t.openLCID = &newID
	if signed.IsPositive() {
		t.netSize = qOpen
	} else {
		t.netSize = qOpen.Neg()
	}
	t.avgEntryPx = f.Px

	res.Opened = &domain.Lifecycle{
		ID:          newID,
		User:        t.user,
		Coin:        t.coin,
		StartTimeMs: f.TimeMs,
	}
	res.Effects = append(res.Effects, domain.Effect{
		Fingerprint: f.Fingerprint,
		LifecycleID: newID,
		EffectType:  domain.EffectFlipOpen,
		Qty:         qOpen,
		Notional:    f.Px.Mul(qOpen),
		Fee:         feeOpen,
		ClosedPnl:   domain.Zero(),
	})
	res.Snapshots = append(res.Snapshots, t.snapshot(f.TimeMs))
	return nil
}

// snapshot captures the current state, assigning the next seq within
// the fill's millisecond.
func (t *Tracker) snapshot(at domain.TimeMs) domain.Snapshot {
	if at == t.lastSnapTime {
		t.lastSnapSeq++
	} else {
		t.lastSnapTime = at
		t.lastSnapSeq = 0
	}

	var lcID string
	if t.openLCID != nil {
		lcID = *t.openLCID
	}
	return domain.Snapshot{
		User:        t.user,
		Coin:        t.coin,
		TimeMs:      at,
		Seq:         t.lastSnapSeq,
		NetSize:     t.netSize,
		AvgEntryPx:  t.avgEntryPx,
		LifecycleID: lcID,
	}
}

func (t *Tracker) checkConsistent() error {
	hasExposure := !t.netSize.IsZero()
	hasLifecycle := t.openLCID != nil
	if hasExposure != hasLifecycle {
		return fmt.Errorf("%w: %s/%s net_size=%s open_lifecycle=%v",
			ErrEngineCorrupt, t.user, t.coin, t.netSize.Canonical(), hasLifecycle)
	}
	return nil
}

func sameSign(a, b domain.Decimal) bool {
	return a.Sign() == b.Sign()
}

// snapToZero collapses residuals below the size epsilon to an exact
// zero.
func snapToZero(d domain.Decimal) domain.Decimal {
	if d.Abs().Cmp(sizeEpsilon) <= 0 {
		return domain.Zero()
	}
	return d
}
