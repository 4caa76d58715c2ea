package domain

// EffectType classifies how a fill acted on a position lifecycle.
type EffectType string

const (
	// EffectOpen covers fills that open or grow a position, including the
	// opening half of same-direction adjustments.
	EffectOpen EffectType = "open"
	// EffectClose covers fills that shrink or fully close a position.
	EffectClose EffectType = "close"
	// EffectFlipClose is the closing leg of a direction flip.
	EffectFlipClose EffectType = "flip_close"
	// EffectFlipOpen is the opening leg of a direction flip.
	EffectFlipOpen EffectType = "flip_open"
)

// Effect is one leg of a fill's action on a lifecycle. A plain fill
// produces one effect; a flip produces a flip_close and a flip_open
// carrying exact pro-rated fee shares.
type Effect struct {
	Fingerprint string
	LifecycleID string
	EffectType  EffectType
	Qty         Decimal
	Notional    Decimal
	Fee         Decimal
	ClosedPnl   Decimal
}

// IsOpening reports whether the effect adds exposure to its lifecycle.
func (t EffectType) IsOpening() bool {
	return t == EffectOpen || t == EffectFlipOpen
}

// IsClosing reports whether the effect removes exposure from its lifecycle.
func (t EffectType) IsClosing() bool {
	return t == EffectClose || t == EffectFlipClose
}
