package domain

import "github.com/google/uuid"

// lifecycleNamespace scopes the deterministic lifecycle id derivation.
var lifecycleNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// TaintReason explains why a lifecycle lost its builder-only standing.
type TaintReason string

const (
	// TaintNonBuilderFill marks a lifecycle touched by a fill positively
	// attributed to a different builder.
	TaintNonBuilderFill TaintReason = "non_builder_fill"
	// TaintNoAttribution marks a lifecycle touched by a fill with no
	// positive attribution at all.
	TaintNoAttribution TaintReason = "no_attribution"
)

// Lifecycle is one position episode: from the fill that opened it to the
// fill that brought net size back to zero. EndTimeMs is nil while open.
type Lifecycle struct {
	ID          string
	User        Address
	Coin        Coin
	StartTimeMs TimeMs
	EndTimeMs   *TimeMs
	IsTainted   bool
	TaintReason *TaintReason
}

// NewLifecycleID derives the lifecycle identity from the fill that opened
// it. The derivation is a pure function of its inputs so recompiles
// reproduce the same ids.
func NewLifecycleID(user Address, coin Coin, openingFingerprint string) string {
	name := user.Lower() + "|" + coin.Upper() + "|" + openingFingerprint
	return uuid.NewSHA1(lifecycleNamespace, []byte(name)).String()
}

// IsOpen reports whether the lifecycle has not yet closed.
func (l *Lifecycle) IsOpen() bool { return l.EndTimeMs == nil }

// Taint marks the lifecycle tainted. The first reason wins; taint never
// clears.
func (l *Lifecycle) Taint(reason TaintReason) {
	if l.IsTainted {
		return
	}
	l.IsTainted = true
	r := reason
	l.TaintReason = &r
}
