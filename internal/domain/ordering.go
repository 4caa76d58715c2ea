package domain

import "sort"

// OrderingKey is the total order over fills:
// (time_ms ASC, tid ASC nulls-last, oid ASC nulls-last, fingerprint ASC).
// time_ms gives semantic order; tid and oid disambiguate same-millisecond
// fills from the same exchange session; the fingerprint is the final
// stable tiebreak.
type OrderingKey struct {
	TimeMs      TimeMs
	Tid         *int64
	Oid         *int64
	Fingerprint string
}

// KeyOf builds the ordering key for a fill.
func KeyOf(f *Fill) OrderingKey {
	return OrderingKey{TimeMs: f.TimeMs, Tid: f.Tid, Oid: f.Oid, Fingerprint: f.Fingerprint}
}

// Less reports whether k orders strictly before other.
func (k OrderingKey) Less(other OrderingKey) bool {
	if k.TimeMs != other.TimeMs {
		return k.TimeMs < other.TimeMs
	}
	if c := compareNullable(k.Tid, other.Tid); c != 0 {
		return c < 0
	}
	if c := compareNullable(k.Oid, other.Oid); c != 0 {
		return c < 0
	}
	return k.Fingerprint < other.Fingerprint
}

// compareNullable orders present values ascending, with nil sorting last.
func compareNullable(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

// SortFillsDeterministic sorts fills into their unique total order.
func SortFillsDeterministic(fills []Fill) {
	sort.Slice(fills, func(i, j int) bool {
		return KeyOf(&fills[i]).Less(KeyOf(&fills[j]))
	})
}
