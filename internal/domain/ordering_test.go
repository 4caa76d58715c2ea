package domain_test

import (
	"testing"

	"tradeledger/internal/domain"
)

// ============================================================================
// Test: OrderingKey.Less
// ============================================================================

func TestOrderingKey_TimeFirst(t *testing.T) {
	a := domain.OrderingKey{TimeMs: 1, Fingerprint: "z"}
	b := domain.OrderingKey{TimeMs: 2, Fingerprint: "a"}
	if !a.Less(b) || b.Less(a) {
		t.Error("earlier time must order first regardless of fingerprint")
	}
}

func TestOrderingKey_TidBreaksTies(t *testing.T) {
	a := domain.OrderingKey{TimeMs: 1, Tid: i64(5)}
	b := domain.OrderingKey{TimeMs: 1, Tid: i64(9)}
	if !a.Less(b) {
		t.Error("lower tid must order first")
	}
}

func TestOrderingKey_NilTidSortsLast(t *testing.T) {
	withTid := domain.OrderingKey{TimeMs: 1, Tid: i64(999)}
	noTid := domain.OrderingKey{TimeMs: 1}
	if !withTid.Less(noTid) {
		t.Error("present tid must order before nil tid")
	}
	if noTid.Less(withTid) {
		t.Error("nil tid must not order before present tid")
	}
}

func TestOrderingKey_OidAfterTid(t *testing.T) {
	a := domain.OrderingKey{TimeMs: 1, Tid: i64(5), Oid: i64(1)}
	b := domain.OrderingKey{TimeMs: 1, Tid: i64(5), Oid: i64(2)}
	if !a.Less(b) {
		t.Error("with equal tids, lower oid must order first")
	}
}

func TestOrderingKey_FingerprintFinalTiebreak(t *testing.T) {
	a := domain.OrderingKey{TimeMs: 1, Fingerprint: "hash:aa"}
	b := domain.OrderingKey{TimeMs: 1, Fingerprint: "hash:bb"}
	if !a.Less(b) {
		t.Error("lexicographically lower fingerprint must order first")
	}
	if a.Less(a) {
		t.Error("a key must not order before itself")
	}
}

// ============================================================================
// Test: SortFillsDeterministic
// ============================================================================

func TestSortFillsDeterministic(t *testing.T) {
	mk := func(ms int64, tid *int64) domain.Fill {
		return domain.NewFill(
			domain.NewAddress("0xabc"), domain.NewCoin("ETH"),
			domain.NewTimeMs(ms), domain.Buy,
			domain.MustDecimal("10"), domain.MustDecimal("1"),
			domain.Zero(), domain.Zero(), nil, tid, nil,
		)
	}

	fills := []domain.Fill{
		mk(200, i64(1)),
		mk(100, nil),
		mk(100, i64(7)),
		mk(100, i64(3)),
	}
	domain.SortFillsDeterministic(fills)

	if fills[0].Fingerprint != "tid:3" || fills[1].Fingerprint != "tid:7" {
		t.Errorf("same-ms fills out of order: %q, %q", fills[0].Fingerprint, fills[1].Fingerprint)
	}
	if fills[2].Tid != nil {
		t.Error("nil-tid fill must sort after present tids in its millisecond")
	}
	if fills[3].Fingerprint != "tid:1" {
		t.Errorf("latest fill must sort last, got %q", fills[3].Fingerprint)
	}
}
