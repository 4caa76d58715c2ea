package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Fill is a single executed trade event as received from the exchange.
type Fill struct {
	// Fingerprint is the stable deduplication identity, computed once at
	// construction. The read path preserves the stored value rather than
	// recomputing it.
	Fingerprint string
	User        Address
	Coin        Coin
	TimeMs      TimeMs
	Side        Side
	Px          Decimal
	Sz          Decimal
	Fee         Decimal
	ClosedPnl   Decimal
	BuilderFee  *Decimal
	Tid         *int64
	Oid         *int64
}

// NewFill builds a Fill and derives its fingerprint.
func NewFill(user Address, coin Coin, timeMs TimeMs, side Side, px, sz, fee, closedPnl Decimal, builderFee *Decimal, tid, oid *int64) Fill {
	f := Fill{
		User:       user,
		Coin:       coin,
		TimeMs:     timeMs,
		Side:       side,
		Px:         px,
		Sz:         sz,
		Fee:        fee,
		ClosedPnl:  closedPnl,
		BuilderFee: builderFee,
		Tid:        tid,
		Oid:        oid,
	}
	f.Fingerprint = ComputeFingerprint(&f)
	return f
}

// ComputeFingerprint derives the deterministic identity of a fill.
// Priority: trade id, then order id, then a content hash.
func ComputeFingerprint(f *Fill) string {
	if f.Tid != nil {
		return "tid:" + strconv.FormatInt(*f.Tid, 10)
	}
	if f.Oid != nil {
		return "oid:" + strconv.FormatInt(*f.Oid, 10)
	}

	h := sha256.New()
	// Variable-length fields are length-prefixed so field boundaries
	// cannot collide.
	writeVar := func(s string) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeVar(string(f.User))
	writeVar(string(f.Coin))

	var timeBuf [8]byte
	binary.LittleEndian.PutUint64(timeBuf[:], uint64(f.TimeMs))
	h.Write(timeBuf[:])
	if f.Side == Buy {
		h.Write([]byte{'B'})
	} else {
		h.Write([]byte{'S'})
	}

	writeVar(f.Px.Canonical())
	writeVar(f.Sz.Canonical())
	writeVar(f.Fee.Canonical())
	writeVar(f.ClosedPnl.Canonical())

	sum := h.Sum(nil)
	// 128 bits is plenty for dedup; this is an identifier, not a
	// security hash.
	return "hash:" + hex.EncodeToString(sum[:16])
}

// SignedSize returns +sz for buys and -sz for sells.
func (f *Fill) SignedSize() Decimal {
	if f.Side == Buy {
		return f.Sz
	}
	return f.Sz.Neg()
}
