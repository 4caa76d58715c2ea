package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Deposit is a ledger update that moved collateral into an account.
type Deposit struct {
	// EventKey is the stable deduplication identity.
	EventKey string
	User     Address
	TimeMs   TimeMs
	Amount   Decimal
	TxHash   *string
}

// NewDeposit builds a Deposit and derives its event key.
func NewDeposit(user Address, timeMs TimeMs, amount Decimal, txHash *string) Deposit {
	d := Deposit{User: user, TimeMs: timeMs, Amount: amount, TxHash: txHash}
	d.EventKey = ComputeDepositKey(&d)
	return d
}

// ComputeDepositKey derives the deterministic identity of a deposit.
// The transaction hash identifies it when present; otherwise the key is
// a content hash of user, time, and amount.
func ComputeDepositKey(d *Deposit) string {
	if d.TxHash != nil && *d.TxHash != "" {
		return "tx:" + *d.TxHash
	}
	h := sha256.New()
	writeVar := func(s string) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeVar(string(d.User))
	var timeBuf [8]byte
	binary.LittleEndian.PutUint64(timeBuf[:], uint64(d.TimeMs))
	h.Write(timeBuf[:])
	writeVar(d.Amount.Canonical())
	sum := h.Sum(nil)
	return "hash:" + hex.EncodeToString(sum[:16])
}

// EquitySource records how an equity snapshot was obtained.
type EquitySource string

const (
	// EquityLive came straight from the exchange clearinghouse state.
	EquityLive EquitySource = "live"
	// EquityDerived was reconstructed as deposits plus realized pnl up to
	// the snapshot time.
	EquityDerived EquitySource = "derived"
)

// EquitySnapshot is the account value of a user at a point in time.
type EquitySnapshot struct {
	User   Address
	TimeMs TimeMs
	Equity Decimal
	Source EquitySource
}
