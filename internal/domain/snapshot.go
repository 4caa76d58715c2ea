package domain

// Snapshot is the position state after applying one effect. Seq breaks
// ties when several snapshots share a timestamp, which happens on flips
// and on same-millisecond fills.
type Snapshot struct {
	User        Address
	Coin        Coin
	TimeMs      TimeMs
	Seq         int64
	NetSize     Decimal
	AvgEntryPx  Decimal
	LifecycleID string
	IsTainted   bool
}

// IsFlat reports whether the snapshot records a closed position.
func (s *Snapshot) IsFlat() bool { return s.NetSize.IsZero() }
