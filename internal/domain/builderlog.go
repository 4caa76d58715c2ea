package domain

// BuilderLogRow is one row of a builder fill shard. Shards are daily CSV
// files published per builder; rows carry the builder's own view of each
// fill it routed.
type BuilderLogRow struct {
	TimeMs           TimeMs
	User             Address
	Coin             Coin
	Side             Side
	Px               Decimal
	Sz               Decimal
	Crossed          bool
	SpecialTradeType string
	Tif              string
	IsTrigger        bool
	Counterparty     string
	ClosedPnl        Decimal
	TwapID           *string
	BuilderFee       *Decimal
}
