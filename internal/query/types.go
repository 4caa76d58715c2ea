package query

import (
	"fmt"

	"tradeledger/internal/domain"
)

// Params are the shared filters of the per-user read endpoints.
type Params struct {
	User   domain.Address
	Coin   domain.Coin // empty means all coins
	FromMs domain.TimeMs
	ToMs   domain.TimeMs

	// BuilderOnly restricts results to fills whose whole lifecycle is
	// attributed to the target builder.
	BuilderOnly bool
}

// PnlParams adds the capital cap used for return computation.
type PnlParams struct {
	Params

	// MaxStartCapital caps the equity used as the return denominator.
	MaxStartCapital *domain.Decimal
}

// Metric selects what the leaderboard ranks by.
type Metric string

const (
	MetricPnl       Metric = "pnl"
	MetricVolume    Metric = "volume"
	MetricReturnPct Metric = "returnPct"
)

// ParseMetric validates a metric name from the wire.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricPnl, MetricVolume, MetricReturnPct:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("unknown metric %q", s)
	}
}

// LeaderboardParams selects the ranking universe view.
type LeaderboardParams struct {
	Metric          Metric
	Coin            domain.Coin
	FromMs          domain.TimeMs
	ToMs            domain.TimeMs
	BuilderOnly     bool
	MaxStartCapital *domain.Decimal
}

// Trade is one fill as served to clients.
type Trade struct {
	TimeMs    int64          `json:"timeMs"`
	Coin      string         `json:"coin"`
	Side      string         `json:"side"`
	Px        domain.Decimal `json:"px"`
	Sz        domain.Decimal `json:"sz"`
	Fee       domain.Decimal `json:"fee"`
	ClosedPnl domain.Decimal `json:"closedPnl"`
	Builder   *string        `json:"builder,omitempty"`
}

// TradesResponse lists fills; Tainted reports that the builder-only
// filter excluded something.
type TradesResponse struct {
	Trades  []Trade `json:"trades"`
	Tainted bool    `json:"tainted"`
}

// PositionPoint is one position snapshot as served to clients.
type PositionPoint struct {
	TimeMs      int64          `json:"timeMs"`
	Coin        string         `json:"coin"`
	NetSize     domain.Decimal `json:"netSize"`
	AvgEntryPx  domain.Decimal `json:"avgEntryPx"`
	LifecycleID string         `json:"lifecycleId"`
	Tainted     bool           `json:"tainted"`
}

type PositionsResponse struct {
	Snapshots []PositionPoint `json:"snapshots"`
	Tainted   bool            `json:"tainted"`
}

// PnlResponse is the realized-pnl aggregate over a window.
type PnlResponse struct {
	RealizedPnl domain.Decimal `json:"realizedPnl"`
	ReturnPct   domain.Decimal `json:"returnPct"`
	FeesPaid    domain.Decimal `json:"feesPaid"`
	TradeCount  int            `json:"tradeCount"`
	Tainted     bool           `json:"tainted"`
}

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	Rank        int            `json:"rank"`
	User        string         `json:"user"`
	MetricValue domain.Decimal `json:"metricValue"`
	TradeCount  int            `json:"tradeCount"`
	Tainted     bool           `json:"tainted"`
}

// DepositRow is one deposit as served to clients.
type DepositRow struct {
	TimeMs int64          `json:"timeMs"`
	Amount domain.Decimal `json:"amount"`
	TxHash *string        `json:"txHash,omitempty"`
}

type DepositsResponse struct {
	TotalDeposits domain.Decimal `json:"totalDeposits"`
	DepositCount  int            `json:"depositCount"`
	Deposits      []DepositRow   `json:"deposits"`
}
