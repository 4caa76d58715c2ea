package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tradeledger/internal/domain"
)

// DataSource is the capability set the ingest side consumes. Production
// wires the Hyperliquid client; tests inject the in-memory mock.
// Implementations own their retry and rate-limit behavior; callers see
// only success or failure.
type DataSource interface {
	// FetchFills returns a user's fills in [fromMs, toMs], all coins.
	FetchFills(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) ([]domain.Fill, error)

	// FetchDeposits returns a user's deposits in [fromMs, toMs].
	FetchDeposits(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) ([]domain.Deposit, error)

	// FetchEquityAt returns the user's account value, or nil when the
	// source cannot provide one.
	FetchEquityAt(ctx context.Context, user domain.Address, atMs domain.TimeMs) (*domain.Decimal, error)

	// FetchBuilderLogShard returns the parsed rows of one daily builder
	// fill shard. A missing shard is ErrShardMissing, not an empty slice.
	FetchBuilderLogShard(ctx context.Context, builder domain.Address, yyyymmdd string) ([]domain.BuilderLogRow, error)

	// FetchUserState relays the upstream clearinghouse state verbatim.
	// Serves the risk pass-through endpoint; nothing is stored.
	FetchUserState(ctx context.Context, user domain.Address) (json.RawMessage, error)
}

// ErrShardMissing reports that a builder log shard does not exist
// upstream. Distinct from transport failures: a missing shard is a
// definitive answer and is cached as such.
var ErrShardMissing = errors.New("builder log shard missing")

// ErrorKind classifies datasource failures.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindHTTP        ErrorKind = "http"
	KindParse       ErrorKind = "parse"
	KindRateLimited ErrorKind = "rate_limited"
)

// Error is a classified datasource failure. Status is set for KindHTTP.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("datasource: http %d: %v", e.Status, e.Err)
	default:
		return fmt.Sprintf("datasource: %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func netErr(err error) *Error   { return &Error{Kind: KindNetwork, Err: err} }
func parseErr(err error) *Error { return &Error{Kind: KindParse, Err: err} }

func httpErr(status int) *Error {
	return &Error{Kind: KindHTTP, Status: status, Err: fmt.Errorf("unexpected status")}
}
