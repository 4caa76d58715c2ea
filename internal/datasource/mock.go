package datasource

import (
	"context"
	"encoding/json"
	"sync"

	"tradeledger/internal/domain"
)

// Mock is a deterministic in-memory datasource for tests. Populate it
// with the Add helpers, then hand it to the ingest layer.
type Mock struct {
	mu sync.Mutex

	fills    map[string][]domain.Fill    // by lowercase user
	deposits map[string][]domain.Deposit // by lowercase user
	equity   map[string]domain.Decimal   // by lowercase user
	shards   map[string][]domain.BuilderLogRow

	// ShardErr, when set, fails every shard fetch. Simulates the log
	// feed being down so auto mode falls back to the heuristic.
	ShardErr error

	// FillsErr, when set, fails every fill fetch.
	FillsErr error

	UserState json.RawMessage

	FillCalls  int
	ShardCalls int
}

func NewMock() *Mock {
	return &Mock{
		fills:    make(map[string][]domain.Fill),
		deposits: make(map[string][]domain.Deposit),
		equity:   make(map[string]domain.Decimal),
		shards:   make(map[string][]domain.BuilderLogRow),
	}
}

func shardKey(builder domain.Address, day string) string {
	return builder.Lower() + "/" + day
}

func (m *Mock) AddFills(user domain.Address, fills ...domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills[user.Lower()] = append(m.fills[user.Lower()], fills...)
}

func (m *Mock) AddDeposits(user domain.Address, deposits ...domain.Deposit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[user.Lower()] = append(m.deposits[user.Lower()], deposits...)
}

func (m *Mock) SetEquity(user domain.Address, equity domain.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity[user.Lower()] = equity
}

func (m *Mock) AddShard(builder domain.Address, day string, rows ...domain.BuilderLogRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[shardKey(builder, day)] = append(m.shards[shardKey(builder, day)], rows...)
}

func (m *Mock) FetchFills(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) ([]domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FillCalls++
	if m.FillsErr != nil {
		return nil, m.FillsErr
	}
	var out []domain.Fill
	for _, f := range m.fills[user.Lower()] {
		if f.TimeMs >= fromMs && f.TimeMs <= toMs {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Mock) FetchDeposits(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) ([]domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deposit
	for _, d := range m.deposits[user.Lower()] {
		if d.TimeMs >= fromMs && d.TimeMs <= toMs {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Mock) FetchEquityAt(ctx context.Context, user domain.Address, atMs domain.TimeMs) (*domain.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eq, ok := m.equity[user.Lower()]; ok {
		return &eq, nil
	}
	return nil, nil
}

func (m *Mock) FetchBuilderLogShard(ctx context.Context, builder domain.Address, yyyymmdd string) ([]domain.BuilderLogRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShardCalls++
	if m.ShardErr != nil {
		return nil, m.ShardErr
	}
	rows, ok := m.shards[shardKey(builder, yyyymmdd)]
	if !ok {
		return nil, ErrShardMissing
	}
	return rows, nil
}

func (m *Mock) FetchUserState(ctx context.Context, user domain.Address) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UserState != nil {
		return m.UserState, nil
	}
	return json.RawMessage(`{}`), nil
}
