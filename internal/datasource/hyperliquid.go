package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"tradeledger/internal/domain"
	"tradeledger/internal/observability"
)

// Hyperliquid reads fills, ledger updates, and account state from the
// public Info API. Transient failures (network, 429, 5xx) are retried
// with exponential backoff; other 4xx responses fail immediately.
type Hyperliquid struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics

	maxElapsed time.Duration
}

func NewHyperliquid(baseURL string, log zerolog.Logger, metrics *observability.Metrics) *Hyperliquid {
	return &Hyperliquid{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		log:        log,
		metrics:    metrics,
		maxElapsed: 30 * time.Second,
	}
}

// postInfo sends one Info API request, retrying transient failures.
func (h *Hyperliquid) postInfo(ctx context.Context, operation string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, parseErr(err)
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(h.maxElapsed),
	), ctx)

	start := time.Now()
	var out []byte
	attempt := 0
	err = backoff.Retry(func() error {
		if attempt > 0 && h.metrics != nil {
			h.metrics.UpstreamRetries.Inc()
		}
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/info", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(netErr(err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return netErr(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Status: resp.StatusCode, Err: fmt.Errorf("rate limited")}
		case resp.StatusCode >= 500:
			return httpErr(resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(httpErr(resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return netErr(err)
		}
		out = data
		return nil
	}, policy)

	if h.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		h.metrics.UpstreamRequests.WithLabelValues(operation, status).Inc()
		h.metrics.UpstreamDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// wireFill is the Info API's userFillsByTime row. Decimals arrive as
// strings and stay strings until parsed losslessly.
type wireFill struct {
	Coin       string  `json:"coin"`
	Px         string  `json:"px"`
	Sz         string  `json:"sz"`
	Side       string  `json:"side"`
	Time       int64   `json:"time"`
	Fee        string  `json:"fee"`
	ClosedPnl  string  `json:"closedPnl"`
	BuilderFee *string `json:"builderFee,omitempty"`
	Tid        *int64  `json:"tid,omitempty"`
	Oid        *int64  `json:"oid,omitempty"`
}

// FetchFills returns the user's fills in [fromMs, toMs]. Rows that fail
// to parse are skipped and logged, never fatal for the window.
func (h *Hyperliquid) FetchFills(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) ([]domain.Fill, error) {
	payload := map[string]interface{}{
		"type":            "userFillsByTime",
		"user":            user.String(),
		"startTime":       fromMs.Int64(),
		"endTime":         toMs.Int64(),
		"aggregateByTime": false,
	}
	data, err := h.postInfo(ctx, "fills", payload)
	if err != nil {
		return nil, err
	}

	var rows []wireFill
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, parseErr(fmt.Errorf("fills response: %w", err))
	}

	fills := make([]domain.Fill, 0, len(rows))
	for i := range rows {
		f, err := parseWireFill(user, &rows[i])
		if err != nil {
			h.log.Warn().Err(err).Str("user", user.Lower()).Int("row", i).Msg("skipping unparseable fill")
			continue
		}
		fills = append(fills, f)
	}
	return fills, nil
}

func parseWireFill(user domain.Address, w *wireFill) (domain.Fill, error) {
	side, err := domain.ParseSide(w.Side)
	if err != nil {
		return domain.Fill{}, err
	}
	px, err := domain.ParseDecimal(w.Px)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("px: %w", err)
	}
	sz, err := domain.ParseDecimal(w.Sz)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("sz: %w", err)
	}
	fee, err := domain.ParseDecimal(w.Fee)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fee: %w", err)
	}
	pnl, err := domain.ParseDecimal(w.ClosedPnl)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("closedPnl: %w", err)
	}

	var builderFee *domain.Decimal
	if w.BuilderFee != nil {
		bf, err := domain.ParseDecimal(*w.BuilderFee)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("builderFee: %w", err)
		}
		builderFee = &bf
	}

	return domain.NewFill(user, domain.NewCoin(w.Coin), domain.NewTimeMs(w.Time),
		side, px, sz, fee, pnl, builderFee, w.Tid, w.Oid), nil
}

// wireLedgerUpdate is one userNonFundingLedgerUpdates entry. Only
// delta.type == "deposit" rows become deposits.
type wireLedgerUpdate struct {
	Time  int64   `json:"time"`
	Hash  *string `json:"hash,omitempty"`
	Delta struct {
		Type string `json:"type"`
		Usdc string `json:"usdc"`
	} `json:"delta"`
}

// FetchDeposits returns the user's deposits in [fromMs, toMs].
func (h *Hyperliquid) FetchDeposits(ctx context.Context, user domain.Address, fromMs, toMs domain.TimeMs) ([]domain.Deposit, error) {
	payload := map[string]interface{}{
		"type":      "userNonFundingLedgerUpdates",
		"user":      user.String(),
		"startTime": fromMs.Int64(),
		"endTime":   toMs.Int64(),
	}
	data, err := h.postInfo(ctx, "deposits", payload)
	if err != nil {
		return nil, err
	}

	var rows []wireLedgerUpdate
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, parseErr(fmt.Errorf("ledger updates response: %w", err))
	}

	var deposits []domain.Deposit
	for i := range rows {
		row := &rows[i]
		if row.Delta.Type != "deposit" {
			continue
		}
		amount, err := domain.ParseDecimal(row.Delta.Usdc)
		if err != nil {
			h.log.Warn().Err(err).Str("user", user.Lower()).Int("row", i).Msg("skipping unparseable deposit")
			continue
		}
		deposits = append(deposits, domain.NewDeposit(user, domain.NewTimeMs(row.Time), amount, row.Hash))
	}
	return deposits, nil
}

// FetchEquityAt returns the account's current value. The Info API has
// no historical state query; atMs is accepted for interface symmetry
// and the caller persists the answer against it.
func (h *Hyperliquid) FetchEquityAt(ctx context.Context, user domain.Address, atMs domain.TimeMs) (*domain.Decimal, error) {
	data, err := h.FetchUserState(ctx, user)
	if err != nil {
		return nil, err
	}

	var state struct {
		MarginSummary struct {
			AccountValue string `json:"accountValue"`
		} `json:"marginSummary"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, parseErr(fmt.Errorf("clearinghouse state: %w", err))
	}
	if state.MarginSummary.AccountValue == "" {
		return nil, nil
	}
	equity, err := domain.ParseDecimal(state.MarginSummary.AccountValue)
	if err != nil {
		return nil, parseErr(fmt.Errorf("accountValue: %w", err))
	}
	return &equity, nil
}

// FetchUserState relays the raw clearinghouse state for the risk
// pass-through endpoint.
func (h *Hyperliquid) FetchUserState(ctx context.Context, user domain.Address) (json.RawMessage, error) {
	payload := map[string]interface{}{
		"type": "clearinghouseState",
		"user": user.String(),
	}
	data, err := h.postInfo(ctx, "user_state", payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
