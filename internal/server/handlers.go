package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
	"tradeledger/internal/engine"
	"tradeledger/internal/observability"
	"tradeledger/internal/query"
)

type handlers struct {
	svc     *query.Service
	ds      datasource.DataSource
	log     zerolog.Logger
	metrics *observability.Metrics
}

func (h *handlers) trades(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	resp, err := h.svc.Trades(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) positionsHistory(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	resp, err := h.svc.PositionsHistory(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) pnl(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	maxCap, err := parseMaxStartCapital(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	resp, err := h.svc.Pnl(r.Context(), query.PnlParams{Params: p, MaxStartCapital: maxCap})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) leaderboard(w http.ResponseWriter, r *http.Request) {
	metric, err := query.ParseMetric(r.URL.Query().Get("metric"))
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	fromMs, toMs, err := parseWindow(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	maxCap, err := parseMaxStartCapital(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	entries, err := h.svc.Leaderboard(r.Context(), query.LeaderboardParams{
		Metric:          metric,
		Coin:            domain.NewCoin(r.URL.Query().Get("coin")),
		FromMs:          fromMs,
		ToMs:            toMs,
		BuilderOnly:     r.URL.Query().Get("builderOnly") == "true",
		MaxStartCapital: maxCap,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) deposits(w http.ResponseWriter, r *http.Request) {
	user, err := parseUser(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	fromMs, toMs, err := parseWindow(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	resp, err := h.svc.Deposits(r.Context(), user, fromMs, toMs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// risk relays the upstream clearinghouse state verbatim; nothing is
// stored or interpreted.
func (h *handlers) risk(w http.ResponseWriter, r *http.Request) {
	user, err := parseUser(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	raw, err := h.ds.FetchUserState(r.Context(), user)
	if err != nil {
		h.errorStatus(w, r, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// --- parameter parsing ---

func parseUser(r *http.Request) (domain.Address, error) {
	raw := r.URL.Query().Get("user")
	if raw == "" {
		return "", fmt.Errorf("user is required")
	}
	if err := domain.ValidateAddress(raw); err != nil {
		return "", fmt.Errorf("user: %w", err)
	}
	return domain.NewAddress(raw), nil
}

func parseWindow(r *http.Request) (domain.TimeMs, domain.TimeMs, error) {
	fromMs := domain.NewTimeMs(0)
	toMs := domain.NowMs()

	if raw := r.URL.Query().Get("fromMs"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("fromMs: not an integer")
		}
		fromMs = domain.NewTimeMs(v)
	}
	if raw := r.URL.Query().Get("toMs"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("toMs: not an integer")
		}
		toMs = domain.NewTimeMs(v)
	}
	if fromMs > toMs {
		return 0, 0, fmt.Errorf("fromMs must not exceed toMs")
	}
	return fromMs, toMs, nil
}

func parseParams(r *http.Request) (query.Params, error) {
	user, err := parseUser(r)
	if err != nil {
		return query.Params{}, err
	}
	fromMs, toMs, err := parseWindow(r)
	if err != nil {
		return query.Params{}, err
	}
	return query.Params{
		User:        user,
		Coin:        domain.NewCoin(r.URL.Query().Get("coin")),
		FromMs:      fromMs,
		ToMs:        toMs,
		BuilderOnly: r.URL.Query().Get("builderOnly") == "true",
	}, nil
}

func parseMaxStartCapital(r *http.Request) (*domain.Decimal, error) {
	raw := r.URL.Query().Get("maxStartCapital")
	if raw == "" {
		return nil, nil
	}
	d, err := domain.ParseDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("maxStartCapital: %w", err)
	}
	return &d, nil
}

// --- responses ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handlers) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.errorStatus(w, r, http.StatusBadRequest, err)
}

// fail maps pipeline errors onto HTTP statuses: upstream failures are
// 502, everything else is 500.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var dsErr *datasource.Error
	switch {
	case errors.As(err, &dsErr), errors.Is(err, datasource.ErrShardMissing):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrEngineCorrupt):
		status = http.StatusInternalServerError
	}
	h.errorStatus(w, r, status, err)
}

func (h *handlers) errorStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.metrics.QueryErrors.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
	if status >= 500 {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
