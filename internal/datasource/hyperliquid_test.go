package datasource_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"

	"tradeledger/internal/datasource"
	"tradeledger/internal/domain"
)

var testUser = domain.NewAddress("0xabc")

func newClient(t *testing.T, handler http.Handler) *datasource.Hyperliquid {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return datasource.NewHyperliquid(srv.URL, zerolog.Nop(), nil)
}

// infoHandler dispatches on the request's "type" field and records it.
func infoHandler(t *testing.T, respond func(w http.ResponseWriter, req map[string]interface{})) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		respond(w, req)
	})
}

// ============================================================================
// Test: fills wire parsing
// ============================================================================

func TestHyperliquid_FetchFills(t *testing.T) {
	h := newClient(t, infoHandler(t, func(w http.ResponseWriter, req map[string]interface{}) {
		if req["type"] != "userFillsByTime" {
			t.Errorf("request type = %v", req["type"])
		}
		if req["user"] != testUser.String() {
			t.Errorf("request user = %v", req["user"])
		}
		w.Write([]byte(`[
			{"coin":"BTC","px":"50000.5","sz":"0.1","side":"A","time":1000,"fee":"0.2","closedPnl":"0","builderFee":"0.05","tid":42},
			{"coin":"ETH","px":"3000","sz":"2","side":"B","time":2000,"fee":"0.1","closedPnl":"-5","oid":7},
			{"coin":"ETH","px":"garbage","sz":"1","side":"B","time":3000,"fee":"0","closedPnl":"0"}
		]`))
	}))

	fills, err := h.FetchFills(context.Background(), testUser, 0, 10_000)
	if err != nil {
		t.Fatalf("FetchFills: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2 (bad px row skipped)", len(fills))
	}

	buy := fills[0]
	if buy.Side != domain.Buy {
		t.Errorf("wire side A must parse as buy, got %s", buy.Side)
	}
	if buy.Fingerprint != "tid:42" {
		t.Errorf("fingerprint = %s, want tid:42", buy.Fingerprint)
	}
	if buy.BuilderFee == nil || buy.BuilderFee.Canonical() != "0.05" {
		t.Errorf("builder fee = %v, want 0.05", buy.BuilderFee)
	}

	sell := fills[1]
	if sell.Side != domain.Sell {
		t.Errorf("wire side B must parse as sell, got %s", sell.Side)
	}
	if sell.Fingerprint != "oid:7" {
		t.Errorf("fingerprint = %s, want oid:7", sell.Fingerprint)
	}
	if got := sell.ClosedPnl.Canonical(); got != "-5" {
		t.Errorf("closed pnl = %s, want -5", got)
	}
}

// ============================================================================
// Test: retry behavior
// ============================================================================

func TestHyperliquid_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	h := newClient(t, infoHandler(t, func(w http.ResponseWriter, req map[string]interface{}) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[]`))
	}))

	fills, err := h.FetchFills(context.Background(), testUser, 0, 1000)
	if err != nil {
		t.Fatalf("FetchFills after retry: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("fills = %d, want 0", len(fills))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestHyperliquid_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	h := newClient(t, infoHandler(t, func(w http.ResponseWriter, req map[string]interface{}) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	_, err := h.FetchFills(context.Background(), testUser, 0, 1000)
	if err == nil {
		t.Fatal("422 must fail the fetch")
	}
	var dsErr *datasource.Error
	if !errors.As(err, &dsErr) || dsErr.Kind != datasource.KindHTTP || dsErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("error = %v, want classified http 422", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on 4xx)", got)
	}
}

// ============================================================================
// Test: deposits filter ledger updates
// ============================================================================

func TestHyperliquid_FetchDepositsFiltersLedgerTypes(t *testing.T) {
	h := newClient(t, infoHandler(t, func(w http.ResponseWriter, req map[string]interface{}) {
		if req["type"] != "userNonFundingLedgerUpdates" {
			t.Errorf("request type = %v", req["type"])
		}
		w.Write([]byte(`[
			{"time":1000,"hash":"0xaa","delta":{"type":"deposit","usdc":"100"}},
			{"time":2000,"delta":{"type":"withdraw","usdc":"40"}},
			{"time":3000,"delta":{"type":"deposit","usdc":"25.5"}}
		]`))
	}))

	deposits, err := h.FetchDeposits(context.Background(), testUser, 0, 10_000)
	if err != nil {
		t.Fatalf("FetchDeposits: %v", err)
	}
	if len(deposits) != 2 {
		t.Fatalf("deposits = %d, want 2 (withdraw dropped)", len(deposits))
	}
	if got := deposits[0].Amount.Canonical(); got != "100" {
		t.Errorf("amount = %s, want 100", got)
	}
	if deposits[0].TxHash == nil || *deposits[0].TxHash != "0xaa" {
		t.Errorf("tx hash = %v, want 0xaa", deposits[0].TxHash)
	}
	if deposits[1].TxHash != nil {
		t.Error("missing hash must stay nil")
	}
}

// ============================================================================
// Test: equity from clearinghouse state
// ============================================================================

func TestHyperliquid_FetchEquityAt(t *testing.T) {
	h := newClient(t, infoHandler(t, func(w http.ResponseWriter, req map[string]interface{}) {
		if req["type"] != "clearinghouseState" {
			t.Errorf("request type = %v", req["type"])
		}
		w.Write([]byte(`{"marginSummary":{"accountValue":"1234.56"}}`))
	}))

	eq, err := h.FetchEquityAt(context.Background(), testUser, domain.NowMs())
	if err != nil {
		t.Fatalf("FetchEquityAt: %v", err)
	}
	if eq == nil || eq.Canonical() != "1234.56" {
		t.Errorf("equity = %v, want 1234.56", eq)
	}
}

func TestHyperliquid_FetchEquityAtMissingValue(t *testing.T) {
	h := newClient(t, infoHandler(t, func(w http.ResponseWriter, req map[string]interface{}) {
		w.Write([]byte(`{"marginSummary":{}}`))
	}))

	eq, err := h.FetchEquityAt(context.Background(), testUser, domain.NowMs())
	if err != nil {
		t.Fatalf("FetchEquityAt: %v", err)
	}
	if eq != nil {
		t.Errorf("equity = %v, want nil when upstream omits it", eq)
	}
}

// ============================================================================
// Test: raw state pass-through
// ============================================================================

func TestHyperliquid_FetchUserStateRelaysBody(t *testing.T) {
	raw := `{"marginSummary":{"accountValue":"10"},"assetPositions":[]}`
	h := newClient(t, infoHandler(t, func(w http.ResponseWriter, req map[string]interface{}) {
		w.Write([]byte(raw))
	}))

	body, err := h.FetchUserState(context.Background(), testUser)
	if err != nil {
		t.Fatalf("FetchUserState: %v", err)
	}
	if string(body) != raw {
		t.Errorf("body = %s, want verbatim upstream payload", body)
	}
}

// ============================================================================
// Test: shard download
// ============================================================================

func lz4Compress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}
	return buf.Bytes()
}

func TestHyperliquid_FetchBuilderLogShard(t *testing.T) {
	builder := domain.NewAddress("0xb1")
	csv := shardCSVHeader + "\n" +
		"1000,0xabc,BTC,buy,100,1,false,,,false,,0,,0.01\n"

	h := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/builder_fills/0xb1/20240101.csv.lz4"
		if r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(lz4Compress(t, csv))
	}))

	rows, err := h.FetchBuilderLogShard(context.Background(), builder, "20240101")
	if err != nil {
		t.Fatalf("FetchBuilderLogShard: %v", err)
	}
	if len(rows) != 1 || rows[0].Coin.Upper() != "BTC" {
		t.Fatalf("rows = %+v, want one BTC row", rows)
	}
}

func TestHyperliquid_ShardNotFoundIsMissing(t *testing.T) {
	h := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := h.FetchBuilderLogShard(context.Background(), domain.NewAddress("0xb1"), "20240101")
	if !errors.Is(err, datasource.ErrShardMissing) {
		t.Fatalf("err = %v, want ErrShardMissing", err)
	}
}
