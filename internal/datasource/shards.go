package datasource

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"

	"tradeledger/internal/domain"
)

// shardHeader is the published column order of builder fill shards.
var shardHeader = []string{
	"time", "user", "coin", "side", "px", "sz", "crossed", "special_trade_type",
	"tif", "is_trigger", "counterparty", "closed_pnl", "twap_id", "builder_fee",
}

// FetchBuilderLogShard downloads and parses one daily builder fill
// shard. 404 means the shard does not exist (ErrShardMissing); bad rows
// are skipped, a bad header fails the whole shard.
func (h *Hyperliquid) FetchBuilderLogShard(ctx context.Context, builder domain.Address, yyyymmdd string) ([]domain.BuilderLogRow, error) {
	url := fmt.Sprintf("%s/builder_fills/%s/%s.csv.lz4", h.baseURL, builder.Lower(), yyyymmdd)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, netErr(err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if h.metrics != nil {
			h.metrics.ShardFetches.WithLabelValues("error").Inc()
		}
		return nil, netErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if h.metrics != nil {
			h.metrics.ShardFetches.WithLabelValues("missing").Inc()
		}
		return nil, ErrShardMissing
	case resp.StatusCode != http.StatusOK:
		if h.metrics != nil {
			h.metrics.ShardFetches.WithLabelValues("error").Inc()
		}
		return nil, httpErr(resp.StatusCode)
	}

	rows, skipped, err := ParseShardCSV(lz4.NewReader(resp.Body))
	if err != nil {
		if h.metrics != nil {
			h.metrics.ShardFetches.WithLabelValues("parse_error").Inc()
		}
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.ShardFetches.WithLabelValues("ok").Inc()
		h.metrics.ShardRowsParsed.Add(float64(len(rows)))
	}
	if skipped > 0 {
		h.log.Warn().Str("builder", builder.Lower()).Str("day", yyyymmdd).
			Int("skipped", skipped).Msg("shard rows skipped on parse errors")
	}
	return rows, nil
}

// ParseShardCSV parses a decompressed builder fill shard. The header is
// validated by column name; malformed data rows are counted and skipped
// so one bad row never poisons the day.
func ParseShardCSV(r io.Reader) (rows []domain.BuilderLogRow, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, parseErr(fmt.Errorf("shard header: %w", err))
	}
	cols, err := shardColumnIndex(header)
	if err != nil {
		return nil, 0, err
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		row, err := parseShardRecord(record, cols)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

// shardColumnIndex maps known column names to their positions. Columns
// may gain trailing additions upstream; the required ones must exist.
func shardColumnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range shardHeader[:6] {
		if _, ok := cols[required]; !ok {
			return nil, parseErr(fmt.Errorf("shard header missing column %q", required))
		}
	}
	return cols, nil
}

func parseShardRecord(record []string, cols map[string]int) (domain.BuilderLogRow, error) {
	get := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	timeMs, err := strconv.ParseInt(get("time"), 10, 64)
	if err != nil {
		return domain.BuilderLogRow{}, fmt.Errorf("time: %w", err)
	}
	side, err := domain.ParseSide(get("side"))
	if err != nil {
		return domain.BuilderLogRow{}, err
	}
	px, err := domain.ParseDecimal(get("px"))
	if err != nil {
		return domain.BuilderLogRow{}, fmt.Errorf("px: %w", err)
	}
	sz, err := domain.ParseDecimal(get("sz"))
	if err != nil {
		return domain.BuilderLogRow{}, fmt.Errorf("sz: %w", err)
	}

	row := domain.BuilderLogRow{
		TimeMs:           domain.NewTimeMs(timeMs),
		User:             domain.NewAddress(get("user")),
		Coin:             domain.NewCoin(get("coin")),
		Side:             side,
		Px:               px,
		Sz:               sz,
		Crossed:          get("crossed") == "true",
		SpecialTradeType: get("special_trade_type"),
		Tif:              get("tif"),
		IsTrigger:        get("is_trigger") == "true",
		Counterparty:     get("counterparty"),
	}

	if s := get("closed_pnl"); s != "" {
		pnl, err := domain.ParseDecimal(s)
		if err != nil {
			return domain.BuilderLogRow{}, fmt.Errorf("closed_pnl: %w", err)
		}
		row.ClosedPnl = pnl
	}
	if s := get("twap_id"); s != "" {
		row.TwapID = &s
	}
	if s := get("builder_fee"); s != "" {
		bf, err := domain.ParseDecimal(s)
		if err != nil {
			return domain.BuilderLogRow{}, fmt.Errorf("builder_fee: %w", err)
		}
		row.BuilderFee = &bf
	}
	return row, nil
}
