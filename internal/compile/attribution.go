package compile

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"tradeledger/internal/config"
	"tradeledger/internal/domain"
	"tradeledger/internal/engine"
	"tradeledger/internal/observability"
)

// attributor decides, per fill, whether it is credited to the target
// builder. Every fill in a batch gets a verdict, negative ones
// included.
type attributor struct {
	mode    config.AttributionMode
	target  domain.Address
	matcher *engine.LogsMatcher
	shards  *shardProvider
	log     zerolog.Logger
	metrics *observability.Metrics
}

func newAttributor(mode config.AttributionMode, target domain.Address, shards *shardProvider, log zerolog.Logger, m *observability.Metrics) *attributor {
	return &attributor{
		mode:    mode,
		target:  target,
		matcher: engine.NewLogsMatcher(target),
		shards:  shards,
		log:     log,
		metrics: m,
	}
}

// attribute produces an attribution for every fill, keyed by
// fingerprint. Log-backed modes load each UTC day's shard once per
// batch.
func (a *attributor) attribute(ctx context.Context, fills []domain.Fill) (map[string]domain.Attribution, error) {
	out := make(map[string]domain.Attribution, len(fills))

	dayRows := make(map[string][]domain.BuilderLogRow)
	dayOK := make(map[string]bool)
	shardFor := func(day string) ([]domain.BuilderLogRow, bool, error) {
		if ok, seen := dayOK[day]; seen {
			return dayRows[day], ok, nil
		}
		logRows, ok, err := a.shards.rows(ctx, a.target, day)
		if err != nil {
			return nil, false, err
		}
		dayRows[day], dayOK[day] = logRows, ok
		return logRows, ok, nil
	}

	for i := range fills {
		f := &fills[i]

		var attr domain.Attribution
		switch a.mode {
		case config.AttributionHeuristic:
			attr = domain.HeuristicAttribution(f.Fingerprint, f.BuilderFee, a.target)

		case config.AttributionLogs:
			logRows, ok, err := shardFor(f.TimeMs.UTCDay())
			if err != nil {
				return nil, err
			}
			if !ok {
				a.log.Warn().Str("fingerprint", f.Fingerprint).Str("day", f.TimeMs.UTCDay()).
					Msg("shard unavailable, recording negative attribution")
				attr = domain.LogsAttribution(f.Fingerprint, false, domain.ConfidenceLow, nil)
			} else {
				attr = a.matcher.Match(f, logRows)
			}

		case config.AttributionAuto:
			logRows, ok, err := shardFor(f.TimeMs.UTCDay())
			if err != nil {
				return nil, err
			}
			if ok {
				attr = a.matcher.Match(f, logRows)
			} else {
				a.metrics.ShardFallbacks.Inc()
				attr = domain.HeuristicAttribution(f.Fingerprint, f.BuilderFee, a.target)
			}
		}

		a.metrics.AttributionOutcomes.WithLabelValues(
			string(attr.Mode), strconv.FormatBool(attr.Attributed), string(attr.Confidence),
		).Inc()
		out[f.Fingerprint] = attr
	}
	return out, nil
}
