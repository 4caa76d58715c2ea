package engine

import (
	"tradeledger/internal/domain"
)

// Matching tolerances. Builder logs carry the builder's own clock and
// rounding, so equality is fuzzy on time, price, and size.
var (
	matchTimeToleranceMs = int64(1000)
	matchPxTolerance     = domain.MustDecimal("0.000001")
	matchSzTolerance     = domain.MustDecimal("0.000001")
)

// LogsMatcher attributes fills by matching them against a builder's
// fill log rows.
type LogsMatcher struct {
	target domain.Address
}

func NewLogsMatcher(target domain.Address) *LogsMatcher {
	return &LogsMatcher{target: target}
}

// Match attributes one fill against candidate log rows. Exactly one
// candidate gives a fuzzy attribution; several give a low-confidence
// attribution to the closest candidate; none gives a negative verdict.
func (m *LogsMatcher) Match(f *domain.Fill, rows []domain.BuilderLogRow) domain.Attribution {
	var candidates []matchDelta
	for i := range rows {
		if d, ok := m.delta(f, &rows[i]); ok {
			candidates = append(candidates, d)
		}
	}

	switch len(candidates) {
	case 0:
		return domain.LogsAttribution(f.Fingerprint, false, domain.ConfidenceLow, nil)
	case 1:
		builder := m.target
		return domain.LogsAttribution(f.Fingerprint, true, domain.ConfidenceFuzzy, &builder)
	default:
		// Ambiguous: several rows are close enough. The deterministic
		// pick is the lexicographically smallest (dt, dpx, dsz) delta.
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.less(best) {
				best = c
			}
		}
		builder := m.target
		return domain.LogsAttribution(f.Fingerprint, true, domain.ConfidenceLow, &builder)
	}
}

type matchDelta struct {
	dt  int64
	dpx domain.Decimal
	dsz domain.Decimal
}

func (a matchDelta) less(b matchDelta) bool {
	if a.dt != b.dt {
		return a.dt < b.dt
	}
	if c := a.dpx.Cmp(b.dpx); c != 0 {
		return c < 0
	}
	return a.dsz.Cmp(b.dsz) < 0
}

// delta reports whether a log row is within tolerance of the fill, and
// how far off it is.
func (m *LogsMatcher) delta(f *domain.Fill, row *domain.BuilderLogRow) (matchDelta, bool) {
	if row.User.Lower() != f.User.Lower() {
		return matchDelta{}, false
	}
	if row.Coin.Upper() != f.Coin.Upper() {
		return matchDelta{}, false
	}
	if row.Side != f.Side {
		return matchDelta{}, false
	}

	dt := row.TimeMs.Int64() - f.TimeMs.Int64()
	if dt < 0 {
		dt = -dt
	}
	if dt > matchTimeToleranceMs {
		return matchDelta{}, false
	}

	dpx := row.Px.Sub(f.Px).Abs()
	if dpx.Cmp(matchPxTolerance) > 0 {
		return matchDelta{}, false
	}

	dsz := row.Sz.Sub(f.Sz).Abs()
	if dsz.Cmp(matchSzTolerance) > 0 {
		return matchDelta{}, false
	}

	return matchDelta{dt: dt, dpx: dpx, dsz: dsz}, true
}
