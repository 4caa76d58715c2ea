package engine

import (
	"tradeledger/internal/domain"
)

// EvaluateTaint decides whether a lifecycle keeps its builder-only
// standing. Fingerprints are the fills that touched the lifecycle, in
// their deterministic order; the first offending fill fixes the reason.
//
// A fill keeps the lifecycle clean only when it carries a positive
// attribution to the target builder. Anything else taints:
// attribution to a different builder is non_builder_fill, a missing or
// negative attribution is no_attribution.
func EvaluateTaint(fingerprints []string, attrs map[string]domain.Attribution, target domain.Address) (bool, *domain.TaintReason) {
	for _, fp := range fingerprints {
		a, ok := attrs[fp]
		if !ok || !a.Attributed {
			r := domain.TaintNoAttribution
			return true, &r
		}
		if a.Builder == nil || a.Builder.Lower() != target.Lower() {
			r := domain.TaintNonBuilderFill
			return true, &r
		}
	}
	return false, nil
}
