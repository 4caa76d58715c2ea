package domain

// AttributionMode identifies which subsystem produced an attribution.
type AttributionMode string

const (
	// ModeHeuristic attributes on the presence of a positive builder fee.
	ModeHeuristic AttributionMode = "heuristic"
	// ModeLogs attributes by matching against builder fill logs.
	ModeLogs AttributionMode = "logs"
)

// AttributionConfidence grades how certain an attribution is.
type AttributionConfidence string

const (
	ConfidenceExact AttributionConfidence = "exact"
	ConfidenceFuzzy AttributionConfidence = "fuzzy"
	ConfidenceLow   AttributionConfidence = "low"
)

// Attribution records whether a fill is credited to the target builder.
// At most one attribution exists per fingerprint; negative attributions
// (Attributed=false) are recorded too.
type Attribution struct {
	Fingerprint string
	Attributed  bool
	Mode        AttributionMode
	Confidence  AttributionConfidence
	Builder     *Address
}

// HeuristicAttribution derives an attribution from the builder fee:
// attributed iff the fee is present and positive.
func HeuristicAttribution(fingerprint string, builderFee *Decimal, target Address) Attribution {
	if builderFee != nil && builderFee.IsPositive() {
		return Attribution{
			Fingerprint: fingerprint,
			Attributed:  true,
			Mode:        ModeHeuristic,
			Confidence:  ConfidenceFuzzy,
			Builder:     &target,
		}
	}
	return Attribution{
		Fingerprint: fingerprint,
		Attributed:  false,
		Mode:        ModeHeuristic,
		Confidence:  ConfidenceLow,
	}
}

// LogsAttribution builds a log-backed attribution result.
func LogsAttribution(fingerprint string, attributed bool, confidence AttributionConfidence, builder *Address) Attribution {
	return Attribution{
		Fingerprint: fingerprint,
		Attributed:  attributed,
		Mode:        ModeLogs,
		Confidence:  confidence,
		Builder:     builder,
	}
}
