// Package risk turns a set of per-source findings into one composite
// assessment.
//
// Aggregation is a pure weighted average over whichever sources are present:
// absent sources are excluded from both numerator and denominator, so a
// single fresh source is never diluted by assumed-absent ones. The factor
// breakdown is kept alongside the score for explainability.
package risk

import "time"

// Level is the severity bucket of a composite score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Severity thresholds on the 0-100 composite scale.
const (
	CriticalThreshold = 75
	HighThreshold     = 50
	MediumThreshold   = 25
)

// LevelForScore maps a composite score to its severity bucket.
func LevelForScore(score float64) Level {
	switch {
	case score >= CriticalThreshold:
		return LevelCritical
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Factor records one source's contribution to the composite score.
type Factor struct {
	Factor       string  `json:"factor"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Assessment is the composite risk verdict for an entity.
type Assessment struct {
	OverallScore float64   `json:"overallScore"`
	RiskLevel    Level     `json:"riskLevel"`
	Factors      []Factor  `json:"factors"`
	EvaluatedAt  time.Time `json:"evaluatedAt"`
}
