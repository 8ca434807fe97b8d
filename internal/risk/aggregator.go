package risk

import (
	"encoding/json"
	"math"
	"time"

	"github.com/osprey-sec/enrichd/internal/provider"
)

// Per-source aggregation weights. The composite score renormalizes by the
// weights of the sources actually present, so these need not sum to 1.
const (
	weightIPReputation     = 0.25
	weightAnonymizer       = 0.20
	weightGeoRisk          = 0.15
	weightASNTrust         = 0.15
	weightDisposableEmail  = 0.10
	weightCredentialBreach = 0.15
)

// Anonymizer severity: Tor beats proxy beats VPN.
const (
	anonymizerTorScore   = 80
	anonymizerProxyScore = 60
	anonymizerVPNScore   = 40
)

// Disposable mailboxes score a flat penalty when flagged.
const disposableScore = 70

// Breach exposure starts at 50 and adds 10 per known breach, capped at 100.
const (
	breachBaseScore    = 50
	breachPerHit       = 10
	breachScoreCeiling = 100
)

// entry binds a source name to its weight and raw-score function. Table order
// is the order factors appear in the assessment.
type entry struct {
	source string
	weight float64
	score  func(data json.RawMessage) (float64, bool)
}

var table = []entry{
	{provider.SourceIPReputation, weightIPReputation, scoreIPReputation},
	{provider.SourceAnonymizer, weightAnonymizer, scoreAnonymizer},
	{provider.SourceGeoRisk, weightGeoRisk, scoreGeoRisk},
	{provider.SourceASNTrust, weightASNTrust, scoreASNTrust},
	{provider.SourceDisposableEmail, weightDisposableEmail, scoreDisposableEmail},
	{provider.SourceCredentialBreach, weightCredentialBreach, scoreCredentialBreach},
}

// Aggregate computes the composite assessment over the given per-source
// findings. Only successful findings with data contribute; everything else is
// excluded from numerator and denominator alike. An empty input yields
// {0, LOW}.
func Aggregate(enrichment map[string]*provider.Result) *Assessment {
	var (
		sumContribution float64
		sumWeight       float64
		factors         []Factor
	)

	for _, e := range table {
		res, ok := enrichment[e.source]
		if !ok || res == nil || !res.Success || res.Data == nil {
			continue
		}
		raw, ok := e.score(res.Data)
		if !ok {
			continue
		}
		// Upstream payloads are not trusted to stay on the documented scale;
		// an out-of-range score must not push the composite past [0,100].
		raw = clampScore(raw)
		contribution := raw * e.weight
		factors = append(factors, Factor{
			Factor:       e.source,
			Weight:       e.weight,
			Contribution: round2(contribution),
		})
		sumContribution += contribution
		sumWeight += e.weight
	}

	var overall float64
	if sumWeight > 0 {
		overall = round2(sumContribution / sumWeight)
	}

	return &Assessment{
		OverallScore: overall,
		RiskLevel:    LevelForScore(overall),
		Factors:      factors,
		EvaluatedAt:  time.Now(),
	}
}

func scoreIPReputation(raw json.RawMessage) (float64, bool) {
	var d provider.IPReputationData
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false
	}
	return d.Score, true
}

func scoreAnonymizer(raw json.RawMessage) (float64, bool) {
	var d provider.AnonymizerData
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false
	}
	switch {
	case d.IsTor:
		return anonymizerTorScore, true
	case d.IsProxy:
		return anonymizerProxyScore, true
	case d.IsVPN:
		return anonymizerVPNScore, true
	default:
		return 0, true
	}
}

func scoreGeoRisk(raw json.RawMessage) (float64, bool) {
	var d provider.GeoRiskData
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false
	}
	return d.RiskScore, true
}

// scoreASNTrust inverts the trust score: a low-trust network contributes high risk.
func scoreASNTrust(raw json.RawMessage) (float64, bool) {
	var d provider.ASNTrustData
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false
	}
	return 100 - d.TrustScore, true
}

func scoreDisposableEmail(raw json.RawMessage) (float64, bool) {
	var d provider.DisposableEmailData
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false
	}
	if d.IsDisposable {
		return disposableScore, true
	}
	return 0, true
}

func scoreCredentialBreach(raw json.RawMessage) (float64, bool) {
	var d provider.CredentialBreachData
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false
	}
	if !d.IsBreached {
		return 0, true
	}
	return math.Min(breachScoreCeiling, breachBaseScore+breachPerHit*float64(d.BreachCount)), true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// clampScore bounds a raw per-source score to the 0-100 scale.
func clampScore(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}
