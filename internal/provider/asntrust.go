package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// ASNTrust scores the trustworthiness of an autonomous system. Low scores
// flag bulletproof hosters and networks with histories of abuse complaints.
type ASNTrust struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
}

// ASNTrustConfig configures the asn_trust adapter.
type ASNTrustConfig struct {
	BaseURL string
	Timeout time.Duration
	TTL     time.Duration
}

// NewASNTrust creates the asn_trust provider.
func NewASNTrust(cfg ASNTrustConfig) *ASNTrust {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.asnwatch.org/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &ASNTrust{
		baseURL:    cfg.BaseURL,
		ttl:        cfg.TTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *ASNTrust) Name() string                  { return SourceASNTrust }
func (p *ASNTrust) SupportedTypes() []entity.Type { return []entity.Type{entity.TypeASN} }
func (p *ASNTrust) DefaultTTL() time.Duration     { return p.ttl }
func (p *ASNTrust) BaseConfidence() float64       { return 0.75 }

type asnTrustResponse struct {
	TrustScore   float64 `json:"trustScore"`
	Organization string  `json:"organization"`
}

// Enrich fetches the trust score for an AS number. An unknown ASN (404) is
// scored neutrally rather than treated as a failure.
func (p *ASNTrust) Enrich(ctx context.Context, t entity.Type, value string) (*Result, error) {
	if err := checkSupported(p.Name(), p.SupportedTypes(), t); err != nil {
		return nil, err
	}

	asn, err := entity.ParseASN(value)
	if err != nil {
		return nil, &entity.ValidationError{Field: "entityValue", Message: "must be an AS number"}
	}

	reqURL := fmt.Sprintf("%s/asn/AS%d", p.baseURL, asn)
	var resp asnTrustResponse
	if kind := getJSON(ctx, p.httpClient, reqURL, nil, &resp); kind != "" {
		if kind == errorKindNotFound {
			return success(p.Name(), ASNTrustData{TrustScore: 50, ASN: asn}, p.ttl, p.BaseConfidence()), nil
		}
		return failure(p.Name(), kind, p.ttl, p.BaseConfidence()), nil
	}

	data := ASNTrustData{
		TrustScore:   resp.TrustScore,
		ASN:          asn,
		Organization: resp.Organization,
	}
	return success(p.Name(), data, p.ttl, p.BaseConfidence()), nil
}
