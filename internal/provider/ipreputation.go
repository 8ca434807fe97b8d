package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// IPReputation queries a community abuse-report feed for an IP's reputation
// score (0-100, higher is worse) and observed behavior categories.
type IPReputation struct {
	apiKey     string
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
}

// IPReputationConfig configures the ip_reputation adapter.
type IPReputationConfig struct {
	APIKey  string
	BaseURL string // override for tests; defaults to the public endpoint
	Timeout time.Duration
	TTL     time.Duration
}

// NewIPReputation creates the ip_reputation provider.
func NewIPReputation(cfg IPReputationConfig) *IPReputation {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.ipthreatfeed.io/v2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	return &IPReputation{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		ttl:        cfg.TTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *IPReputation) Name() string                  { return SourceIPReputation }
func (p *IPReputation) SupportedTypes() []entity.Type { return []entity.Type{entity.TypeIP} }
func (p *IPReputation) DefaultTTL() time.Duration     { return p.ttl }
func (p *IPReputation) BaseConfidence() float64       { return 0.9 }

type ipReputationResponse struct {
	Data struct {
		AbuseScore float64  `json:"abuseScore"`
		Categories []string `json:"categories"`
	} `json:"data"`
}

// Enrich looks up the IP's abuse score. The feed already reports on a 0-100
// scale, so the score is passed through unchanged.
func (p *IPReputation) Enrich(ctx context.Context, t entity.Type, value string) (*Result, error) {
	if err := checkSupported(p.Name(), p.SupportedTypes(), t); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/check?ip=%s&maxAgeDays=90", p.baseURL, url.QueryEscape(value))
	var resp ipReputationResponse
	if kind := getJSON(ctx, p.httpClient, reqURL, map[string]string{"X-Api-Key": p.apiKey}, &resp); kind != "" {
		if kind == errorKindNotFound {
			// Never reported: clean slate.
			return success(p.Name(), IPReputationData{Score: 0}, p.ttl, p.BaseConfidence()), nil
		}
		return failure(p.Name(), kind, p.ttl, p.BaseConfidence()), nil
	}

	data := IPReputationData{
		Score:      resp.Data.AbuseScore,
		Categories: resp.Data.Categories,
	}
	return success(p.Name(), data, p.ttl, p.BaseConfidence()), nil
}
