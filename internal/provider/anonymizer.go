package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// Anonymizer detects whether an IP is a Tor exit node, an open proxy, or a
// commercial VPN egress.
type Anonymizer struct {
	apiKey     string
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
}

// AnonymizerConfig configures the anonymizer adapter.
type AnonymizerConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	TTL     time.Duration
}

// NewAnonymizer creates the anonymizer provider.
func NewAnonymizer(cfg AnonymizerConfig) *Anonymizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.proxyscreen.net/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = 6 * time.Hour
	}
	return &Anonymizer{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		ttl:        cfg.TTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *Anonymizer) Name() string                  { return SourceAnonymizer }
func (p *Anonymizer) SupportedTypes() []entity.Type { return []entity.Type{entity.TypeIP} }
func (p *Anonymizer) DefaultTTL() time.Duration     { return p.ttl }
func (p *Anonymizer) BaseConfidence() float64       { return 0.85 }

type anonymizerResponse struct {
	Tor      bool   `json:"tor"`
	Proxy    bool   `json:"proxy"`
	VPN      bool   `json:"vpn"`
	Operator string `json:"operator"`
}

// Enrich classifies the IP's anonymization infrastructure. A 404 from the
// lookup means the IP is in no anonymizer list, which is a definitive
// negative rather than a failure.
func (p *Anonymizer) Enrich(ctx context.Context, t entity.Type, value string) (*Result, error) {
	if err := checkSupported(p.Name(), p.SupportedTypes(), t); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/lookup/%s", p.baseURL, url.PathEscape(value))
	var resp anonymizerResponse
	if kind := getJSON(ctx, p.httpClient, reqURL, map[string]string{"X-Api-Key": p.apiKey}, &resp); kind != "" {
		if kind == errorKindNotFound {
			return success(p.Name(), AnonymizerData{}, p.ttl, p.BaseConfidence()), nil
		}
		return failure(p.Name(), kind, p.ttl, p.BaseConfidence()), nil
	}

	data := AnonymizerData{
		IsTor:   resp.Tor,
		IsProxy: resp.Proxy,
		IsVPN:   resp.VPN,
		Service: resp.Operator,
	}
	return success(p.Name(), data, p.ttl, p.BaseConfidence()), nil
}
