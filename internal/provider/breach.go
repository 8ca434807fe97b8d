package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// CredentialBreach looks an email address up in a breach-corpus index.
//
// Policy: this source fails open. When the index cannot be reached, the
// finding is a structured failure and the aggregator simply proceeds without
// it, so an unverifiable address is treated as "not breached" rather than
// blocking the caller. Breach exposure raises risk; its absence should never
// manufacture it.
type CredentialBreach struct {
	apiKey     string
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
}

// CredentialBreachConfig configures the credential_breach adapter.
type CredentialBreachConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	TTL     time.Duration
}

// NewCredentialBreach creates the credential_breach provider.
func NewCredentialBreach(cfg CredentialBreachConfig) *CredentialBreach {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.breachindex.net/v3"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = 12 * time.Hour
	}
	return &CredentialBreach{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		ttl:        cfg.TTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *CredentialBreach) Name() string                  { return SourceCredentialBreach }
func (p *CredentialBreach) SupportedTypes() []entity.Type { return []entity.Type{entity.TypeEmail} }
func (p *CredentialBreach) DefaultTTL() time.Duration     { return p.ttl }
func (p *CredentialBreach) BaseConfidence() float64       { return 0.85 }

type breachEntry struct {
	Name string `json:"name"`
}

// Enrich queries the breach index. A 404 is the index's way of saying the
// address appears in no known breach, a definitive negative.
func (p *CredentialBreach) Enrich(ctx context.Context, t entity.Type, value string) (*Result, error) {
	if err := checkSupported(p.Name(), p.SupportedTypes(), t); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/breachedaccount/%s", p.baseURL, url.PathEscape(value))
	var entries []breachEntry
	if kind := getJSON(ctx, p.httpClient, reqURL, map[string]string{"X-Api-Key": p.apiKey}, &entries); kind != "" {
		if kind == errorKindNotFound {
			return success(p.Name(), CredentialBreachData{IsBreached: false}, p.ttl, p.BaseConfidence()), nil
		}
		return failure(p.Name(), kind, p.ttl, p.BaseConfidence()), nil
	}

	data := CredentialBreachData{
		IsBreached:  len(entries) > 0,
		BreachCount: len(entries),
	}
	for _, e := range entries {
		data.Breaches = append(data.Breaches, e.Name)
	}
	return success(p.Name(), data, p.ttl, p.BaseConfidence()), nil
}
