package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// DisposableEmail checks whether an email address belongs to a throwaway
// mailbox domain. The upstream is a curated disposable-domain index.
type DisposableEmail struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
}

// DisposableEmailConfig configures the disposable_email adapter.
type DisposableEmailConfig struct {
	BaseURL string
	Timeout time.Duration
	TTL     time.Duration
}

// NewDisposableEmail creates the disposable_email provider.
func NewDisposableEmail(cfg DisposableEmailConfig) *DisposableEmail {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mailsieve.io/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &DisposableEmail{
		baseURL:    cfg.BaseURL,
		ttl:        cfg.TTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *DisposableEmail) Name() string                  { return SourceDisposableEmail }
func (p *DisposableEmail) SupportedTypes() []entity.Type { return []entity.Type{entity.TypeEmail} }
func (p *DisposableEmail) DefaultTTL() time.Duration     { return p.ttl }
func (p *DisposableEmail) BaseConfidence() float64       { return 0.95 }

type disposableResponse struct {
	Disposable bool `json:"disposable"`
}

// Enrich checks the address's domain against the disposable index. The index
// answers 404 for domains it has never catalogued, which counts as "not
// disposable" rather than a failure.
func (p *DisposableEmail) Enrich(ctx context.Context, t entity.Type, value string) (*Result, error) {
	if err := checkSupported(p.Name(), p.SupportedTypes(), t); err != nil {
		return nil, err
	}

	at := strings.LastIndex(value, "@")
	if at < 0 || at == len(value)-1 {
		return nil, &entity.ValidationError{Field: "entityValue", Message: "must be a valid email address"}
	}
	domain := strings.ToLower(value[at+1:])

	reqURL := fmt.Sprintf("%s/domains/%s", p.baseURL, url.PathEscape(domain))
	var resp disposableResponse
	if kind := getJSON(ctx, p.httpClient, reqURL, nil, &resp); kind != "" {
		if kind == errorKindNotFound {
			return success(p.Name(), DisposableEmailData{IsDisposable: false, Domain: domain}, p.ttl, p.BaseConfidence()), nil
		}
		return failure(p.Name(), kind, p.ttl, p.BaseConfidence()), nil
	}

	data := DisposableEmailData{
		IsDisposable: resp.Disposable,
		Domain:       domain,
	}
	return success(p.Name(), data, p.ttl, p.BaseConfidence()), nil
}
