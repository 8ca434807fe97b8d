package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// GeoRisk scores the geographic origin of an IP. When a local GeoLite2
// database is configured it resolves the country offline and applies a static
// country-risk table; otherwise it falls back to a hosted geo-risk API.
type GeoRisk struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
	mmdb       *maxminddb.Reader // nil when no local database is configured
}

// GeoRiskConfig configures the geo_risk adapter.
type GeoRiskConfig struct {
	BaseURL string
	Timeout time.Duration
	TTL     time.Duration
	// GeoIPDBPath points at a GeoLite2-Country mmdb file. When set, lookups
	// are served locally and no network call is made.
	GeoIPDBPath string
}

// NewGeoRisk creates the geo_risk provider. An unreadable mmdb path is
// reported as an error rather than silently falling back, since an operator
// who configured the file almost certainly wants it used.
func NewGeoRisk(cfg GeoRiskConfig) (*GeoRisk, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.georisk.dev/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	p := &GeoRisk{
		baseURL:    cfg.BaseURL,
		ttl:        cfg.TTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.GeoIPDBPath != "" {
		db, err := maxminddb.Open(cfg.GeoIPDBPath)
		if err != nil {
			return nil, fmt.Errorf("open geoip database: %w", err)
		}
		p.mmdb = db
	}
	return p, nil
}

// Close releases the mmdb handle if one is open.
func (p *GeoRisk) Close() error {
	if p.mmdb != nil {
		return p.mmdb.Close()
	}
	return nil
}

func (p *GeoRisk) Name() string                  { return SourceGeoRisk }
func (p *GeoRisk) SupportedTypes() []entity.Type { return []entity.Type{entity.TypeIP} }
func (p *GeoRisk) DefaultTTL() time.Duration     { return p.ttl }
func (p *GeoRisk) BaseConfidence() float64       { return 0.7 }

// countryRisk maps ISO country codes to a baseline geographic risk score.
// Sourced from fraud-rate and sanctions exposure rankings; unlisted countries
// get the floor value.
var countryRisk = map[string]float64{
	"KP": 95,
	"IR": 90,
	"SY": 85,
	"CU": 80,
	"RU": 75,
	"BY": 70,
	"VE": 65,
	"MM": 65,
	"AF": 60,
	"IQ": 55,
	"NG": 50,
	"PK": 45,
	"UA": 40,
	"CN": 40,
	"VN": 35,
	"ID": 30,
	"BR": 25,
	"IN": 25,
	"RO": 25,
}

const countryRiskFloor = 10

type geoRiskResponse struct {
	Country   string   `json:"country"`
	RiskScore float64  `json:"riskScore"`
	Factors   []string `json:"factors"`
}

type geoIPRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Traits struct {
		IsAnonymousProxy bool `maxminddb:"is_anonymous_proxy"`
	} `maxminddb:"traits"`
}

// Enrich resolves the IP's geographic risk, preferring the local database.
func (p *GeoRisk) Enrich(ctx context.Context, t entity.Type, value string) (*Result, error) {
	if err := checkSupported(p.Name(), p.SupportedTypes(), t); err != nil {
		return nil, err
	}

	if p.mmdb != nil {
		return p.enrichLocal(value)
	}
	return p.enrichRemote(ctx, value)
}

func (p *GeoRisk) enrichLocal(value string) (*Result, error) {
	ip := net.ParseIP(value)
	if ip == nil {
		return failure(p.Name(), ErrorKindUpstream, p.ttl, p.BaseConfidence()), nil
	}

	var rec geoIPRecord
	if err := p.mmdb.Lookup(ip, &rec); err != nil {
		return failure(p.Name(), ErrorKindUpstream, p.ttl, p.BaseConfidence()), nil
	}

	data := GeoRiskData{Country: rec.Country.ISOCode}
	if score, ok := countryRisk[rec.Country.ISOCode]; ok {
		data.RiskScore = score
		data.Factors = append(data.Factors, "high_risk_country")
	} else {
		data.RiskScore = countryRiskFloor
	}
	if rec.Traits.IsAnonymousProxy {
		data.Factors = append(data.Factors, "anonymous_proxy_range")
		if data.RiskScore < 50 {
			data.RiskScore = 50
		}
	}
	return success(p.Name(), data, p.ttl, p.BaseConfidence()), nil
}

func (p *GeoRisk) enrichRemote(ctx context.Context, value string) (*Result, error) {
	reqURL := fmt.Sprintf("%s/geo/%s", p.baseURL, url.PathEscape(value))
	var resp geoRiskResponse
	if kind := getJSON(ctx, p.httpClient, reqURL, nil, &resp); kind != "" {
		if kind == errorKindNotFound {
			return success(p.Name(), GeoRiskData{RiskScore: countryRiskFloor}, p.ttl, p.BaseConfidence()), nil
		}
		return failure(p.Name(), kind, p.ttl, p.BaseConfidence()), nil
	}

	data := GeoRiskData{
		RiskScore: resp.RiskScore,
		Country:   resp.Country,
		Factors:   resp.Factors,
	}
	return success(p.Name(), data, p.ttl, p.BaseConfidence()), nil
}
