package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osprey-sec/enrichd/internal/config"
	"github.com/osprey-sec/enrichd/internal/entity"
	"github.com/osprey-sec/enrichd/internal/provider"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeProvider implements provider.Provider for testing without network calls
type fakeProvider struct {
	name  string
	types []entity.Type
	score float64
}

func (p *fakeProvider) Name() string                  { return p.name }
func (p *fakeProvider) SupportedTypes() []entity.Type { return p.types }
func (p *fakeProvider) DefaultTTL() time.Duration     { return time.Hour }
func (p *fakeProvider) BaseConfidence() float64       { return 0.9 }

func (p *fakeProvider) Enrich(ctx context.Context, t entity.Type, value string) (*provider.Result, error) {
	data, _ := json.Marshal(provider.IPReputationData{Score: p.score})
	return &provider.Result{
		Source:     p.name,
		Success:    true,
		Data:       data,
		FetchedAt:  time.Now(),
		TTLSeconds: 3600,
		Confidence: 0.9,
	}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		BreakerFailureThreshold: config.DefaultFailureThreshold,
		BreakerSuccessThreshold: config.DefaultSuccessThreshold,
		BreakerResetTimeout:     config.DefaultResetTimeout,
		ProviderTimeout:         config.DefaultProviderTimeout,
		CacheRecordTTL:          config.DefaultCacheRecordTTL,
		CacheSweepInterval:      config.DefaultSweepInterval,
		CacheRetention:          config.DefaultCacheRetention,
		RateLimitRPM:            config.DefaultRateLimit,
	}
}

// newTestServer creates a server with fake providers
func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := provider.NewRegistry()
	reg.Register(&fakeProvider{
		name:  provider.SourceIPReputation,
		types: []entity.Type{entity.TypeIP},
		score: 90,
	})

	s, err := New(testConfig(), WithProviders(reg))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/enrich/:type/:value",
		"GET:/v1/enrich/:type/:value/history",
		"GET:/v1/breakers",
		"GET:/v1/cache/stats",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Enrichment flow test
// ---------------------------------------------------------------------------

func TestEnrichEndToEnd(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/enrich/ip/203.0.113.10", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["riskLevel"] != "CRITICAL" {
		t.Errorf("Expected riskLevel CRITICAL, got %v", resp["riskLevel"])
	}
	if resp["fromCache"] != false {
		t.Errorf("Expected fromCache false on first request, got %v", resp["fromCache"])
	}

	// Second request should be served from cache
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/enrich/ip/203.0.113.10", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["fromCache"] != true {
		t.Errorf("Expected fromCache true on second request, got %v", resp["fromCache"])
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}

	// Upstream-provided IDs are preserved
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "test-id-123")
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "test-id-123" {
		t.Errorf("Expected X-Request-ID test-id-123, got %s", got)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
