package enrich

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/enrichd/internal/provider"
)

func testRouter(t *testing.T, o *Orchestrator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(o).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestEnrichEntity_OK(t *testing.T) {
	ip := newStub(t, provider.SourceIPReputation, provider.IPReputationData{Score: 90})
	o, _ := newOrchestrator(ip)
	r := testRouter(t, o)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/enrich/ip/203.0.113.5", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 90.0, resp.OverallScore)
	assert.Equal(t, "CRITICAL", string(resp.RiskLevel))
	assert.Contains(t, resp.PerSource, provider.SourceIPReputation)
}

func TestEnrichEntity_InvalidType(t *testing.T) {
	o, _ := newOrchestrator()
	r := testRouter(t, o)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/enrich/passport/abc123", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_entity_type")
}

func TestEnrichEntity_InvalidValue(t *testing.T) {
	ip := newStub(t, provider.SourceIPReputation, provider.IPReputationData{Score: 1})
	o, _ := newOrchestrator(ip)
	r := testRouter(t, o)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/enrich/ip/not-an-ip", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestEnrichEntity_RefreshQuery(t *testing.T) {
	ip := newStub(t, provider.SourceIPReputation, provider.IPReputationData{Score: 20})
	o, _ := newOrchestrator(ip)
	r := testRouter(t, o)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/enrich/ip/203.0.113.5?refresh=true", nil)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, int32(2), ip.calls.Load())
}

func TestGetBreakers(t *testing.T) {
	ip := newStub(t, provider.SourceIPReputation, provider.IPReputationData{})
	o, _ := newOrchestrator(ip)
	r := testRouter(t, o)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/breakers", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), provider.SourceIPReputation)
	assert.Contains(t, w.Body.String(), `"state":"closed"`)
}

func TestGetCacheStats(t *testing.T) {
	ip := newStub(t, provider.SourceIPReputation, provider.IPReputationData{Score: 5})
	o, _ := newOrchestrator(ip)
	r := testRouter(t, o)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/enrich/ip/203.0.113.5", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/cache/stats", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		Records int `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Records)
}

func TestGetHistory(t *testing.T) {
	ip := newStub(t, provider.SourceIPReputation, provider.IPReputationData{Score: 40})
	o, _ := newOrchestrator(ip)
	r := testRouter(t, o)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/enrich/ip/203.0.113.5", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/enrich/ip/203.0.113.5/history", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count   int               `json:"count"`
		Records []json.RawMessage `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Records, 1)
}
