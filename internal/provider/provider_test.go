package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/enrichd/internal/entity"
)

func TestIPReputation_Enrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "203.0.113.5", r.URL.Query().Get("ip"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"abuseScore": 87,
				"categories": []string{"scanner", "brute_force"},
			},
		})
	}))
	defer srv.Close()

	p := NewIPReputation(IPReputationConfig{APIKey: "test-key", BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, SourceIPReputation, res.Source)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, int(time.Hour/time.Second), res.TTLSeconds)

	var data IPReputationData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, 87.0, data.Score)
	assert.Equal(t, []string{"scanner", "brute_force"}, data.Categories)
}

func TestIPReputation_UnsupportedEntity(t *testing.T) {
	p := NewIPReputation(IPReputationConfig{})
	_, err := p.Enrich(context.Background(), entity.TypeEmail, "a@b.com")
	assert.ErrorIs(t, err, ErrUnsupportedEntity)
}

func TestIPReputation_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewIPReputation(IPReputationConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeIP, "203.0.113.5")
	require.NoError(t, err, "expected upstream failures never escape as errors")
	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindUpstream, res.ErrorKind)
	assert.Nil(t, res.Data)
}

func TestIPReputation_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewIPReputation(IPReputationConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindRateLimited, res.ErrorKind)
}

func TestIPReputation_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewIPReputation(IPReputationConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := p.Enrich(ctx, entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindTimeout, res.ErrorKind)
}

func TestAnonymizer_Enrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tor": true, "proxy": false, "vpn": false, "operator": "tor-exit",
		})
	}))
	defer srv.Close()

	p := NewAnonymizer(AnonymizerConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, res.Success)

	var data AnonymizerData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.True(t, data.IsTor)
	assert.False(t, data.IsVPN)
	assert.Equal(t, "tor-exit", data.Service)
}

func TestAnonymizer_NotListedIsCleanResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewAnonymizer(AnonymizerConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeIP, "198.51.100.7")
	require.NoError(t, err)
	require.True(t, res.Success, "absence from the anonymizer list is a definitive negative")

	var data AnonymizerData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.False(t, data.IsTor)
	assert.False(t, data.IsProxy)
	assert.False(t, data.IsVPN)
}

func TestASNTrust_Enrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/asn/AS15169", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trustScore": 92, "organization": "Google LLC",
		})
	}))
	defer srv.Close()

	p := NewASNTrust(ASNTrustConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeASN, "AS15169")
	require.NoError(t, err)
	require.True(t, res.Success)

	var data ASNTrustData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, 92.0, data.TrustScore)
	assert.Equal(t, uint32(15169), data.ASN)
	assert.Equal(t, "Google LLC", data.Organization)
}

func TestASNTrust_UnknownASNScoresNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewASNTrust(ASNTrustConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeASN, "64512")
	require.NoError(t, err)
	require.True(t, res.Success)

	var data ASNTrustData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, 50.0, data.TrustScore)
}

func TestDisposableEmail_Enrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/mailinator.com", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"disposable": true})
	}))
	defer srv.Close()

	p := NewDisposableEmail(DisposableEmailConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeEmail, "bob@Mailinator.com")
	require.NoError(t, err)
	require.True(t, res.Success)

	var data DisposableEmailData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.True(t, data.IsDisposable)
	assert.Equal(t, "mailinator.com", data.Domain)
}

func TestCredentialBreach_Enrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"name": "LinkedIn"}, {"name": "Adobe"}, {"name": "Dropbox"},
		})
	}))
	defer srv.Close()

	p := NewCredentialBreach(CredentialBreachConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeEmail, "alice@example.com")
	require.NoError(t, err)
	require.True(t, res.Success)

	var data CredentialBreachData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.True(t, data.IsBreached)
	assert.Equal(t, 3, data.BreachCount)
	assert.Equal(t, []string{"LinkedIn", "Adobe", "Dropbox"}, data.Breaches)
}

func TestCredentialBreach_NotFoundMeansNotBreached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewCredentialBreach(CredentialBreachConfig{BaseURL: srv.URL})
	res, err := p.Enrich(context.Background(), entity.TypeEmail, "clean@example.com")
	require.NoError(t, err)
	require.True(t, res.Success)

	var data CredentialBreachData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.False(t, data.IsBreached)
	assert.Zero(t, data.BreachCount)
}

func TestResult_Stale(t *testing.T) {
	r := &Result{FetchedAt: time.Now().Add(-2 * time.Hour), TTLSeconds: 3600}
	assert.True(t, r.Stale(time.Now()))

	r = &Result{FetchedAt: time.Now(), TTLSeconds: 3600}
	assert.False(t, r.Stale(time.Now()))
}

func TestUnavailable(t *testing.T) {
	p := NewIPReputation(IPReputationConfig{})
	res := Unavailable(p)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindUnavailable, res.ErrorKind)
	assert.Equal(t, SourceIPReputation, res.Source)
	assert.Equal(t, p.BaseConfidence(), res.Confidence)
}
