package entity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"ip", TypeIP, false},
		{"IP", TypeIP, false},
		{" email ", TypeEmail, false},
		{"domain", TypeDomain, false},
		{"asn", TypeASN, false},
		{"user_agent", TypeUserAgent, false},
		{"ipv4", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseType(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseType(%q)", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		value   string
		wantErr bool
	}{
		{"valid ipv4", TypeIP, "203.0.113.5", false},
		{"valid ipv6", TypeIP, "2001:db8::1", false},
		{"bad ip", TypeIP, "203.0.113.999", true},
		{"hostname as ip", TypeIP, "example.com", true},
		{"valid email", TypeEmail, "alice@example.com", false},
		{"bad email", TypeEmail, "not-an-email", true},
		{"valid domain", TypeDomain, "sub.example.co.uk", false},
		{"bad domain", TypeDomain, "-leadingdash.com", true},
		{"asn with prefix", TypeASN, "AS15169", false},
		{"asn bare number", TypeASN, "15169", false},
		{"asn zero", TypeASN, "AS0", true},
		{"asn garbage", TypeASN, "ASfoo", true},
		{"user agent", TypeUserAgent, "Mozilla/5.0 (X11; Linux x86_64)", false},
		{"empty value", TypeIP, "", true},
		{"oversized value", TypeUserAgent, strings.Repeat("x", MaxValueLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.typ, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "203.0.113.5", Normalize(TypeIP, " 203.0.113.5 "))
	assert.Equal(t, "2001:db8::1", Normalize(TypeIP, "2001:0db8:0000:0000:0000:0000:0000:0001"))
	assert.Equal(t, "alice@example.com", Normalize(TypeEmail, "Alice@Example.COM"))
	assert.Equal(t, "example.com", Normalize(TypeDomain, "EXAMPLE.com"))
	assert.Equal(t, "AS15169", Normalize(TypeASN, "as15169"))
	assert.Equal(t, "AS15169", Normalize(TypeASN, "15169"))
	assert.Equal(t, "Mozilla/5.0", Normalize(TypeUserAgent, " Mozilla/5.0 "))
}

func TestParseASN(t *testing.T) {
	n, err := ParseASN("AS13335")
	require.NoError(t, err)
	assert.Equal(t, uint32(13335), n)

	_, err = ParseASN("AS-1")
	assert.Error(t, err)
}
