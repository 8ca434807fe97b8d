// Package entity defines the identifier types the enrichment pipeline assesses.
package entity

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Type is the kind of entity being assessed.
type Type string

const (
	TypeIP        Type = "ip"
	TypeEmail     Type = "email"
	TypeDomain    Type = "domain"
	TypeASN       Type = "asn"
	TypeUserAgent Type = "user_agent"
)

// Types lists all supported entity types.
var Types = []Type{TypeIP, TypeEmail, TypeDomain, TypeASN, TypeUserAgent}

// ValidationError reports a malformed entity value or an unknown type.
// It indicates a caller bug, not a transient failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

var (
	emailRegex  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// MaxValueLength caps entity values; user agents can be long but not unbounded.
const MaxValueLength = 512

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "entityType", Message: fmt.Sprintf("unknown entity type %q", s)}
}

// Normalize canonicalizes a value for use as a cache key. IPs are returned in
// their canonical textual form, emails and domains lowercased, ASNs as "AS<n>".
// User agents are only whitespace-trimmed; their case is significant.
func Normalize(t Type, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case TypeIP:
		if ip := net.ParseIP(value); ip != nil {
			return ip.String()
		}
		return value
	case TypeEmail, TypeDomain:
		return strings.ToLower(value)
	case TypeASN:
		v := strings.ToUpper(value)
		if !strings.HasPrefix(v, "AS") {
			v = "AS" + v
		}
		return v
	default:
		return value
	}
}

// Validate checks that value is a well-formed instance of t.
func Validate(t Type, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return &ValidationError{Field: "entityValue", Message: "is required"}
	}
	if len(value) > MaxValueLength {
		return &ValidationError{Field: "entityValue", Message: "exceeds maximum length"}
	}

	switch t {
	case TypeIP:
		if net.ParseIP(value) == nil {
			return &ValidationError{Field: "entityValue", Message: "must be a valid IPv4 or IPv6 address"}
		}
	case TypeEmail:
		if !emailRegex.MatchString(value) {
			return &ValidationError{Field: "entityValue", Message: "must be a valid email address"}
		}
	case TypeDomain:
		if !domainRegex.MatchString(value) {
			return &ValidationError{Field: "entityValue", Message: "must be a valid domain name"}
		}
	case TypeASN:
		if _, err := ParseASN(value); err != nil {
			return &ValidationError{Field: "entityValue", Message: "must be an AS number (e.g. AS15169 or 15169)"}
		}
	case TypeUserAgent:
		// Any non-empty printable string within the length cap is accepted.
		if strings.ContainsRune(value, '\x00') {
			return &ValidationError{Field: "entityValue", Message: "contains invalid characters"}
		}
	default:
		return &ValidationError{Field: "entityType", Message: fmt.Sprintf("unknown entity type %q", t)}
	}
	return nil
}

// ParseASN extracts the numeric AS number from "AS15169" or "15169".
func ParseASN(value string) (uint32, error) {
	v := strings.TrimSpace(strings.ToUpper(value))
	v = strings.TrimPrefix(v, "AS")
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid AS number %q", value)
	}
	return uint32(n), nil
}
