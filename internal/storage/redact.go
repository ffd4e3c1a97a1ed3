package storage

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// credentialKeyPattern matches payload keys that name secret material.
var credentialKeyPattern = regexp.MustCompile(`(?i)(password|passwd|credential|secret|api[_-]?key|token|private[_-]?key|ssn|credit[_-]?card)`)

// credentialValuePatterns match secret-shaped values regardless of key name.
var credentialValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/-]{16,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                  // SSN
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),                 // credit card
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),                // API key prefix
}

// deniedHeaders are request header names that must never reach telemetry.
var deniedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"api-key":             true,
}

// RedactPayload returns a copy of the payload with credential-shaped keys
// and values replaced. The input map is not modified.
func RedactPayload(payload map[string]string) map[string]string {
	if payload == nil {
		return nil
	}
	out := make(map[string]string, len(payload))
	for key, value := range payload {
		if deniedHeaders[strings.ToLower(key)] || credentialKeyPattern.MatchString(key) {
			out[key] = redactedValue
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value string) string {
	for _, p := range credentialValuePatterns {
		if p.MatchString(value) {
			return p.ReplaceAllString(value, redactedValue)
		}
	}
	return value
}

// ContainsCredential reports whether the payload held secret material before
// redaction. Callers log this as a CredentialLeak signal.
func ContainsCredential(payload map[string]string) bool {
	for key, value := range payload {
		if deniedHeaders[strings.ToLower(key)] || credentialKeyPattern.MatchString(key) {
			return true
		}
		for _, p := range credentialValuePatterns {
			if p.MatchString(value) {
				return true
			}
		}
	}
	return false
}
