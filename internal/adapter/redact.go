package adapter

import (
	"os"
	"regexp"
	"strings"
)

// Redaction runs on every chunk and accumulated output before it leaves the
// adapter. Agent processes inherit the gateway environment and routinely
// echo it back in error messages.
var redactPatterns = []*regexp.Regexp{
	// API-key-shaped tokens (provider prefixes + long opaque tails).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bgho_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bxox[bap]-[A-Za-z0-9-]{10,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// Bearer/authorization headers.
	regexp.MustCompile(`(?i)\b(authorization|x-api-key)\s*[:=]\s*[^\r\n]+`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{8,}=*`),
}

const redactedToken = "[redacted]"

// Redact strips API-key-shaped tokens, authorization headers, and the
// user's home directory path from text.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, p := range redactPatterns {
		s = p.ReplaceAllString(s, redactedToken)
	}
	if home, err := os.UserHomeDir(); err == nil && len(home) > 1 {
		s = strings.ReplaceAll(s, home, "~")
	}
	return s
}
