package llm

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

// Scrubber redacts secrets and personal data from gather-script output and
// host logs before they leave the appliance for a cloud LLM provider.
//
// IP addresses are intentionally excluded: they are infrastructure
// identifiers the model needs to reason about network topology and
// process-to-service correlation.
type Scrubber struct {
	patterns []scrubPattern
}

type scrubPattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

// NewScrubber creates a scrubber with every active redaction category.
func NewScrubber() *Scrubber {
	return &Scrubber{patterns: compileScrubPatterns()}
}

func compileScrubPatterns() []scrubPattern {
	defs := []struct {
		category string
		pattern  string
		tag      string
	}{
		{"aws_key", `\bAKIA[0-9A-Z]{16}\b`, "AWS-KEY-REDACTED"},
		{"private_key_block", `-----BEGIN (?:RSA |OPENSSH |EC |DSA )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |OPENSSH |EC |DSA )?PRIVATE KEY-----`, "PRIVATE-KEY-REDACTED"},
		{"bearer_token", `(?i)\b(?:bearer|token)[:\s]+[A-Za-z0-9._\-]{16,}\b`, "TOKEN-REDACTED"},
		{"api_key", `(?i)\b(?:api[_\s]?key|secret)[:=\s]+['"]?[A-Za-z0-9._\-]{12,}['"]?`, "API-KEY-REDACTED"},
		{"password_assignment", `(?i)\bpassword[:=\s]+['"]?\S{6,}['"]?`, "PASSWORD-REDACTED"},
		{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},
		{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},
		{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},
		{"jwt", `\bey[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`, "JWT-REDACTED"},
	}
	patterns := make([]scrubPattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, scrubPattern{
			category: d.category,
			re:       regexp.MustCompile(d.pattern),
			tag:      d.tag,
		})
	}
	return patterns
}

func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// ScrubString replaces every match with a tagged, hash-suffixed placeholder
// so that separately scrubbed occurrences of the same secret still
// correlate without revealing its value, e.g. [API-KEY-REDACTED-a1b2c3d4].
func (s *Scrubber) ScrubString(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// ContainsSecret reports whether input matches any redaction category.
func (s *Scrubber) ContainsSecret(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}
