// Package firewall screens every untrusted string before it enters a prompt
// or is persisted. It layers a control-character stripper, an XML boundary
// stripper, a secret redactor, a regex injection classifier, and a
// structural-entropy guard. The HMAC delimiter that fences trusted context
// lives in delimiter.go.
package firewall

import (
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	apperrors "graphmesh-backend/pkg/errors"
)

const (
	// DefaultMaxInputBytes is the hard cap applied to ingested source.
	DefaultMaxInputBytes = 2 << 20 // 2 MiB

	// entropyMinLength is the minimum input length before the entropy
	// guard scores anything. Short strings have noisy entropy.
	entropyMinLength = 200

	// entropyThreshold is bits-per-byte above which text looks encoded
	// rather than written. Base64 sits near 6; prose near 4.2.
	entropyThreshold = 4.8
)

var (
	// boundaryTags removes the prompt structure tags an attacker could use
	// to escape the context fence, plus anything resembling our own
	// delimiter tokens (collision forgery).
	boundaryTags = regexp.MustCompile(`(?i)</?\s*(graph_context|user_query|system|assistant)\s*>|GRAPHCTX_[A-Za-z0-9_]*`)

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}\b`),
		regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`),
		regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
	}

	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|context)`),
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`),
		regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
		regexp.MustCompile(`(?i)\bnew\s+(system\s+)?instructions?\s*:`),
		regexp.MustCompile(`(?i)\b(system|assistant|user)\s*:\s*$`),
		regexp.MustCompile(`(?i)\bact\s+as\s+(an?\s+)?(admin|root|system)\b`),
		regexp.MustCompile(`(?i)\breveal\s+(your|the)\s+(system\s+)?prompt\b`),
		regexp.MustCompile(`(?i)\boverride\s+(safety|security|tenant)\b`),
	}
)

// Firewall applies the layered classifier. The zero value is not usable;
// construct with NewFirewall.
type Firewall struct {
	maxInputBytes int
	logger        *zap.Logger
}

// NewFirewall creates a firewall with the given source byte cap.
// maxInputBytes <= 0 uses the default.
func NewFirewall(maxInputBytes int, logger *zap.Logger) *Firewall {
	if maxInputBytes <= 0 {
		maxInputBytes = DefaultMaxInputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Firewall{maxInputBytes: maxInputBytes, logger: logger}
}

// StripControl removes C0/C1 control characters except \t, \n, \r.
func StripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StripBoundaries removes prompt structure tags and delimiter-shaped tokens.
func StripBoundaries(s string) string {
	return boundaryTags.ReplaceAllString(s, "")
}

// RedactSecrets replaces recognized credential material with a marker.
func RedactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// StripInjections removes phrases matching the role-injection and
// instruction-override classifier.
func StripInjections(s string) string {
	for _, p := range injectionPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return s
}

// InjectionScore returns a score > 0 when the input matches injection
// patterns or trips the structural entropy guard, 0 otherwise.
func InjectionScore(s string) float64 {
	score := 0.0
	for _, p := range injectionPatterns {
		if p.MatchString(s) {
			score += 1.0
		}
	}
	if e := EntropyScore(s); e > 0 {
		score += e
	}
	return score
}

// EntropyScore implements the structural entropy guard: inputs long enough
// to measure whose Shannon entropy exceeds the threshold score above zero.
// Normal infrastructure queries score 0; base64 blobs score positive.
func EntropyScore(s string) float64 {
	if len(s) < entropyMinLength {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	if entropy <= entropyThreshold {
		return 0
	}
	return entropy - entropyThreshold
}

// SanitizeQuery prepares untrusted query input for prompt use: strips
// control characters, boundary tags, injection phrases, and redacts secrets.
func (f *Firewall) SanitizeQuery(s string) string {
	s = StripControl(s)
	s = StripBoundaries(s)
	s = StripInjections(s)
	s = RedactSecrets(s)
	return s
}

// SanitizeSource prepares ingested source for persistence. Operators and
// code punctuation are preserved; secrets are redacted, injection phrases
// and boundary tags removed. Inputs above the byte cap fail closed.
func (f *Firewall) SanitizeSource(s string) (string, error) {
	if len(s) > f.maxInputBytes {
		return "", apperrors.NewSanitizationBudgetExceeded(len(s), f.maxInputBytes)
	}
	s = StripControl(s)
	s = StripBoundaries(s)
	s = StripInjections(s)
	s = RedactSecrets(s)
	return s, nil
}
