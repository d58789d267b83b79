package classifier

import (
	"crypto/subtle"
	"strings"

	"aegisflux/agents/mitigation-agent/internal/types"
)

// SignatureRule matches a case-insensitive substring in observation details
type SignatureRule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Level   int    `yaml:"level" json:"level"`
}

// PatternMatcher is a minimal Matcher over substring rules
type PatternMatcher struct {
	rules []SignatureRule
}

// NewPatternMatcher creates a matcher, dropping rules with empty patterns
func NewPatternMatcher(rules []SignatureRule) *PatternMatcher {
	kept := make([]SignatureRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		r.Pattern = strings.ToLower(r.Pattern)
		kept = append(kept, r)
	}
	return &PatternMatcher{rules: kept}
}

// Match implements Matcher
func (m *PatternMatcher) Match(obs types.Observation) []types.SignatureMatch {
	if len(m.rules) == 0 {
		return nil
	}
	haystack := strings.ToLower(obs.Source + " " + obs.Details)

	var matches []types.SignatureMatch
	for _, r := range m.rules {
		if strings.Contains(haystack, r.Pattern) {
			matches = append(matches, types.SignatureMatch{Name: r.Name, Level: r.Level})
		}
	}
	return matches
}

// TokenVerifier trusts a fixed set of credentials
type TokenVerifier struct {
	tokens [][]byte
}

// NewTokenVerifier creates a verifier; empty tokens are ignored
func NewTokenVerifier(tokens []string) *TokenVerifier {
	v := &TokenVerifier{}
	for _, t := range tokens {
		if t != "" {
			v.tokens = append(v.tokens, []byte(t))
		}
	}
	return v
}

// Verify implements Verifier
func (v *TokenVerifier) Verify(credential string) bool {
	c := []byte(credential)
	ok := false
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare(t, c) == 1 {
			ok = true
		}
	}
	return ok
}
