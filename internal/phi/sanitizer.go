// Package phi wraps the external PHI sanitization service behind a
// narrow interface. The processor routes every alert message and
// context field through it so no direct identifiers reach alert
// content or notification sinks.
package phi

import (
	"regexp"
	"strings"
)

// Sanitizer scrubs free text and contextual metadata of identifiers.
type Sanitizer interface {
	SanitizeMessage(message string) string
	SanitizeContext(eventContext map[string]string) map[string]string
}

// Context keys that are allowed through to alert content. Everything
// else is dropped: the allowlist is the guarantee.
var allowedContextKeys = map[string]bool{
	"activity_state": true,
	"time_of_day":    true,
	"device_class":   true,
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	mrnPattern   = regexp.MustCompile(`(?i)\bMRN[:\s#]*\d+\b`)
)

// ScrubSanitizer is the reference implementation: a context-key
// allowlist plus pattern scrubbing of messages. Deployments may swap in
// a client for the dedicated sanitization service.
type ScrubSanitizer struct{}

// NewScrubSanitizer creates the reference sanitizer.
func NewScrubSanitizer() *ScrubSanitizer {
	return &ScrubSanitizer{}
}

// SanitizeMessage removes identifier-shaped substrings.
func (s *ScrubSanitizer) SanitizeMessage(message string) string {
	out := emailPattern.ReplaceAllString(message, "[redacted]")
	out = ssnPattern.ReplaceAllString(out, "[redacted]")
	out = mrnPattern.ReplaceAllString(out, "[redacted]")
	out = phonePattern.ReplaceAllString(out, "[redacted]")
	return strings.TrimSpace(out)
}

// SanitizeContext keeps only allowlisted, non-identifying keys.
func (s *ScrubSanitizer) SanitizeContext(eventContext map[string]string) map[string]string {
	if len(eventContext) == 0 {
		return nil
	}
	out := make(map[string]string, len(eventContext))
	for k, v := range eventContext {
		if allowedContextKeys[k] {
			out[k] = s.SanitizeMessage(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
