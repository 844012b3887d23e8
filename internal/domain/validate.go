package domain

import (
	"regexp"
	"strings"
)

// fingerprintPattern matches an opaque device fingerprint: 8-64 hex
// characters. Fingerprints arrive from the client and are never trusted
// beyond this shape check.
var fingerprintPattern = regexp.MustCompile(`^[a-f0-9]{8,64}$`)

// htmlTagPattern strips markup from prompts before they reach the
// generation provider.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

const (
	MinPromptLength = 3
	MaxPromptLength = 1000
)

// NormalizeFingerprint validates a client-supplied fingerprint and returns
// its canonical lowercase form. Returns an EINVALID error for anything that
// is not an 8-64 character hex string.
func NormalizeFingerprint(raw string) (string, error) {
	const op = "principal.fingerprint"

	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", Invalid(op, "Device fingerprint is required")
	}
	if !fingerprintPattern.MatchString(trimmed) {
		return "", Invalid(op, "Invalid device fingerprint format")
	}
	return trimmed, nil
}

// SanitizePrompt validates a generation prompt and returns a cleaned form
// with markup and HTML-significant characters removed. Returns an EINVALID
// error when the cleaned prompt is empty, too short, or too long.
func SanitizePrompt(raw string) (string, error) {
	const op = "generate.prompt"

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", Invalid(op, "Prompt cannot be empty")
	}

	cleaned := htmlTagPattern.ReplaceAllString(trimmed, "")
	cleaned = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '\'', '"', '&':
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	switch {
	case len(cleaned) < MinPromptLength:
		return "", Invalid(op, "Prompt must be at least 3 characters long")
	case len(cleaned) > MaxPromptLength:
		return "", Invalid(op, "Prompt cannot exceed 1000 characters")
	}
	return cleaned, nil
}
