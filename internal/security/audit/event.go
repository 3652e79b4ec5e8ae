// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"regexp"
	"strings"
	"time"
)

// Event types.
const (
	EventBuildStart       = "BUILD_START"
	EventBuildComplete    = "BUILD_COMPLETE"
	EventModuleProtected  = "MODULE_PROTECTED"
	EventValidationFail   = "VALIDATION_FAIL"
	EventUnwrap           = "UNWRAP"
	EventKeyRotated       = "KEY_ROTATED"
	EventManifestTampered = "MANIFEST_TAMPERED"
)

// Event is one audit record. Prev and MAC are filled by the Logger.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	ModuleID  string            `json:"module_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Success   bool              `json:"success"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Prev      string            `json:"prev"`
	MAC       string            `json:"mac,omitempty"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(Event) error
}

// Nop discards events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) error { return nil }

// =============================================================================
// REDACTION
// =============================================================================

// Redactor replaces sensitive data in a string.
type Redactor interface {
	Redact(input string) string
	Name() string
}

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a new pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces matches with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"PEM", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`), "[PEM_REDACTED]"},
	{"Bearer", regexp.MustCompile(`(?i)Bearer\s+[a-zA-Z0-9\-_.=+/]+`), "Bearer [TOKEN_REDACTED]"},
	{"JWT", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
	{"Password", regexp.MustCompile(`(?i)(password|passwd|passphrase|secret)\s*[=:]\s*\S+`), "[SECRET_REDACTED]"},
	{"GitHub", regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,}`), "[GITHUB_TOKEN_REDACTED]"},
	{"AWS", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[AWS_KEY_REDACTED]"},
}

// sensitiveKeys are metadata keys whose values are always dropped.
var sensitiveKeys = []string{"token", "secret", "password", "passphrase", "private", "authorization"}

// DefaultRedactors returns the built-in secret redactors.
func DefaultRedactors() []Redactor {
	out := make([]Redactor, 0, len(secretPatterns))
	for _, sp := range secretPatterns {
		out = append(out, NewPatternRedactor(sp.name, sp.pattern, sp.replace))
	}
	return out
}

func redactString(s string, redactors []Redactor) string {
	for _, r := range redactors {
		s = r.Redact(s)
	}
	return s
}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	if k == "key" || strings.HasSuffix(k, "_key") {
		return !strings.HasSuffix(k, "key_id")
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// redact returns a copy of e with secrets removed.
func redact(e Event, redactors []Redactor) Event {
	e.Detail = redactString(e.Detail, redactors)
	if len(e.Metadata) > 0 {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			if sensitiveKey(k) {
				md[k] = "[REDACTED]"
				continue
			}
			md[k] = redactString(v, redactors)
		}
		e.Metadata = md
	}
	return e
}
