// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classification

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Level is an ordered module security classification.
type Level int

const (
	Public Level = iota
	Restricted
	Confidential
	TopSecret
)

// Level names as written in declarations, manifests and tokens.
const (
	NamePublic       = "PUBLIC"
	NameRestricted   = "RESTRICTED"
	NameConfidential = "CONFIDENTIAL"
	NameTopSecret    = "TOP_SECRET"
)

// ErrUnknownLevel is returned when a string does not name a level.
var ErrUnknownLevel = errors.New("unknown security level")

// All returns every level from lowest to highest.
func All() []Level {
	return []Level{Public, Restricted, Confidential, TopSecret}
}

// String returns the canonical level name.
func (l Level) String() string {
	switch l {
	case Public:
		return NamePublic
	case Restricted:
		return NameRestricted
	case Confidential:
		return NameConfidential
	case TopSecret:
		return NameTopSecret
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Slug returns the lowercase file-safe form used for key file names.
func (l Level) Slug() string {
	return strings.ToLower(l.String())
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Public && l <= TopSecret
}

// Dominates reports whether l is at least as high as other.
func (l Level) Dominates(other Level) bool {
	return l >= other
}

// Color returns the banner color shown by the CLI for the level.
func (l Level) Color() lipgloss.Color {
	switch l {
	case Public:
		return lipgloss.Color("42") // Green
	case Restricted:
		return lipgloss.Color("39") // Cyan
	case Confidential:
		return lipgloss.Color("214") // Orange
	case TopSecret:
		return lipgloss.Color("196") // Red
	default:
		return lipgloss.Color("245")
	}
}

// Parse converts a level name into a Level. Matching is case-insensitive and
// accepts '-', ' ' or no separator in TOP_SECRET.
func Parse(s string) (Level, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)

	switch norm {
	case NamePublic:
		return Public, nil
	case NameRestricted:
		return Restricted, nil
	case NameConfidential:
		return Confidential, nil
	case NameTopSecret, "TOPSECRET":
		return TopSecret, nil
	default:
		return Public, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Level {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// Highest returns the highest of the given levels, or Public when empty.
func Highest(levels ...Level) Level {
	out := Public
	for _, l := range levels {
		if l > out {
			out = l
		}
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
