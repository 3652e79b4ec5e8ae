// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - TTY detection, color control and passphrase input.

package cli

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// PassphraseEnvVar supplies the key ring passphrase non-interactively.
const PassphraseEnvVar = "TERMLIMITS_KEY_PASSPHRASE"

// DefaultTerminalWidth is used when the width cannot be detected.
const DefaultTerminalWidth = 80

// IsTTY reports whether stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTTY reports whether stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// GetTerminalWidth returns the stdout width, or DefaultTerminalWidth.
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return DefaultTerminalWidth
	}
	return width
}

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled reports whether styled output should be used.
// NO_COLOR wins over FORCE_COLOR, which wins over TTY detection.
// See https://no-color.org/.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		switch {
		case os.Getenv("NO_COLOR") != "":
			colorsEnabled = false
		case os.Getenv("FORCE_COLOR") != "":
			colorsEnabled = true
		default:
			colorsEnabled = IsStdoutTTY()
		}
	})
	return colorsEnabled
}

// ForceColorsEnabled overrides detection. Tests only.
func ForceColorsEnabled(enabled bool) {
	colorsEnabledOnce = sync.Once{}
	colorsEnabledOnce.Do(func() {
		colorsEnabled = enabled
	})
}

// GetColorProfile returns Ascii when colors are off, otherwise the
// profile termenv detects.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// TTYRequiredError is returned when an operation needs interactive input.
type TTYRequiredError struct {
	Operation string
}

func (e *TTYRequiredError) Error() string {
	return "stdin is not a terminal; cannot " + e.Operation + " interactively"
}

// ReadPassphrase returns $TERMLIMITS_KEY_PASSPHRASE, or prompts on the
// terminal without echo. With confirm set the passphrase is asked twice.
func ReadPassphrase(prompt string, confirm bool) (string, error) {
	if v := os.Getenv(PassphraseEnvVar); v != "" {
		return v, nil
	}
	if !IsTTY() {
		return "", &TTYRequiredError{Operation: "read the key ring passphrase (set " + PassphraseEnvVar + ")"}
	}

	first, err := readHidden(prompt)
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", NewValidationError("passphrase", "", "must not be empty")
	}
	if !confirm {
		return first, nil
	}
	second, err := readHidden("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", NewValidationError("passphrase", "", "passphrases do not match")
	}
	return first, nil
}

func readHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
