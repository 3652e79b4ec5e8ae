// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"path"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/unicode/norm"
)

// NormalizeID converts a relative file path into a module identifier.
//
// UNICODE: macOS reports decomposed (NFD) file names while Linux keeps what
// was written, so IDs are NFC-normalized before hashing. Backslashes become
// forward slashes and "./" segments are cleaned.
func NormalizeID(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = norm.NFC.String(p)
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// PadRight pads s with spaces to the given display width. Wide runes count
// as two columns.
func PadRight(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

// Truncate shortens s to width display columns, ending in "..." when cut.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}
