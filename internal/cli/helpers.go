// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line interface functionality.
// This file contains formatting helpers shared by several commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// formatDurationShort formats a build or request duration.
func formatDurationShort(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", m, s)
}

// formatBytes formats a byte count for display.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// table prints rows as space-padded columns.
// Column widths are display widths, so wide runes in module IDs line up.
// Cells are truncated to half the terminal width, never below 40.
type table struct {
	headers []string
	rows    [][]string
	max     int
}

func newTable(headers ...string) *table {
	return &table{headers: headers, max: max(GetTerminalWidth()/2, 40)}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) print() {
	widths := make([]int, len(t.headers))
	measure := func(cells []string) {
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			w := runewidth.StringWidth(c)
			if w > t.max {
				w = t.max
			}
			if w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, r := range t.rows {
		measure(r)
	}

	line := func(cells []string, style func(string) string) {
		var b strings.Builder
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			cell := util.Truncate(c, t.max)
			if i < len(cells)-1 {
				cell = util.PadRight(cell, widths[i]+2)
			}
			b.WriteString(style(cell))
		}
		fmt.Fprintln(stdout, b.String())
	}
	line(t.headers, func(s string) string { return SectionStyle.UnsetMarginTop().Render(s) })
	for _, r := range t.rows {
		line(r, func(s string) string { return s })
	}
}

// ValidateOutputPath resolves path and refuses system directories.
// SECURITY: keys export must not be tricked into writing over /etc.
func ValidateOutputPath(path string) (string, error) {
	if path == "" {
		return "", NewValidationError("output path", "", "must not be empty")
	}
	if strings.Contains(path, "\x00") {
		return "", NewValidationError("output path", path, "contains a NUL byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}
	for _, dir := range []string{"/etc", "/bin", "/sbin", "/usr", "/boot", "/proc", "/sys", "/dev"} {
		if abs == dir || strings.HasPrefix(abs, dir+string(os.PathSeparator)) {
			return "", NewValidationError("output path", path, "refusing to write into "+dir)
		}
	}
	return abs, nil
}
