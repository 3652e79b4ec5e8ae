// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	if err := AtomicWriteFile(path, []byte("first"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile() error = %v", err)
	}
	if err := AtomicWriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatalf("AtomicWriteFile() overwrite error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %o, want 600", info.Mode().Perm())
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected 1 file in dir, found %d", len(entries))
	}
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"src/app.js", "src/app.js"},
		{"./src/app.js", "src/app.js"},
		{"src\\lib\\app.js", "src/lib/app.js"},
		{"src//lib/../app.js", "src/app.js"},
		{"/abs/app.js", "abs/app.js"},
		{"caf\u00e9.js", "caf\u00e9.js"},
		{"cafe\u0301.js", "caf\u00e9.js"},
		{".", ""},
	}

	for _, tt := range tests {
		if got := NormalizeID(tt.in); got != tt.want {
			t.Errorf("NormalizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPadRightAndTruncate(t *testing.T) {
	if got := PadRight("ab", 4); got != "ab  " {
		t.Errorf("PadRight() = %q", got)
	}
	if got := PadRight("日本", 4); got != "日本" {
		t.Errorf("PadRight() wide = %q", got)
	}
	if got := PadRight("toolong", 3); got != "toolong" {
		t.Errorf("PadRight() overflow = %q", got)
	}
	if got := Truncate("abcdefgh", 6); got != "abc..." {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("abc", 6); got != "abc" {
		t.Errorf("Truncate() short = %q", got)
	}
	if got := Truncate("abcdef", 2); got != "ab" {
		t.Errorf("Truncate() tiny = %q", got)
	}
}
