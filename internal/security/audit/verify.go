// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Report is the result of walking an audit chain.
type Report struct {
	Path    string         `json:"path"`
	Entries int            `json:"entries"`
	Valid   bool           `json:"valid"`
	Issues  []string       `json:"issues,omitempty"`
	ByType  map[string]int `json:"by_type"`
	// BrokenAt is the first line number that failed, 0 when valid
	BrokenAt int `json:"broken_at,omitempty"`
}

// EventTypes returns the event types seen, sorted.
func (r *Report) EventTypes() []string {
	out := make([]string, 0, len(r.ByType))
	for t := range r.ByType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Verify walks the log at path and checks every MAC and back-link.
func Verify(path string, key []byte) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	rep := &Report{Path: path, ByType: map[string]int{}}
	prev := ""
	fail := func(n int, format string, args ...any) {
		rep.Issues = append(rep.Issues, fmt.Sprintf("line %d: ", n)+fmt.Sprintf(format, args...))
		if rep.BrokenAt == 0 {
			rep.BrokenAt = n
		}
	}

	err = scanLines(f, func(n int, line []byte) error {
		rep.Entries++
		body, mac, ok := splitLine(line)
		if !ok {
			fail(n, "malformed line")
			prev = ""
			return nil
		}

		var e Event
		if err := json.Unmarshal(body, &e); err != nil {
			fail(n, "invalid JSON: %v", err)
			prev = mac
			return nil
		}
		rep.ByType[e.EventType]++

		if e.Prev != prev {
			fail(n, "broken chain: previous MAC mismatch")
		}
		want := computeMAC(key, e.Prev, body)
		if !hmac.Equal([]byte(want), []byte(mac)) {
			fail(n, "invalid MAC")
		}
		prev = mac
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	rep.Valid = len(rep.Issues) == 0
	return rep, nil
}
