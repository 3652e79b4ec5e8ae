// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validator

import (
	"fmt"
	"sort"
)

// Indicator weights added to the risk score.
const (
	WeightDebugger       = 40
	WeightPrototypes     = 30
	WeightExtraPrototype = 5
	WeightDevTools       = 20
	WeightWebDriver      = 20
	WeightTimingSkew     = 10
	MaxRiskScore         = 100
	DefaultTimingSkewMS  = 100
)

// EnvironmentReport is what the client runtime claims about itself.
type EnvironmentReport struct {
	DebuggerAttached   bool     `json:"debugger_attached"`
	DevToolsOpen       bool     `json:"devtools_open"`
	WebDriver          bool     `json:"webdriver"`
	TamperedPrototypes []string `json:"tampered_prototypes,omitempty"`
	TimingSkewMillis   float64  `json:"timing_skew_millis"`
	UserAgent          string   `json:"user_agent,omitempty"`
}

// Score returns the risk score of r and the indicators that contributed,
// using skewMillis as the timing threshold.
func (r EnvironmentReport) Score(skewMillis int) (int, []string) {
	if skewMillis <= 0 {
		skewMillis = DefaultTimingSkewMS
	}
	score := 0
	var hits []string

	if r.DebuggerAttached {
		score += WeightDebugger
		hits = append(hits, "debugger")
	}
	if n := len(uniq(r.TamperedPrototypes)); n > 0 {
		score += WeightPrototypes + WeightExtraPrototype*(n-1)
		hits = append(hits, fmt.Sprintf("prototypes(%d)", n))
	}
	if r.DevToolsOpen {
		score += WeightDevTools
		hits = append(hits, "devtools")
	}
	if r.WebDriver {
		score += WeightWebDriver
		hits = append(hits, "webdriver")
	}
	if r.TimingSkewMillis > float64(skewMillis) {
		score += WeightTimingSkew
		hits = append(hits, "timing")
	}

	if score > MaxRiskScore {
		score = MaxRiskScore
	}
	return score, hits
}

func uniq(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
