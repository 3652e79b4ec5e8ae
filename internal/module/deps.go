// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package module

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/TheMapleseed/Term-Limits/internal/util"
)

var (
	// import x from "y" / import {a} from 'y' / export * from "y"
	staticImportPattern = regexp.MustCompile(`(?m)^\s*(?:import|export)\s+(?:[^'";]*?\s+from\s+)?['"]([^'"]+)['"]`)
	// import("y")
	dynamicImportPattern = regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	// require("y")
	requirePattern = regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	// @import "y"; / @import url("y");
	cssImportPattern = regexp.MustCompile(`@import\s+(?:url\(\s*)?['"]([^'"]+)['"]`)
)

// ExtractDependencies returns the sorted, de-duplicated dependencies of a
// module. Relative specifiers are resolved against the module's directory.
func ExtractDependencies(id string, src []byte) []string {
	text := string(src)

	var specs []string
	if strings.HasSuffix(id, ".css") {
		specs = collect(cssImportPattern, text, specs)
	} else {
		specs = collect(staticImportPattern, text, specs)
		specs = collect(dynamicImportPattern, text, specs)
		specs = collect(requirePattern, text, specs)
	}

	seen := make(map[string]struct{}, len(specs))
	deps := make([]string, 0, len(specs))
	for _, spec := range specs {
		dep := ResolveSpecifier(id, spec)
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}

func collect(re *regexp.Regexp, text string, out []string) []string {
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// ResolveSpecifier maps an import specifier to a dependency name. Relative
// specifiers become module IDs; anything else is returned trimmed.
// Specifiers that escape the source root resolve to "".
func ResolveSpecifier(fromID, spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ""
	}
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") && spec != "." && spec != ".." {
		return spec
	}
	joined := path.Join(path.Dir(fromID), spec)
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return ""
	}
	return util.NormalizeID(joined)
}
