// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package module

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// PragmaLines is how many leading lines are searched for a level pragma.
const PragmaLines = 5

var pragmaPattern = regexp.MustCompile(`^\s*(?://|/\*+|\*)\s*@security-level[:\s]+([A-Za-z][A-Za-z_-]*)`)

// ParsePragma looks for "@security-level <LEVEL>" in a line comment or block
// comment on the first PragmaLines lines. A pragma naming an unknown level
// is an error so that typos never silently downgrade a module.
func ParsePragma(src []byte) (classification.Level, bool, error) {
	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	for line := 1; line <= PragmaLines && sc.Scan(); line++ {
		m := pragmaPattern.FindSubmatch(sc.Bytes())
		if m == nil {
			continue
		}
		level, err := classification.Parse(string(m[1]))
		if err != nil {
			return classification.Public, false, fmt.Errorf("pragma on line %d: %w", line, err)
		}
		return level, true, nil
	}
	return classification.Public, false, nil
}
