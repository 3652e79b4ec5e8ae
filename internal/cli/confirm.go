// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// confirm.go - Confirmation for destructive actions such as replacing keys.

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// RequireConfirmation returns true when --confirm was passed or the user
// answers yes on the terminal. JSON mode and non-TTY stdin never prompt.
//
//	ok, err := RequireConfirmation(args.BoolFlag("confirm"), "replace signing keys", jsonMode)
//	if err != nil || !ok {
//	    return err
//	}
func RequireConfirmation(confirmFlag bool, action string, jsonMode bool) (bool, error) {
	if confirmFlag {
		return true, nil
	}
	if jsonMode {
		return false, NewValidationErrorWithExample("confirmation", "", "required in JSON mode", "--confirm")
	}
	if !IsTTY() {
		return false, NewValidationErrorWithExample("confirmation", "", "stdin is not a terminal", "--confirm")
	}

	fmt.Fprintf(os.Stderr, "%s Are you sure you want to %s? [y/N]: ", WarningStyle.Render("[WARN]"), action)
	input, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	response := strings.ToLower(strings.TrimSpace(input))
	return response == "y" || response == "yes", nil
}
