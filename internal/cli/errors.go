// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types and exit codes shared by every termlimits command.
//
// Handlers always return errors; main decides how to display them and which
// exit code to use.

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates authentication or authorization failure
	ExitAuthError = 4
	// ExitNetworkError indicates network or connectivity error
	ExitNetworkError = 5
	// ExitSecurityError indicates tampering or a failed validation
	ExitSecurityError = 6
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
)

var (
	// ErrValidationFailed is returned by `verify` when the validator denies an artifact.
	ErrValidationFailed = errors.New("module validation failed")
	// ErrAuditChainBroken is returned by `audit verify` for an edited log.
	ErrAuditChainBroken = errors.New("audit chain broken")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a failed command action with context.
type CommandError struct {
	Command string // e.g. "keys"
	Action  string // e.g. "rotate"
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ValidationError is a bad user-supplied argument.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NotFoundError is a missing file, module or key.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewCommandError creates a CommandError.
func NewCommandError(command, action, reason string, err error) error {
	return &CommandError{Command: command, Action: action, Reason: reason, Err: err}
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// NewValidationErrorWithExample creates a ValidationError with a usage example.
func NewValidationErrorWithExample(field, value, reason, example string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason, Example: example}
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ErrMissingArgument reports a required argument that was not given.
func ErrMissingArgument(argName, usage string) error {
	return NewValidationErrorWithExample(argName, "", "required argument missing", usage)
}

// ErrUnknownSubcommand reports a subcommand the command does not have.
func ErrUnknownSubcommand(command, sub string, valid []string) error {
	return NewValidationErrorWithExample(command+" subcommand", sub, "unknown subcommand",
		"termlimits "+command+" "+strings.Join(valid, "|"))
}

// ReportedError is a failure whose result the command already printed.
// In JSON mode no second envelope is written; the exit code still follows Err.
type ReportedError struct {
	Err error
}

func (e *ReportedError) Error() string { return e.Err.Error() }
func (e *ReportedError) Unwrap() error { return e.Err }

// reported marks err as already printed.
func reported(err error) error {
	return &ReportedError{Err: err}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError prints err to stderr, or as a JSON envelope on stdout in
// JSON mode.
func DisplayError(command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		var rep *ReportedError
		if errors.As(err, &rep) {
			return
		}
		_ = displayErrorJSON(stdout, command, err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}

func displayErrorJSON(w io.Writer, command string, err error) error {
	resp := NewJSONErrorResponse(command, err)
	resp.ErrorType = errorType(err)
	resp.ExitCode = GetExitCode(err)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func errorType(err error) string {
	var (
		cmdErr *CommandError
		valErr *ValidationError
		nfErr  *NotFoundError
	)
	switch {
	case errors.As(err, &valErr):
		return "validation_error"
	case errors.As(err, &nfErr):
		return "not_found_error"
	case errors.As(err, &cmdErr):
		return "command_error"
	default:
		return "generic_error"
	}
}

// HandleErrorAndExit displays err and exits with its exit code.
func HandleErrorAndExit(command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	DisplayError(command, err, jsonMode)
	os.Exit(GetExitCode(err))
}

// GetExitCode maps err to an exit code. Typed and sentinel errors are
// checked first; the message heuristics only catch errors from outside
// this module.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		valErr  *ValidationError
		nfErr   *NotFoundError
		cfgErr  config.ValidateErrors
		cfgErr1 config.ValidationError
	)
	switch {
	case errors.As(err, &valErr),
		errors.Is(err, classification.ErrUnknownLevel):
		return ExitUsageError

	case errors.As(err, &cfgErr), errors.As(err, &cfgErr1),
		errors.Is(err, module.ErrInvalidDeclarations):
		return ExitConfigError

	case errors.Is(err, manifest.ErrTampered),
		errors.Is(err, manifest.ErrUnsigned),
		errors.Is(err, manifest.ErrCorrupted),
		errors.Is(err, signing.ErrBadSignature),
		errors.Is(err, signing.ErrKeyMismatch),
		errors.Is(err, protect.ErrDecryptionFailed),
		errors.Is(err, ErrValidationFailed),
		errors.Is(err, ErrAuditChainBroken):
		return ExitSecurityError

	case errors.Is(err, session.ErrTokenInvalid),
		errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrClearance),
		errors.Is(err, session.ErrNotConfigured),
		errors.Is(err, protect.ErrUnauthorized),
		errors.Is(err, protect.ErrWrongPassphrase):
		return ExitAuthError

	case errors.As(err, &nfErr),
		errors.Is(err, manifest.ErrNotFound),
		errors.Is(err, protect.ErrNotInitialized),
		errors.Is(err, signing.ErrNoKey),
		errors.Is(err, audit.ErrNoKey),
		errors.Is(err, os.ErrNotExist):
		return ExitNotFoundError

	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "config"):
		return ExitConfigError
	case strings.Contains(msg, "address already in use"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "listen tcp"):
		return ExitNetworkError
	case strings.Contains(msg, "timed out"):
		return ExitTimeoutError
	}
	return ExitGeneralError
}
