// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - The --json envelope shared by every command.
//
// In JSON mode stdout carries exactly one JSONResponse; human-readable
// progress goes to stderr and diagnostics go through the zap logger.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// JSONResponse is the machine-readable result of one command.
type JSONResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	// Error is null on success
	Error     *string `json:"error"`
	ErrorType string  `json:"error_type,omitempty"`
	ExitCode  int     `json:"exit_code,omitempty"`
	// Timestamp is RFC 3339 UTC
	Timestamp string `json:"timestamp"`
	Command   string `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data interface{}) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a failed response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	errStr := err.Error()
	return &JSONResponse{
		Success:   false,
		Error:     &errStr,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Print writes the response to stdout.
func (r *JSONResponse) Print() error {
	return r.Write(stdout)
}

// Write encodes the indented response to w.
func (r *JSONResponse) Write(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// emit prints data as a JSON envelope for command.
func emit(command string, data interface{}) error {
	return NewJSONResponse(command, data).Print()
}

// StderrPrint prints human-readable progress in JSON mode.
func StderrPrint(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// VersionData is the data of the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}
