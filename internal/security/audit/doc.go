// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides the append-only security event log.
//
// Events are written as JSON lines. Each line carries the MAC of the line
// before it and its own HMAC-SHA256, so editing, reordering, or deleting a
// line breaks the chain at that point.
//
// # Components
//
// Logger - Thread-safe, redacting, chained event writer
//
//	key, _, err := audit.NewKeyManager(dir).LoadKey()
//	logger, err := audit.Open("/path/to/audit.jsonl", key)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Record(audit.Event{EventType: audit.EventUnwrap, ModuleID: id, Success: true})
//
// Verification
//
//	report, err := audit.Verify("/path/to/audit.jsonl", key)
//	if !report.Valid {
//	    // report.Issues names the first broken line
//	}
//
// # Security Considerations
//
//   - Bearer tokens, JWTs, PEM blocks, and secret-named metadata are redacted
//   - The HMAC key is never auto-generated; `termlimits keys init` creates it
//   - Log and key files are created with 0600 permissions
package audit
