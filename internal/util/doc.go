// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across termlimits packages.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// Module Identifiers:
//   - NormalizeID: Platform-independent, NFC-normalized module IDs
//   - PadRight: Display-width aware padding for CLI tables
//
// # Usage
//
//	// Write artifacts atomically to prevent partial files
//	err := util.AtomicWriteFile(path, data, 0644)
//
//	// Same ID on macOS (NFD file names) and Linux
//	id := util.NormalizeID("src\\café.js")
package util
