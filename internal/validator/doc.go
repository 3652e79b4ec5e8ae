// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validator decides whether a module artifact may be used.
//
// Every request runs five checks and reports each one:
//
//   - manifest: the module has an entry in the sealed manifest
//   - integrity: the artifact's SRI digest equals the manifest's
//   - signature: the per-level Ed25519 signature verifies
//   - context: the session's clearance dominates the module level
//   - environment: heuristic indicators reported by the client runtime
//
// Environment indicators come from an untrusted runtime. They can deny
// access or lower the reported assurance to "partial"; they never turn a
// failed cryptographic check into a pass.
package validator
