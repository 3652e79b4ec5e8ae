// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package module discovers frontend modules and decides their security level.
//
// A module's level comes from, in order:
//   - an inline pragma in the first lines of the file ("// @security-level CONFIDENTIAL")
//   - the declaration file (security.yaml or security.json at the source root)
//   - configured rules and naming markers (see classification.Inferrer)
//   - the configured default level
//
// Dependencies are extracted from ES imports, dynamic imports, CommonJS
// require calls and CSS @import rules. Relative specifiers are resolved to
// module IDs; bare package names are kept as written.
package module
