// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classification provides the ordered security levels that drive
// payload protection, signing, and validation of frontend modules.
//
// # Security Levels
//
// Supported levels (lowest to highest):
//   - PUBLIC: no protection, integrity only
//   - RESTRICTED: reversible obfuscation, NOT confidential
//   - CONFIDENTIAL: authenticated encryption
//   - TOP_SECRET: authenticated encryption bound to execution context, rotated keys
//
// # Parsing
//
//	level, err := classification.Parse("top-secret")
//	if err != nil {
//	    return err
//	}
//	level.Dominates(classification.Confidential) // true
//
// # Inference
//
// When a module carries no declared level, the Inferrer derives one from
// path and naming conventions:
//
//	inf := classification.NewInferrer(classification.Public, rules...)
//	level, matched := inf.Infer("src/admin/users.confidential.js")
package classification
