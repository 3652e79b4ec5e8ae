// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protect maps security levels to payload protection strategies.
//
// # Strategies
//
//   - passthrough (PUBLIC): no protection, the artifact is the source
//   - obfuscate (RESTRICTED): reversible keystream transform, NOT confidential
//   - aes-256-gcm (CONFIDENTIAL): authenticated encryption, per-module HKDF keys
//   - xchacha20-poly1305-ctx (TOP_SECRET): authenticated encryption whose
//     associated data binds the module, level, build, required permission and
//     key epoch; decryption requires a matching Binding
//
// Obfuscation exists to slow down casual inspection. Anyone holding the
// artifact and the build ID can reverse it, and envelopes produced by it
// carry "confidential": false.
//
// # Keys
//
// Encryption keys come from a KeyRing of numbered epochs. Each epoch lasts
// protection.rotation_interval_hours; old epochs stay available for
// decryption until protection.retain_epochs newer ones exist.
package protect
