// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session verifies execution contexts presented by callers.
//
// termlimits does not manage sessions itself. An external backend issues a
// signed JWT carrying the session ID, granted permissions, clearance level,
// and deployment environment; the Verifier checks the signature, issuer,
// audience, and lifetime, then returns a Context.
//
// # Key Types
//
//   - Context: Verified execution context (clearance, permissions, expiry)
//   - Verifier: HS256 or EdDSA token verification with clock leeway
//   - Issuer: Local token minting for development and tests
//
// # Usage
//
//	v, err := session.NewVerifier(session.VerifierConfig{
//	    Issuer:   "termlimits-session",
//	    Audience: "termlimits",
//	    Secret:   secret,
//	})
//	sc, err := v.VerifyFor(token, classification.Confidential)
//	if errors.Is(err, session.ErrClearance) {
//	    // Deny access
//	}
package session
