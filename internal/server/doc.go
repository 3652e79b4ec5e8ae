// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes protected build output as edge endpoints.
//
// Endpoints:
//   - GET  /healthz                 - Liveness and manifest summary
//   - GET  /manifest.json           - The sealed integrity manifest
//   - GET  /v1/modules/{id}         - Artifact bytes with verification headers
//   - POST /v1/modules/{id}/unwrap  - Decrypted source for an authorized session
//   - POST /v1/validate             - Validator report for a client artifact
//   - GET  /metrics                 - Prometheus metrics
//
// Artifacts at CONFIDENTIAL and above, and every unwrap, require a bearer
// token whose clearance dominates the module level. Errors are JSON objects
// of the form {"error": "..."}. Each client is rate limited with its own
// token bucket and receives 429 when it runs dry.
//
// Middleware order, outermost first: panic recovery, security headers,
// request logging, rate limiting, then per-route metrics inside the router.
package server
