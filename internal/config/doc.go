// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for termlimits.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - BuildConfig: Discovery, hashing and artifact emission
//   - ProtectionConfig: Strategy overrides and key rotation
//   - ValidatorConfig: Runtime validation thresholds
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (TERMLIMITS_*)
//   - ./termlimits.toml or ./termlimits.json
//   - ~/.termlimits/config.toml
//   - ~/.termlimits/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inferrer, err := cfg.Inferrer()
package config
