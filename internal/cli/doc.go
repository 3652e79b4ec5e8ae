// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the termlimits commands.
//
// Every handler returns an error instead of exiting; main maps it to an
// exit code with GetExitCode and prints it with DisplayError. In JSON mode
// each command writes exactly one JSONResponse envelope to stdout.
//
// # Usage
//
//	cmd, args := cli.Parse(os.Args[1:])
//	switch cmd {
//	case cli.CmdBuild:
//	    err = cli.HandleBuild(ctx, args)
//	// ... other commands
//	}
//	cli.HandleErrorAndExit(args.Name, err, args.JSON)
//
// # Commands Overview
//
// Build: build, watch, hash, classify, levels
//
// Keys: keys init|rotate|list|export
//
// Manifest: manifest show|verify|diff
//
// Runtime: verify, token issue, serve, audit verify
//
// Maintenance: doctor, cache stats|prune|clear, config show|get|set|path
//
// # Output
//
// Human output goes through the lipgloss styles in styles.go and honors
// NO_COLOR. Logs go to stderr via zap and never mix with command output.
package cli
