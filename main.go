// termlimits - Classify, protect and sign frontend modules, and serve them
// at the edge.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheMapleseed/Term-Limits/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := cli.Parse(os.Args[1:])

	var err error
	switch cmd {
	case cli.CmdHelp:
		err = cli.HandleHelp(args)
	case cli.CmdVersion:
		err = cli.HandleVersion(args)
	case cli.CmdBuild:
		err = cli.HandleBuild(ctx, args)
	case cli.CmdWatch:
		err = cli.HandleWatch(ctx, args)
	case cli.CmdHash:
		err = cli.HandleHash(args)
	case cli.CmdClassify:
		err = cli.HandleClassify(ctx, args)
	case cli.CmdLevels:
		err = cli.HandleLevels(args)
	case cli.CmdKeys:
		err = cli.HandleKeys(args)
	case cli.CmdManifest:
		err = cli.HandleManifest(args)
	case cli.CmdVerify:
		err = cli.HandleVerify(ctx, args)
	case cli.CmdToken:
		err = cli.HandleToken(args)
	case cli.CmdServe:
		err = cli.HandleServe(ctx, args)
	case cli.CmdAudit:
		err = cli.HandleAudit(args)
	case cli.CmdCache:
		err = cli.HandleCache(ctx, args)
	case cli.CmdConfig:
		err = cli.HandleConfig(args)
	case cli.CmdDoctor:
		err = cli.HandleDoctor(ctx, args)
	default:
		err = cli.UnknownCommandError(args.Name)
	}

	if err != nil {
		stop()
		cli.HandleErrorAndExit(args.Name, err, args.JSON)
	}
}
