// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing and usage for termlimits.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// stdout receives command output. Tests swap it for a buffer.
var stdout io.Writer = os.Stdout

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdBuild
	CmdWatch
	CmdHash
	CmdClassify
	CmdLevels
	CmdKeys
	CmdManifest
	CmdVerify
	CmdToken
	CmdServe
	CmdAudit
	CmdCache
	CmdConfig
	CmdDoctor
	CmdVersion
	CmdUnknown
)

var commandNames = map[string]Command{
	"build":    CmdBuild,
	"b":        CmdBuild,
	"watch":    CmdWatch,
	"w":        CmdWatch,
	"hash":     CmdHash,
	"classify": CmdClassify,
	"levels":   CmdLevels,
	"keys":     CmdKeys,
	"manifest": CmdManifest,
	"verify":   CmdVerify,
	"token":    CmdToken,
	"serve":    CmdServe,
	"audit":    CmdAudit,
	"cache":    CmdCache,
	"config":   CmdConfig,
	"doctor":   CmdDoctor,
	"version":  CmdVersion,
	"help":     CmdHelp,
}

// String returns the canonical command name.
func (c Command) String() string {
	switch c {
	case CmdBuild:
		return "build"
	case CmdWatch:
		return "watch"
	case CmdHash:
		return "hash"
	case CmdClassify:
		return "classify"
	case CmdLevels:
		return "levels"
	case CmdKeys:
		return "keys"
	case CmdManifest:
		return "manifest"
	case CmdVerify:
		return "verify"
	case CmdToken:
		return "token"
	case CmdServe:
		return "serve"
	case CmdAudit:
		return "audit"
	case CmdCache:
		return "cache"
	case CmdConfig:
		return "config"
	case CmdDoctor:
		return "doctor"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return "unknown"
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON       bool
	Quiet      bool
	Verbose    bool
	ConfigPath string

	// Name is the command word as typed
	Name string
	// Raw holds every argument after the command, flags included
	Raw []string
}

// Parser returns an ArgParser over the command's arguments.
func (a Args) Parser(boolNames ...string) *ArgParser {
	return NewArgParser(a.Raw, boolNames...)
}

const usageText = `termlimits - classify, protect and sign frontend modules

Usage:
  termlimits <command> [subcommand] [flags]

Build Commands:
  build, b                  Discover, protect and sign every module
    --source DIR            Source root (default: build.source_root)
    --out DIR               Output directory (default: build.out_dir)
    --build-id ID           Build ID mixed into content hashes
    --no-cache              Ignore build.cache_path for this build
    --ephemeral-keys        Use throwaway in-memory keys (CI dry runs)
  watch, w                  Rebuild incrementally on file changes
  hash <file>               Print the content hash and cache key of a module
    --build-id ID           Build ID (hashes differ per build)
  classify [path...]        Show the level of each module and why
  levels                    List security levels and their strategies

Key Commands:
  keys init                 Create signing keys, key ring and audit key
    --passphrase            Derive epoch keys from a passphrase
    --force --confirm       Replace existing signing keys
  keys rotate               Start a new protection key epoch
  keys list                 Show key fingerprints and epochs
  keys export <dir>         Write public signing keys for verifiers

Manifest Commands:
  manifest show [path]      Print manifest entries
  manifest verify [path]    Verify the seal, artifact integrity and signatures
  manifest diff <old> <new> Show added, removed and changed modules

Runtime Commands:
  verify <module-id> <artifact>
                            Validate an artifact as the edge would
    --token TOKEN           Session token (or TERMLIMITS_TOKEN)
    --env FILE              Environment report JSON from the client
  token issue               Mint a development session token
    --subject SUB --clearance LEVEL --perm a,b --env ENV --ttl 15m
  serve                     Serve artifacts, unwrap and validation endpoints
    --listen ADDR           Listen address (default: server.listen)
    --watch                 Rebuild on change and hot-swap the manifest
  audit verify              Verify the audit log HMAC chain
    --path FILE             Audit log (default: audit.path)

Maintenance Commands:
  doctor                    Check config, keys, audit chain and cache
  cache stats               Show build cache size and age
  cache prune --older 72h   Drop cached artifacts older than a duration
  cache clear --confirm     Drop every cached artifact
  config show               Print the effective config (secrets masked)
  config get <key>          Print one value (dot notation)
  config set <key> <value>  Write one value to the config file
  config path               Show the config file in use

Other:
  version                   Show version information
  help                      Show this help

Global Flags:
  --config FILE             Config file (default: ./termlimits.toml, ~/.termlimits/config.toml)
  --json                    Machine-readable output
  -q, --quiet               Only log errors
  -v, --verbose             Debug logging

Environment:
  TERMLIMITS_BUILD_ID, TERMLIMITS_KEY_DIR, TERMLIMITS_SESSION_SECRET,
  TERMLIMITS_KEY_PASSPHRASE, TERMLIMITS_AUDIT_HMAC_KEY, NO_COLOR

Exit Codes:
  0 ok, 1 error, 2 usage, 3 config, 4 auth, 5 network, 6 security, 7 not found,
  8 timeout

Version: %s
`

// PrintUsage prints the usage text.
func PrintUsage() {
	fmt.Fprintf(stdout, usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Fprintf(stdout, "termlimits version %s\n", Version)
	fmt.Fprintf(stdout, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(stdout, "  Build date: %s\n", BuildDate)
}

// Parse splits argv (without the program name) into a command and its
// arguments. Global flags may appear anywhere.
func Parse(argv []string) (Command, Args) {
	remaining, args := parseGlobalFlags(argv)

	if len(remaining) == 0 {
		return CmdHelp, args
	}

	word := strings.ToLower(remaining[0])
	args.Name = word
	args.Raw = remaining[1:]

	switch word {
	case "-h", "--help":
		return CmdHelp, args
	case "-V", "--version":
		return CmdVersion, args
	}
	if cmd, ok := commandNames[word]; ok {
		return cmd, args
	}
	return CmdUnknown, args
}

// parseGlobalFlags extracts global flags and returns the rest in order.
func parseGlobalFlags(argv []string) ([]string, Args) {
	var remaining []string
	var args Args

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "--json":
			args.JSON = true
		case arg == "-q" || arg == "--quiet":
			args.Quiet = true
		case arg == "-v" || arg == "--verbose":
			args.Verbose = true
		case arg == "--config" || arg == "-c":
			if i+1 < len(argv) {
				i++
				args.ConfigPath = argv[i]
			}
		case strings.HasPrefix(arg, "--config="):
			args.ConfigPath = strings.TrimPrefix(arg, "--config=")
		default:
			remaining = append(remaining, arg)
		}
	}
	return remaining, args
}

// HandleVersion handles the "version" command.
func HandleVersion(args Args) error {
	if args.JSON {
		return emit("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		})
	}
	PrintVersion()
	return nil
}

// HandleHelp handles the "help" command.
func HandleHelp(Args) error {
	PrintUsage()
	return nil
}

// UnknownCommandError is returned for an unrecognized command word.
func UnknownCommandError(name string) error {
	return NewValidationErrorWithExample("command", name, "unknown command", "termlimits help")
}
