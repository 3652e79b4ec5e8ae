// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config inspection and editing.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Effective config as TOML (secrets masked)
//   get <key>           One value, dot notation (build.out_dir)
//   set <key> <value>   Write a value to the config file
//   path                Config file in use
//
// Examples:
//   termlimits config get levels.default
//   termlimits config set build.concurrency 4
//   termlimits config set build.exclude "node_modules,vendor"

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/TheMapleseed/Term-Limits/internal/config"
)

// secretKeys are masked by show and get.
var secretKeys = map[string]bool{
	"session.secret": true,
}

// HandleConfig handles "config <subcommand>".
func HandleConfig(args Args) error {
	p := args.Parser()
	switch sub := p.Subcommand(); sub {
	case "", "show":
		return handleConfigShow(args)
	case "get":
		return handleConfigGet(args, p.Positional(1))
	case "set":
		return handleConfigSet(args, p.Positional(1), p.Positional(2))
	case "path":
		return handleConfigPath(args)
	default:
		return ErrUnknownSubcommand("config", sub, []string{"show", "get", "set", "path"})
	}
}

// configFile returns the file config reads and writes.
func configFile(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	if path := config.FindConfigFile(); path != "" {
		return path, nil
	}
	return config.ConfigPathTOML()
}

// maskIfSecret hides all but the last four characters of secret values.
func maskIfSecret(key, value string) string {
	if !secretKeys[key] || value == "" {
		return value
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

func handleConfigShow(args Args) error {
	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	masked := cfg.Clone()
	masked.Session.Secret = maskIfSecret("session.secret", masked.Session.Secret)

	if args.JSON {
		return emit("config show", masked)
	}
	path, _ := configFile(args)
	fmt.Fprintln(stdout, DimStyle.Render("# "+path))
	return toml.NewEncoder(stdout).Encode(masked)
}

func handleConfigGet(args Args, key string) error {
	if key == "" {
		return ErrMissingArgument("key", "termlimits config get <key>")
	}
	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	v, err := cfg.Get(key)
	if err != nil {
		return NewValidationErrorWithExample("key", key, err.Error(), "build.out_dir")
	}
	if s, ok := v.(string); ok {
		v = maskIfSecret(key, s)
	}

	if args.JSON {
		return emit("config get", map[string]any{"key": key, "value": v})
	}
	if list, ok := v.([]string); ok {
		fmt.Fprintln(stdout, strings.Join(list, ","))
		return nil
	}
	fmt.Fprintln(stdout, v)
	return nil
}

// handleConfigSet edits the config file itself, not the effective config,
// so environment overrides are never written back.
func handleConfigSet(args Args, key, value string) error {
	if key == "" || value == "" {
		return ErrMissingArgument("key and value", "termlimits config set <key> <value>")
	}
	path, err := configFile(args)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if strings.HasSuffix(path, ".json") {
			err = config.LoadJSON(cfg, path)
		} else {
			err = config.LoadTOML(cfg, path)
		}
		if err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := cfg.Set(key, value); err != nil {
		return NewValidationErrorWithExample("key", key, err.Error(), "termlimits config set build.concurrency 4")
	}
	check := cfg.Clone()
	check.SetDefaults()
	if err := check.Validate(); err != nil {
		return err
	}

	if strings.HasSuffix(path, ".json") {
		err = config.SaveJSON(cfg, path)
	} else {
		err = config.SaveTOML(cfg, path)
	}
	if err != nil {
		return err
	}

	if args.JSON {
		return emit("config set", map[string]any{"key": key, "value": maskIfSecret(key, value), "path": path})
	}
	fmt.Fprintf(stdout, "%s %s = %s (%s)\n", RenderStatus("ok"), key, maskIfSecret(key, value), path)
	return nil
}

func handleConfigPath(args Args) error {
	path, err := configFile(args)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	exists := statErr == nil

	if args.JSON {
		return emit("config path", map[string]any{"path": path, "exists": exists})
	}
	fmt.Fprintln(stdout, path)
	if !exists {
		fmt.Fprintln(stdout, DimStyle.Render("(not created yet; defaults apply)"))
	}
	return nil
}
