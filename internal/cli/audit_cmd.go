// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - Audit log chain verification.
//
// Command: audit verify [--path FILE]
//
// Every line carries an HMAC over its body and the previous line's MAC, so
// an edited, reordered or deleted line breaks the chain from that point on.
// Exit code 6 when the chain is broken.

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
)

// HandleAudit handles "audit <subcommand>".
func HandleAudit(args Args) error {
	p := args.Parser()
	if sub := p.Subcommand(); sub != "verify" && sub != "" {
		return ErrUnknownSubcommand("audit", sub, []string{"verify"})
	}

	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	path := p.FlagOrDefault("path", e.cfg.AuditPath())
	if _, err := os.Stat(path); err != nil {
		return NewNotFoundError("audit log", path)
	}
	km := audit.NewKeyManager(filepath.Dir(path))
	defer km.Close()
	key, _, err := km.LoadKey()
	if err != nil {
		return err
	}

	rep, err := audit.Verify(path, key)
	if err != nil {
		return err
	}

	if args.JSON {
		if err := emit("audit verify", rep); err != nil {
			return err
		}
	} else {
		printField("Audit log", rep.Path)
		printField("Entries", strconv.Itoa(rep.Entries))
		if rep.Valid {
			printField("Chain", RenderStatus("valid")+" intact")
		} else {
			printField("Chain", RenderStatus("tampered")+" broken at line "+strconv.Itoa(rep.BrokenAt))
		}
		for _, t := range rep.EventTypes() {
			printField("  "+t, strconv.Itoa(rep.ByType[t]))
		}
		for _, issue := range rep.Issues {
			fmt.Fprintln(stdout, ErrorStyle.Render("  "+issue))
		}
	}
	if !rep.Valid {
		return reported(fmt.Errorf("%w at line %d", ErrAuditChainBroken, rep.BrokenAt))
	}
	return nil
}
