// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// keys_cmd.go - Signing key, key ring and audit key management.
//
// Command: keys [subcommand]
//
// Subcommands:
//   init                Create any missing keys (idempotent)
//   rotate              Start a new protection key epoch
//   list                Show fingerprints and epochs
//   export <dir>        Write public signing keys only
//
// Examples:
//   termlimits keys init
//   termlimits keys init --passphrase
//   termlimits keys init --force --confirm    Replace the signing keys
//   termlimits keys export ./edge-keys

package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

var keysBoolFlags = []string{"passphrase", "force", "confirm"}

var keysSubcommands = []string{"init", "rotate", "list", "export"}

// KeysInitData is the JSON data of keys init. Each status is "created" or "exists".
type KeysInitData struct {
	SigningDir    string `json:"signing_dir"`
	Signing       string `json:"signing"`
	ProtectionDir string `json:"protection_dir"`
	KeyRing       string `json:"key_ring"`
	RingMode      string `json:"ring_mode,omitempty"`
	Epoch         string `json:"epoch,omitempty"`
	AuditKeyPath  string `json:"audit_key_path,omitempty"`
	AuditKey      string `json:"audit_key,omitempty"`
}

// KeysListData is the JSON data of keys list.
type KeysListData struct {
	Signing  []SigningKeyInfo `json:"signing,omitempty"`
	RingMode string           `json:"ring_mode,omitempty"`
	Current  string           `json:"current_epoch,omitempty"`
	Epochs   []protect.Epoch  `json:"epochs,omitempty"`
	AuditKey string           `json:"audit_key_fingerprint,omitempty"`
}

// SigningKeyInfo identifies one signing key.
type SigningKeyInfo struct {
	Role    string `json:"role"`
	KeyID   string `json:"key_id"`
	Private bool   `json:"private"`
}

// HandleKeys handles "keys <subcommand>".
func HandleKeys(args Args) error {
	p := args.Parser(keysBoolFlags...)
	switch sub := p.Subcommand(); sub {
	case "init":
		return handleKeysInit(args, p)
	case "rotate":
		return handleKeysRotate(args)
	case "list", "":
		return handleKeysList(args)
	case "export":
		return handleKeysExport(args, p)
	default:
		return ErrUnknownSubcommand("keys", sub, keysSubcommands)
	}
}

func handleKeysInit(args Args, p *ArgParser) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	data := KeysInitData{
		SigningDir:    e.cfg.Signing.KeyDir,
		ProtectionDir: e.cfg.Protection.KeyDir,
	}

	// Signing keys
	data.Signing = "exists"
	if !signing.Exists(e.cfg.Signing.KeyDir) || p.BoolFlag("force") {
		if signing.Exists(e.cfg.Signing.KeyDir) {
			ok, err := RequireConfirmation(p.BoolFlag("confirm"), "replace the signing keys (existing manifests will no longer verify)", args.JSON)
			if err != nil {
				return err
			}
			if !ok {
				return NewCommandError("keys init", "replace signing keys", "cancelled", nil)
			}
		}
		ks, err := signing.Generate()
		if err != nil {
			return err
		}
		if err := ks.Save(e.cfg.Signing.KeyDir); err != nil {
			return err
		}
		data.Signing = "created"
	}

	// Key ring
	opts := protect.RingOptions{
		RotationInterval: e.cfg.RotationInterval(),
		RetainEpochs:     e.cfg.Protection.RetainEpochs,
	}
	if p.BoolFlag("passphrase") {
		if opts.Passphrase, err = ReadPassphrase("New key ring passphrase: ", true); err != nil {
			return err
		}
	}
	ring, err := protect.OpenKeyRing(protect.NewFileKeyStore(e.cfg.Protection.KeyDir), opts)
	switch {
	case errors.Is(err, protect.ErrWrongPassphrase):
		data.KeyRing, data.RingMode = "exists", "passphrase"
	case err != nil:
		return err
	default:
		defer ring.Close()
		if ring.Initialized() {
			data.KeyRing = "exists"
		} else {
			if _, err := ring.Init(); err != nil {
				return err
			}
			data.KeyRing = "created"
		}
		data.RingMode = ring.Mode()
		if ep, err := ring.CurrentEpoch(); err == nil {
			data.Epoch = ep.KeyID()
		}
	}

	// Audit key
	if e.cfg.Audit.Enabled {
		km := audit.NewKeyManager(filepath.Dir(e.cfg.AuditPath()))
		data.AuditKeyPath = km.DefaultKeyPath()
		created, err := audit.GenerateKeyFile(data.AuditKeyPath)
		if err != nil {
			return err
		}
		data.AuditKey = "exists"
		if created {
			data.AuditKey = "created"
		}
	}

	if data.KeyRing == "created" && data.Epoch != "" {
		e.record(audit.Event{
			EventType: audit.EventKeyRotated,
			Success:   true,
			Detail:    "key ring initialized",
			Metadata:  map[string]string{"key_id": data.Epoch, "mode": data.RingMode},
		})
	}

	if args.JSON {
		return emit("keys init", data)
	}
	fmt.Fprintln(stdout, TitleStyle.Render("termlimits keys init"))
	printField("Signing keys", data.Signing+" ("+data.SigningDir+")")
	ringLine := data.KeyRing + " (" + data.ProtectionDir + ")"
	if data.RingMode != "" {
		ringLine += ", " + data.RingMode
	}
	printField("Key ring", ringLine)
	if data.Epoch != "" {
		printField("Current epoch", data.Epoch)
	}
	if data.AuditKeyPath != "" {
		printField("Audit key", data.AuditKey+" ("+data.AuditKeyPath+")")
	}
	return nil
}

func handleKeysRotate(args Args) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	ring, err := e.keyRing()
	if err != nil {
		return err
	}
	ep, err := ring.Rotate()
	if err != nil {
		return err
	}
	e.record(audit.Event{
		EventType: audit.EventKeyRotated,
		Success:   true,
		Detail:    "manual rotation",
		Metadata:  map[string]string{"key_id": ep.KeyID()},
	})

	if args.JSON {
		return emit("keys rotate", map[string]any{"epoch": ep.KeyID(), "created_at": ep.CreatedAt})
	}
	fmt.Fprintf(stdout, "%s rotated to %s\n", RenderStatus("ok"), ep.KeyID())
	return nil
}

func handleKeysList(args Args) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	var data KeysListData
	if signing.Exists(e.cfg.Signing.KeyDir) {
		ks, err := signing.Load(e.cfg.Signing.KeyDir)
		if err != nil {
			return err
		}
		for _, l := range classification.All() {
			if kp, ok := ks.Levels[l]; ok {
				data.Signing = append(data.Signing, SigningKeyInfo{Role: l.Slug(), KeyID: kp.KeyID(), Private: kp.Private != nil})
			}
		}
		data.Signing = append(data.Signing, SigningKeyInfo{
			Role:    signing.ManifestRole,
			KeyID:   ks.Manifest.KeyID(),
			Private: ks.Manifest.Private != nil,
		})
	}

	ring, err := e.keyRing()
	if err != nil {
		return err
	}
	data.RingMode = ring.Mode()
	data.Epochs = ring.Epochs()
	if ep, err := ring.CurrentEpoch(); err == nil {
		data.Current = ep.KeyID()
	}

	km := audit.NewKeyManager(filepath.Dir(e.cfg.AuditPath()))
	if _, _, err := km.LoadKey(); err == nil {
		data.AuditKey = km.Metadata().Fingerprint
	}
	km.Close()

	if args.JSON {
		return emit("keys list", data)
	}

	fmt.Fprintln(stdout, SectionStyle.Render("Signing keys"))
	if len(data.Signing) == 0 {
		fmt.Fprintln(stdout, DimStyle.Render("  none; run 'termlimits keys init'"))
	}
	for _, k := range data.Signing {
		kind := "public"
		if k.Private {
			kind = "private"
		}
		printField(k.Role, k.KeyID+" ("+kind+")")
	}

	fmt.Fprintln(stdout, SectionStyle.Render("Key ring"))
	if len(data.Epochs) == 0 {
		fmt.Fprintln(stdout, DimStyle.Render("  not initialized"))
	} else {
		printField("Mode", data.RingMode)
		t := newTable("EPOCH", "CREATED", "STATUS")
		for _, ep := range data.Epochs {
			status := "retained"
			switch {
			case ep.KeyID() == data.Current:
				status = "current"
			case ep.Retired:
				status = "retired"
			}
			t.add(ep.KeyID(), ep.CreatedAt.Format(time.RFC3339), status)
		}
		t.print()
	}

	if data.AuditKey != "" {
		fmt.Fprintln(stdout, SectionStyle.Render("Audit"))
		printField("HMAC key", data.AuditKey)
	}
	return nil
}

func handleKeysExport(args Args, p *ArgParser) error {
	dir := p.Positional(1)
	if dir == "" {
		return ErrMissingArgument("dir", "termlimits keys export <dir>")
	}
	out, err := ValidateOutputPath(dir)
	if err != nil {
		return err
	}

	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	ks, err := e.signingKeys()
	if err != nil {
		return err
	}
	if err := ks.SavePublic(out); err != nil {
		return err
	}

	if args.JSON {
		return emit("keys export", map[string]any{"dir": out, "keys": len(ks.Levels) + 1})
	}
	fmt.Fprintf(stdout, "%s wrote %s public keys to %s\n", RenderStatus("ok"), strconv.Itoa(len(ks.Levels)+1), out)
	return nil
}
