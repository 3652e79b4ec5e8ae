// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// manifest_cmd.go - Inspect, verify and compare sealed manifests.
//
// Command: manifest [subcommand]
//
// Subcommands:
//   show [path]         Print entries (seal is checked, failures are reported)
//   verify [path]       Seal, then each artifact's digest and signature
//   diff <old> <new>    Added, removed and changed modules
//
// Examples:
//   termlimits manifest verify
//   termlimits manifest verify dist/termlimits-manifest.json --json
//   termlimits manifest diff old/manifest.json dist/termlimits-manifest.json

package cli

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/TheMapleseed/Term-Limits/internal/hashgen"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/server"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

var manifestSubcommands = []string{"show", "verify", "diff"}

// ManifestShowData is the JSON data of manifest show.
type ManifestShowData struct {
	Path     string           `json:"path"`
	BuildID  string           `json:"build_id"`
	Tag      string           `json:"tag"`
	KeyID    string           `json:"key_id"`
	Sealed   bool             `json:"sealed"`
	SealNote string           `json:"seal_error,omitempty"`
	Entries  []manifest.Entry `json:"entries"`
}

// ManifestVerifyData is the JSON data of manifest verify.
type ManifestVerifyData struct {
	Path    string             `json:"path"`
	BuildID string             `json:"build_id"`
	Valid   bool               `json:"valid"`
	Entries []EntryVerifyState `json:"entries"`
}

// EntryVerifyState is the per-artifact result of manifest verify.
type EntryVerifyState struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Integrity string `json:"integrity"`
	Signature string `json:"signature"`
	Detail    string `json:"detail,omitempty"`
}

// HandleManifest handles "manifest <subcommand>".
func HandleManifest(args Args) error {
	p := args.Parser()
	switch sub := p.Subcommand(); sub {
	case "show", "":
		return handleManifestShow(args, p)
	case "verify":
		return handleManifestVerify(args, p)
	case "diff":
		return handleManifestDiff(args, p)
	default:
		return ErrUnknownSubcommand("manifest", sub, manifestSubcommands)
	}
}

func manifestPath(e *env, p *ArgParser) string {
	if path := p.Positional(1); path != "" {
		return path
	}
	return e.cfg.ManifestPath()
}

func handleManifestShow(args Args, p *ArgParser) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	path := manifestPath(e, p)
	sm, err := manifest.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewNotFoundError("manifest", path)
		}
		return err
	}

	data := ManifestShowData{
		Path:    path,
		BuildID: sm.Manifest.BuildID,
		Tag:     sm.Manifest.Tag,
		KeyID:   sm.KeyID,
	}
	if ks, err := e.signingKeys(); err != nil {
		data.SealNote = err.Error()
	} else if err := sm.Verify(ks.Manifest.Public); err != nil {
		data.SealNote = err.Error()
	} else {
		data.Sealed = true
	}
	for _, id := range sm.Manifest.IDs() {
		entry, _ := sm.Manifest.Get(id)
		data.Entries = append(data.Entries, entry)
	}

	if args.JSON {
		return emit("manifest show", data)
	}
	printField("Manifest", data.Path)
	printField("Build ID", data.BuildID)
	printField("Signed by", data.KeyID)
	if data.Sealed {
		printField("Seal", RenderStatus("valid"))
	} else {
		printField("Seal", RenderStatus("fail")+" "+data.SealNote)
	}
	fmt.Fprintln(stdout)
	t := newTable("MODULE", "LEVEL", "STRATEGY", "SIZE", "ARTIFACT")
	for _, en := range data.Entries {
		t.add(en.ID, en.Level.String(), en.Strategy, formatBytes(en.Size), en.ArtifactPath)
	}
	t.print()
	return nil
}

func handleManifestVerify(args Args, p *ArgParser) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	ks, err := e.signingKeys()
	if err != nil {
		return err
	}
	path := manifestPath(e, p)
	if _, err := os.Stat(path); err != nil {
		return NewNotFoundError("manifest", path)
	}
	sm, err := server.OpenManifest(path, ks, e.audit)
	if err != nil {
		return err
	}

	data := verifyEntries(sm, ks, path)
	if !data.Valid {
		e.record(audit.Event{
			EventType: audit.EventValidationFail,
			Detail:    "manifest artifacts failed verification",
			Metadata:  map[string]string{"path": path, "build_id": data.BuildID},
		})
	}

	if args.JSON {
		if err := emit("manifest verify", data); err != nil {
			return err
		}
	} else {
		printField("Manifest", data.Path)
		printField("Seal", RenderStatus("valid"))
		t := newTable("MODULE", "LEVEL", "INTEGRITY", "SIGNATURE", "DETAIL")
		for _, st := range data.Entries {
			t.add(st.ID, st.Level, st.Integrity, st.Signature, st.Detail)
		}
		t.print()
		ok := 0
		for _, st := range data.Entries {
			if st.Detail == "" {
				ok++
			}
		}
		printField("Verified", strconv.Itoa(ok)+"/"+strconv.Itoa(len(data.Entries)))
	}
	if !data.Valid {
		return reported(fmt.Errorf("%w: %s", ErrValidationFailed, path))
	}
	return nil
}

// verifyEntries checks each artifact next to the manifest at path against
// its entry.
func verifyEntries(sm *manifest.SignedManifest, ks *signing.KeySet, path string) ManifestVerifyData {
	dir := filepath.Dir(path)
	data := ManifestVerifyData{Path: path, BuildID: sm.Manifest.BuildID, Valid: true}
	for _, id := range sm.Manifest.IDs() {
		en, _ := sm.Manifest.Get(id)
		st := EntryVerifyState{ID: en.ID, Level: en.Level.String(), Integrity: "pass", Signature: "pass"}

		rel := filepath.FromSlash(en.ArtifactPath)
		b, err := os.ReadFile(filepath.Join(dir, rel))
		switch {
		case !filepath.IsLocal(rel):
			st.Integrity, st.Detail = "fail", "artifact path outside output directory"
		case err != nil:
			st.Integrity, st.Detail = "fail", "artifact missing"
		case subtle.ConstantTimeCompare([]byte(hashgen.SumArtifact(b)), []byte(en.Integrity)) != 1:
			st.Integrity, st.Detail = "fail", "digest mismatch"
		}

		if en.Signature == "" {
			st.Signature = "unsigned"
		} else if err := ks.VerifyEntry(en.SigningEntry(), en.Signature, en.KeyID); err != nil {
			st.Signature = "fail"
			if st.Detail == "" {
				st.Detail = err.Error()
			}
		}
		if st.Detail != "" {
			data.Valid = false
		}
		data.Entries = append(data.Entries, st)
	}
	return data
}

func handleManifestDiff(args Args, p *ArgParser) error {
	oldPath, newPath := p.Positional(1), p.Positional(2)
	if oldPath == "" || newPath == "" {
		return ErrMissingArgument("old and new manifest", "termlimits manifest diff <old> <new>")
	}
	load := func(path string) (*manifest.Manifest, error) {
		sm, err := manifest.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, NewNotFoundError("manifest", path)
			}
			return nil, err
		}
		return sm.Manifest, nil
	}
	prev, err := load(oldPath)
	if err != nil {
		return err
	}
	next, err := load(newPath)
	if err != nil {
		return err
	}

	changes := manifest.Diff(prev, next)
	if args.JSON {
		return emit("manifest diff", changes)
	}
	if changes.Empty() {
		fmt.Fprintln(stdout, "No changes")
		return nil
	}
	for _, id := range changes.Added {
		fmt.Fprintln(stdout, SuccessStyle.Render("+ "+id))
	}
	for _, id := range changes.Removed {
		fmt.Fprintln(stdout, ErrorStyle.Render("- "+id))
	}
	for _, id := range changes.Changed {
		fmt.Fprintln(stdout, WarningStyle.Render("~ "+id))
	}
	return nil
}
