// Package escrow implements the per-authority private key-share
// export/check/delete/restore operations of spec.md §4.6, ported from
// keys_management.py.
package escrow

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sequentech/orchestra/internal/artifact"
)

// SessionRef names one session's privInfo.xml location, in
// question-number order.
type SessionRef struct {
	SessionID      string
	QuestionNumber int
}

// Escrow operates on one election's private data directory.
type Escrow struct {
	// PrivateRoot is PRIVATE_DATA_PATH/<election_id>.
	PrivateRoot string
}

// New returns an Escrow rooted at privateRoot.
func New(privateRoot string) *Escrow {
	return &Escrow{PrivateRoot: privateRoot}
}

func (e *Escrow) privInfoPath(sessionID string) string {
	return filepath.Join(e.PrivateRoot, sessionID, "privInfo.xml")
}

func (e *Escrow) sidecarPath(sessionID string) string {
	return e.privInfoPath(sessionID) + ".sha256"
}

// ensureSidecar verifies privInfo.xml's hash matches its sidecar file,
// creating the sidecar on first use (spec.md §4.6 Export step).
func (e *Escrow) ensureSidecar(sessionID string) error {
	privPath := e.privInfoPath(sessionID)
	actual, err := artifact.HashFile(privPath)
	if err != nil {
		return fmt.Errorf("escrow: hash %s: %w", privPath, err)
	}

	sidecar := e.sidecarPath(sessionID)
	existing, err := os.ReadFile(sidecar)
	if os.IsNotExist(err) {
		return os.WriteFile(sidecar, []byte(actual), 0o644)
	}
	if err != nil {
		return fmt.Errorf("escrow: read sidecar %s: %w", sidecar, err)
	}

	if !artifact.ConstantTimeEqual(string(existing), actual) {
		return fmt.Errorf("escrow: %s does not match its recorded sha256 sidecar", privPath)
	}
	return nil
}

func sortedRefs(refs []SessionRef) []SessionRef {
	out := make([]SessionRef, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionNumber < out[j].QuestionNumber })
	return out
}

// Export verifies every session's sidecar hash (creating it if
// missing), stages all privInfo.xml files under <session_id>/ in a
// scratch directory, and returns a deterministic tar.gz as raw bytes.
func (e *Escrow) Export(refs []SessionRef) ([]byte, error) {
	ordered := sortedRefs(refs)

	for _, ref := range ordered {
		if err := e.ensureSidecar(ref.SessionID); err != nil {
			return nil, err
		}
	}

	scratch, err := os.MkdirTemp("", "orchestra-escrow-export-*")
	if err != nil {
		return nil, fmt.Errorf("escrow: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "escrow.tar.gz")
	entries := make([]artifact.Entry, 0, len(ordered))
	for _, ref := range ordered {
		entries = append(entries, artifact.Entry{
			SourcePath: e.privInfoPath(ref.SessionID),
			ArcName:    filepath.Join(ref.SessionID, "privInfo.xml"),
		})
	}

	if err := artifact.BuildDeterministicTarGz(archivePath, entries); err != nil {
		return nil, fmt.Errorf("escrow: build archive: %w", err)
	}

	return os.ReadFile(archivePath)
}

// ExportBase64 is Export encoded for the HTTP transport (spec.md §4.6
// "return base64 of the archive bytes with HTTP 200").
func (e *Escrow) ExportBase64(refs []SessionRef) (string, error) {
	raw, err := e.Export(refs)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Check recomputes the deterministic archive for refs and compares
// its SHA-256, in constant time, against the SHA-256 of
// base64Archive's decoded bytes. It returns "True"/"False" the way
// the original endpoint returns a stringified boolean.
func (e *Escrow) Check(refs []SessionRef, base64Archive string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(base64Archive)
	if err != nil {
		return "", fmt.Errorf("escrow: decode archive: %w", err)
	}

	recomputed, err := e.Export(refs)
	if err != nil {
		return "", err
	}

	if artifact.ConstantTimeEqual(artifact.HashBytes(recomputed), artifact.HashBytes(decoded)) {
		return "True", nil
	}
	return "False", nil
}

// Delete unlinks every session's privInfo.xml as a set: it first
// verifies every file exists, and only deletes any of them once all
// are confirmed present (spec.md §4.6 "pre-check all exist before
// deleting any"). It does not run Check itself; the
// delete_private_share handler does that before calling Delete. The
// .sha256 sidecars are kept, so a later Restore can validate an
// archive against them.
func (e *Escrow) Delete(refs []SessionRef) error {
	ordered := sortedRefs(refs)

	for _, ref := range ordered {
		if _, err := os.Stat(e.privInfoPath(ref.SessionID)); err != nil {
			return fmt.Errorf("escrow: delete precheck: %w", err)
		}
	}

	for _, ref := range ordered {
		if err := os.Remove(e.privInfoPath(ref.SessionID)); err != nil {
			return fmt.Errorf("escrow: delete %s: %w", ref.SessionID, err)
		}
	}
	return nil
}

// Restore extracts base64Archive and, for every ref, validates (i) the
// archive contains <session_id>/privInfo.xml, (ii) a local sidecar
// hash exists, (iii) any existing local privInfo.xml still matches
// its sidecar, and (iv) the archive's file hash equals the sidecar
// hash — only then copies the archive's files into place, per
// spec.md §4.6.
func (e *Escrow) Restore(refs []SessionRef, base64Archive string) error {
	decoded, err := base64.StdEncoding.DecodeString(base64Archive)
	if err != nil {
		return fmt.Errorf("escrow: decode archive: %w", err)
	}

	scratch, err := os.MkdirTemp("", "orchestra-escrow-restore-*")
	if err != nil {
		return fmt.Errorf("escrow: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "escrow.tar.gz")
	if err := os.WriteFile(archivePath, decoded, 0o600); err != nil {
		return fmt.Errorf("escrow: write archive: %w", err)
	}

	extractDir := filepath.Join(scratch, "extracted")
	if err := artifact.ExtractTarGz(archivePath, extractDir); err != nil {
		return fmt.Errorf("escrow: extract archive: %w", err)
	}

	ordered := sortedRefs(refs)
	for _, ref := range ordered {
		archivedFile := filepath.Join(extractDir, ref.SessionID, "privInfo.xml")
		if _, err := os.Stat(archivedFile); err != nil {
			return fmt.Errorf("escrow: archive missing %s/privInfo.xml: %w", ref.SessionID, err)
		}

		sidecar := e.sidecarPath(ref.SessionID)
		sidecarHash, err := os.ReadFile(sidecar)
		if err != nil {
			return fmt.Errorf("escrow: no recorded sidecar for %s: %w", ref.SessionID, err)
		}

		if localPath := e.privInfoPath(ref.SessionID); fileExists(localPath) {
			localHash, err := artifact.HashFile(localPath)
			if err != nil {
				return fmt.Errorf("escrow: hash local %s: %w", localPath, err)
			}
			if !artifact.ConstantTimeEqual(localHash, string(sidecarHash)) {
				return fmt.Errorf("escrow: local privInfo.xml for %s no longer matches its sidecar", ref.SessionID)
			}
		}

		archivedHash, err := artifact.HashFile(archivedFile)
		if err != nil {
			return fmt.Errorf("escrow: hash archived %s: %w", ref.SessionID, err)
		}
		if !artifact.ConstantTimeEqual(archivedHash, string(sidecarHash)) {
			return fmt.Errorf("escrow: archived privInfo.xml for %s does not match the recorded sidecar hash", ref.SessionID)
		}
	}

	// All checks passed for every session; copy files into place.
	for _, ref := range ordered {
		archivedFile := filepath.Join(extractDir, ref.SessionID, "privInfo.xml")
		data, err := os.ReadFile(archivedFile)
		if err != nil {
			return fmt.Errorf("escrow: read archived %s: %w", ref.SessionID, err)
		}
		destDir := filepath.Join(e.PrivateRoot, ref.SessionID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return fmt.Errorf("escrow: mkdir %s: %w", destDir, err)
		}
		if err := os.WriteFile(e.privInfoPath(ref.SessionID), data, 0o644); err != nil {
			return fmt.Errorf("escrow: write %s: %w", ref.SessionID, err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
