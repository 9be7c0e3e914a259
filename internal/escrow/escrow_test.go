package escrow

import (
	"os"
	"path/filepath"
	"testing"
)

func setupElection(t *testing.T, sessions map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for sessionID, content := range sessions {
		dir := filepath.Join(root, sessionID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "privInfo.xml"), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func refsFor(sessions map[string]string) []SessionRef {
	i := 0
	refs := make([]SessionRef, 0, len(sessions))
	for id := range sessions {
		refs = append(refs, SessionRef{SessionID: id, QuestionNumber: i})
		i++
	}
	return refs
}

func TestExportCreatesSidecarOnFirstUse(t *testing.T) {
	sessions := map[string]string{"0-aaa": "<priv/>"}
	root := setupElection(t, sessions)
	e := New(root)

	if _, err := e.Export(refsFor(sessions)); err != nil {
		t.Fatalf("export: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "0-aaa", "privInfo.xml.sha256")); err != nil {
		t.Fatalf("expected sidecar to be created: %v", err)
	}
}

func TestExportRejectsTamperedPrivInfo(t *testing.T) {
	sessions := map[string]string{"0-aaa": "<priv/>"}
	root := setupElection(t, sessions)
	e := New(root)

	if _, err := e.Export(refsFor(sessions)); err != nil {
		t.Fatalf("export: %v", err)
	}

	tampered := filepath.Join(root, "0-aaa", "privInfo.xml")
	if err := os.WriteFile(tampered, []byte("<tampered/>"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := e.Export(refsFor(sessions)); err == nil {
		t.Fatalf("expected export to reject a privInfo.xml that no longer matches its sidecar")
	}
}

func TestCheckReturnsTrueForExactExport(t *testing.T) {
	sessions := map[string]string{"0-aaa": "<priv/>", "1-bbb": "<priv2/>"}
	root := setupElection(t, sessions)
	e := New(root)

	archive, err := e.ExportBase64(refsFor(sessions))
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := e.Check(refsFor(sessions), archive)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result != "True" {
		t.Fatalf("expected \"True\", got %q", result)
	}
}

func TestDeleteRequiresAllFilesPresentBeforeRemovingAny(t *testing.T) {
	sessions := map[string]string{"0-aaa": "<priv/>", "1-bbb": "<priv2/>"}
	root := setupElection(t, sessions)
	e := New(root)

	refs := refsFor(sessions)
	refs = append(refs, SessionRef{SessionID: "2-missing", QuestionNumber: 2})

	if err := e.Delete(refs); err == nil {
		t.Fatalf("expected delete to fail when one session's file is missing")
	}

	for id := range sessions {
		if _, err := os.Stat(filepath.Join(root, id, "privInfo.xml")); err != nil {
			t.Fatalf("expected %s's privInfo.xml to survive a failed delete, got: %v", id, err)
		}
	}
}

func TestExportRestoreRoundTripIsIdentity(t *testing.T) {
	sessions := map[string]string{"0-aaa": "<priv/>", "1-bbb": "<priv2/>"}
	root := setupElection(t, sessions)
	e := New(root)
	refs := refsFor(sessions)

	archive, err := e.ExportBase64(refs)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if err := e.Delete(refs); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Restore needs the sidecars (left in place by Delete) to validate
	// the archive against, since the privInfo.xml files themselves are gone.
	if err := e.Restore(refs, archive); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for id, want := range sessions {
		got, err := os.ReadFile(filepath.Join(root, id, "privInfo.xml"))
		if err != nil {
			t.Fatalf("read restored %s: %v", id, err)
		}
		if string(got) != want {
			t.Fatalf("expected restored content %q, got %q", want, got)
		}
	}
}

func TestRestoreRejectsArchiveNotMatchingSidecar(t *testing.T) {
	sessions := map[string]string{"0-aaa": "<priv/>"}
	root := setupElection(t, sessions)
	e := New(root)
	refs := refsFor(sessions)

	if _, err := e.Export(refs); err != nil {
		t.Fatalf("export: %v", err)
	}

	otherRoot := setupElection(t, map[string]string{"0-aaa": "<different/>"})
	otherE := New(otherRoot)
	forgedArchive, err := otherE.ExportBase64(refsFor(map[string]string{"0-aaa": "<different/>"}))
	if err != nil {
		t.Fatalf("export forged: %v", err)
	}

	if err := e.Restore(refs, forgedArchive); err == nil {
		t.Fatalf("expected restore to reject an archive whose hash does not match the sidecar")
	}
}
