package scanengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dedupfs/worker/store"
)

func newTestEngine(t *testing.T, librariesRoot string) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	e, err := New(st, librariesRoot, 0)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return e, st
}

func TestRunDiscoversAllLibrariesAndFiles(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "photos", "2020"))
	mustWriteFile(t, filepath.Join(root, "photos", "a.jpg"), "aaa")
	mustWriteFile(t, filepath.Join(root, "photos", "2020", "b.jpg"), "bb")
	mustMkdirAll(t, filepath.Join(root, "videos"))
	mustWriteFile(t, filepath.Join(root, "videos", "c.mp4"), "cccc")

	e, _ := newTestEngine(t, root)
	result, err := e.Run("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FilesSeen != 3 {
		t.Fatalf("expected 3 files seen, got %d", result.FilesSeen)
	}
	if result.ErrorCount != 0 {
		t.Fatalf("expected no errors, got %d: %v", result.ErrorCount, result.ErrorSamples)
	}
}

func TestRunHonorsExplicitLibraryNamesPayload(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "photos"))
	mustWriteFile(t, filepath.Join(root, "photos", "a.jpg"), "aaa")
	mustMkdirAll(t, filepath.Join(root, "videos"))
	mustWriteFile(t, filepath.Join(root, "videos", "c.mp4"), "cccc")

	e, _ := newTestEngine(t, root)
	result, err := e.Run(`{"library_names":["photos"]}`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FilesSeen != 1 {
		t.Fatalf("expected exactly 1 file from the targeted library, got %d", result.FilesSeen)
	}
}

func TestRunSecondPassMarksMissingFiles(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "photos"))
	target := filepath.Join(root, "photos", "a.jpg")
	mustWriteFile(t, target, "aaa")

	e, st := newTestEngine(t, root)
	if _, err := e.Run("", nil); err != nil {
		t.Fatalf("unexpected error on first run: %v", err)
	}
	if err := os.Remove(target); err != nil {
		t.Fatalf("failed to remove fixture file: %v", err)
	}
	if _, err := e.Run("", nil); err != nil {
		t.Fatalf("unexpected error on second run: %v", err)
	}

	var missing int
	row := st.DB().QueryRow(`SELECT COUNT(*) FROM library_files WHERE is_missing = 1`)
	if err := row.Scan(&missing); err != nil {
		t.Fatalf("failed to count missing rows: %v", err)
	}
	if missing != 1 {
		t.Fatalf("expected 1 missing row, got %d", missing)
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("failed to create dir %s: %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}
