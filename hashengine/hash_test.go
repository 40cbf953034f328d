package hashengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dedupfs/worker/scanengine"
	"github.com/dedupfs/worker/store"
)

func newTestEngine(t *testing.T, librariesRoot string) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	real, err := filepath.EvalSymlinks(librariesRoot)
	if err != nil {
		t.Fatalf("failed to resolve libraries root: %v", err)
	}
	e := New(st, Config{
		LibrariesRootReal: real,
		DefaultAlgorithm:  AlgorithmSHA256,
		FetchBatchSize:    10,
		ClaimTTLSeconds:   300,
		RetryBaseSeconds:  1,
		RetryMaxSeconds:   60,
	})
	return e, st
}

func scanFixture(t *testing.T, st *store.Store, root string) {
	t.Helper()
	scanner, err := scanengine.New(st, root, 0)
	if err != nil {
		t.Fatalf("failed to construct scan engine: %v", err)
	}
	if _, err := scanner.Run("", nil); err != nil {
		t.Fatalf("failed to seed library_files via scan: %v", err)
	}
}

func TestRunHashesNewlyScannedFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "photos"), 0o755); err != nil {
		t.Fatalf("failed to create fixture dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "photos", "a.jpg"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("failed to write fixture file: %v", err)
	}

	e, st := newTestEngine(t, root)
	scanFixture(t, st, root)

	counters, err := e.Run("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counters.HashedFiles != 1 {
		t.Fatalf("expected 1 hashed file, got %+v", counters)
	}

	var digest string
	row := st.DB().QueryRow(`SELECT content_hash FROM library_files WHERE relative_path = 'a.jpg'`)
	if err := row.Scan(&digest); err != nil {
		t.Fatalf("failed to read digest: %v", err)
	}
	if digest == "" {
		t.Fatal("expected a non-empty digest")
	}
}

func TestRunRequeuesWhenFileChangedBetweenScanAndClaim(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "photos"), 0o755); err != nil {
		t.Fatalf("failed to create fixture dir: %v", err)
	}
	target := filepath.Join(root, "photos", "a.jpg")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("failed to write fixture file: %v", err)
	}

	e, st := newTestEngine(t, root)
	scanFixture(t, st, root)

	// Mutate the file's expected size in the database to simulate a change
	// that slipped in between the scan pass and the hash claim.
	if _, err := st.DB().Exec(`UPDATE library_files SET size_bytes = size_bytes + 1000`); err != nil {
		t.Fatalf("failed to perturb fixture row: %v", err)
	}

	counters, err := e.Run("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counters.RequeuedFiles != 1 {
		t.Fatalf("expected 1 requeued file, got %+v", counters)
	}

	var needsHash bool
	row := st.DB().QueryRow(`SELECT needs_hash FROM library_files WHERE relative_path = 'a.jpg'`)
	if err := row.Scan(&needsHash); err != nil {
		t.Fatalf("failed to read needs_hash: %v", err)
	}
	if !needsHash {
		t.Fatal("expected needs_hash to remain set after a requeue")
	}
}

func TestRetryDelaySecondsCapsAtMax(t *testing.T) {
	if got := retryDelaySeconds(1, 60, 1); got != 1 {
		t.Fatalf("expected first failure delay of 1s, got %d", got)
	}
	if got := retryDelaySeconds(1, 60, 20); got != 60 {
		t.Fatalf("expected delay to cap at max_seconds=60, got %d", got)
	}
}
