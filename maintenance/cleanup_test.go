package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dedupfs/worker/store"
	"github.com/dedupfs/worker/thumbnailengine"
)

func newTestCleanupEngine(t *testing.T, thumbsRoot string) (*store.Store, *CleanupEngine) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	real, err := filepath.EvalSymlinks(thumbsRoot)
	if err != nil {
		t.Fatalf("failed to resolve thumbs root: %v", err)
	}
	engine := thumbnailengine.New(st, thumbnailengine.Config{
		ThumbsRootReal: real,
		LeaseSeconds:   300,
	})
	return st, NewCleanupEngine(engine)
}

func insertCleanupFixture(t *testing.T, st *store.Store, groupKey, outputRelPath string) string {
	t.Helper()
	now := time.Now().Unix()

	if _, err := st.DB().Exec(`
		INSERT INTO thumbnails (
			id, thumb_key, group_key, file_id, media_type, output_format, max_dimension,
			source_size, source_mtime_ns, output_relpath, status, created_at
		) VALUES (?, ?, ?, 1, 'image', 'jpeg', 512, 10, 10, ?, 'ready', ?)
	`, uuid.NewString(), uuid.NewString(), groupKey, outputRelPath, now); err != nil {
		t.Fatalf("failed to insert thumbnail fixture: %v", err)
	}

	jobID := uuid.NewString()
	if _, err := st.DB().Exec(`
		INSERT INTO thumbnail_cleanup_jobs (id, group_key, execute_after, status, created_at)
		VALUES (?, ?, ?, 'pending', ?)
	`, jobID, groupKey, now, now); err != nil {
		t.Fatalf("failed to insert cleanup job fixture: %v", err)
	}
	return jobID
}

func TestCleanupEngineRunRemovesOutputsAndCompletesJob(t *testing.T) {
	thumbsRoot := t.TempDir()
	st, cleanupEngine := newTestCleanupEngine(t, thumbsRoot)

	groupKey := "group-ok"
	insertCleanupFixture(t, st, groupKey, "out.jpg")
	if err := os.WriteFile(filepath.Join(thumbsRoot, "out.jpg"), []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to write fixture output file: %v", err)
	}

	job, err := st.ClaimNextCleanupJob("worker-1", 300)
	if err != nil || job == nil {
		t.Fatalf("expected to claim the cleanup job, err=%v job=%v", err, job)
	}

	removed, err := cleanupEngine.Run(job, "worker-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 output removed, got %d", removed)
	}
	if _, statErr := os.Stat(filepath.Join(thumbsRoot, "out.jpg")); !os.IsNotExist(statErr) {
		t.Fatalf("expected output file to be removed, stat err=%v", statErr)
	}

	var status string
	row := st.DB().QueryRow(`SELECT status FROM thumbnail_cleanup_jobs WHERE id = ?`, job.ID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("failed to read job status: %v", err)
	}
	if status != "completed" {
		t.Fatalf("expected completed status, got %s", status)
	}
}

func TestCleanupEngineRunPersistsFailureOnUnlinkError(t *testing.T) {
	thumbsRoot := t.TempDir()
	st, cleanupEngine := newTestCleanupEngine(t, thumbsRoot)

	groupKey := "group-fail"
	insertCleanupFixture(t, st, groupKey, "stuck")
	// A non-empty directory where the output file is expected makes
	// os.Remove fail for a reason other than not-exist.
	if err := os.MkdirAll(filepath.Join(thumbsRoot, "stuck"), 0o755); err != nil {
		t.Fatalf("failed to create directory fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(thumbsRoot, "stuck", "child"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to populate directory fixture: %v", err)
	}

	job, err := st.ClaimNextCleanupJob("worker-1", 300)
	if err != nil || job == nil {
		t.Fatalf("expected to claim the cleanup job, err=%v job=%v", err, job)
	}

	_, runErr := cleanupEngine.Run(job, "worker-1")
	if runErr == nil {
		t.Fatal("expected RunCleanup to fail on a non-empty directory target")
	}
	if err := cleanupEngine.Fail(job.ID, "worker-1", runErr.Error()); err != nil {
		t.Fatalf("failed to persist cleanup failure: %v", err)
	}

	var status, errorCode, errorMessage string
	row := st.DB().QueryRow(`SELECT status, error_code, error_message FROM thumbnail_cleanup_jobs WHERE id = ?`, job.ID)
	if err := row.Scan(&status, &errorCode, &errorMessage); err != nil {
		t.Fatalf("failed to read job status: %v", err)
	}
	if status != "failed" {
		t.Fatalf("expected failed status, got %s", status)
	}
	if errorCode != "THUMB_CLEANUP_FAILED" {
		t.Fatalf("expected THUMB_CLEANUP_FAILED, got %s", errorCode)
	}
	if errorMessage == "" {
		t.Fatal("expected a non-empty error message recorded")
	}
}
