package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite3")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertThumbnail(t *testing.T, st *Store, groupKey, status string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := st.db.Exec(`
		INSERT INTO thumbnails (id, thumb_key, group_key, file_id, media_type, output_format,
			max_dimension, source_size, source_mtime_ns, output_relpath, status, created_at)
		VALUES (?, ?, ?, 1, 'image', 'jpeg', 256, 100, 100, 'out/'||?||'.jpg', ?, ?)
	`, id, id, groupKey, id, status, time.Now().Unix())
	if err != nil {
		t.Fatalf("failed to insert thumbnail fixture: %v", err)
	}
	return id
}

func countThumbnailsInGroup(t *testing.T, st *Store, groupKey string) int {
	t.Helper()
	var n int
	row := st.db.QueryRow(`SELECT COUNT(*) FROM thumbnails WHERE group_key = ?`, groupKey)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("failed to count thumbnails: %v", err)
	}
	return n
}

// Ports the embedded Rust test cleanup_delete_only_removes_terminal_rows.
func TestDeleteGroupThumbnailRowsOnlyRemovesTerminalRows(t *testing.T) {
	st := openTestStore(t)
	group := "group-a"
	insertThumbnail(t, st, group, "ready")
	insertThumbnail(t, st, group, "failed")
	insertThumbnail(t, st, group, "pending")
	insertThumbnail(t, st, group, "running")

	if err := st.DeleteGroupThumbnailRows(group); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := countThumbnailsInGroup(t, st, group); got != 2 {
		t.Fatalf("expected 2 surviving rows (pending, running), got %d", got)
	}
}

func insertPendingJob(t *testing.T, st *Store, kind JobKind) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().Unix()
	_, err := st.db.Exec(`
		INSERT INTO jobs (id, kind, status, created_at, updated_at) VALUES (?, ?, 'pending', ?, ?)
	`, id, string(kind), now, now)
	if err != nil {
		t.Fatalf("failed to insert job fixture: %v", err)
	}
	return id
}

func TestClaimNextJobIsExclusive(t *testing.T) {
	st := openTestStore(t)
	insertPendingJob(t, st, JobKindScan)

	job, err := st.ClaimNextJob("worker-1", 300, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil {
		t.Fatal("expected to claim the only pending job")
	}

	again, err := st.ClaimNextJob("worker-2", 300, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != nil {
		t.Fatal("expected no further candidate once the only job is claimed")
	}
}

func TestSweepExpiredJobsRecoversLease(t *testing.T) {
	st := openTestStore(t)
	id := insertPendingJob(t, st, JobKindHash)

	job, err := st.ClaimNextJob("worker-1", 300, "")
	if err != nil || job == nil {
		t.Fatalf("expected claim to succeed, err=%v job=%v", err, job)
	}

	// Simulate a lease that has already elapsed.
	if _, err := st.db.Exec(`UPDATE jobs SET lease_expires_at = ? WHERE id = ?`, time.Now().Unix()-1, id); err != nil {
		t.Fatalf("failed to backdate lease: %v", err)
	}

	if err := st.SweepExpiredJobs(300); err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}

	var status string
	var errorCode sql.NullString
	row := st.db.QueryRow(`SELECT status, error_code FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&status, &errorCode); err != nil {
		t.Fatalf("failed to read swept job: %v", err)
	}
	if status != "retryable" {
		t.Fatalf("expected retryable status, got %s", status)
	}
	if !errorCode.Valid || errorCode.String != "LEASE_EXPIRED" {
		t.Fatalf("expected LEASE_EXPIRED error code, got %+v", errorCode)
	}
}

func TestReserveIOBudgetIsMonotonicAndZeroLimitIsNoop(t *testing.T) {
	st := openTestStore(t)

	if d, err := st.ReserveIOBudget("bucket", 1024, 0); err != nil || d != 0 {
		t.Fatalf("expected zero-limit no-op, got delay=%v err=%v", d, err)
	}

	first, err := st.ReserveIOBudget("bucket", 10*1024*1024, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := st.ReserveIOBudget("bucket", 10*1024*1024, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second < first {
		t.Fatalf("expected back-to-back reservations to grow the required delay, got %v then %v", first, second)
	}
}

func TestUpsertFileBatchInvalidatesHashOnChange(t *testing.T) {
	st := openTestStore(t)
	libID, err := st.UpsertLibraryRoot("photos", "/libraries/photos")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session, err := st.CreateScanSession()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := st.UpsertFileBatch(int64(libID), session, []ScannedFile{
		{RelativePath: "a.jpg", SizeBytes: 100, MtimeNs: 1000},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.CommitHashResult(1, "blake3", "deadbeef", 100, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Re-scan with the same size/mtime: digest must survive.
	session2, err := st.CreateScanSession()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.UpsertFileBatch(int64(libID), session2, []ScannedFile{
		{RelativePath: "a.jpg", SizeBytes: 100, MtimeNs: 1000},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	files, err := queryLibraryFiles(st.db, `WHERE id = 1`)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected to find file row, err=%v files=%v", err, files)
	}
	if files[0].NeedsHash {
		t.Fatal("expected unchanged file to keep needs_hash=0")
	}
	if !files[0].ContentHash.Valid {
		t.Fatal("expected content_hash to survive an unchanged re-scan")
	}

	// Re-scan with a changed size: digest must be invalidated.
	session3, err := st.CreateScanSession()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.UpsertFileBatch(int64(libID), session3, []ScannedFile{
		{RelativePath: "a.jpg", SizeBytes: 200, MtimeNs: 2000},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	files, err = queryLibraryFiles(st.db, `WHERE id = 1`)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected to find file row, err=%v files=%v", err, files)
	}
	if !files[0].NeedsHash {
		t.Fatal("expected changed file to set needs_hash=1")
	}
	if files[0].ContentHash.Valid {
		t.Fatal("expected content_hash to be cleared after a size change")
	}
}
