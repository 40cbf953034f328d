package store

import (
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// ScannedFile is one directory-walk observation ready to be upserted into
// library_files.
type ScannedFile struct {
	RelativePath string
	SizeBytes    int64
	MtimeNs      int64
	Inode        sql.NullInt64
	Device       sql.NullInt64
}

// UpsertLibraryRoot inserts or updates the named library root's resolved
// path via GORM, returning its id.
func (s *Store) UpsertLibraryRoot(name, realPath string) (uint, error) {
	var root LibraryRoot
	err := s.gorm.Where("name = ?", name).First(&root).Error
	if err == nil {
		root.RealPath = realPath
		if err := s.gorm.Save(&root).Error; err != nil {
			return 0, fmt.Errorf("store: failed to update library root %s: %w", name, err)
		}
		return root.ID, nil
	}
	root = LibraryRoot{Name: name, RealPath: realPath}
	if err := s.gorm.Create(&root).Error; err != nil {
		return 0, fmt.Errorf("store: failed to create library root %s: %w", name, err)
	}
	return root.ID, nil
}

// TouchLibraryRootScanned stamps LastScannedAt on the given library root.
func (s *Store) TouchLibraryRootScanned(libraryID uint) error {
	now := nowAsTime()
	if err := s.gorm.Model(&LibraryRoot{}).Where("id = ?", libraryID).Update("last_scanned_at", now).Error; err != nil {
		return fmt.Errorf("store: failed to stamp last_scanned_at for library %d: %w", libraryID, err)
	}
	return nil
}

// CreateScanSession inserts a new running scan session via GORM.
func (s *Store) CreateScanSession() (uint, error) {
	session := ScanSession{Status: StatusRunning, StartedAt: nowAsTime()}
	if err := s.gorm.Create(&session).Error; err != nil {
		return 0, fmt.Errorf("store: failed to create scan session: %w", err)
	}
	return session.ID, nil
}

// FinishScanSession records final counters on a scan session.
func (s *Store) FinishScanSession(sessionID uint, status string, filesSeen, dirsSeen int, bytesSeen int64, errorCount int, errorMessage string) error {
	finishedAt := nowAsTime()
	updates := map[string]any{
		"status":        status,
		"files_seen":    filesSeen,
		"dirs_seen":     dirsSeen,
		"bytes_seen":    bytesSeen,
		"error_count":   errorCount,
		"error_message": errorMessage,
		"finished_at":   &finishedAt,
	}
	if err := s.gorm.Model(&ScanSession{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: failed to finish scan session %d: %w", sessionID, err)
	}
	return nil
}

// changedPredicate is true when the incoming observation differs from the
// pre-image row in any attribute that should invalidate a previously
// computed digest, or when the pre-image was marked missing.
const changedPredicate = `(
	library_files.size_bytes != excluded.size_bytes OR
	library_files.mtime_ns != excluded.mtime_ns OR
	IFNULL(library_files.inode, -1) != IFNULL(excluded.inode, -1) OR
	IFNULL(library_files.device, -1) != IFNULL(excluded.device, -1) OR
	library_files.is_missing = 1
)`

var upsertFileSQL = fmt.Sprintf(`
	INSERT INTO library_files (
		library_id, relative_path, size_bytes, mtime_ns, inode, device,
		is_missing, needs_hash, last_seen_scan_id
	) VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?)
	ON CONFLICT(library_id, relative_path) DO UPDATE SET
		size_bytes = excluded.size_bytes,
		mtime_ns = excluded.mtime_ns,
		inode = excluded.inode,
		device = excluded.device,
		last_seen_scan_id = excluded.last_seen_scan_id,
		is_missing = 0,
		needs_hash = CASE WHEN %[1]s THEN 1 ELSE library_files.needs_hash END,
		hash_algorithm = CASE WHEN %[1]s THEN NULL ELSE library_files.hash_algorithm END,
		content_hash = CASE WHEN %[1]s THEN NULL ELSE library_files.content_hash END,
		hashed_size_bytes = CASE WHEN %[1]s THEN NULL ELSE library_files.hashed_size_bytes END,
		hashed_mtime_ns = CASE WHEN %[1]s THEN NULL ELSE library_files.hashed_mtime_ns END,
		hashed_at = CASE WHEN %[1]s THEN NULL ELSE library_files.hashed_at END,
		hash_error_count = CASE WHEN %[1]s THEN 0 ELSE library_files.hash_error_count END,
		hash_last_error = CASE WHEN %[1]s THEN NULL ELSE library_files.hash_last_error END,
		hash_last_error_at = CASE WHEN %[1]s THEN NULL ELSE library_files.hash_last_error_at END,
		hash_retry_after = CASE WHEN %[1]s THEN NULL ELSE library_files.hash_retry_after END,
		hash_claim_token = CASE WHEN %[1]s THEN NULL ELSE library_files.hash_claim_token END,
		hash_claimed_at = CASE WHEN %[1]s THEN NULL ELSE library_files.hash_claimed_at END
`, changedPredicate)

// UpsertFileBatch commits one batch of scanned files in a single transaction,
// applying the invalidation rule from SPEC_FULL.md §4.3 step 4.
func (s *Store) UpsertFileBatch(libraryID int64, scanSessionID uint, files []ScannedFile) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin file batch transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertFileSQL)
	if err != nil {
		return fmt.Errorf("store: failed to prepare file upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.Exec(libraryID, f.RelativePath, f.SizeBytes, f.MtimeNs, f.Inode, f.Device, scanSessionID); err != nil {
			return fmt.Errorf("store: failed to upsert file %s: %w", f.RelativePath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit file batch: %w", err)
	}
	return nil
}

// MarkMissingFiles flips every row in libraryID not seen by scanSessionID to
// is_missing, clearing hash-claim/retry state. Called only when the scan
// traversal completed without filesystem errors.
func (s *Store) MarkMissingFiles(libraryID int64, scanSessionID uint) error {
	_, err := s.db.Exec(`
		UPDATE library_files
		SET is_missing = 1, needs_hash = 0,
		    hash_claim_token = NULL, hash_claimed_at = NULL,
		    hash_retry_after = NULL
		WHERE library_id = ? AND (last_seen_scan_id IS NULL OR last_seen_scan_id != ?)
	`, libraryID, scanSessionID)
	if err != nil {
		return fmt.Errorf("store: failed to mark missing files for library %d: %w", libraryID, err)
	}
	return nil
}

// HashCandidate is one library_files row claimed for hashing, joined with its
// owning library root's resolved path.
type HashCandidate struct {
	ID              int64
	RelativePath    string
	ExpectedSize    int64
	ExpectedMtimeNs int64
	HashErrorCount  int
	RootPath        string
}

// ClaimHashCandidates is the hash engine's entry point into the two-step
// claim protocol: select stale-claim needs-hash rows, stamp a fresh token,
// then re-select joined with their library root's resolved path.
func (s *Store) ClaimHashCandidates(limit int, claimTTLSeconds int, newToken func() (string, error)) ([]HashCandidate, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin hash claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUnix()
	selectQuery, selectArgs, err := psql.Select("id").From("library_files").
		Where(sq.Eq{"needs_hash": 1, "is_missing": 0}).
		Where(sq.Or{sq.Eq{"hash_retry_after": nil}, sq.LtOrEq{"hash_retry_after": now}}).
		Where(sq.Or{
			sq.Eq{"hash_claim_token": nil},
			sq.Eq{"hash_claimed_at": nil},
			sq.LtOrEq{"hash_claimed_at": now - int64(claimTTLSeconds)},
		}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: failed to build hash candidate query: %w", err)
	}
	rows, err := tx.Query(selectQuery, selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to select hash candidates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: failed to scan hash candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("store: failed to generate hash claim token: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE library_files SET hash_claim_token = ?, hash_claimed_at = ?
			WHERE id = ?
		`, token, now, id); err != nil {
			return nil, fmt.Errorf("store: failed to stamp hash claim on file %d: %w", id, err)
		}
	}

	claimRows, err := tx.Query(`
		SELECT f.id, f.relative_path, f.size_bytes, f.mtime_ns, f.hash_error_count, r.real_path
		FROM library_files f
		JOIN library_roots r ON r.id = f.library_id
		WHERE f.hash_claim_token = ?
		ORDER BY f.id ASC
	`, token)
	if err != nil {
		return nil, fmt.Errorf("store: failed to select claimed hash candidates: %w", err)
	}
	defer claimRows.Close()

	var candidates []HashCandidate
	for claimRows.Next() {
		var c HashCandidate
		if err := claimRows.Scan(&c.ID, &c.RelativePath, &c.ExpectedSize, &c.ExpectedMtimeNs, &c.HashErrorCount, &c.RootPath); err != nil {
			return nil, fmt.Errorf("store: failed to scan claimed hash candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: failed to commit hash claim batch: %w", err)
	}
	return candidates, nil
}

// libraryFileColumns lists every column queryLibraryFiles selects, shared so
// the squirrel builder and the row Scan below can't drift out of sync.
var libraryFileColumns = []string{
	"id", "library_id", "relative_path", "size_bytes", "mtime_ns", "inode", "device",
	"is_missing", "needs_hash", "last_seen_scan_id", "hash_algorithm", "content_hash",
	"hashed_size_bytes", "hashed_mtime_ns", "hashed_at", "hash_claim_token", "hash_claimed_at",
	"hash_error_count", "hash_last_error", "hash_last_error_at", "hash_retry_after",
}

func queryLibraryFiles(q interface {
	Query(query string, args ...any) (*sql.Rows, error)
}, whereClause string, args ...any) ([]LibraryFile, error) {
	builder := psql.Select(libraryFileColumns...).From("library_files")
	if whereClause != "" {
		builder = builder.Where(strings.TrimPrefix(whereClause, "WHERE "), args...)
	}
	query, queryArgs, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: failed to build library files query: %w", err)
	}

	rows, err := q.Query(query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query library files: %w", err)
	}
	defer rows.Close()

	var out []LibraryFile
	for rows.Next() {
		var f LibraryFile
		if err := rows.Scan(&f.ID, &f.LibraryID, &f.RelativePath, &f.SizeBytes, &f.MtimeNs, &f.Inode, &f.Device,
			&f.IsMissing, &f.NeedsHash, &f.LastSeenScanID, &f.HashAlgorithm, &f.ContentHash,
			&f.HashedSizeBytes, &f.HashedMtimeNs, &f.HashedAt, &f.HashClaimToken, &f.HashClaimedAt,
			&f.HashErrorCount, &f.HashLastError, &f.HashLastErrorAt, &f.HashRetryAfter); err != nil {
			return nil, fmt.Errorf("store: failed to scan library file row: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// RequeueFileForHash clears digest state and marks a file needing a new hash
// pass, used for the "source changed" requeue. Files that vanish go through
// MarkFileMissingDuringHash instead.
func (s *Store) RequeueFileForHash(fileID int64, sizeBytes, mtimeNs int64, inode, device sql.NullInt64) error {
	_, err := s.db.Exec(`
		UPDATE library_files
		SET size_bytes = ?, mtime_ns = ?, inode = ?, device = ?,
		    needs_hash = 1, content_hash = NULL, hash_algorithm = NULL,
		    hashed_size_bytes = NULL, hashed_mtime_ns = NULL, hashed_at = NULL,
		    hash_claim_token = NULL, hash_claimed_at = NULL
		WHERE id = ?
	`, sizeBytes, mtimeNs, inode, device, fileID)
	if err != nil {
		return fmt.Errorf("store: failed to requeue file %d for hash: %w", fileID, err)
	}
	return nil
}

// MarkFileMissingDuringHash transitions a file that disappeared between scan
// and hash claim to the missing state.
func (s *Store) MarkFileMissingDuringHash(fileID int64) error {
	_, err := s.db.Exec(`
		UPDATE library_files
		SET is_missing = 1, needs_hash = 0, hash_claim_token = NULL, hash_claimed_at = NULL
		WHERE id = ?
	`, fileID)
	if err != nil {
		return fmt.Errorf("store: failed to mark file %d missing: %w", fileID, err)
	}
	return nil
}

// CommitHashResult stores a freshly computed digest and clears claim/retry state.
func (s *Store) CommitHashResult(fileID int64, algorithm, digest string, sizeBytes, mtimeNs int64) error {
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE library_files
		SET needs_hash = 0, hash_algorithm = ?, content_hash = ?,
		    hashed_size_bytes = ?, hashed_mtime_ns = ?, hashed_at = ?,
		    hash_error_count = 0, hash_last_error = NULL, hash_last_error_at = NULL, hash_retry_after = NULL,
		    hash_claim_token = NULL, hash_claimed_at = NULL
		WHERE id = ?
	`, algorithm, digest, sizeBytes, mtimeNs, now, fileID)
	if err != nil {
		return fmt.Errorf("store: failed to commit hash result for file %d: %w", fileID, err)
	}
	return nil
}

// RecordHashFailure increments the error counter and sets a backoff
// retry_after, clearing the claim so another worker may retry later.
func (s *Store) RecordHashFailure(fileID int64, message string, retryAfterUnix int64) error {
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE library_files
		SET hash_error_count = hash_error_count + 1, hash_last_error = ?, hash_last_error_at = ?,
		    hash_retry_after = ?, hash_claim_token = NULL, hash_claimed_at = NULL
		WHERE id = ?
	`, message, now, retryAfterUnix, fileID)
	if err != nil {
		return fmt.Errorf("store: failed to record hash failure for file %d: %w", fileID, err)
	}
	return nil
}
