package store

import (
	"database/sql"
	"fmt"
)

// SweepExpiredThumbnails returns expired running thumbnail tasks to pending,
// releasing the lease so another worker's concurrency-cap check can see the
// slot as free again.
func (s *Store) SweepExpiredThumbnails() error {
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE thumbnails
		SET status = 'pending', worker_id = NULL, worker_heartbeat_at = NULL, lease_expires_at = NULL,
		    error_code = COALESCE(error_code, 'LEASE_EXPIRED')
		WHERE status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, now)
	if err != nil {
		return fmt.Errorf("store: failed to sweep expired thumbnails: %w", err)
	}
	return nil
}

// ClaimNextThumbnail claims the oldest admissible pending thumbnail task,
// honoring the per-media-type concurrency caps. Returns (nil, nil) if none is
// admissible right now.
func (s *Store) ClaimNextThumbnail(workerID string, leaseSeconds, imageConcurrency, videoConcurrency int) (*ThumbnailTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin thumbnail claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUnix()
	runningImage, err := countRunningThumbnails(tx, "image", now)
	if err != nil {
		return nil, err
	}
	runningVideo, err := countRunningThumbnails(tx, "video", now)
	if err != nil {
		return nil, err
	}

	var candidateID string
	row := tx.QueryRow(`
		SELECT id FROM thumbnails
		WHERE status = 'pending' AND (retry_after IS NULL OR retry_after <= ?)
		  AND (
		    (media_type = 'image' AND ? < ?) OR
		    (media_type = 'video' AND ? < ?)
		  )
		ORDER BY created_at ASC LIMIT 1
	`, now, runningImage, imageConcurrency, runningVideo, videoConcurrency)
	if err := row.Scan(&candidateID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: failed to select thumbnail candidate: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE thumbnails
		SET status = 'running', worker_id = ?, worker_heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = 'pending'
	`, workerID, now, now+int64(leaseSeconds), candidateID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to claim thumbnail %s: %w", candidateID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read affected rows for thumbnail claim: %w", err)
	}
	if affected != 1 {
		return nil, nil
	}

	task, err := scanThumbnailByID(tx, candidateID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: failed to commit thumbnail claim: %w", err)
	}
	return task, nil
}

func countRunningThumbnails(q querier, mediaType string, now int64) (int, error) {
	var count int
	row := q.QueryRow(`
		SELECT COUNT(*) FROM thumbnails
		WHERE media_type = ? AND status = 'running' AND lease_expires_at > ?
	`, mediaType, now)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store: failed to count running %s thumbnails: %w", mediaType, err)
	}
	return count, nil
}

func scanThumbnailByID(q querier, id string) (*ThumbnailTask, error) {
	row := q.QueryRow(`
		SELECT id, thumb_key, group_key, file_id, media_type, output_format, max_dimension,
		       source_size, source_mtime_ns, output_relpath, status, retry_after, error_count,
		       error_code, error_message, worker_id, worker_heartbeat_at, lease_expires_at,
		       width, height, output_bytes, created_at
		FROM thumbnails WHERE id = ?
	`, id)
	var t ThumbnailTask
	if err := row.Scan(&t.ID, &t.ThumbKey, &t.GroupKey, &t.FileID, &t.MediaType, &t.OutputFormat, &t.MaxDimension,
		&t.SourceSize, &t.SourceMtimeNs, &t.OutputRelPath, &t.Status, &t.RetryAfter, &t.ErrorCount,
		&t.ErrorCode, &t.ErrorMessage, &t.WorkerID, &t.WorkerHeartbeatAt, &t.LeaseExpiresAt,
		&t.Width, &t.Height, &t.OutputBytes, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: failed to load thumbnail %s: %w", id, err)
	}
	return &t, nil
}

// ResolveThumbnailSource looks up the library root's resolved path and the
// file's stored relative path for a thumbnail task's source file_id.
func (s *Store) ResolveThumbnailSource(fileID int64) (rootPath, relativePath string, err error) {
	row := s.db.QueryRow(`
		SELECT r.real_path, f.relative_path
		FROM library_files f
		JOIN library_roots r ON r.id = f.library_id
		WHERE f.id = ?
	`, fileID)
	if err := row.Scan(&rootPath, &relativePath); err != nil {
		return "", "", fmt.Errorf("store: failed to resolve thumbnail source for file %d: %w", fileID, err)
	}
	return rootPath, relativePath, nil
}

// RefreshThumbnailLease extends a running thumbnail task's lease.
func (s *Store) RefreshThumbnailLease(taskID, workerID string, leaseSeconds int) error {
	now := nowUnix()
	res, err := s.db.Exec(`
		UPDATE thumbnails
		SET worker_heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND worker_id = ? AND (lease_expires_at IS NULL OR lease_expires_at > ?)
	`, now, now+int64(leaseSeconds), taskID, workerID, now)
	if err != nil {
		return fmt.Errorf("store: failed to refresh thumbnail %s lease: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for thumbnail lease refresh: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}

// FinishThumbnailSuccess transitions a thumbnail task to ready, recording its
// rendered dimensions and output size.
func (s *Store) FinishThumbnailSuccess(taskID, workerID string, width, height int, outputBytes int64) error {
	res, err := s.db.Exec(`
		UPDATE thumbnails
		SET status = 'ready', width = ?, height = ?, output_bytes = ?, error_code = NULL, error_message = NULL
		WHERE id = ? AND status = 'running' AND worker_id = ?
	`, width, height, outputBytes, taskID, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to finish thumbnail %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for thumbnail finish: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}

// FinishThumbnailFailure transitions a thumbnail task to failed with a
// classified error and a backoff retry_after.
func (s *Store) FinishThumbnailFailure(taskID, workerID, errorCode, message string, retryAfterUnix int64) error {
	res, err := s.db.Exec(`
		UPDATE thumbnails
		SET status = 'failed', error_count = error_count + 1, error_code = ?, error_message = ?, retry_after = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?
	`, errorCode, message, retryAfterUnix, taskID, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to fail thumbnail %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for thumbnail failure: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}
