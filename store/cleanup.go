package store

import (
	"database/sql"
	"fmt"
)

// SweepExpiredCleanupJobs returns expired running cleanup jobs to pending,
// stamping LEASE_EXPIRED when no error code is already recorded.
func (s *Store) SweepExpiredCleanupJobs() error {
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE thumbnail_cleanup_jobs
		SET status = 'pending', worker_id = NULL, worker_heartbeat_at = NULL, lease_expires_at = NULL,
		    error_code = COALESCE(error_code, 'LEASE_EXPIRED')
		WHERE status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, now)
	if err != nil {
		return fmt.Errorf("store: failed to sweep expired cleanup jobs: %w", err)
	}
	return nil
}

// ClaimNextCleanupJob claims the oldest pending cleanup job whose group has
// no thumbnail in {pending, running}. Returns (nil, nil) if none qualifies.
func (s *Store) ClaimNextCleanupJob(workerID string, leaseSeconds int) (*ThumbnailCleanupJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin cleanup claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUnix()
	var candidateID string
	row := tx.QueryRow(`
		SELECT c.id FROM thumbnail_cleanup_jobs c
		WHERE c.status = 'pending' AND c.execute_after <= ?
		  AND NOT EXISTS (
		    SELECT 1 FROM thumbnails t
		    WHERE t.group_key = c.group_key AND t.status IN ('pending', 'running')
		  )
		ORDER BY c.created_at ASC LIMIT 1
	`, now)
	if err := row.Scan(&candidateID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: failed to select cleanup candidate: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE thumbnail_cleanup_jobs
		SET status = 'running', worker_id = ?, worker_heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = 'pending'
	`, workerID, now, now+int64(leaseSeconds), candidateID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to claim cleanup job %s: %w", candidateID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read affected rows for cleanup claim: %w", err)
	}
	if affected != 1 {
		return nil, nil
	}

	job, err := scanCleanupJobByID(tx, candidateID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: failed to commit cleanup claim: %w", err)
	}
	return job, nil
}

func scanCleanupJobByID(q querier, id string) (*ThumbnailCleanupJob, error) {
	row := q.QueryRow(`
		SELECT id, group_key, execute_after, status, worker_id, worker_heartbeat_at, lease_expires_at,
		       error_code, error_message, finished_at, created_at
		FROM thumbnail_cleanup_jobs WHERE id = ?
	`, id)
	var c ThumbnailCleanupJob
	if err := row.Scan(&c.ID, &c.GroupKey, &c.ExecuteAfter, &c.Status, &c.WorkerID, &c.WorkerHeartbeatAt,
		&c.LeaseExpiresAt, &c.ErrorCode, &c.ErrorMessage, &c.FinishedAt, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: failed to load cleanup job %s: %w", id, err)
	}
	return &c, nil
}

// RefreshCleanupLease extends a running cleanup job's lease.
func (s *Store) RefreshCleanupLease(jobID, workerID string, leaseSeconds int) error {
	now := nowUnix()
	res, err := s.db.Exec(`
		UPDATE thumbnail_cleanup_jobs
		SET worker_heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND worker_id = ? AND (lease_expires_at IS NULL OR lease_expires_at > ?)
	`, now, now+int64(leaseSeconds), jobID, workerID, now)
	if err != nil {
		return fmt.Errorf("store: failed to refresh cleanup %s lease: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for cleanup lease refresh: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}

// CleanupOutput is one row's identity and output path, as listed for the
// filesystem pass of a cleanup job.
type CleanupOutput struct {
	ID            string
	OutputRelPath string
}

// ListGroupCleanupOutputs returns the ready/failed thumbnail rows for a group
// key, the set the cleanup's filesystem pass must unlink.
func (s *Store) ListGroupCleanupOutputs(groupKey string) ([]CleanupOutput, error) {
	rows, err := s.db.Query(`
		SELECT id, output_relpath FROM thumbnails
		WHERE group_key = ? AND status IN ('ready', 'failed')
	`, groupKey)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list cleanup outputs for group %s: %w", groupKey, err)
	}
	defer rows.Close()

	var out []CleanupOutput
	for rows.Next() {
		var o CleanupOutput
		if err := rows.Scan(&o.ID, &o.OutputRelPath); err != nil {
			return nil, fmt.Errorf("store: failed to scan cleanup output row: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

// DeleteGroupThumbnailRows removes ready/failed thumbnail rows for a group
// key, after the filesystem pass has unlinked their outputs. Rows in
// {pending, running} are never touched by this statement.
func (s *Store) DeleteGroupThumbnailRows(groupKey string) error {
	_, err := s.db.Exec(`
		DELETE FROM thumbnails WHERE group_key = ? AND status IN ('ready', 'failed')
	`, groupKey)
	if err != nil {
		return fmt.Errorf("store: failed to delete thumbnail rows for group %s: %w", groupKey, err)
	}
	return nil
}

// FinishCleanupJob transitions a running cleanup job to a terminal status,
// recording an error code/message on failure, mirroring the original
// finish_thumbnail_cleanup_job(success, error_code, error_message).
func (s *Store) FinishCleanupJob(jobID, workerID, status, errorCode, errorMessage string) error {
	now := nowUnix()
	res, err := s.db.Exec(`
		UPDATE thumbnail_cleanup_jobs
		SET status = ?, error_code = NULLIF(?, ''), error_message = NULLIF(?, ''),
		    finished_at = ?, worker_heartbeat_at = ?, lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND worker_id = ?
	`, status, errorCode, errorMessage, now, now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to finish cleanup job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for cleanup finish: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}
