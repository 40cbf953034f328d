package store

import (
	"database/sql"
	"fmt"
)

// SweepExpiredWAL returns expired running WAL jobs to retryable with an
// incremented retry count and a delayed retry_after.
func (s *Store) SweepExpiredWAL(retrySeconds int) error {
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE wal_maintenance_jobs
		SET status = 'retryable', retry_count = retry_count + 1, retry_after = ? + ?,
		    worker_id = NULL, worker_heartbeat_at = NULL, lease_expires_at = NULL
		WHERE status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, now, retrySeconds, now)
	if err != nil {
		return fmt.Errorf("store: failed to sweep expired wal jobs: %w", err)
	}
	return nil
}

// ClaimNextWAL claims the oldest admissible WAL maintenance job, whether it
// is freshly pending or a retryable job whose delay has elapsed.
func (s *Store) ClaimNextWAL(workerID string, leaseSeconds int) (*WalMaintenanceJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin wal claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowUnix()
	var candidateID, candidateStatus string
	row := tx.QueryRow(`
		SELECT id, status FROM wal_maintenance_jobs
		WHERE (status = 'pending' AND execute_after <= ?)
		   OR (status = 'retryable' AND retry_after <= ?)
		ORDER BY COALESCE(retry_after, execute_after) ASC LIMIT 1
	`, now, now)
	if err := row.Scan(&candidateID, &candidateStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: failed to select wal candidate: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE wal_maintenance_jobs
		SET status = 'running', worker_id = ?, worker_heartbeat_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = ?
	`, workerID, now, now+int64(leaseSeconds), candidateID, candidateStatus)
	if err != nil {
		return nil, fmt.Errorf("store: failed to claim wal job %s: %w", candidateID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read affected rows for wal claim: %w", err)
	}
	if affected != 1 {
		return nil, nil
	}

	job, err := scanWALByID(tx, candidateID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: failed to commit wal claim: %w", err)
	}
	return job, nil
}

func scanWALByID(q querier, id string) (*WalMaintenanceJob, error) {
	row := q.QueryRow(`
		SELECT id, mode, execute_after, retry_count, retry_after, status, worker_id,
		       worker_heartbeat_at, lease_expires_at, busy, log_frames, checkpointed_frames, created_at
		FROM wal_maintenance_jobs WHERE id = ?
	`, id)
	var w WalMaintenanceJob
	if err := row.Scan(&w.ID, &w.Mode, &w.ExecuteAfter, &w.RetryCount, &w.RetryAfter, &w.Status, &w.WorkerID,
		&w.WorkerHeartbeatAt, &w.LeaseExpiresAt, &w.Busy, &w.LogFrames, &w.CheckpointedFrames, &w.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: failed to load wal job %s: %w", id, err)
	}
	return &w, nil
}

// FinishWALSuccess records checkpoint stats and completes a WAL job.
func (s *Store) FinishWALSuccess(jobID, workerID string, stats WalCheckpointStats) error {
	res, err := s.db.Exec(`
		UPDATE wal_maintenance_jobs
		SET status = 'completed', busy = ?, log_frames = ?, checkpointed_frames = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?
	`, stats.Busy, stats.LogFrames, stats.CheckpointedFrames, jobID, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to complete wal job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for wal completion: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}

// FinishWALBusy records checkpoint stats and marks a WAL job retryable after
// a busy (held read lock) checkpoint.
func (s *Store) FinishWALBusy(jobID, workerID string, stats WalCheckpointStats, retryAfterUnix int64) error {
	res, err := s.db.Exec(`
		UPDATE wal_maintenance_jobs
		SET status = 'retryable', retry_count = retry_count + 1, retry_after = ?,
		    busy = ?, log_frames = ?, checkpointed_frames = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?
	`, retryAfterUnix, stats.Busy, stats.LogFrames, stats.CheckpointedFrames, jobID, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to mark wal job %s busy-retryable: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for wal busy-retry: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}

// FinishWALFailure marks a WAL job failed with a message.
func (s *Store) FinishWALFailure(jobID, workerID, message string) error {
	res, err := s.db.Exec(`
		UPDATE wal_maintenance_jobs SET status = 'failed', error_message = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?
	`, message, jobID, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to fail wal job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for wal failure: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}

// validWALCheckpointModes are the only values SQLite accepts for
// PRAGMA wal_checkpoint; since pragmas take no bound parameters, mode must be
// checked against this allowlist before it is interpolated into the
// statement text.
var validWALCheckpointModes = map[string]bool{
	"passive":  true,
	"full":     true,
	"restart":  true,
	"truncate": true,
}

// RunWALCheckpoint executes PRAGMA wal_checkpoint(<mode>) against the shared
// handle and parses its (busy, log_frames, checkpointed_frames) result. mode
// must be one of validWALCheckpointModes.
func (s *Store) RunWALCheckpoint(mode string) (WalCheckpointStats, error) {
	if !validWALCheckpointModes[mode] {
		return WalCheckpointStats{}, fmt.Errorf("store: invalid wal_checkpoint mode %q", mode)
	}
	row := s.db.QueryRow(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	var stats WalCheckpointStats
	if err := row.Scan(&stats.Busy, &stats.LogFrames, &stats.CheckpointedFrames); err != nil {
		return WalCheckpointStats{}, fmt.Errorf("store: wal_checkpoint(%s) failed: %w", mode, err)
	}
	return stats, nil
}
