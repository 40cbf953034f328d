package store

import (
	"database/sql"
	"fmt"
)

// ErrLeaseRevoked is returned by heartbeat/refresh operations when the
// affected-row count comes back zero: another worker (or an expiry sweep)
// has already taken the row away.
var ErrLeaseRevoked = fmt.Errorf("store: lease revoked")

// ErrClaimLost is returned when a conditional claim update affects zero rows:
// another worker won the race for this candidate.
var ErrClaimLost = fmt.Errorf("store: claim lost to another worker")

// SweepExpiredJobs transitions any scan/hash job whose lease has elapsed from
// running to retryable, stamping LEASE_EXPIRED when no application error is
// already recorded. There is no dedicated retry-delay knob for job-level
// expiry in SPEC_FULL.md, so the lease TTL itself is reused as the delay.
func (s *Store) SweepExpiredJobs(jobLockTTLSeconds int) error {
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'retryable',
		    retry_count = retry_count + 1,
		    retry_after = ? + ?,
		    error_code = COALESCE(error_code, 'LEASE_EXPIRED'),
		    updated_at = ?
		WHERE status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, now, jobLockTTLSeconds, now, now)
	if err != nil {
		return fmt.Errorf("store: failed to sweep expired jobs: %w", err)
	}
	return nil
}

// ClaimNextJob selects the oldest pending scan/hash job and conditionally
// claims it for workerID. If explicitJobID is non-empty, that job is claimed
// directly instead of selecting by priority. Returns (nil, nil) when no
// candidate is admissible.
func (s *Store) ClaimNextJob(workerID string, leaseSeconds int, explicitJobID string) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var candidateID string
	if explicitJobID != "" {
		row := tx.QueryRow(`SELECT id FROM jobs WHERE id = ? AND status = 'pending'`, explicitJobID)
		if err := row.Scan(&candidateID); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("store: failed to look up job %s: %w", explicitJobID, err)
		}
	} else {
		row := tx.QueryRow(`
			SELECT id FROM jobs
			WHERE status = 'pending' AND kind IN ('scan', 'hash')
			ORDER BY created_at ASC LIMIT 1
		`)
		if err := row.Scan(&candidateID); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("store: failed to select candidate job: %w", err)
		}
	}

	now := nowUnix()
	res, err := tx.Exec(`
		UPDATE jobs
		SET status = 'running', worker_id = ?, worker_heartbeat_at = ?,
		    lease_expires_at = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, workerID, now, now+int64(leaseSeconds), now, now, candidateID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to claim job %s: %w", candidateID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read affected rows for job claim: %w", err)
	}
	if affected != 1 {
		return nil, nil // lost the race; report idle for this cycle
	}

	job, err := scanJobByID(tx, candidateID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: failed to commit job claim: %w", err)
	}
	return job, nil
}

func scanJobByID(q querier, id string) (*Job, error) {
	row := q.QueryRow(`
		SELECT id, kind, payload, status, worker_id, worker_heartbeat_at, lease_expires_at,
		       progress, processed_items, error_code, error_message, retry_count, retry_after,
		       created_at, started_at, finished_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	var j Job
	var kind string
	if err := row.Scan(&j.ID, &kind, &j.Payload, &j.Status, &j.WorkerID, &j.WorkerHeartbeatAt,
		&j.LeaseExpiresAt, &j.Progress, &j.ProcessedItems, &j.ErrorCode, &j.ErrorMessage,
		&j.RetryCount, &j.RetryAfter, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: failed to load job %s: %w", id, err)
	}
	j.Kind = JobKind(kind)
	return &j, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// RefreshJobLease updates the heartbeat, lease expiry, and progress counters
// for a running job still owned by workerID. Returns ErrLeaseRevoked if the
// lease was already taken away.
func (s *Store) RefreshJobLease(jobID, workerID string, leaseSeconds int, progress float64, processedItems int64) error {
	now := nowUnix()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET worker_heartbeat_at = ?, lease_expires_at = ?, progress = ?, processed_items = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND worker_id = ? AND (lease_expires_at IS NULL OR lease_expires_at > ?)
	`, now, now+int64(leaseSeconds), progress, processedItems, now, jobID, workerID, now)
	if err != nil {
		return fmt.Errorf("store: failed to refresh job %s lease: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for job lease refresh: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}

// FinishJob transitions a running job to a terminal or retryable status.
func (s *Store) FinishJob(jobID, workerID, status, errorCode, errorMessage string) error {
	now := nowUnix()
	var code, msg sql.NullString
	if errorCode != "" {
		code = sql.NullString{String: errorCode, Valid: true}
	}
	if errorMessage != "" {
		msg = sql.NullString{String: errorMessage, Valid: true}
	}
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, error_code = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?
	`, status, code, msg, now, now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to finish job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to read affected rows for job finish: %w", err)
	}
	if affected != 1 {
		return ErrLeaseRevoked
	}
	return nil
}
