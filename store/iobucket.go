package store

import (
	"fmt"
	"math"
	"time"
)

// ReserveIOBudget advances the shared leaky-bucket row keyed by bucketKey by
// the millisecond cost of transferring byteCount bytes against a limitMiB/s
// budget, and returns how long the caller should sleep before proceeding. A
// non-positive limit or byte count is a no-op.
func (s *Store) ReserveIOBudget(bucketKey string, byteCount int64, limitMiBPerSec float64) (time.Duration, error) {
	if limitMiBPerSec <= 0 || byteCount <= 0 {
		return 0, nil
	}

	budgetMs := int64(math.Ceil(float64(byteCount) * 1000 / (limitMiBPerSec * 1024 * 1024)))
	nowMs := nowUnixMilli()

	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO io_rate_limits (bucket_key, next_available_at_ms) VALUES (?, ?)
	`, bucketKey, nowMs); err != nil {
		return 0, fmt.Errorf("store: failed to seed io bucket %s: %w", bucketKey, err)
	}

	row := s.db.QueryRow(`
		UPDATE io_rate_limits
		SET next_available_at_ms = CASE
			WHEN next_available_at_ms > ? THEN next_available_at_ms + ?
			ELSE ? + ?
		END
		WHERE bucket_key = ?
		RETURNING next_available_at_ms
	`, nowMs, budgetMs, nowMs, budgetMs, bucketKey)

	var newNext int64
	if err := row.Scan(&newNext); err != nil {
		return 0, fmt.Errorf("store: failed to reserve io budget for %s: %w", bucketKey, err)
	}

	delayMs := newNext - budgetMs - nowMs
	if delayMs < 0 {
		delayMs = 0
	}
	return time.Duration(delayMs) * time.Millisecond, nil
}
