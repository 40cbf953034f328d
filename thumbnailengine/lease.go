package thumbnailengine

import (
	"time"

	"github.com/dedupfs/worker/store"
)

// leaseRefresher extends a running thumbnail task's lease at most every
// job_lock_ttl_seconds/3, called between each long-running rendering step.
type leaseRefresher struct {
	store         *store.Store
	taskID        string
	workerID      string
	leaseSeconds  int
	interval      time.Duration
	lastRefreshAt time.Time
}

func newLeaseRefresher(st *store.Store, taskID, workerID string, jobLockTTLSeconds, leaseSeconds int) *leaseRefresher {
	intervalSeconds := jobLockTTLSeconds / 3
	if intervalSeconds < 1 {
		intervalSeconds = 1
	}
	return &leaseRefresher{
		store:        st,
		taskID:       taskID,
		workerID:     workerID,
		leaseSeconds: leaseSeconds,
		interval:     time.Duration(intervalSeconds) * time.Second,
	}
}

func (r *leaseRefresher) refreshNow() error {
	if err := r.store.RefreshThumbnailLease(r.taskID, r.workerID, r.leaseSeconds); err != nil {
		return err
	}
	r.lastRefreshAt = time.Now()
	return nil
}

func (r *leaseRefresher) maybeRefresh() error {
	if time.Since(r.lastRefreshAt) >= r.interval {
		return r.refreshNow()
	}
	return nil
}
