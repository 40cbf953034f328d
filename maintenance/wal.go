// Package maintenance runs the two lowest-priority queues: thumbnail group
// cleanup and WAL checkpointing, per SPEC_FULL.md §4.7.
package maintenance

import (
	"time"

	"github.com/dedupfs/worker/store"
)

// WALConfig is the subset of worker configuration the WAL engine needs.
type WALConfig struct {
	RetrySeconds int
	LeaseSeconds int
}

// WALEngine executes WAL checkpoint maintenance jobs.
type WALEngine struct {
	store *store.Store
	cfg   WALConfig
}

func NewWALEngine(st *store.Store, cfg WALConfig) *WALEngine {
	return &WALEngine{store: st, cfg: cfg}
}

// Run executes one claimed WAL maintenance job to completion.
func (e *WALEngine) Run(job *store.WalMaintenanceJob, workerID string) error {
	stats, err := e.store.RunWALCheckpoint(job.Mode)
	if err != nil {
		if finishErr := e.store.FinishWALFailure(job.ID, workerID, err.Error()); finishErr != nil {
			return finishErr
		}
		return nil
	}

	if stats.Busy != 0 {
		retryAfter := time.Now().Unix() + int64(e.cfg.RetrySeconds)
		return e.store.FinishWALBusy(job.ID, workerID, stats, retryAfter)
	}
	return e.store.FinishWALSuccess(job.ID, workerID, stats)
}
