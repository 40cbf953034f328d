// Package workers runs the priority-ordered control loop: one unit of work
// executed to completion per cycle across the four queues (scan/hash, then
// thumbnails, then thumbnail cleanup, then WAL maintenance), coordinated
// cross-process entirely through the store's lease tables rather than an
// in-process thread pool, per SPEC_FULL.md §2/§5.
package workers

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/dedupfs/worker/hashengine"
	"github.com/dedupfs/worker/maintenance"
	"github.com/dedupfs/worker/scanengine"
	"github.com/dedupfs/worker/store"
	"github.com/dedupfs/worker/thumbnailengine"
)

// CycleOutcome reports whether a control-loop cycle found and ran work.
type CycleOutcome int

const (
	Idle CycleOutcome = iota
	DidWork
)

// Config bundles every engine's dependencies plus the lease/timing knobs the
// control loop itself needs.
type Config struct {
	WorkerID                  string
	JobLeaseSeconds           int
	ThumbnailLeaseSeconds     int
	CleanupLeaseSeconds       int
	WALLeaseSeconds           int
	ThumbnailImageConcurrency int
	ThumbnailVideoConcurrency int
	LibrariesRootReal         string
	ThumbsRootReal            string
}

// Cycle owns one pass over the four queues. It sweeps expired leases on each
// queue before claiming, so a crashed worker's abandoned work becomes
// available again without a separate janitor process.
type Cycle struct {
	store      *store.Store
	cfg        Config
	scan       *scanengine.Engine
	hash       *hashengine.Engine
	thumbnails *thumbnailengine.Engine
	cleanup    *maintenance.CleanupEngine
	wal        *maintenance.WALEngine
}

func NewCycle(st *store.Store, cfg Config, scan *scanengine.Engine, hash *hashengine.Engine, thumbnails *thumbnailengine.Engine, cleanup *maintenance.CleanupEngine, wal *maintenance.WALEngine) *Cycle {
	return &Cycle{store: st, cfg: cfg, scan: scan, hash: hash, thumbnails: thumbnails, cleanup: cleanup, wal: wal}
}

// Run executes one control-loop cycle. requestedJobID, when non-empty,
// forces claiming that specific scan/hash job rather than the oldest
// pending one. propagateErrors controls whether a failed unit of work's
// error is returned to the caller (one-shot CLI mode) or only logged
// (daemon mode).
func (c *Cycle) Run(requestedJobID string, propagateErrors bool) (CycleOutcome, error) {
	if err := c.store.SweepExpiredJobs(c.cfg.JobLeaseSeconds); err != nil {
		return Idle, err
	}
	if job, err := c.store.ClaimNextJob(c.cfg.WorkerID, c.cfg.JobLeaseSeconds, requestedJobID); err != nil {
		return Idle, err
	} else if job != nil {
		return c.runJob(job, propagateErrors)
	}

	if err := c.store.SweepExpiredThumbnails(); err != nil {
		return Idle, err
	}
	if task, err := c.store.ClaimNextThumbnail(c.cfg.WorkerID, c.cfg.ThumbnailLeaseSeconds, c.cfg.ThumbnailImageConcurrency, c.cfg.ThumbnailVideoConcurrency); err != nil {
		return Idle, err
	} else if task != nil {
		return c.runThumbnail(task, propagateErrors)
	}

	if err := c.store.SweepExpiredCleanupJobs(); err != nil {
		return Idle, err
	}
	if job, err := c.store.ClaimNextCleanupJob(c.cfg.WorkerID, c.cfg.CleanupLeaseSeconds); err != nil {
		return Idle, err
	} else if job != nil {
		return c.runCleanup(job, propagateErrors)
	}

	if err := c.store.SweepExpiredWAL(c.cfg.WALLeaseSeconds); err != nil {
		return Idle, err
	}
	if job, err := c.store.ClaimNextWAL(c.cfg.WorkerID, c.cfg.WALLeaseSeconds); err != nil {
		return Idle, err
	} else if job != nil {
		return c.runWAL(job, propagateErrors)
	}

	return Idle, nil
}

func (c *Cycle) runJob(job *store.Job, propagateErrors bool) (CycleOutcome, error) {
	log.Printf("worker=%s job=%s kind=%s", c.cfg.WorkerID, job.ID, job.Kind)

	refresh := func(progress float64, processed int64) error {
		return c.store.RefreshJobLease(job.ID, c.cfg.WorkerID, c.cfg.JobLeaseSeconds, progress, processed)
	}

	var runErr error
	switch job.Kind {
	case store.JobKindScan:
		_, runErr = c.scan.Run(job.Payload, refresh)
	case store.JobKindHash:
		_, runErr = c.hash.Run(job.Payload, refresh)
	default:
		runErr = fmt.Errorf("workers: unsupported job kind %q", job.Kind)
	}

	if runErr == nil {
		if err := c.store.FinishJob(job.ID, c.cfg.WorkerID, store.StatusCompleted, "", ""); err != nil {
			return Idle, err
		}
		log.Printf("job %s finished successfully", job.ID)
		return DidWork, nil
	}

	message := c.sanitizeErrorMessage(runErr.Error())
	_ = c.store.FinishJob(job.ID, c.cfg.WorkerID, store.StatusFailed, "WORKER_FAILURE", message)
	if propagateErrors {
		return Idle, runErr
	}
	log.Printf("job %s failed and persisted as failed: %s", job.ID, message)
	return DidWork, nil
}

func (c *Cycle) runThumbnail(task *store.ThumbnailTask, propagateErrors bool) (CycleOutcome, error) {
	log.Printf("worker=%s thumbnail_task=%s file_id=%d media_type=%s", c.cfg.WorkerID, task.ThumbKey, task.FileID, task.MediaType)

	result, err := c.thumbnails.Run(task, c.cfg.WorkerID)
	if err == nil {
		if err := c.store.FinishThumbnailSuccess(task.ID, c.cfg.WorkerID, result.Width, result.Height, result.OutputBytes); err != nil {
			return Idle, err
		}
		log.Printf("thumbnail task %s finished successfully (%dx%d, %d bytes)", task.ThumbKey, result.Width, result.Height, result.OutputBytes)
		return DidWork, nil
	}

	errorCode := string(thumbnailengine.ClassifyError(err))
	message := c.sanitizeErrorMessage(err.Error())
	retryDelay := retryDelaySeconds(1, 60, task.ErrorCount+1)
	_ = c.store.FinishThumbnailFailure(task.ID, c.cfg.WorkerID, errorCode, message, time.Now().Unix()+int64(retryDelay))
	if propagateErrors {
		return Idle, err
	}
	log.Printf("thumbnail task %s failed and persisted as failed: %s", task.ThumbKey, message)
	return DidWork, nil
}

func (c *Cycle) runCleanup(job *store.ThumbnailCleanupJob, propagateErrors bool) (CycleOutcome, error) {
	log.Printf("worker=%s thumbnail_cleanup_job=%s group_key=%s", c.cfg.WorkerID, job.ID, job.GroupKey)

	removed, err := c.cleanup.Run(job, c.cfg.WorkerID)
	if err == nil {
		log.Printf("thumbnail cleanup job %s finished successfully (removed rows=%d)", job.ID, removed)
		return DidWork, nil
	}

	message := c.sanitizeErrorMessage(err.Error())
	_ = c.cleanup.Fail(job.ID, c.cfg.WorkerID, message)
	if propagateErrors {
		return Idle, err
	}
	log.Printf("thumbnail cleanup job %s failed and persisted as failed: %s", job.ID, message)
	return DidWork, nil
}

func (c *Cycle) runWAL(job *store.WalMaintenanceJob, propagateErrors bool) (CycleOutcome, error) {
	log.Printf("worker=%s wal_maintenance_job=%s mode=%s", c.cfg.WorkerID, job.ID, job.Mode)

	if err := c.wal.Run(job, c.cfg.WorkerID); err != nil {
		if propagateErrors {
			return Idle, err
		}
		log.Printf("wal maintenance job %s failed: %s", job.ID, c.sanitizeErrorMessage(err.Error()))
		return DidWork, nil
	}
	log.Printf("wal maintenance job %s finished", job.ID)
	return DidWork, nil
}

// sanitizeErrorMessage replaces the real libraries/thumbs roots with their
// canonical container-path names before the message reaches logs or a
// persisted error_message column, and truncates to 1024 characters.
func (c *Cycle) sanitizeErrorMessage(raw string) string {
	sanitized := raw
	if c.cfg.LibrariesRootReal != "" {
		sanitized = strings.ReplaceAll(sanitized, c.cfg.LibrariesRootReal, "/libraries")
	}
	if c.cfg.ThumbsRootReal != "" {
		sanitized = strings.ReplaceAll(sanitized, c.cfg.ThumbsRootReal, "/state/thumbs")
	}
	const limit = 1024
	if len([]rune(sanitized)) > limit {
		sanitized = string([]rune(sanitized)[:limit]) + "...(truncated)"
	}
	return sanitized
}

func retryDelaySeconds(base, max, errorCount int) int {
	cappedPower := errorCount - 1
	if cappedPower > 10 {
		cappedPower = 10
	}
	if cappedPower < 0 {
		cappedPower = 0
	}
	delay := base * (1 << uint(cappedPower))
	if delay > max {
		delay = max
	}
	return delay
}

// SleepWithJitter sleeps baseSeconds plus a uniform random jitter in
// [0, jitterMillis].
func SleepWithJitter(baseSeconds int, jitterMillis int) {
	bounded := baseSeconds
	if bounded < 1 {
		bounded = 1
	}
	var jitter time.Duration
	if jitterMillis > 0 {
		jitter = time.Duration(rand.Intn(jitterMillis+1)) * time.Millisecond
	}
	time.Sleep(time.Duration(bounded)*time.Second + jitter)
}

// NextIdleBackoffSeconds doubles current, bounded to [base, max].
func NextIdleBackoffSeconds(current, base, max int) int {
	boundedBase := base
	if boundedBase < 1 {
		boundedBase = 1
	}
	boundedMax := max
	if boundedMax < boundedBase {
		boundedMax = boundedBase
	}
	next := current
	if next < boundedBase {
		next = boundedBase
	}
	next *= 2
	if next > boundedMax {
		next = boundedMax
	}
	return next
}
