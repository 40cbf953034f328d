package maintenance

import (
	"github.com/dedupfs/worker/store"
	"github.com/dedupfs/worker/thumbnailengine"
)

// CleanupEngine executes thumbnail group cleanup jobs, delegating the
// filesystem unlink pass to the thumbnail engine that owns output-path
// resolution under the thumbs root.
type CleanupEngine struct {
	thumbnails *thumbnailengine.Engine
}

func NewCleanupEngine(thumbnails *thumbnailengine.Engine) *CleanupEngine {
	return &CleanupEngine{thumbnails: thumbnails}
}

// Run executes one claimed cleanup job to completion. On success it marks
// the job completed; on failure the caller is responsible for persisting the
// failed status (it holds the root paths needed to sanitize the message).
func (e *CleanupEngine) Run(job *store.ThumbnailCleanupJob, workerID string) (int, error) {
	removed, err := e.thumbnails.RunCleanup(job, workerID)
	if err != nil {
		return 0, err
	}
	if err := e.thumbnails.FinishCleanup(job.ID, workerID); err != nil {
		return removed, err
	}
	return removed, nil
}

// Fail persists a cleanup job as failed under THUMB_CLEANUP_FAILED with the
// given (already sanitized) message.
func (e *CleanupEngine) Fail(jobID, workerID, message string) error {
	return e.thumbnails.FailCleanup(jobID, workerID, message)
}
