// Package thumbnailengine renders image and video thumbnails for claimed
// thumbnail tasks, per SPEC_FULL.md §4.5/§4.8: metadata-before validation,
// atomic temp-file publish, and a structured error kind that only falls
// back to substring classification at external-package boundaries.
package thumbnailengine

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/dedupfs/worker/pathsafety"
	"github.com/dedupfs/worker/store"
)

// ErrorKind is the structured failure classification carried through
// internal thumbnail failures; ClassifyError only falls back to substring
// matching at the boundary with external packages (image codecs, os/exec).
type ErrorKind string

const (
	ErrorKindFFmpegFailed     ErrorKind = "THUMB_VIDEO_FFMPEG_FAILED"
	ErrorKindPathRejected     ErrorKind = "THUMB_PATH_POLICY_REJECTED"
	ErrorKindDecodeFailed     ErrorKind = "THUMB_DECODE_FAILED"
	ErrorKindGenerationFailed ErrorKind = "THUMB_GENERATION_FAILED"

	// ErrorKindCleanupFailed is recorded directly by FailCleanup; it is never
	// produced by ClassifyError since cleanup jobs aren't render tasks.
	ErrorKindCleanupFailed ErrorKind = "THUMB_CLEANUP_FAILED"
)

// KindedError pairs a structured ErrorKind with the underlying cause.
type KindedError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindedError) Error() string { return e.Err.Error() }
func (e *KindedError) Unwrap() error { return e.Err }

func kindedf(kind ErrorKind, format string, args ...any) error {
	return &KindedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ClassifyError resolves an ErrorKind for any error raised during thumbnail
// generation: a KindedError's own kind is authoritative; anything else
// (errors surfacing from image codecs or os/exec at the package boundary)
// falls back to lowercased substring classification.
func ClassifyError(err error) ErrorKind {
	var kinded *KindedError
	if asKindedError(err, &kinded) {
		return kinded.Kind
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "ffmpeg"):
		return ErrorKindFFmpegFailed
	case strings.Contains(message, "path") || strings.Contains(message, "escape"):
		return ErrorKindPathRejected
	case strings.Contains(message, "format") || strings.Contains(message, "decode"):
		return ErrorKindDecodeFailed
	default:
		return ErrorKindGenerationFailed
	}
}

func asKindedError(err error, target **KindedError) bool {
	for err != nil {
		if k, ok := err.(*KindedError); ok {
			*target = k
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Config is the subset of worker configuration the thumbnail engine needs.
type Config struct {
	LibrariesRootReal     string
	ThumbsRootReal        string
	MaxDimension          int
	IORateLimitMiBPerSec  float64
	FFmpegBin             string
	FFmpegTimeoutSeconds  int
	JobLockTTLSeconds     int
	LeaseSeconds          int
}

// Engine renders one thumbnail task at a time.
type Engine struct {
	store *store.Store
	cfg   Config
}

func New(st *store.Store, cfg Config) *Engine {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	return &Engine{store: st, cfg: cfg}
}

// Result carries the rendered thumbnail's dimensions and output size back to
// the caller for FinishThumbnailSuccess.
type Result struct {
	Width       int
	Height      int
	OutputBytes int64
}

// Run executes one thumbnail task: metadata-before validation, rendering,
// and an atomic temp-file-then-rename publish. workerID must match the
// lease the caller already holds on task.
func (e *Engine) Run(task *store.ThumbnailTask, workerID string) (Result, error) {
	refresher := newLeaseRefresher(e.store, task.ID, workerID, e.cfg.JobLockTTLSeconds, e.cfg.LeaseSeconds)
	if err := refresher.refreshNow(); err != nil {
		return Result{}, err
	}

	sourcePath, err := e.resolveSourcePath(task)
	if err != nil {
		return Result{}, err
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return Result{}, kindedf(ErrorKindGenerationFailed, "failed to read source metadata: %w", err)
	}
	if info.Size() != task.SourceSize {
		return Result{}, kindedf(ErrorKindGenerationFailed, "source size changed before thumbnail generation")
	}
	if info.ModTime().UnixNano() != task.SourceMtimeNs {
		return Result{}, kindedf(ErrorKindGenerationFailed, "source mtime changed before thumbnail generation")
	}

	outputPath, err := e.resolveOutputPath(task)
	if err != nil {
		return Result{}, err
	}
	outputPath, err = e.normalizeOutputTarget(outputPath)
	if err != nil {
		return Result{}, err
	}

	tempPath := filepath.Join(filepath.Dir(outputPath), task.ThumbKey+".tmp")
	defer removeIfExists(tempPath)

	maxDimension := task.MaxDimension
	if maxDimension <= 0 || maxDimension > e.cfg.MaxDimension {
		maxDimension = e.cfg.MaxDimension
	}
	if maxDimension < 16 {
		maxDimension = 16
	}

	if err := e.reserveIOBudget(info.Size()); err != nil {
		return Result{}, err
	}

	var width, height int
	switch task.MediaType {
	case "image":
		width, height, err = e.generateImageThumbnail(sourcePath, tempPath, maxDimension, task.OutputFormat, refresher)
	case "video":
		width, height, err = e.generateVideoThumbnail(sourcePath, tempPath, maxDimension, task.OutputFormat, refresher)
	default:
		err = kindedf(ErrorKindGenerationFailed, "unsupported thumbnail media_type: %s", task.MediaType)
	}
	if err != nil {
		return Result{}, err
	}
	if err := refresher.refreshNow(); err != nil {
		return Result{}, err
	}
	if err := e.reserveIOBudget(info.Size()); err != nil {
		return Result{}, err
	}

	if _, err := os.Stat(outputPath); err == nil {
		if err := os.Remove(outputPath); err != nil {
			return Result{}, kindedf(ErrorKindGenerationFailed, "failed to replace existing thumbnail output: %w", err)
		}
	}
	if err := os.Rename(tempPath, outputPath); err != nil {
		return Result{}, kindedf(ErrorKindGenerationFailed, "failed to move thumbnail temp output into place: %w", err)
	}

	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, kindedf(ErrorKindGenerationFailed, "failed to stat thumbnail output: %w", err)
	}

	return Result{Width: width, Height: height, OutputBytes: outInfo.Size()}, nil
}

// RunCleanup deletes every output file associated with a thumbnail group,
// then removes its terminal-state rows from the thumbnails table.
func (e *Engine) RunCleanup(cleanup *store.ThumbnailCleanupJob, workerID string) (int, error) {
	outputs, err := e.store.ListGroupCleanupOutputs(cleanup.GroupKey)
	if err != nil {
		return 0, err
	}

	for i, out := range outputs {
		if i%128 == 0 {
			if err := e.store.RefreshCleanupLease(cleanup.ID, workerID, e.cfg.LeaseSeconds); err != nil {
				return 0, err
			}
		}
		if strings.TrimSpace(out.OutputRelPath) == "" {
			continue
		}
		validated, err := pathsafety.ValidateRelativePath(out.OutputRelPath)
		if err != nil {
			continue
		}
		posix, err := pathsafety.ToPosixRelativePath(validated)
		if err != nil {
			continue
		}
		absolute := filepath.Join(e.cfg.ThumbsRootReal, filepath.FromSlash(posix))
		normalized, err := e.normalizeExistingOutputTarget(absolute)
		if err != nil {
			if _, statErr := os.Stat(absolute); os.IsNotExist(statErr) {
				continue
			}
			return 0, err
		}
		if err := os.Remove(normalized); err != nil && !os.IsNotExist(err) {
			return 0, kindedf(ErrorKindGenerationFailed, "failed to remove thumbnail file %s: %w", normalized, err)
		}
	}

	if err := e.store.DeleteGroupThumbnailRows(cleanup.GroupKey); err != nil {
		return 0, err
	}
	return len(outputs), nil
}

// FinishCleanup transitions a running cleanup job to completed.
func (e *Engine) FinishCleanup(jobID, workerID string) error {
	return e.store.FinishCleanupJob(jobID, workerID, store.StatusCompleted, "", "")
}

// FailCleanup transitions a running cleanup job to failed, recording the
// sanitized error message under THUMB_CLEANUP_FAILED.
func (e *Engine) FailCleanup(jobID, workerID, message string) error {
	return e.store.FinishCleanupJob(jobID, workerID, store.StatusFailed, string(ErrorKindCleanupFailed), message)
}

func (e *Engine) resolveSourcePath(task *store.ThumbnailTask) (string, error) {
	rootPath, relativePath, err := e.store.ResolveThumbnailSource(task.FileID)
	if err != nil {
		return "", err
	}
	root, err := pathsafety.ResolveRootUnderLibraries(e.cfg.LibrariesRootReal, rootPath)
	if err != nil {
		return "", kindedf(ErrorKindPathRejected, "%w", err)
	}
	relValidated, err := pathsafety.ValidateRelativePath(relativePath)
	if err != nil {
		return "", kindedf(ErrorKindPathRejected, "%w", err)
	}
	posixRel, err := pathsafety.ToPosixRelativePath(relValidated)
	if err != nil {
		return "", kindedf(ErrorKindPathRejected, "%w", err)
	}
	candidate := filepath.Join(root, filepath.FromSlash(posixRel))
	if _, err := os.Stat(candidate); err != nil {
		return "", kindedf(ErrorKindGenerationFailed, "source media file does not exist: %s", candidate)
	}
	return candidate, nil
}

func (e *Engine) resolveOutputPath(task *store.ThumbnailTask) (string, error) {
	validated, err := pathsafety.ValidateRelativePath(task.OutputRelPath)
	if err != nil {
		return "", kindedf(ErrorKindPathRejected, "invalid thumbnail output relative path for %s: %w", task.ThumbKey, err)
	}
	posix, err := pathsafety.ToPosixRelativePath(validated)
	if err != nil {
		return "", kindedf(ErrorKindPathRejected, "%w", err)
	}
	return filepath.Join(e.cfg.ThumbsRootReal, filepath.FromSlash(posix)), nil
}

func (e *Engine) normalizeOutputTarget(path string) (string, error) {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", kindedf(ErrorKindGenerationFailed, "failed to create thumbnail output directory %s: %w", parent, err)
	}
	parentReal, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", kindedf(ErrorKindGenerationFailed, "failed to resolve thumbnail output directory %s: %w", parent, err)
	}
	if !withinRoot(e.cfg.ThumbsRootReal, parentReal) {
		return "", kindedf(ErrorKindPathRejected, "thumbnail output directory escapes thumbs root: %s", parentReal)
	}
	return filepath.Join(parentReal, filepath.Base(path)), nil
}

func (e *Engine) normalizeExistingOutputTarget(path string) (string, error) {
	parent := filepath.Dir(path)
	parentReal, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", kindedf(ErrorKindGenerationFailed, "failed to resolve thumbnail output directory %s: %w", parent, err)
	}
	if !withinRoot(e.cfg.ThumbsRootReal, parentReal) {
		return "", kindedf(ErrorKindPathRejected, "thumbnail output directory escapes thumbs root: %s", parentReal)
	}
	return filepath.Join(parentReal, filepath.Base(path)), nil
}

func withinRoot(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	return candidate == root || strings.HasPrefix(candidate, root+string(filepath.Separator))
}

func removeIfExists(path string) {
	_ = os.Remove(path)
}

func (e *Engine) reserveIOBudget(bytes int64) error {
	delay, err := e.store.ReserveIOBudget("thumbnail_io_global", bytes, e.cfg.IORateLimitMiBPerSec)
	if err != nil {
		return err
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (e *Engine) generateImageThumbnail(sourcePath, outputPath string, maxDimension int, outputFormat string, refresher *leaseRefresher) (int, int, error) {
	if err := refresher.maybeRefresh(); err != nil {
		return 0, 0, err
	}
	src, err := imaging.Open(sourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, kindedf(ErrorKindDecodeFailed, "failed to decode source image: %w", err)
	}
	thumb := imaging.Fit(src, maxDimension, maxDimension, imaging.Lanczos)

	if err := refresher.maybeRefresh(); err != nil {
		return 0, 0, err
	}
	if err := saveWithFormat(thumb, outputPath, outputFormat); err != nil {
		return 0, 0, err
	}
	bounds := thumb.Bounds()
	return bounds.Dx(), bounds.Dy(), nil
}

func (e *Engine) generateVideoThumbnail(sourcePath, outputPath string, maxDimension int, outputFormat string, refresher *leaseRefresher) (int, int, error) {
	framePath := filepath.Join(filepath.Dir(outputPath), strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))+"-frame.jpg")
	defer removeIfExists(framePath)

	cmd := exec.Command(e.cfg.FFmpegBin, "-v", "error", "-y", "-ss", "00:00:01", "-i", sourcePath, "-frames:v", "1", framePath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return 0, 0, kindedf(ErrorKindFFmpegFailed, "failed to execute ffmpeg binary %q: %w", e.cfg.FFmpegBin, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.Duration(e.cfg.FFmpegTimeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)
	extracted := false
	for !extracted {
		if err := refresher.maybeRefresh(); err != nil {
			return 0, 0, err
		}
		select {
		case err := <-done:
			if err != nil {
				return 0, 0, kindedf(ErrorKindFFmpegFailed, "ffmpeg frame extraction failed: %s", truncateMessage(stderr.String(), 2048))
			}
			extracted = true
		default:
			if time.Now().After(deadline) {
				_ = cmd.Process.Kill()
				<-done
				return 0, 0, kindedf(ErrorKindFFmpegFailed, "ffmpeg frame extraction timed out after %d seconds", e.cfg.FFmpegTimeoutSeconds)
			}
			time.Sleep(200 * time.Millisecond)
		}
	}

	if err := refresher.maybeRefresh(); err != nil {
		return 0, 0, err
	}
	src, err := imaging.Open(framePath, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, kindedf(ErrorKindDecodeFailed, "failed to decode extracted frame: %w", err)
	}
	thumb := imaging.Fit(src, maxDimension, maxDimension, imaging.Lanczos)

	if err := refresher.maybeRefresh(); err != nil {
		return 0, 0, err
	}
	if err := saveWithFormat(thumb, outputPath, outputFormat); err != nil {
		return 0, 0, err
	}
	bounds := thumb.Bounds()
	return bounds.Dx(), bounds.Dy(), nil
}

func saveWithFormat(img image.Image, outputPath, outputFormat string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return kindedf(ErrorKindGenerationFailed, "failed to create thumbnail output file: %w", err)
	}
	defer f.Close()

	switch outputFormat {
	case "jpeg":
		if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 85}); err != nil {
			return kindedf(ErrorKindGenerationFailed, "failed to write image thumbnail: %w", err)
		}
	case "webp":
		if err := webp.Encode(f, img, &webp.Options{Quality: 85.0}); err != nil {
			return kindedf(ErrorKindGenerationFailed, "failed to write image thumbnail: %w", err)
		}
	default:
		return kindedf(ErrorKindGenerationFailed, "unsupported thumbnail output format: %s", outputFormat)
	}
	return nil
}

func truncateMessage(raw string, maxChars int) string {
	r := []rune(raw)
	if len(r) <= maxChars {
		return raw
	}
	return string(r[:maxChars]) + "...(truncated)"
}
