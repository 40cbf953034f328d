// Package hashengine computes content digests for files the scan engine has
// flagged needs_hash, applying the two-phase (metadata-before/after)
// validation protocol from SPEC_FULL.md §4.4 so no digest is ever committed
// against a file that changed mid-read.
package hashengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/dedupfs/worker/ioratelimit"
	"github.com/dedupfs/worker/pathsafety"
	"github.com/dedupfs/worker/store"
)

// Algorithm is the digest algorithm a hash job runs, either explicitly
// requested by the job payload or defaulted from config.
type Algorithm string

const (
	AlgorithmBlake3 Algorithm = "blake3"
	AlgorithmSHA256 Algorithm = "sha256"
)

// ParseAlgorithm validates a payload-supplied algorithm override.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(raw)) {
	case AlgorithmBlake3:
		return AlgorithmBlake3, nil
	case AlgorithmSHA256:
		return AlgorithmSHA256, nil
	default:
		return "", fmt.Errorf("hashengine: unsupported hash algorithm %q", raw)
	}
}

// Payload is the structured hash-job payload.
type Payload struct {
	MaxFiles        *int64 `json:"max_files,omitempty"`
	FetchBatchSize  *int   `json:"fetch_batch_size,omitempty"`
	Algorithm       string `json:"algorithm,omitempty"`
}

// Counters summarizes one hash job run.
type Counters struct {
	ProcessedFiles int64
	HashedFiles    int64
	RequeuedFiles  int64
	MissingFiles   int64
	FailedFiles    int64
	BytesHashed    int64
}

// LeaseRefresher is invoked every 64 processed files to extend the owning
// job's lease.
type LeaseRefresher func(progress float64, processedItems int64) error

// Config is the subset of worker configuration the hash engine needs.
type Config struct {
	LibrariesRootReal    string
	DefaultAlgorithm     Algorithm
	FetchBatchSize       int
	ClaimTTLSeconds      int
	ReadChunkBytes       int
	RetryBaseSeconds     int
	RetryMaxSeconds      int
	IORateLimitMiBPerSec float64
}

// Engine runs hash jobs against the shared store.
type Engine struct {
	store *store.Store
	cfg   Config
}

func New(st *store.Store, cfg Config) *Engine {
	if cfg.ReadChunkBytes <= 0 {
		cfg.ReadChunkBytes = 1 << 20
	}
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = 100
	}
	return &Engine{store: st, cfg: cfg}
}

// Run executes one hash job to completion (or until max_files is reached).
func (e *Engine) Run(payloadJSON string, refresh LeaseRefresher) (Counters, error) {
	var payload Payload
	if strings.TrimSpace(payloadJSON) != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return Counters{}, fmt.Errorf("hashengine: failed to parse job payload: %w", err)
		}
	}

	algorithm := e.cfg.DefaultAlgorithm
	if payload.Algorithm != "" {
		parsed, err := ParseAlgorithm(payload.Algorithm)
		if err != nil {
			return Counters{}, err
		}
		algorithm = parsed
	}

	fetchBatchSize := e.cfg.FetchBatchSize
	if payload.FetchBatchSize != nil && *payload.FetchBatchSize > 0 {
		fetchBatchSize = *payload.FetchBatchSize
	}

	limiter := ioratelimit.New(e.cfg.IORateLimitMiBPerSec)

	var counters Counters
	for {
		if payload.MaxFiles != nil && counters.ProcessedFiles >= *payload.MaxFiles {
			break
		}

		currentBatchSize := fetchBatchSize
		if payload.MaxFiles != nil {
			remaining := *payload.MaxFiles - counters.ProcessedFiles
			if remaining < int64(currentBatchSize) {
				currentBatchSize = int(remaining)
			}
		}
		if currentBatchSize <= 0 {
			break
		}

		candidates, err := e.store.ClaimHashCandidates(currentBatchSize, e.cfg.ClaimTTLSeconds, newClaimToken)
		if err != nil {
			return counters, err
		}
		if len(candidates) == 0 {
			break
		}

		for _, candidate := range candidates {
			counters.ProcessedFiles++

			bytesHashed, outcome, err := e.processCandidate(candidate, algorithm, limiter)
			if err != nil {
				return counters, err
			}
			switch outcome {
			case outcomeHashed:
				counters.HashedFiles++
				counters.BytesHashed += bytesHashed
			case outcomeRequeued:
				counters.RequeuedFiles++
			case outcomeMissing:
				counters.MissingFiles++
			case outcomeFailed:
				counters.FailedFiles++
			}

			if counters.ProcessedFiles%64 == 0 && refresh != nil {
				if err := refresh(0, counters.ProcessedFiles); err != nil {
					return counters, err
				}
			}
		}
	}

	if refresh != nil {
		if err := refresh(1, counters.ProcessedFiles); err != nil {
			return counters, err
		}
	}
	return counters, nil
}

type outcome int

const (
	outcomeHashed outcome = iota
	outcomeRequeued
	outcomeMissing
	outcomeFailed
)

func (e *Engine) processCandidate(candidate store.HashCandidate, algorithm Algorithm, limiter *ioratelimit.Limiter) (int64, outcome, error) {
	path, err := e.resolveCandidatePath(candidate)
	if err != nil {
		if err := e.store.RecordHashFailure(candidate.ID, err.Error(), 0); err != nil {
			return 0, outcomeFailed, err
		}
		return 0, outcomeFailed, nil
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		if err := e.store.MarkFileMissingDuringHash(candidate.ID); err != nil {
			return 0, outcomeMissing, err
		}
		return 0, outcomeMissing, nil
	}

	sizeBefore, mtimeBefore, inodeBefore, deviceBefore := statRow(info)
	if sizeBefore != candidate.ExpectedSize || mtimeBefore != candidate.ExpectedMtimeNs {
		if err := e.store.RequeueFileForHash(candidate.ID, sizeBefore, mtimeBefore, inodeBefore, deviceBefore); err != nil {
			return 0, outcomeRequeued, err
		}
		return 0, outcomeRequeued, nil
	}

	digest, bytesHashed, err := computeHash(path, algorithm, e.cfg.ReadChunkBytes, limiter)
	if err != nil {
		if recErr := e.recordFailure(candidate, err.Error()); recErr != nil {
			return 0, outcomeFailed, recErr
		}
		return 0, outcomeFailed, nil
	}

	infoAfter, err := os.Lstat(path)
	if err != nil || !infoAfter.Mode().IsRegular() {
		if err := e.store.MarkFileMissingDuringHash(candidate.ID); err != nil {
			return 0, outcomeMissing, err
		}
		return 0, outcomeMissing, nil
	}
	sizeAfter, mtimeAfter, inodeAfter, deviceAfter := statRow(infoAfter)
	if sizeAfter != candidate.ExpectedSize || mtimeAfter != candidate.ExpectedMtimeNs {
		if err := e.store.RequeueFileForHash(candidate.ID, sizeAfter, mtimeAfter, inodeAfter, deviceAfter); err != nil {
			return 0, outcomeRequeued, err
		}
		return 0, outcomeRequeued, nil
	}

	if err := e.store.CommitHashResult(candidate.ID, string(algorithm), digest, sizeAfter, mtimeAfter); err != nil {
		return 0, outcomeHashed, err
	}
	return bytesHashed, outcomeHashed, nil
}

func (e *Engine) recordFailure(candidate store.HashCandidate, message string) error {
	nextErrorCount := candidate.HashErrorCount + 1
	delay := retryDelaySeconds(e.cfg.RetryBaseSeconds, e.cfg.RetryMaxSeconds, nextErrorCount)
	return e.store.RecordHashFailure(candidate.ID, message, time.Now().Unix()+int64(delay))
}

func (e *Engine) resolveCandidatePath(candidate store.HashCandidate) (string, error) {
	root, err := pathsafety.ResolveRootUnderLibraries(e.cfg.LibrariesRootReal, candidate.RootPath)
	if err != nil {
		return "", err
	}
	relValidated, err := pathsafety.ValidateRelativePath(candidate.RelativePath)
	if err != nil {
		return "", err
	}
	posixRel, err := pathsafety.ToPosixRelativePath(relValidated)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(posixRel)), nil
}

func computeHash(path string, algorithm Algorithm, chunkSize int, limiter *ioratelimit.Limiter) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	var hasher hash.Hash
	if algorithm == AlgorithmBlake3 {
		hasher = blake3.New()
	} else {
		hasher = sha256.New()
	}

	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
			limiter.Observe(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, fmt.Errorf("failed to read file while hashing: %w", readErr)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), total, nil
}

func retryDelaySeconds(base, max int, errorCount int) int {
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

// newClaimToken derives a claim token from a random UUIDv4 with hyphens
// stripped, per SPEC_FULL.md §4.4 step 1.
func newClaimToken() (string, error) {
	return strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}
