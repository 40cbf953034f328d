// Package scanengine walks library roots and reconciles the library_files
// table against the observed filesystem state, per SPEC_FULL.md §4.3.
package scanengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/facette/natsort"

	"github.com/dedupfs/worker/pathsafety"
	"github.com/dedupfs/worker/store"
)

const (
	missingSampleLimit = 20
	progressInterval   = 256
)

// Payload is the structured scan-job payload: an optional explicit list of
// library names to scan. When absent, every immediate subdirectory of the
// libraries root is scanned.
type Payload struct {
	LibraryNames []string `json:"library_names,omitempty"`
}

// Result summarizes one scan run for the caller to record on the job and
// scan session rows.
type Result struct {
	FilesSeen    int
	DirsSeen     int
	BytesSeen    int64
	ErrorCount   int
	ErrorSamples []string
}

// LeaseRefresher is invoked periodically during traversal so the caller can
// extend the owning job's lease.
type LeaseRefresher func(progress float64, processedItems int64) error

// Engine scans library roots under a fixed, already-canonicalized libraries
// root.
type Engine struct {
	store             *store.Store
	librariesRoot     string
	librariesRootReal string
	writeBatchSize    int
}

// New canonicalizes librariesRoot once at construction time.
func New(st *store.Store, librariesRoot string, writeBatchSize int) (*Engine, error) {
	real, err := filepath.EvalSymlinks(librariesRoot)
	if err != nil {
		return nil, fmt.Errorf("scanengine: failed to resolve libraries root %s: %w", librariesRoot, err)
	}
	if writeBatchSize <= 0 {
		writeBatchSize = 500
	}
	return &Engine{store: st, librariesRoot: librariesRoot, librariesRootReal: filepath.Clean(real), writeBatchSize: writeBatchSize}, nil
}

// Run executes one scan job: target resolution, traversal, batched upserts,
// and (on a clean run) the missing-files pass.
func (e *Engine) Run(payloadJSON string, refresh LeaseRefresher) (Result, error) {
	var payload Payload
	if strings.TrimSpace(payloadJSON) != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return Result{}, fmt.Errorf("scanengine: failed to parse job payload: %w", err)
		}
	}

	names, err := e.resolveTargetNames(payload.LibraryNames)
	if err != nil {
		return Result{}, err
	}

	sessionID, err := e.store.CreateScanSession()
	if err != nil {
		return Result{}, err
	}

	result := Result{}
	var librariesTouched []uint

	for _, name := range names {
		libPath := filepath.Join(e.librariesRoot, name)
		info, err := os.Lstat(libPath)
		if err != nil {
			result.ErrorCount++
			result.addSample(libPath, err.Error())
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue // symlinked library directories are skipped outright
		}

		realRoot, err := pathsafety.ResolveRootUnderLibraries(e.librariesRootReal, libPath)
		if err != nil {
			result.ErrorCount++
			result.addSample(libPath, err.Error())
			continue
		}

		libID, err := e.store.UpsertLibraryRoot(name, realRoot)
		if err != nil {
			return Result{}, err
		}
		librariesTouched = append(librariesTouched, libID)

		if err := e.scanSingleLibrary(libID, realRoot, sessionID, &result, refresh); err != nil {
			return Result{}, err
		}
	}

	if result.ErrorCount == 0 {
		for _, libID := range librariesTouched {
			if err := e.store.MarkMissingFiles(int64(libID), sessionID); err != nil {
				return Result{}, err
			}
			if err := e.store.TouchLibraryRootScanned(libID); err != nil {
				return Result{}, err
			}
		}
	}

	status := store.StatusCompleted
	errMsg := ""
	if result.ErrorCount > 0 {
		status = store.StatusFailed
		errMsg = strings.Join(result.ErrorSamples, " | ")
	}
	if err := e.store.FinishScanSession(sessionID, status, result.FilesSeen, result.DirsSeen, result.BytesSeen, result.ErrorCount, errMsg); err != nil {
		return Result{}, err
	}

	if result.ErrorCount > 0 {
		return result, fmt.Errorf("scanengine: %s", errMsg)
	}
	return result, nil
}

func (r *Result) addSample(path, message string) {
	if len(r.ErrorSamples) >= missingSampleLimit {
		return
	}
	r.ErrorSamples = append(r.ErrorSamples, fmt.Sprintf("%s: %s", path, message))
}

func (e *Engine) resolveTargetNames(explicit []string) ([]string, error) {
	var names []string
	if len(explicit) > 0 {
		for _, raw := range explicit {
			name, err := pathsafety.NormalizeLibraryName(raw)
			if err != nil {
				return nil, err
			}
			names = append(names, name)
		}
	} else {
		entries, err := os.ReadDir(e.librariesRoot)
		if err != nil {
			return nil, fmt.Errorf("scanengine: failed to list libraries root %s: %w", e.librariesRoot, err)
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				continue
			}
			if !entry.IsDir() {
				continue
			}
			names = append(names, entry.Name())
		}
	}

	seen := make(map[string]bool, len(names))
	var deduped []string
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		deduped = append(deduped, n)
	}
	sort.Strings(deduped)
	return deduped, nil
}

type walkFrame struct {
	absPath string
}

func (e *Engine) scanSingleLibrary(libID uint, realRoot string, sessionID uint, result *Result, refresh LeaseRefresher) error {
	stack := []walkFrame{{absPath: realRoot}}
	var batch []store.ScannedFile
	processed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.store.UpsertFileBatch(int64(libID), sessionID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(frame.absPath)
		if err != nil {
			result.ErrorCount++
			result.addSample(frame.absPath, err.Error())
			continue
		}

		names := make([]string, 0, len(entries))
		byName := make(map[string]os.DirEntry, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
			byName[entry.Name()] = entry
		}
		natsort.Sort(names)

		for _, name := range names {
			entry := byName[name]
			childPath := filepath.Join(frame.absPath, name)

			lstatInfo, err := os.Lstat(childPath)
			if err != nil {
				result.ErrorCount++
				result.addSample(childPath, err.Error())
				continue
			}
			if lstatInfo.Mode()&os.ModeSymlink != 0 {
				continue // never follow symlinks
			}

			if entry.IsDir() {
				result.DirsSeen++
				realChild, err := filepath.EvalSymlinks(childPath)
				if err != nil || !withinRoot(realRoot, realChild) {
					continue
				}
				stack = append(stack, walkFrame{absPath: childPath})
				continue
			}

			relPath, err := filepath.Rel(realRoot, childPath)
			if err != nil {
				result.ErrorCount++
				result.addSample(childPath, err.Error())
				continue
			}
			posixRel, err := pathsafety.ToPosixRelativePath(relPath)
			if err != nil {
				result.ErrorCount++
				result.addSample(childPath, err.Error())
				continue
			}

			size, mtimeNs, inode, device := statRow(lstatInfo)
			batch = append(batch, store.ScannedFile{
				RelativePath: posixRel,
				SizeBytes:    size,
				MtimeNs:      mtimeNs,
				Inode:        inode,
				Device:       device,
			})
			result.FilesSeen++
			result.BytesSeen += size
			processed++

			if len(batch) >= e.writeBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
			if processed%progressInterval == 0 {
				if refresh != nil {
					if err := refresh(0, int64(processed)); err != nil {
						return err
					}
				}
			}
		}
	}

	return flush()
}

func withinRoot(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	return candidate == root || strings.HasPrefix(candidate, root+string(filepath.Separator))
}
