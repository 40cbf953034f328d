package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/dedupfs/worker/config"
	"github.com/dedupfs/worker/hashengine"
	"github.com/dedupfs/worker/maintenance"
	"github.com/dedupfs/worker/scanengine"
	"github.com/dedupfs/worker/store"
	"github.com/dedupfs/worker/thumbnailengine"
	"github.com/dedupfs/worker/workers"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file layered on top of the compiled defaults")
	jobID := flag.String("job-id", "", "claim this specific scan/hash job id and run exactly one cycle, then exit")
	workerID := flag.String("worker-id", "", "worker identity recorded on every claimed row (default: a random dedupfs-worker-* id)")
	daemon := flag.Bool("daemon", false, "run the control loop forever instead of a single cycle")
	flag.Parse()

	if *daemon && *jobID != "" {
		log.Fatal("FATAL: --job-id cannot be combined with --daemon")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: failed to load configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	id := *workerID
	if id == "" {
		id, err = config.NewWorkerID()
		if err != nil {
			log.Fatalf("FATAL: failed to generate worker id: %v", err)
		}
	}

	st, err := store.Open(cfg.ResolvedDatabasePath())
	if err != nil {
		log.Fatalf("FATAL: failed to open store at %s: %v", cfg.ResolvedDatabasePath(), err)
	}
	defer st.Close()

	librariesRootReal := cfg.LibrariesRoot
	thumbsRootReal := cfg.ThumbsRoot

	scanEngine, err := scanengine.New(st, cfg.LibrariesRoot, cfg.ScanWriteBatchSize)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize scan engine: %v", err)
	}

	hashAlgorithm, err := hashengine.ParseAlgorithm(cfg.DefaultHashAlgorithm)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	hashEngine := hashengine.New(st, hashengine.Config{
		LibrariesRootReal:    librariesRootReal,
		DefaultAlgorithm:     hashAlgorithm,
		FetchBatchSize:       cfg.HashFetchBatchSize,
		ClaimTTLSeconds:      cfg.HashClaimTTLSeconds,
		ReadChunkBytes:       cfg.HashReadChunkBytes,
		RetryBaseSeconds:     cfg.HashRetryBaseSeconds,
		RetryMaxSeconds:      cfg.HashRetryMaxSeconds,
		IORateLimitMiBPerSec: cfg.IORateLimitMiBPerSec,
	})

	thumbnailEngine := thumbnailengine.New(st, thumbnailengine.Config{
		LibrariesRootReal:    librariesRootReal,
		ThumbsRootReal:       thumbsRootReal,
		MaxDimension:         cfg.ThumbnailMaxDimension,
		IORateLimitMiBPerSec: cfg.ThumbnailIORateLimitMiBPerSec,
		FFmpegBin:            cfg.ThumbnailFFmpegBin,
		FFmpegTimeoutSeconds: cfg.ThumbnailFFmpegTimeoutSeconds,
		JobLockTTLSeconds:    cfg.JobLockTTLSeconds,
		LeaseSeconds:         cfg.JobLockTTLSeconds,
	})

	cleanupEngine := maintenance.NewCleanupEngine(thumbnailEngine)
	walEngine := maintenance.NewWALEngine(st, maintenance.WALConfig{
		RetrySeconds: cfg.WALCheckpointRetrySeconds,
		LeaseSeconds: cfg.JobLockTTLSeconds,
	})

	cycle := workers.NewCycle(st, workers.Config{
		WorkerID:                  id,
		JobLeaseSeconds:           cfg.JobLockTTLSeconds,
		ThumbnailLeaseSeconds:     cfg.JobLockTTLSeconds,
		CleanupLeaseSeconds:       cfg.JobLockTTLSeconds,
		WALLeaseSeconds:           cfg.JobLockTTLSeconds,
		ThumbnailImageConcurrency: cfg.ThumbnailImageConcurrency,
		ThumbnailVideoConcurrency: cfg.ThumbnailVideoConcurrency,
		LibrariesRootReal:         librariesRootReal,
		ThumbsRootReal:            thumbsRootReal,
	}, scanEngine, hashEngine, thumbnailEngine, cleanupEngine, walEngine)

	log.Printf("worker=%s libraries_root=%s thumbs_root=%s database=%s", id, librariesRootReal, thumbsRootReal, cfg.ResolvedDatabasePath())

	if *daemon {
		log.Printf("worker=%s starting daemon loop (poll=%.1fs max_poll=%.1fs jitter=%dms)", id, cfg.WorkerPollSeconds, cfg.WorkerMaxPollSeconds, cfg.WorkerPollJitterMillis)
		err := workers.RunDaemonLoop(cycle, workers.DaemonConfig{
			PollSeconds:      int(cfg.WorkerPollSeconds),
			MaxPollSeconds:   int(cfg.WorkerMaxPollSeconds),
			PollJitterMillis: cfg.WorkerPollJitterMillis,
		})
		log.Fatalf("FATAL: daemon loop exited: %v", err)
	}

	outcome, err := cycle.Run(*jobID, true)
	if err != nil {
		log.Fatalf("FATAL: cycle failed: %v", err)
	}
	if outcome == workers.Idle {
		fmt.Println("no runnable tasks found")
		return
	}
	fmt.Println("cycle completed one unit of work")
}
