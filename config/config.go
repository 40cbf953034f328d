// Package config loads worker configuration from a TOML file and applies
// DEDUPFS_* environment overrides on top, following the three-layer scheme:
// compiled default, TOML file, environment variable (env wins).
package config

import (
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds every knob the worker reads. Field names are Go-native; the
// DEDUPFS_RUST_WORKER_* environment variable names are preserved verbatim as
// an external contract even though "rust worker" has no meaning here.
type Config struct {
	LibrariesRoot string `toml:"libraries_root"`
	StateRoot     string `toml:"state_root"`
	DatabasePath  string `toml:"database_path"`
	DatabaseURL   string `toml:"database_url"`
	ThumbsRoot    string `toml:"thumbs_root"`

	WorkerConcurrency    int     `toml:"worker_concurrency"`
	IORateLimitMiBPerSec float64 `toml:"io_rate_limit_mib_per_sec"`

	DefaultHashAlgorithm string `toml:"default_hash_algorithm"`
	ScanWriteBatchSize   int    `toml:"scan_write_batch_size"`
	HashFetchBatchSize   int    `toml:"hash_fetch_batch_size"`
	HashReadChunkBytes   int    `toml:"hash_read_chunk_bytes"`
	HashClaimTTLSeconds  int    `toml:"hash_claim_ttl_seconds"`
	HashRetryBaseSeconds int    `toml:"hash_retry_base_seconds"`
	HashRetryMaxSeconds  int    `toml:"hash_retry_max_seconds"`

	JobLockTTLSeconds int `toml:"job_lock_ttl_seconds"`

	ThumbnailImageConcurrency     int     `toml:"thumbnail_image_concurrency"`
	ThumbnailVideoConcurrency     int     `toml:"thumbnail_video_concurrency"`
	ThumbnailIORateLimitMiBPerSec float64 `toml:"thumbnail_io_rate_limit_mib_per_sec"`
	ThumbnailRetryBaseSeconds     int     `toml:"thumbnail_retry_base_seconds"`
	ThumbnailRetryMaxSeconds      int     `toml:"thumbnail_retry_max_seconds"`
	ThumbnailFFmpegBin            string  `toml:"thumbnail_ffmpeg_bin"`
	ThumbnailFFmpegTimeoutSeconds int     `toml:"thumbnail_ffmpeg_timeout_seconds"`
	ThumbnailMaxDimension         int     `toml:"thumbnail_max_dimension"`

	WorkerPollSeconds      float64 `toml:"worker_poll_seconds"`
	WorkerMaxPollSeconds   float64 `toml:"worker_max_poll_seconds"`
	WorkerPollJitterMillis int     `toml:"worker_poll_jitter_millis"`

	WALCheckpointRetrySeconds int `toml:"wal_checkpoint_retry_seconds"`
}

// Default returns the compiled-in baseline, before any TOML file or
// environment overrides are applied.
func Default() Config {
	return Config{
		LibrariesRoot: "/libraries",
		StateRoot:     "/state",

		WorkerConcurrency:    4,
		IORateLimitMiBPerSec: 0,

		DefaultHashAlgorithm: "blake3",
		ScanWriteBatchSize:   500,
		HashFetchBatchSize:   50,
		HashReadChunkBytes:   1 << 20,
		HashClaimTTLSeconds:  300,
		HashRetryBaseSeconds: 30,
		HashRetryMaxSeconds:  3600,

		JobLockTTLSeconds: 300,

		ThumbnailImageConcurrency:     4,
		ThumbnailVideoConcurrency:     2,
		ThumbnailIORateLimitMiBPerSec: 50,
		ThumbnailRetryBaseSeconds:     30,
		ThumbnailRetryMaxSeconds:      3600,
		ThumbnailFFmpegBin:            "ffmpeg",
		ThumbnailFFmpegTimeoutSeconds: 30,
		ThumbnailMaxDimension:         1024,

		WorkerPollSeconds:      1,
		WorkerMaxPollSeconds:   30,
		WorkerPollJitterMillis: 250,

		WALCheckpointRetrySeconds: 5,
	}
}

// Load reads path (if non-empty) as a TOML file on top of Default(), loads an
// optional .env file, applies DEDUPFS_* environment overrides, cascades
// state-root-derived defaults, and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: warning - failed to load .env: %v", err)
	}

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cascadeStateRoot(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func cascadeStateRoot(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.StateRoot, "dedupfs.sqlite3")
	}
	if cfg.ThumbsRoot == "" {
		cfg.ThumbsRoot = filepath.Join(cfg.StateRoot, "thumbs")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "sqlite:///" + cfg.DatabasePath
	}
}

// ResolvedDatabasePath strips the sqlite:/// scheme from DatabaseURL.
func (c Config) ResolvedDatabasePath() string {
	const prefix = "sqlite:///"
	if strings.HasPrefix(c.DatabaseURL, prefix) {
		return "/" + strings.TrimPrefix(c.DatabaseURL, prefix)
	}
	return c.DatabasePath
}

// Validate enforces the filesystem-layout contract from SPEC_FULL.md §6: the
// libraries root must canonicalize to exactly /libraries, and state-derived
// paths must nest under the state root.
func (c Config) Validate() error {
	librariesReal := canonicalizeBestEffort(c.LibrariesRoot)
	if librariesReal != "/libraries" {
		return fmt.Errorf("config: libraries_root must canonicalize to /libraries, got %s", librariesReal)
	}

	stateReal := canonicalizeBestEffort(c.StateRoot)
	for _, p := range []string{c.ResolvedDatabasePath(), c.ThumbsRoot} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("config: %s must be an absolute path", p)
		}
		real := canonicalizeBestEffort(p)
		if real != stateReal && !strings.HasPrefix(real, stateReal+string(filepath.Separator)) {
			return fmt.Errorf("config: %s must nest under state_root %s", p, c.StateRoot)
		}
	}
	return nil
}

// EnsureDirectories creates the state root, thumbs root, and the database's
// parent directory, logging each path the way the reference backend logs its
// own directory-bootstrap loop.
func (c Config) EnsureDirectories() error {
	dirs := []string{c.StateRoot, c.ThumbsRoot, filepath.Dir(c.ResolvedDatabasePath())}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("config: failed to create directory %s: %w", d, err)
		}
		log.Printf("config: ensured directory exists: %s", d)
	}
	return nil
}

func canonicalizeBestEffort(p string) string {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return filepath.Clean(real)
	}
	return filepath.Clean(p)
}

// NewWorkerID returns a random 10-character alphanumeric suffix, used as the
// default worker identity when no --worker-id override is supplied.
func NewWorkerID() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffix := make([]byte, 10)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("config: failed to generate worker id: %w", err)
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return "dedupfs-worker-" + string(suffix), nil
}

func applyEnvOverrides(cfg *Config) {
	getEnvOrDefault(&cfg.LibrariesRoot, "DEDUPFS_LIBRARIES_ROOT")
	getEnvOrDefault(&cfg.StateRoot, "DEDUPFS_STATE_ROOT")
	getEnvOrDefault(&cfg.ThumbsRoot, "DEDUPFS_THUMBS_ROOT")
	getEnvOrDefault(&cfg.DatabaseURL, "DEDUPFS_DATABASE_URL")

	getEnvIntOrDefault(&cfg.WorkerConcurrency, "DEDUPFS_RUST_WORKER_CONCURRENCY")
	getEnvFloatOrDefault(&cfg.IORateLimitMiBPerSec, "DEDUPFS_RUST_WORKER_IO_RATE_LIMIT_MIB_PER_SEC")

	getEnvOrDefault(&cfg.DefaultHashAlgorithm, "DEDUPFS_DEFAULT_HASH_ALGORITHM")
	getEnvIntOrDefault(&cfg.ScanWriteBatchSize, "DEDUPFS_SCAN_WRITE_BATCH_SIZE")
	getEnvIntOrDefault(&cfg.HashFetchBatchSize, "DEDUPFS_HASH_FETCH_BATCH_SIZE")
	getEnvIntOrDefault(&cfg.HashReadChunkBytes, "DEDUPFS_HASH_READ_CHUNK_BYTES")
	getEnvIntOrDefault(&cfg.HashClaimTTLSeconds, "DEDUPFS_HASH_CLAIM_TTL_SECONDS")
	getEnvIntOrDefault(&cfg.HashRetryBaseSeconds, "DEDUPFS_HASH_RETRY_BASE_SECONDS")
	getEnvIntOrDefault(&cfg.HashRetryMaxSeconds, "DEDUPFS_HASH_RETRY_MAX_SECONDS")

	getEnvIntOrDefault(&cfg.JobLockTTLSeconds, "DEDUPFS_JOB_LOCK_TTL_SECONDS")

	getEnvIntOrDefault(&cfg.ThumbnailImageConcurrency, "DEDUPFS_THUMBNAIL_IMAGE_CONCURRENCY")
	getEnvIntOrDefault(&cfg.ThumbnailVideoConcurrency, "DEDUPFS_THUMBNAIL_VIDEO_CONCURRENCY")
	getEnvFloatOrDefault(&cfg.ThumbnailIORateLimitMiBPerSec, "DEDUPFS_THUMBNAIL_IO_RATE_LIMIT_MIB_PER_SEC")
	getEnvIntOrDefault(&cfg.ThumbnailRetryBaseSeconds, "DEDUPFS_THUMBNAIL_RETRY_BASE_SECONDS")
	getEnvIntOrDefault(&cfg.ThumbnailRetryMaxSeconds, "DEDUPFS_THUMBNAIL_RETRY_MAX_SECONDS")
	getEnvOrDefault(&cfg.ThumbnailFFmpegBin, "DEDUPFS_THUMBNAIL_FFMPEG_BIN")
	getEnvIntOrDefault(&cfg.ThumbnailFFmpegTimeoutSeconds, "DEDUPFS_THUMBNAIL_FFMPEG_TIMEOUT_SECONDS")
	getEnvIntOrDefault(&cfg.ThumbnailMaxDimension, "DEDUPFS_THUMBNAIL_MAX_DIMENSION")

	getEnvFloatOrDefault(&cfg.WorkerPollSeconds, "DEDUPFS_RUST_WORKER_POLL_SECONDS")
	getEnvFloatOrDefault(&cfg.WorkerMaxPollSeconds, "DEDUPFS_RUST_WORKER_MAX_POLL_SECONDS")
	getEnvIntOrDefault(&cfg.WorkerPollJitterMillis, "DEDUPFS_RUST_WORKER_POLL_JITTER_MILLIS")

	getEnvIntOrDefault(&cfg.WALCheckpointRetrySeconds, "DEDUPFS_WAL_CHECKPOINT_RETRY_SECONDS")
}

// getEnvOrDefault overwrites *dst with the named environment variable's value
// if it is set, in the reference backend's helper-function style.
func getEnvOrDefault(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func getEnvIntOrDefault(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("config: warning - invalid int value %q for %s, keeping previous value: %v", v, key, err)
		return
	}
	*dst = parsed
}

func getEnvFloatOrDefault(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Printf("config: warning - invalid float value %q for %s, keeping previous value: %v", v, key, err)
		return
	}
	*dst = parsed
}
