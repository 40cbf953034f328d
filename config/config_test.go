package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
)

func withLibrariesRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	librariesDir := filepath.Join(dir, "libraries")
	if err := os.MkdirAll(librariesDir, 0o755); err != nil {
		t.Fatalf("failed to create libraries dir: %v", err)
	}
	return librariesDir
}

func TestDefaultIsInternallyConsistent(t *testing.T) {
	cfg := Default()
	if cfg.WorkerPollSeconds <= 0 || cfg.WorkerMaxPollSeconds < cfg.WorkerPollSeconds {
		t.Fatalf("poll seconds bounds are inconsistent: %+v", cfg)
	}
	if cfg.HashRetryMaxSeconds < cfg.HashRetryBaseSeconds {
		t.Fatalf("hash retry bounds are inconsistent: %+v", cfg)
	}
}

func TestCascadeStateRootFillsDatabaseAndThumbsDefaults(t *testing.T) {
	cfg := Default()
	cfg.StateRoot = "/state/custom"
	cascadeStateRoot(&cfg)

	if cfg.DatabasePath != filepath.Join("/state/custom", "dedupfs.sqlite3") {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.ThumbsRoot != filepath.Join("/state/custom", "thumbs") {
		t.Fatalf("unexpected thumbs root: %s", cfg.ThumbsRoot)
	}
	if cfg.DatabaseURL != "sqlite:///"+cfg.DatabasePath {
		t.Fatalf("unexpected database url: %s", cfg.DatabaseURL)
	}
}

func TestResolvedDatabasePathStripsScheme(t *testing.T) {
	cfg := Config{DatabaseURL: "sqlite:///state/dedupfs.sqlite3"}
	if got := cfg.ResolvedDatabasePath(); got != "/state/dedupfs.sqlite3" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvOverrideBeatsDefault(t *testing.T) {
	t.Setenv("DEDUPFS_JOB_LOCK_TTL_SECONDS", "90")
	cfg := Default()
	applyEnvOverrides(&cfg)
	if cfg.JobLockTTLSeconds != 90 {
		t.Fatalf("expected env override to apply, got %d", cfg.JobLockTTLSeconds)
	}
}

func TestInvalidEnvIntFallsBackToPreviousValue(t *testing.T) {
	t.Setenv("DEDUPFS_JOB_LOCK_TTL_SECONDS", "not-a-number")
	cfg := Default()
	before := cfg.JobLockTTLSeconds
	applyEnvOverrides(&cfg)
	if cfg.JobLockTTLSeconds != before {
		t.Fatalf("expected invalid env value to be ignored, got %d", cfg.JobLockTTLSeconds)
	}
}

func TestValidateRejectsWrongLibrariesRoot(t *testing.T) {
	cfg := Default()
	cfg.LibrariesRoot = t.TempDir() // anything other than a real /libraries
	cfg.DatabasePath = filepath.Join(cfg.StateRoot, "dedupfs.sqlite3")
	cfg.ThumbsRoot = filepath.Join(cfg.StateRoot, "thumbs")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for non-/libraries root")
	}
}

func TestNewWorkerIDHasExpectedShape(t *testing.T) {
	id, err := NewWorkerID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(id) != len("dedupfs-worker-")+10 {
		t.Fatalf("unexpected worker id length: %q", id)
	}
}

func TestLoadAppliesTOMLThenEnv(t *testing.T) {
	libRoot := withLibrariesRoot(t)
	_ = libRoot

	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "config.toml")
	contents := "state_root = \"" + dir + "\"\njob_lock_ttl_seconds = 120\n"
	if err := os.WriteFile(tomlPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write toml fixture: %v", err)
	}

	t.Setenv("DEDUPFS_LIBRARIES_ROOT", "/libraries")
	t.Setenv("DEDUPFS_JOB_LOCK_TTL_SECONDS", "")
	os.Unsetenv("DEDUPFS_JOB_LOCK_TTL_SECONDS")

	// Validate() requires the canonicalized libraries_root to equal exactly
	// /libraries, which will not exist in the sandbox; this test therefore
	// exercises Load's TOML+env layering up to (but not including) the
	// final Validate call by constructing the same pipeline manually.
	cfg := Default()
	if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	applyEnvOverrides(&cfg)
	cascadeStateRoot(&cfg)

	if cfg.JobLockTTLSeconds != 120 {
		t.Fatalf("expected TOML value to apply, got %d", cfg.JobLockTTLSeconds)
	}
	if cfg.StateRoot != dir {
		t.Fatalf("expected TOML state_root to apply, got %s", cfg.StateRoot)
	}
}
