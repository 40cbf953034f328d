package store

import (
	"database/sql"
	"time"
)

// LibraryRoot is a GORM-backed model: a named, canonicalized subdirectory of
// the libraries root. One level deep, non-symlink, per SPEC_FULL.md §6.
type LibraryRoot struct {
	ID            uint `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;size:255"`
	RealPath      string `gorm:"size:1024"`
	LastScannedAt *time.Time
}

// ScanSession is a GORM-backed model: one row per scan job run, tagging every
// library_files row it touched via LastSeenScanID.
type ScanSession struct {
	ID           uint `gorm:"primaryKey"`
	Status       string `gorm:"size:32"`
	FilesSeen    int
	DirsSeen     int
	BytesSeen    int64
	ErrorCount   int
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// JobKind distinguishes the two job types processed through the shared jobs
// table and its single claim/heartbeat/finish lease protocol.
type JobKind string

const (
	JobKindScan JobKind = "scan"
	JobKindHash JobKind = "hash"
)

// Status values for the queue tables. Scan and hash jobs use all of them
// except StatusReady, which only thumbnail tasks reach.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetryable  = "retryable"
	StatusReady      = "ready"
)

// Job is the raw row shape of the jobs table.
type Job struct {
	ID                string
	Kind              JobKind
	Payload           string
	Status            string
	WorkerID          sql.NullString
	WorkerHeartbeatAt sql.NullInt64
	LeaseExpiresAt    sql.NullInt64
	Progress          float64
	ProcessedItems    int64
	ErrorCode         sql.NullString
	ErrorMessage      sql.NullString
	RetryCount        int
	RetryAfter        sql.NullInt64
	CreatedAt         int64
	StartedAt         sql.NullInt64
	FinishedAt        sql.NullInt64
	UpdatedAt         int64
}

// LibraryFile is the raw row shape of the library_files table.
type LibraryFile struct {
	ID              int64
	LibraryID       int64
	RelativePath    string
	SizeBytes       int64
	MtimeNs         int64
	Inode           sql.NullInt64
	Device          sql.NullInt64
	IsMissing       bool
	NeedsHash       bool
	LastSeenScanID  sql.NullInt64
	HashAlgorithm   sql.NullString
	ContentHash     sql.NullString
	HashedSizeBytes sql.NullInt64
	HashedMtimeNs   sql.NullInt64
	HashedAt        sql.NullInt64
	HashClaimToken  sql.NullString
	HashClaimedAt   sql.NullInt64
	HashErrorCount  int
	HashLastError   sql.NullString
	HashLastErrorAt sql.NullInt64
	HashRetryAfter  sql.NullInt64
}

// ThumbnailTask is the raw row shape of the thumbnails table.
type ThumbnailTask struct {
	ID                string
	ThumbKey          string
	GroupKey          string
	FileID            int64
	MediaType         string
	OutputFormat      string
	MaxDimension      int
	SourceSize        int64
	SourceMtimeNs     int64
	OutputRelPath     string
	Status            string
	RetryAfter        sql.NullInt64
	ErrorCount        int
	ErrorCode         sql.NullString
	ErrorMessage      sql.NullString
	WorkerID          sql.NullString
	WorkerHeartbeatAt sql.NullInt64
	LeaseExpiresAt    sql.NullInt64
	Width             sql.NullInt64
	Height            sql.NullInt64
	OutputBytes       sql.NullInt64
	CreatedAt         int64
}

// ThumbnailCleanupJob is the raw row shape of the thumbnail_cleanup_jobs table.
type ThumbnailCleanupJob struct {
	ID                string
	GroupKey          string
	ExecuteAfter      int64
	Status            string
	WorkerID          sql.NullString
	WorkerHeartbeatAt sql.NullInt64
	LeaseExpiresAt    sql.NullInt64
	ErrorCode         sql.NullString
	ErrorMessage      sql.NullString
	FinishedAt        sql.NullInt64
	CreatedAt         int64
}

// WalMaintenanceJob is the raw row shape of the wal_maintenance_jobs table.
type WalMaintenanceJob struct {
	ID                 string
	Mode               string
	ExecuteAfter       int64
	RetryCount         int
	RetryAfter         sql.NullInt64
	Status             string
	WorkerID           sql.NullString
	WorkerHeartbeatAt  sql.NullInt64
	LeaseExpiresAt     sql.NullInt64
	Busy               sql.NullInt64
	LogFrames          sql.NullInt64
	CheckpointedFrames sql.NullInt64
	CreatedAt          int64
}

// WalCheckpointStats mirrors the three values PRAGMA wal_checkpoint returns.
type WalCheckpointStats struct {
	Busy               int64
	LogFrames          int64
	CheckpointedFrames int64
}
