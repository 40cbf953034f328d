//go:build linux || darwin

package scanengine

import (
	"database/sql"
	"os"
	"syscall"
)

// statRow extracts the size/mtime/inode/device fields used by the
// invalidation rule from a Lstat result, using the platform-specific
// syscall.Stat_t view of os.FileInfo.Sys().
func statRow(info os.FileInfo) (sizeBytes, mtimeNs int64, inode, device sql.NullInt64) {
	sizeBytes = info.Size()
	mtimeNs = info.ModTime().UnixNano()

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return sizeBytes, mtimeNs, inode, device
	}
	inode = sql.NullInt64{Int64: int64(stat.Ino), Valid: true}
	device = sql.NullInt64{Int64: int64(stat.Dev), Valid: true}
	return sizeBytes, mtimeNs, inode, device
}
