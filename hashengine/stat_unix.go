//go:build linux || darwin

package hashengine

import (
	"database/sql"
	"os"
	"syscall"
)

// statRow mirrors scanengine's metadata extraction so both engines agree on
// what "unchanged" means for a file's size/mtime/inode/device tuple.
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
