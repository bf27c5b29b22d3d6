//go:build unix

package spine

import (
	"os"
	"syscall"
)

// statInode extracts the inode number used for rotation detection.
// Unix-only; the spine is not expected to run on Windows.
func statInode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
