package peer

import (
	"golang.org/x/sys/unix"
)

// diskSpace reports the bytes available to unprivileged writers and the
// total size of the filesystem holding path.
func diskSpace(path string) (avail, total int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := int64(st.Bsize)
	return int64(st.Bavail) * bsize, int64(st.Blocks) * bsize, nil
}
