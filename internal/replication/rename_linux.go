package replication

import (
	"errors"

	"golang.org/x/sys/unix"
)

// renameNoReplace fails with EEXIST instead of replacing dst, so two senders
// can never both hold the same entry.
func renameNoReplace(src, dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
		return linkRename(src, dst)
	}
	return err
}
