package replication

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// statMeta reads the ownership, mode and times of path without following
// a final symlink.
func statMeta(path, rel string) (fileBody, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fileBody{}, err
	}
	atime, mtime, ctime := statTimes(&st)
	return fileBody{
		Path:  rel,
		Mode:  uint32(st.Mode) & 07777,
		UID:   st.Uid,
		GID:   st.Gid,
		Size:  st.Size,
		Atime: atime,
		Mtime: mtime,
		Ctime: ctime,
	}, nil
}

// applyMeta restores mode, owner and times on path. Ownership changes the
// process is not permitted to make are skipped.
func applyMeta(path string, m fileBody) error {
	if err := unix.Chmod(path, m.Mode&07777); err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return err
	}
	if st.Uid != m.UID || st.Gid != m.GID {
		err := unix.Lchown(path, int(m.UID), int(m.GID))
		if err != nil && !errors.Is(err, os.ErrPermission) {
			return err
		}
	}
	ts := []unix.Timespec{unix.NsecToTimespec(m.Atime), unix.NsecToTimespec(m.Mtime)}
	return unix.UtimesNano(path, ts)
}
