package replication

import (
	"errors"
	"io/fs"
	"os"
)

// linkRename emulates a non-replacing rename for filesystems without
// RENAME_NOREPLACE: link fails when dst exists.
func linkRename(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
