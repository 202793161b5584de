// Package manip performs the privileged filesystem changes a peer needs:
// creating directories and moving baskets between working, archive and
// deleted locations with a given mode and owner.
package manip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/allen1211/baskets/pkg/common"
)

type Manipulator interface {
	// Mkdir creates path (and missing parents) owned by user:group.
	// An existing path yields AlreadyExists.
	Mkdir(ctx context.Context, mode uint32, user, group, path string) error
	// Move renames src to dst, creating dst's parent. A missing src yields
	// NotFound and an existing dst yields AlreadyExists.
	Move(ctx context.Context, mode uint32, user, group, src, dst string) error
}

// Local applies changes in-process. Ownership is only changed when it
// differs from what the process created.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Mkdir(ctx context.Context, mode uint32, usr, grp, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, gid, err := lookupOwner(usr, grp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return convertErr(err, "mkdir %s", filepath.Dir(path))
	}
	if err := os.Mkdir(path, os.FileMode(mode)&os.ModePerm); err != nil {
		return convertErr(err, "mkdir %s", path)
	}
	if err := os.Chmod(path, os.FileMode(mode)&os.ModePerm); err != nil {
		return convertErr(err, "chmod %s", path)
	}
	return chown(path, uid, gid)
}

func (l *Local) Move(ctx context.Context, mode uint32, usr, grp, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, gid, err := lookupOwner(usr, grp)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(src); err != nil {
		return convertErr(err, "mv %s", src)
	}
	if _, err := os.Lstat(dst); err == nil {
		return common.NewError(common.ErrAlreadyExists, "mv %s: %s exists", src, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return convertErr(err, "mkdir %s", filepath.Dir(dst))
	}
	if err := os.Rename(src, dst); err != nil {
		return convertErr(err, "mv %s %s", src, dst)
	}
	if err := os.Chmod(dst, os.FileMode(mode)&os.ModePerm); err != nil {
		return convertErr(err, "chmod %s", dst)
	}
	return chown(dst, uid, gid)
}

// lookupOwner resolves names or numeric ids; -1 leaves the id unchanged.
func lookupOwner(usr, grp string) (int, int, error) {
	uid, gid := -1, -1
	if usr != "" && usr != "-" {
		if n, err := strconv.Atoi(usr); err == nil {
			uid = n
		} else {
			u, err := user.Lookup(usr)
			if err != nil {
				return 0, 0, common.NewError(common.ErrInvalidArgument, "unknown user %s", usr)
			}
			uid, _ = strconv.Atoi(u.Uid)
		}
	}
	if grp != "" && grp != "-" {
		if n, err := strconv.Atoi(grp); err == nil {
			gid = n
		} else {
			g, err := user.LookupGroup(grp)
			if err != nil {
				return 0, 0, common.NewError(common.ErrInvalidArgument, "unknown group %s", grp)
			}
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	return uid, gid, nil
}

func chown(path string, uid, gid int) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return convertErr(err, "stat %s", path)
	}
	if (uid < 0 || uint32(uid) == st.Uid) && (gid < 0 || uint32(gid) == st.Gid) {
		return nil
	}
	if err := unix.Lchown(path, uid, gid); err != nil {
		return convertErr(err, "chown %s", path)
	}
	return nil
}

// convertErr maps filesystem errors onto response codes.
func convertErr(err error, format string, a ...interface{}) error {
	msg := fmt.Sprintf(format, a...)
	switch {
	case errors.Is(err, os.ErrExist), errors.Is(err, syscall.ENOTEMPTY):
		return common.NewError(common.ErrAlreadyExists, "%s: %v", msg, err)
	case errors.Is(err, os.ErrNotExist):
		return common.NewError(common.ErrNotFound, "%s: %v", msg, err)
	case errors.Is(err, os.ErrPermission):
		return common.NewError(common.ErrPrecondition, "%s: %v", msg, err)
	}
	return common.NewError(common.ErrInternal, "%s: %v", msg, err)
}
