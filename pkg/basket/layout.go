package basket

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	dirArchive     = "archive"
	dirWorking     = "working"
	dirDeleted     = "deleted"
	dirCanceled    = "canceled"
	dirReplicating = "replicating"
)

// Layout derives the on-disk locations of baskets under one storage root.
//
//	<root>/<type>/archive/<hash>/<id>
//	<root>/<type>/deleted/<hash>/<id>.<stamp>.<seq>
//	<root>/<type>/{working,canceled,replicating}/<id>.<stamp>.<seq>
type Layout struct {
	Root string
	seq  uint64
}

func NewLayout(root string) *Layout {
	return &Layout{Root: filepath.Clean(root)}
}

func (l *Layout) BaseDir(k Key) string {
	return filepath.Join(l.Root, strconv.FormatUint(uint64(k.Type), 10))
}

func (l *Layout) ArchivePath(k Key) string {
	return filepath.Join(l.BaseDir(k), dirArchive, HashPath(k.Content), k.String())
}

func (l *Layout) DeletedDir(k Key) string {
	return filepath.Join(l.BaseDir(k), dirDeleted, HashPath(k.Content))
}

func (l *Layout) WorkingDir(k Key) string {
	return filepath.Join(l.BaseDir(k), dirWorking)
}

func (l *Layout) CanceledDir(k Key) string {
	return filepath.Join(l.BaseDir(k), dirCanceled)
}

func (l *Layout) ReplicatingDir(k Key) string {
	return filepath.Join(l.BaseDir(k), dirReplicating)
}

func (l *Layout) suffix() string {
	seq := atomic.AddUint64(&l.seq, 1)
	return fmt.Sprintf("%s.%d", time.Now().Format("20060102150405.000000"), seq)
}

func (l *Layout) NewWorkingPath(k Key) string {
	return filepath.Join(l.WorkingDir(k), k.String()+"."+l.suffix())
}

func (l *Layout) NewDeletedPath(k Key) string {
	return filepath.Join(l.DeletedDir(k), k.String()+"."+l.suffix())
}

func (l *Layout) NewCanceledPath(k Key) string {
	return filepath.Join(l.CanceledDir(k), k.String()+"."+l.suffix())
}

func (l *Layout) NewReplicatingPath(k Key) string {
	return filepath.Join(l.ReplicatingDir(k), k.String()+"."+l.suffix())
}

// IsWorkingPath reports whether path is a working location allocated for k.
func (l *Layout) IsWorkingPath(k Key, path string) bool {
	path = filepath.Clean(path)
	return filepath.Dir(path) == l.WorkingDir(k) &&
		strings.HasPrefix(filepath.Base(path), k.String()+".")
}

// DeletedPaths lists tombstones left by earlier deletes of k.
func (l *Layout) DeletedPaths(k Key) []string {
	matches, err := filepath.Glob(filepath.Join(l.DeletedDir(k), k.String()+".*"))
	if err != nil {
		return nil
	}
	return matches
}
