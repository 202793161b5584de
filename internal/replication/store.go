package replication

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allen1211/baskets/pkg/common/utils"
)

// Store persists queue entries across the waiting, processing and sleeping
// states. Claim is the only mutual exclusion between senders: exactly one
// caller wins for a given entry.
type Store interface {
	Put(e *Entry) error
	List(st State, olderThan time.Duration) ([]Item, error)
	// Claim moves name from st into processing. It returns false when the
	// entry is gone or already claimed.
	Claim(name string, st State) (bool, error)
	// Release puts a processing entry back to waiting untouched.
	Release(name string) error
	// Sleep moves a processing entry to sleeping, renamed to carry alt when
	// non-empty, and stamps its modification time.
	Sleep(name, alt string) error
	Remove(name string) error
	Exists(name string, st State) bool
	// Recover returns every processing and sleeping entry to waiting.
	Recover() (int, error)
	// ReadAttrs returns the body of name in st; ok is false when the body
	// is empty.
	ReadAttrs(st State, name string) (attrs Attrs, ok bool, err error)
	WriteAttrs(name string, a Attrs) error
}

// DirStore keeps one file per entry in three sibling directories.
type DirStore struct {
	root string
	seq  uint64
}

func NewDirStore(root string) (*DirStore, error) {
	s := &DirStore{root: root}
	for _, st := range append(States(), "tmp") {
		if err := utils.CheckAndMkdir(filepath.Join(root, string(st))); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DirStore) dir(st State) string {
	return filepath.Join(s.root, string(st))
}

func (s *DirStore) path(st State, name string) string {
	return filepath.Join(s.dir(st), name)
}

// Put writes the entry into waiting through a temporary file, replacing an
// older waiting entry of the same name.
func (s *DirStore) Put(e *Entry) error {
	body, err := encodeAttrs(e.Attrs)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.root, "tmp", fmt.Sprintf("%s.%d", e.Name(), atomic.AddUint64(&s.seq, 1)))
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(Waiting, e.Name())); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *DirStore) List(st State, olderThan time.Duration) ([]Item, error) {
	ents, err := os.ReadDir(s.dir(st))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	items := make([]Item, 0, len(ents))
	for _, de := range ents {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// claimed or removed since ReadDir
			continue
		}
		if olderThan > 0 && now.Sub(info.ModTime()) < olderThan {
			continue
		}
		items = append(items, Item{Name: de.Name(), State: st, ModTime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ModTime.Before(items[j].ModTime)
	})
	return items, nil
}

func (s *DirStore) Claim(name string, st State) (bool, error) {
	err := renameNoReplace(s.path(st, name), s.path(Processing, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrExist):
		return false, nil
	}
	return false, err
}

func (s *DirStore) Release(name string) error {
	return os.Rename(s.path(Processing, name), s.path(Waiting, name))
}

func (s *DirStore) Sleep(name, alt string) error {
	to := name
	if alt != "" {
		e, err := ParseName(name)
		if err != nil {
			return err
		}
		e.Alternative = alt
		to = e.Name()
	}
	dst := s.path(Sleeping, to)
	if err := os.Rename(s.path(Processing, name), dst); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(dst, now, now)
}

func (s *DirStore) Remove(name string) error {
	err := os.Remove(s.path(Processing, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *DirStore) Exists(name string, st State) bool {
	return utils.Exists(s.path(st, name))
}

func (s *DirStore) Recover() (int, error) {
	n := 0
	for _, st := range []State{Processing, Sleeping} {
		items, err := s.List(st, 0)
		if err != nil {
			return n, err
		}
		for _, it := range items {
			if err := os.Rename(s.path(st, it.Name), s.path(Waiting, it.Name)); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *DirStore) ReadAttrs(st State, name string) (Attrs, bool, error) {
	data, err := os.ReadFile(s.path(st, name))
	if err != nil {
		return Attrs{}, false, err
	}
	return decodeAttrs(data)
}

func (s *DirStore) WriteAttrs(name string, a Attrs) error {
	body, err := encodeAttrs(a)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.root, "tmp", fmt.Sprintf("%s.%d", name, atomic.AddUint64(&s.seq, 1)))
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(Processing, name))
}
