package replication

import (
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"
)

type memItem struct {
	body    []byte
	modTime time.Time
}

// MemStore is an in-memory Store with the same state transitions as
// DirStore.
type MemStore struct {
	mu    sync.Mutex
	items map[State]map[string]*memItem
	now   func() time.Time
}

func NewMemStore() *MemStore {
	s := &MemStore{items: map[State]map[string]*memItem{}, now: time.Now}
	for _, st := range States() {
		s.items[st] = map[string]*memItem{}
	}
	return s
}

func (s *MemStore) Put(e *Entry) error {
	body, err := encodeAttrs(e.Attrs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[Waiting][e.Name()] = &memItem{body: body, modTime: s.now()}
	return nil
}

// PutRaw stores a body verbatim, used to model files without attributes.
func (s *MemStore) PutRaw(st State, name string, body []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[st][name] = &memItem{body: body, modTime: modTime}
}

func (s *MemStore) List(st State, olderThan time.Duration) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var items []Item
	for name, it := range s.items[st] {
		if olderThan > 0 && now.Sub(it.modTime) < olderThan {
			continue
		}
		items = append(items, Item{Name: name, State: st, ModTime: it.modTime})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].Name < items[j].Name
		}
		return items[i].ModTime.Before(items[j].ModTime)
	})
	return items, nil
}

func (s *MemStore) Claim(name string, st State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[st][name]
	if !ok {
		return false, nil
	}
	if _, busy := s.items[Processing][name]; busy {
		return false, nil
	}
	delete(s.items[st], name)
	s.items[Processing][name] = it
	return true, nil
}

func (s *MemStore) move(name string, to State, newName string) error {
	it, ok := s.items[Processing][name]
	if !ok {
		return fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	delete(s.items[Processing], name)
	s.items[to][newName] = it
	return nil
}

func (s *MemStore) Release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(name, Waiting, name)
}

func (s *MemStore) Sleep(name, alt string) error {
	to := name
	if alt != "" {
		e, err := ParseName(name)
		if err != nil {
			return err
		}
		e.Alternative = alt
		to = e.Name()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.move(name, Sleeping, to); err != nil {
		return err
	}
	s.items[Sleeping][to].modTime = s.now()
	return nil
}

func (s *MemStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[Processing], name)
	return nil
}

func (s *MemStore) Exists(name string, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[st][name]
	return ok
}

func (s *MemStore) Recover() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range []State{Processing, Sleeping} {
		for name, it := range s.items[st] {
			s.items[Waiting][name] = it
			delete(s.items[st], name)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ReadAttrs(st State, name string) (Attrs, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[st][name]
	if !ok {
		return Attrs{}, false, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return decodeAttrs(it.body)
}

func (s *MemStore) WriteAttrs(name string, a Attrs) error {
	body, err := encodeAttrs(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[Processing][name]
	if !ok {
		return fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	it.body = body
	return nil
}

// Count returns the number of entries in st.
func (s *MemStore) Count(st State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[st])
}
