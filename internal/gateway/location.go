package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common/utils"
)

const locationPrefix = "loc/"

// location is the cached answer to "where is this basket", keyed by host.
type location struct {
	Paths   map[string]string `cbor:"1,keyasint"`
	Updated int64             `cbor:"2,keyasint"`
}

// LocationStore caches basket locations learned from INSERT and DROP in
// leveldb. Updates of one key are serialised by mu.
type LocationStore struct {
	mu   sync.Mutex
	db   *leveldb.DB
	path string
	enc  cbor.EncMode
}

func MakeLocationStore(path string) (*LocationStore, error) {
	if err := utils.CheckAndMkdir(path); err != nil {
		return nil, err
	}
	options := opt.Options{
		WriteBuffer: 4096 * 1024,
		NoSync:      true,
	}
	db, err := leveldb.OpenFile(path, &options)
	if err != nil {
		return nil, err
	}
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocationStore{db: db, path: path, enc: enc}, nil
}

func locationKey(k basket.Key) []byte {
	return []byte(locationPrefix + k.String())
}

func (s *LocationStore) read(key []byte) (*location, error) {
	val, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	loc := &location{}
	if err := cbor.Unmarshal(val, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

func (s *LocationStore) write(batch *leveldb.Batch, key []byte, loc *location) error {
	if len(loc.Paths) == 0 {
		batch.Delete(key)
		return nil
	}
	loc.Updated = time.Now().Unix()
	val, err := s.enc.Marshal(loc)
	if err != nil {
		return err
	}
	batch.Put(key, val)
	return nil
}

// Get returns the known host to path map of k, nil when nothing is known.
func (s *LocationStore) Get(k basket.Key) (map[string]string, error) {
	loc, err := s.read(locationKey(k))
	if err != nil || loc == nil {
		return nil, err
	}
	return loc.Paths, nil
}

func (s *LocationStore) Insert(k basket.Key, host, path string) error {
	return s.update(k, func(paths map[string]string) {
		paths[host] = path
	})
}

// Drop forgets host for k. A path that no longer matches the cached one is
// a stale notification and is ignored.
func (s *LocationStore) Drop(k basket.Key, host, path string) error {
	return s.update(k, func(paths map[string]string) {
		if cur, ok := paths[host]; ok && (path == "" || cur == path) {
			delete(paths, host)
		}
	})
}

// Forget removes every location of k.
func (s *LocationStore) Forget(k basket.Key) error {
	return s.db.Delete(locationKey(k), nil)
}

func (s *LocationStore) update(k basket.Key, f func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := locationKey(k)
	loc, err := s.read(key)
	if err != nil {
		return err
	}
	if loc == nil {
		loc = &location{Paths: map[string]string{}}
	}
	if loc.Paths == nil {
		loc.Paths = map[string]string{}
	}
	f(loc.Paths)
	batch := new(leveldb.Batch)
	if err := s.write(batch, key, loc); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// Purge removes hosts from every cached location and reports how many
// records changed.
func (s *LocationStore) Purge(hosts []string) (int, error) {
	drop := map[string]bool{}
	for _, h := range hosts {
		drop[h] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(locationPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	changed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		loc := &location{}
		if err := cbor.Unmarshal(iter.Value(), loc); err != nil {
			batch.Delete(append([]byte(nil), iter.Key()...))
			changed++
			continue
		}
		hit := false
		for h := range loc.Paths {
			if drop[h] {
				delete(loc.Paths, h)
				hit = true
			}
		}
		if !hit {
			continue
		}
		if err := s.write(batch, append([]byte(nil), iter.Key()...), loc); err != nil {
			return 0, err
		}
		changed++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return changed, s.db.Write(batch, nil)
}

// Entries lists up to limit cached keys with their hosts, sorted by key.
func (s *LocationStore) Entries(limit int) (map[string][]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(locationPrefix)), nil)
	defer iter.Release()
	out := map[string][]string{}
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		loc := &location{}
		if err := cbor.Unmarshal(iter.Value(), loc); err != nil {
			continue
		}
		hosts := make([]string, 0, len(loc.Paths))
		for h := range loc.Paths {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		out[string(iter.Key()[len(locationPrefix):])] = hosts
	}
	return out, iter.Error()
}

// Size approximates the bytes held by cached locations.
func (s *LocationStore) Size() (int64, error) {
	sizes, err := s.db.SizeOf([]util.Range{*util.BytesPrefix([]byte(locationPrefix))})
	if err != nil {
		return 0, err
	}
	return sizes.Sum(), nil
}

func (s *LocationStore) FileSize() int64 {
	return utils.SizeOfDir(s.path)
}

func (s *LocationStore) Close() {
	_ = s.db.Close()
}
