package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
)

type peerInfo struct {
	Host      string
	Status    status.Status
	Available int64
	Island    string
	Storables int64
	Capacity  int64
	LastSeen  time.Time
	salt      uint64
}

// PeerTable is what the gateway knows of peers from ALIVE and ISLAND.
type PeerTable struct {
	mu    sync.RWMutex
	ttl   time.Duration
	peers map[string]*peerInfo
}

func NewPeerTable(ttl time.Duration, seeds []string) *PeerTable {
	t := &PeerTable{ttl: ttl, peers: map[string]*peerInfo{}}
	for _, h := range seeds {
		// seeds are trusted until their first ALIVE says otherwise
		t.get(h).Status = status.ACTIVE
	}
	return t
}

func (t *PeerTable) get(host string) *peerInfo {
	p, ok := t.peers[host]
	if !ok {
		p = &peerInfo{Host: host, salt: xxhash.Sum64String(host), LastSeen: time.Now()}
		t.peers[host] = p
	}
	return p
}

func (t *PeerTable) Alive(host string, st status.Status, available int64) {
	t.mu.Lock()
	p := t.get(host)
	p.Status, p.Available, p.LastSeen = st, available, time.Now()
	t.mu.Unlock()
}

func (t *PeerTable) Island(host, island string, storables, capacity int64) {
	t.mu.Lock()
	p := t.get(host)
	p.Island, p.Storables, p.Capacity, p.LastSeen = island, storables, capacity, time.Now()
	t.mu.Unlock()
}

// Purge removes hosts; with no hosts it removes every peer whose last
// report is older than the table's ttl. It returns the removed hosts.
func (t *PeerTable) Purge(hosts []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	if len(hosts) == 0 {
		for h, p := range t.peers {
			if t.stale(p) {
				out = append(out, h)
			}
		}
	} else {
		for _, h := range hosts {
			if _, ok := t.peers[h]; ok {
				out = append(out, h)
			}
		}
	}
	for _, h := range out {
		delete(t.peers, h)
	}
	sort.Strings(out)
	return out
}

func (t *PeerTable) stale(p *peerInfo) bool {
	return t.ttl > 0 && time.Since(p.LastSeen) > t.ttl
}

// Live lists hosts at or above min, restricted to island when given.
func (t *PeerTable) Live(min status.Status, island string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for h, p := range t.peers {
		if p.Status < min || t.stale(p) {
			continue
		}
		if island != "" && p.Island != island {
			continue
		}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Choose ranks live ACTIVE peers for k by rendezvous hashing and returns
// the best n. The ranking of two hosts never depends on the others.
func (t *PeerTable) Choose(k basket.Key, island string, n int) []string {
	hosts := t.Live(status.ACTIVE, island)
	keyHash := xxhash.Sum64String(k.String())

	t.mu.RLock()
	type scored struct {
		host  string
		score uint64
	}
	arr := make([]scored, 0, len(hosts))
	for _, h := range hosts {
		if p, ok := t.peers[h]; ok {
			arr = append(arr, scored{host: h, score: mix64(keyHash ^ p.salt)})
		}
	}
	t.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].score != arr[j].score {
			return arr[i].score > arr[j].score
		}
		return arr[i].host < arr[j].host
	})
	if n > len(arr) {
		n = len(arr)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = arr[i].host
	}
	return out
}

// Snapshot describes every peer for STATUS and DUMP.
func (t *PeerTable) Snapshot() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[string]interface{}{}
	for h, p := range t.peers {
		out[h] = map[string]interface{}{
			"status":    p.Status.String(),
			"available": p.Available,
			"island":    p.Island,
			"storables": p.Storables,
			"capacity":  p.Capacity,
			"stale":     t.stale(p),
		}
	}
	return out
}

// mix64 is the SplitMix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
