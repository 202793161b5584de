package replication

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/manip"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/common/utils"
)

func testLogger() *logrus.Logger {
	return common.MustInitLogger("error", "replication-test")
}

func TestGroup(t *testing.T) {
	members := []Member{{"a:1", "a:2"}, {"b:1", "b:2"}, {"c:1", "c:2"}, {"d:1", "d:2"}}
	g, err := NewGroup("c:1", members)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"d:1", "a:1", "b:1"}
	got := g.Colleagues()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("colleagues = %v, want %v", got, want)
	}
	if g.Target() != "d:1" || len(g.Alternatives()) != 2 || g.DefaultTTL() != 6 {
		t.Fatalf("target=%s alternatives=%v ttl=%d", g.Target(), g.Alternatives(), g.DefaultTTL())
	}
	if g.Satisfied([]string{"a:1", "b:1"}) {
		t.Fatal("satisfied without d:1")
	}
	if !g.Satisfied([]string{"a:1", "b:1", "d:1"}) {
		t.Fatal("not satisfied with every colleague")
	}
	if _, err := NewGroup("x:1", members); err == nil {
		t.Fatal("self outside the group should be rejected")
	}
}

func TestEntryName(t *testing.T) {
	e := &Entry{Key: basket.MakeKey(1234, 5, 1), Action: ActionReplicate}
	if e.Name() != "1234.5.1.replicate" {
		t.Fatalf("name = %s", e.Name())
	}
	e.Alternative = "10.0.0.3:7000"
	p, err := ParseName(e.Name())
	if err != nil {
		t.Fatal(err)
	}
	if p.Key != e.Key || p.Action != e.Action || p.Alternative != e.Alternative {
		t.Fatalf("parsed %+v", p)
	}
	for _, bad := range []string{"1.1.1", "1.1.1.copy", "x.1.1.delete", "1.1.1.delete@"} {
		if _, err := ParseName(bad); err == nil {
			t.Fatalf("ParseName(%q) should fail", bad)
		}
	}
}

func TestConcurrentClaim(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e := &Entry{Key: basket.MakeKey(1, 1, 1), Action: ActionReplicate, Attrs: Attrs{TTL: 2}}
	if err := s.Put(e); err != nil {
		t.Fatal(err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(e.Name(), Waiting)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d workers claimed the entry", wins)
	}
	if !s.Exists(e.Name(), Processing) || s.Exists(e.Name(), Waiting) {
		t.Fatal("entry should be in processing only")
	}
}

func TestCrashRecovery(t *testing.T) {
	root := t.TempDir()
	s, err := NewDirStore(root)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for i := 1; i <= 6; i++ {
		e := &Entry{Key: basket.MakeKey(uint64(i), 1, 1), Action: ActionReplicate, Attrs: Attrs{TTL: 2}}
		if err := s.Put(e); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Claim(e.Name(), Waiting); err != nil {
			t.Fatal(err)
		}
		name := e.Name()
		if i%2 == 0 {
			if err := s.Sleep(name, ""); err != nil {
				t.Fatal(err)
			}
		}
		names[name] = true
	}

	// a new store over the same directories stands in for a restart
	s2, err := NewDirStore(root)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s2.Recover()
	if err != nil || n != 6 {
		t.Fatalf("recovered %d, %v", n, err)
	}
	items, _ := s2.List(Waiting, 0)
	if len(items) != len(names) {
		t.Fatalf("waiting has %d entries, want %d", len(items), len(names))
	}
	for _, it := range items {
		if !names[it.Name] {
			t.Fatalf("unexpected entry %s", it.Name)
		}
	}
	for _, st := range []State{Processing, Sleeping} {
		if left, _ := s2.List(st, 0); len(left) != 0 {
			t.Fatalf("%s still has %d entries", st, len(left))
		}
	}
}

func TestSleepCarriesAlternative(t *testing.T) {
	s := NewMemStore()
	e := &Entry{Key: basket.MakeKey(9, 1, 1), Action: ActionDelete, Attrs: Attrs{TTL: 3}}
	_ = s.Put(e)
	if ok, _ := s.Claim(e.Name(), Waiting); !ok {
		t.Fatal("claim failed")
	}
	if err := s.Sleep(e.Name(), "c:1"); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("9.1.1.delete@c:1", Sleeping) {
		t.Fatal("sleeping entry should carry the alternative")
	}
	if items, _ := s.List(Sleeping, time.Hour); len(items) != 0 {
		t.Fatal("fresh sleeper listed before its age")
	}
}

type peerEnv struct {
	host   string
	layout *basket.Layout
	store  *DirStore
	state  *status.Holder
	recv   *Receiver
}

func owner(t *testing.T) Ownership {
	u, err := user.Current()
	if err != nil {
		t.Fatal(err)
	}
	return Ownership{Mode: 0755, User: u.Uid, Group: strconv.Itoa(os.Getgid())}
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// newPeers builds one environment per host with a shared group; hosts in
// run get a live receiver.
func newPeers(t *testing.T, hosts []string, run map[string]bool) (map[string]*peerEnv, []Member) {
	envs := map[string]*peerEnv{}
	var members []Member
	for _, h := range hosts {
		members = append(members, Member{Host: h, Repl: freeAddr(t)})
	}
	for i, h := range hosts {
		root := t.TempDir()
		store, err := NewDirStore(filepath.Join(root, "queue"))
		if err != nil {
			t.Fatal(err)
		}
		env := &peerEnv{
			host:   h,
			layout: basket.NewLayout(filepath.Join(root, "data")),
			store:  store,
			state:  status.NewHolder(status.ACTIVE, testLogger()),
		}
		if run[h] {
			g, err := NewGroup(h, members)
			if err != nil {
				t.Fatal(err)
			}
			env.recv = NewReceiver(members[i].Repl, env.layout, g, store, manip.NewLocal(), env.state, owner(t), 2*time.Second, testLogger())
			if err := env.recv.Start(); err != nil {
				t.Fatal(err)
			}
			t.Cleanup(env.recv.Kill)
		}
		envs[h] = env
	}
	return envs, members
}

func newManager(t *testing.T, env *peerEnv, members []Member) *Manager {
	g, err := NewGroup(env.host, members)
	if err != nil {
		t.Fatal(err)
	}
	meters := NewMeters()
	sender := NewSender(env.host, env.layout, 2*time.Second, meters, testLogger())
	sender.Chunk = 7
	sender.YieldEvery = 16
	return NewManager(DefaultConfig(), env.store, g, env.state, sender, meters, testLogger())
}

func writeArchive(t *testing.T, l *basket.Layout, k basket.Key) string {
	dir := l.ArchivePath(k)
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.bin"), []byte("the quick brown fox jumps over"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "empty"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func processAll(t *testing.T, m *Manager, st State) {
	items, err := m.store.List(st, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		m.Process(it)
	}
}

func TestReplicateToTarget(t *testing.T) {
	hosts := []string{"a:1", "b:1"}
	envs, members := newPeers(t, hosts, map[string]bool{"b:1": true})
	a, b := envs["a:1"], envs["b:1"]
	k := basket.MakeKey(1, 1, 1)
	writeArchive(t, a.layout, k)

	m := newManager(t, a, members)
	if err := m.Enqueue(k, ActionReplicate); err != nil {
		t.Fatal(err)
	}
	processAll(t, m, Waiting)

	got, err := os.ReadFile(filepath.Join(b.layout.ArchivePath(k), "data.bin"))
	if err != nil || string(got) != "the quick brown fox jumps over" {
		t.Fatalf("replicated content = %q, %v", got, err)
	}
	fi, err := os.Stat(filepath.Join(b.layout.ArchivePath(k), "data.bin"))
	if err != nil || fi.Mode().Perm() != 0640 {
		t.Fatalf("replicated mode: %v %v", fi.Mode(), err)
	}
	if _, err := os.Stat(filepath.Join(b.layout.ArchivePath(k), "sub", "empty")); err != nil {
		t.Fatalf("empty file missing: %v", err)
	}
	for _, st := range States() {
		if items, _ := a.store.List(st, 0); len(items) != 0 {
			t.Fatalf("sender queue %s not empty", st)
		}
		// a two-member group is satisfied once b holds it
		if items, _ := b.store.List(st, 0); len(items) != 0 {
			t.Fatalf("receiver requeued into %s", st)
		}
	}

	// a second push finds the copy and finishes without transfer
	_ = m.Enqueue(k, ActionReplicate)
	processAll(t, m, Waiting)
	if items, _ := a.store.List(Waiting, 0); len(items) != 0 {
		t.Fatal("entry left after CATCH reported the copy")
	}
}

func TestReceiverRequeuesUntilSatisfied(t *testing.T) {
	hosts := []string{"a:1", "b:1", "c:1"}
	envs, members := newPeers(t, hosts, map[string]bool{"b:1": true})
	a, b := envs["a:1"], envs["b:1"]
	k := basket.MakeKey(2, 1, 1)
	writeArchive(t, a.layout, k)

	m := newManager(t, a, members)
	_ = m.Enqueue(k, ActionReplicate)
	processAll(t, m, Waiting)

	items, _ := b.store.List(Waiting, 0)
	if len(items) != 1 {
		t.Fatalf("receiver queued %d entries, want 1", len(items))
	}
	attrs, ok, err := b.store.ReadAttrs(Waiting, items[0].Name)
	if err != nil || !ok {
		t.Fatalf("read requeued attrs: %v", err)
	}
	if attrs.TTL != m.group.DefaultTTL()-1 {
		t.Fatalf("ttl = %d, want %d", attrs.TTL, m.group.DefaultTTL()-1)
	}
	if !contains(attrs.Hosts, "a:1") || !contains(attrs.Hosts, "b:1") {
		t.Fatalf("hosts = %v", attrs.Hosts)
	}
}

func TestFailoverToAlternative(t *testing.T) {
	hosts := []string{"a:1", "b:1", "c:1"}
	envs, members := newPeers(t, hosts, map[string]bool{"c:1": true})
	a, c := envs["a:1"], envs["c:1"]
	k := basket.MakeKey(3, 1, 1)
	writeArchive(t, a.layout, k)

	m := newManager(t, a, members)
	_ = m.Enqueue(k, ActionReplicate)
	processAll(t, m, Waiting)

	if _, err := os.Stat(c.layout.ArchivePath(k)); err != nil {
		t.Fatalf("alternative has no copy: %v", err)
	}
	name := "3.1.1.replicate@c:1"
	if !a.store.Exists(name, Sleeping) {
		t.Fatalf("expected %s sleeping", name)
	}
	attrs, _, err := a.store.ReadAttrs(Sleeping, name)
	if err != nil || !contains(attrs.Hosts, "c:1") {
		t.Fatalf("hosts after failover = %v, %v", attrs.Hosts, err)
	}
}

func TestUnreachableSleeps(t *testing.T) {
	hosts := []string{"a:1", "b:1"}
	envs, members := newPeers(t, hosts, nil)
	a := envs["a:1"]
	k := basket.MakeKey(4, 1, 1)
	writeArchive(t, a.layout, k)

	m := newManager(t, a, members)
	_ = m.Enqueue(k, ActionReplicate)
	processAll(t, m, Waiting)
	if !a.store.Exists("4.1.1.replicate", Sleeping) {
		t.Fatal("entry should sleep after the target was unreachable")
	}
}

func TestMissingArchiveDropped(t *testing.T) {
	hosts := []string{"a:1", "b:1"}
	envs, members := newPeers(t, hosts, nil)
	a := envs["a:1"]
	m := newManager(t, a, members)
	_ = m.Enqueue(basket.MakeKey(5, 1, 1), ActionReplicate)
	processAll(t, m, Waiting)
	for _, st := range States() {
		if items, _ := a.store.List(st, 0); len(items) != 0 {
			t.Fatalf("entry for a missing archive left in %s", st)
		}
	}
}

func TestDeleteReplication(t *testing.T) {
	hosts := []string{"a:1", "b:1"}
	envs, members := newPeers(t, hosts, map[string]bool{"b:1": true})
	a, b := envs["a:1"], envs["b:1"]
	k := basket.MakeKey(6, 1, 1)
	writeArchive(t, b.layout, k)

	m := newManager(t, a, members)

	// still archived locally: StillExists drops the entry
	writeArchive(t, a.layout, k)
	_ = m.Enqueue(k, ActionDelete)
	processAll(t, m, Waiting)
	if _, err := os.Stat(b.layout.ArchivePath(k)); err != nil {
		t.Fatal("remote copy deleted while local one exists")
	}

	_ = os.RemoveAll(a.layout.ArchivePath(k))
	_ = m.Enqueue(k, ActionDelete)
	processAll(t, m, Waiting)
	if _, err := os.Stat(b.layout.ArchivePath(k)); !os.IsNotExist(err) {
		t.Fatalf("remote archive still present: %v", err)
	}
	if len(b.layout.DeletedPaths(k)) != 1 {
		t.Fatal("remote tombstone missing")
	}
}

func TestTTLAndSatisfiedOnClaim(t *testing.T) {
	store := NewMemStore()
	g, _ := NewGroup("a:1", []Member{{"a:1", "a:2"}, {"b:1", "b:2"}, {"c:1", "c:2"}})
	meters := NewMeters()
	m := NewManager(DefaultConfig(), store, g, status.NewHolder(status.ACTIVE, nil),
		NewSender("a:1", basket.NewLayout(t.TempDir()), time.Second, meters, testLogger()), meters, testLogger())

	exhausted := &Entry{Key: basket.MakeKey(7, 1, 1), Action: ActionReplicate, Attrs: Attrs{TTL: 0, Hosts: []string{"a:1"}}}
	done := &Entry{Key: basket.MakeKey(8, 1, 1), Action: ActionReplicate, Attrs: Attrs{TTL: 3, Hosts: []string{"a:1", "b:1", "c:1"}}}
	_ = store.Put(exhausted)
	_ = store.Put(done)

	processAll(t, m, Waiting)
	for _, st := range States() {
		if store.Count(st) != 0 {
			t.Fatalf("%s has %d entries", st, store.Count(st))
		}
	}

	// a later scan finds nothing to redo
	if n := m.Scan(); n != 0 {
		t.Fatalf("scan queued %d", n)
	}
}

func TestReceiverTTLExhausted(t *testing.T) {
	store := NewMemStore()
	g, _ := NewGroup("b:1", []Member{{"a:1", "a:2"}, {"b:1", "b:2"}, {"c:1", "c:2"}})
	r := NewReceiver("127.0.0.1:0", basket.NewLayout(t.TempDir()), g, store, manip.NewLocal(),
		status.NewHolder(status.ACTIVE, nil), Ownership{Mode: 0755}, time.Second, testLogger())
	k := basket.MakeKey(10, 1, 1)

	r.settle(ActionReplicate, k, basketBody{Basket: k.String(), TTL: 1, Hosts: []string{"a:1"}})
	if store.Count(Waiting) != 0 {
		t.Fatal("entry with spent ttl was requeued")
	}
	r.settle(ActionReplicate, k, basketBody{Basket: k.String(), TTL: 3, Hosts: []string{"a:1"}})
	if store.Count(Waiting) != 1 {
		t.Fatal("entry with ttl left was not requeued")
	}
	r.settle(ActionDelete, k, basketBody{Basket: k.String(), TTL: 3, Hosts: []string{"a:1", "c:1"}})
	if store.Count(Waiting) != 1 {
		t.Fatal("satisfied entry was requeued")
	}
}

func TestStatusGatesDispatch(t *testing.T) {
	store := NewMemStore()
	g, _ := NewGroup("a:1", []Member{{"a:1", "a:2"}, {"b:1", "b:2"}})
	state := status.NewHolder(status.READONLY, nil)
	meters := NewMeters()
	m := NewManager(DefaultConfig(), store, g, state,
		NewSender("a:1", basket.NewLayout(t.TempDir()), time.Second, meters, testLogger()), meters, testLogger())
	_ = m.Enqueue(basket.MakeKey(11, 1, 1), ActionReplicate)
	if n := m.Scan(); n != 0 {
		t.Fatalf("scan queued %d entries while READONLY", n)
	}
	processAll(t, m, Waiting)
	if store.Count(Waiting) != 1 {
		t.Fatal("entry processed while READONLY")
	}
}

func TestFailedTransferIsCanceled(t *testing.T) {
	hosts := []string{"a:1", "b:1"}
	envs, members := newPeers(t, hosts, map[string]bool{"b:1": true})
	a, b := envs["a:1"], envs["b:1"]
	m := newManager(t, a, members)
	addr, _ := m.group.ReplAddr("b:1")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for i, tc := range []struct {
		name        string
		ctx         context.Context
		stillQueued func() bool
		permanent   bool
	}{
		{"stopped mid copy", canceled, nil, false},
		{"entry vanished", context.Background(), func() bool { return false }, true},
	} {
		k := basket.MakeKey(uint64(20+i), 1, 1)
		writeArchive(t, a.layout, k)
		e := &Entry{Key: k, Action: ActionReplicate, Attrs: m.defaultAttrs()}

		exists, err := m.sender.Replicate(tc.ctx, addr, e, tc.stillQueued)
		if err == nil || exists {
			t.Fatalf("%s: exists=%v err=%v", tc.name, exists, err)
		}
		if got := classOf("b:1", err).Class.Permanent(); got != tc.permanent {
			t.Fatalf("%s: permanent=%v, want %v (%v)", tc.name, got, tc.permanent, err)
		}
		if utils.Exists(b.layout.ArchivePath(k)) {
			t.Fatalf("%s: receiver archived a canceled transfer", tc.name)
		}
		left, _ := os.ReadDir(b.layout.ReplicatingDir(k))
		if len(left) != 0 {
			t.Fatalf("%s: %d replicating dirs left", tc.name, len(left))
		}
		moved, err := os.ReadDir(b.layout.CanceledDir(k))
		if err != nil || len(moved) != 1 {
			t.Fatalf("%s: canceled dir has %d entries, %v", tc.name, len(moved), err)
		}
		_ = os.RemoveAll(b.layout.CanceledDir(k))
	}
}

func TestVanishedEntryDropped(t *testing.T) {
	hosts := []string{"a:1", "b:1"}
	envs, members := newPeers(t, hosts, map[string]bool{"b:1": true})
	a, b := envs["a:1"], envs["b:1"]
	k := basket.MakeKey(25, 1, 1)
	writeArchive(t, a.layout, k)

	m := newManager(t, a, members)
	e := &Entry{Key: k, Action: ActionReplicate, Attrs: m.defaultAttrs()}
	addr, _ := m.group.ReplAddr("b:1")
	_, err := m.sender.Replicate(context.Background(), addr, e, func() bool {
		return a.store.Exists(e.Name(), Processing)
	})
	if err == nil || !classOf("b:1", err).Class.Permanent() {
		t.Fatalf("transfer of an entry not in processing: %v", err)
	}
	if utils.Exists(b.layout.ArchivePath(k)) {
		t.Fatal("receiver archived a transfer whose entry vanished")
	}
}

func scanManager(t *testing.T, store Store) *Manager {
	g, err := NewGroup("a:1", []Member{{"a:1", "a:2"}, {"b:1", "b:2"}})
	if err != nil {
		t.Fatal(err)
	}
	conf := DefaultConfig()
	conf.LowMark, conf.MidMark, conf.HighMark = 2, 3, 4
	conf.SleepAge = time.Hour
	conf.Pace = 0
	meters := NewMeters()
	return NewManager(conf, store, g, status.NewHolder(status.ACTIVE, nil),
		NewSender("a:1", basket.NewLayout(t.TempDir()), time.Second, meters, testLogger()), meters, testLogger())
}

func entryName(content uint64) string {
	return (&Entry{Key: basket.MakeKey(content, 1, 1), Action: ActionReplicate}).Name()
}

func TestScanPacing(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	for _, tc := range []struct {
		name     string
		waiting  int
		sleeping []time.Time
		backlog  int
		want     int
	}{
		{"capped at high mark", 6, nil, 0, 4},
		{"young sleepers wait", 0, []time.Time{time.Now(), old}, 0, 1},
		{"sleepers skipped at low mark", 1, []time.Time{old, old}, 2, 1},
		{"sleepers join below low mark", 1, []time.Time{old, old}, 1, 3},
	} {
		store := NewMemStore()
		for i := 0; i < tc.waiting; i++ {
			store.PutRaw(Waiting, entryName(uint64(100+i)), nil, old)
		}
		for i, mt := range tc.sleeping {
			store.PutRaw(Sleeping, entryName(uint64(200+i)), nil, mt)
		}
		m := scanManager(t, store)
		for i := 0; i < tc.backlog; i++ {
			if err := m.work.Put(Item{Name: fmt.Sprintf("backlog-%d", i), State: Waiting}); err != nil {
				t.Fatal(err)
			}
		}

		if n := m.Scan(); n != tc.want {
			t.Fatalf("%s: scan queued %d, want %d", tc.name, n, tc.want)
		}
		if m.work.Size() > m.conf.HighMark {
			t.Fatalf("%s: dispatch queue grew to %d", tc.name, m.work.Size())
		}
		if m.work.Size() == m.conf.HighMark {
			if n := m.Scan(); n != 0 {
				t.Fatalf("%s: scan at the high mark queued %d", tc.name, n)
			}
		}
	}
}

func TestKillAbandonsStuckWorkers(t *testing.T) {
	m := scanManager(t, NewMemStore())
	m.conf.Grace = 50 * time.Millisecond
	m.wg.Add(1)
	begin := time.Now()
	m.Kill()
	if d := time.Since(begin); d > 2*time.Second {
		t.Fatalf("kill took %v", d)
	}
	if m.ctx.Err() == nil {
		t.Fatal("transfers not cancelled")
	}
}
