package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/allen1211/baskets/internal/queue"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common/utils"
)

type Config struct {
	Workers  int
	LowMark  int
	MidMark  int
	HighMark int
	// SleepAge is how long an entry rests in sleeping before it is retried.
	SleepAge time.Duration
	// Pace spaces insertions into the dispatch queue.
	Pace  time.Duration
	Grace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:  4,
		LowMark:  30,
		MidMark:  60,
		HighMark: 100,
		SleepAge: 10 * time.Second,
		Pace:     50 * time.Millisecond,
		Grace:    5 * time.Second,
	}
}

// Manager scans the store for due entries and feeds them to a pool of
// sender workers.
type Manager struct {
	conf   Config
	store  Store
	group  *Group
	state  status.State
	sender *Sender
	meters *Meters
	log    *logrus.Logger

	work    *queue.Queue[Item]
	mu      sync.Mutex
	queued  map[string]bool
	limiter *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	killed  int32
	KilledC chan int
}

func NewManager(conf Config, store Store, group *Group, state status.State, sender *Sender, meters *Meters, logger *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		conf:    conf,
		store:   store,
		group:   group,
		state:   state,
		sender:  sender,
		meters:  meters,
		log:     logger,
		work:    queue.New[Item](conf.HighMark),
		queued:  map[string]bool{},
		limiter: rate.NewLimiter(rate.Every(conf.Pace), 1),
		ctx:     ctx,
		cancel:  cancel,
		KilledC: make(chan int, 1),
	}
}

// Start moves leftovers of an earlier run back to waiting, then starts the
// scanner and the workers.
func (m *Manager) Start() error {
	n, err := m.store.Recover()
	if err != nil {
		return fmt.Errorf("recover replication queue: %w", err)
	}
	if n > 0 {
		m.log.Infof("recovered %d replication entries", n)
	}
	for i := 0; i < m.conf.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.scanLoop()
	return nil
}

// Kill stops scanning, wakes idle workers and waits up to the grace period
// for transfers in flight. Workers still running after a second grace
// period, counted from cancellation, are abandoned.
func (m *Manager) Kill() {
	if !atomic.CompareAndSwapInt32(&m.killed, 0, 1) {
		return
	}
	m.KilledC <- 1
	m.work.Close()
	if !utils.WaitTimeout(&m.wg, m.conf.Grace) {
		m.log.Warnf("replication workers still busy after %v, cancelling", m.conf.Grace)
		m.cancel()
		if !utils.WaitTimeout(&m.wg, m.conf.Grace) {
			m.log.Errorf("replication workers ignored cancellation, leaving them behind")
		}
	}
	m.cancel()
}

func (m *Manager) Killed() bool {
	return atomic.LoadInt32(&m.killed) == 1
}

// Enqueue records a local change for replication to the group.
func (m *Manager) Enqueue(k basket.Key, action Action) error {
	if m.group.Target() == "" {
		return nil
	}
	e := &Entry{Key: k, Action: action, Attrs: m.defaultAttrs()}
	if err := m.store.Put(e); err != nil {
		return err
	}
	m.log.Debugf("queued %s", e)
	return nil
}

func (m *Manager) defaultAttrs() Attrs {
	return Attrs{TTL: m.group.DefaultTTL(), Hosts: []string{m.group.Self}}
}

func (m *Manager) scanLoop() {
	defer m.wg.Done()
	for {
		m.Scan()
		timer := time.NewTimer(m.interval())
		select {
		case <-m.KilledC:
			timer.Stop()
			m.log.Warnf("daemon goroutine replication scanner was killed")
			return
		case <-timer.C:
		}
	}
}

// interval grows with the dispatch backlog.
func (m *Manager) interval() time.Duration {
	switch size := m.work.Size(); {
	case size < m.conf.LowMark:
		return 1 * time.Second
	case size < m.conf.MidMark:
		return 2 * time.Second
	default:
		return 3 * time.Second
	}
}

// Scan queues due entries: all of waiting, plus sleeping entries older than
// SleepAge while the backlog is low. It returns how many were queued.
func (m *Manager) Scan() int {
	if !status.CanReplicate(m.state.Get()) {
		return 0
	}
	size := m.work.Size()
	dispatchDepth.Set(float64(size))
	if size >= m.conf.HighMark {
		return 0
	}
	items, err := m.store.List(Waiting, 0)
	if err != nil {
		m.log.Errorf("list waiting entries: %v", err)
		return 0
	}
	if size < m.conf.LowMark {
		sleeping, err := m.store.List(Sleeping, m.conf.SleepAge)
		if err != nil {
			m.log.Errorf("list sleeping entries: %v", err)
		}
		items = append(items, sleeping...)
	}
	sortItems(items)

	n := 0
	for _, it := range items {
		if m.work.Size() >= m.conf.HighMark || m.Killed() {
			break
		}
		if !m.mark(it) {
			continue
		}
		if err := m.limiter.Wait(m.ctx); err != nil {
			m.unmark(it)
			break
		}
		if err := m.work.Put(it); err != nil {
			m.unmark(it)
			break
		}
		n++
	}
	if n > 0 {
		m.log.Debugf("queued %d replication entries", n)
	}
	return n
}

func itemKey(it Item) string {
	return string(it.State) + "/" + it.Name
}

func (m *Manager) mark(it Item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queued[itemKey(it)] {
		return false
	}
	m.queued[itemKey(it)] = true
	return true
}

func (m *Manager) unmark(it Item) {
	m.mu.Lock()
	delete(m.queued, itemKey(it))
	m.mu.Unlock()
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		it, err := m.work.Take()
		if err != nil {
			return
		}
		m.Process(it)
		m.unmark(it)
	}
}

// Process claims one listed entry and runs it to a terminal or sleeping
// state.
func (m *Manager) Process(it Item) {
	if !status.CanReplicate(m.state.Get()) {
		return
	}
	ok, err := m.store.Claim(it.Name, it.State)
	if err != nil {
		m.log.Warnf("claim %s: %v", it.Name, err)
		return
	}
	if !ok {
		m.log.Debugf("%s was claimed elsewhere", it.Name)
		return
	}
	name := it.Name

	defer func() {
		if p := recover(); p != nil {
			m.log.Errorf("replication of %s panicked: %v", name, p)
			m.sleep(name, "")
		}
	}()

	e, err := ParseName(name)
	if err != nil {
		m.log.Errorf("dropping malformed entry: %v", err)
		_ = m.store.Remove(name)
		return
	}
	attrs, present, err := m.store.ReadAttrs(Processing, name)
	if err != nil {
		m.log.Errorf("read attributes of %s: %v", name, err)
		m.sleep(name, "")
		return
	}
	if !present {
		attrs = m.defaultAttrs()
	}
	e.Attrs = attrs

	if e.TTL <= 0 {
		m.log.Warnf("%s: ttl exhausted, dropping", e)
		m.drop(e, name)
		return
	}
	if m.group.Satisfied(e.Hosts) {
		m.log.Debugf("%s already satisfied", e)
		_ = m.store.Remove(name)
		m.meters.outcome(e.Action, resultDone)
		return
	}
	m.dispatch(e, name)
}

func (m *Manager) dispatch(e *Entry, name string) {
	target := m.group.Target()
	hosts := append([]string{target}, m.group.Alternatives()...)
	for i, host := range hosts {
		if i > 0 && contains(e.Hosts, host) {
			continue
		}
		err := m.attempt(e, name, host)
		if err == nil {
			if i == 0 {
				_ = m.store.Remove(name)
				m.meters.outcome(e.Action, resultDone)
				m.log.Debugf("%s done via %s", e, host)
				return
			}
			e.Hosts = mergeHosts(e.Hosts, host)
			if werr := m.store.WriteAttrs(name, e.Attrs); werr != nil {
				m.log.Warnf("update %s: %v", name, werr)
			}
			m.meters.outcome(e.Action, resultFailover)
			m.log.Infof("%s taken by alternative %s, %s retried later", e, host, target)
			m.sleep(name, host)
			return
		}
		if m.ctx.Err() != nil {
			_ = m.store.Release(name)
			return
		}
		re := classOf(host, err)
		if re.Class.Permanent() {
			if re.Class == AlreadyExistsPermanent {
				m.log.Infof("%s: %v", e, re)
			} else {
				m.log.Warnf("%s: %v, dropping", e, re)
			}
			m.drop(e, name)
			return
		}
		m.log.Warnf("%s: %v", e, re)
	}
	m.meters.outcome(e.Action, resultSleep)
	m.sleep(name, "")
}

func (m *Manager) attempt(e *Entry, name, host string) error {
	addr, ok := m.group.ReplAddr(host)
	if !ok {
		return permanent("%s is not a group member", host)
	}
	switch e.Action {
	case ActionReplicate:
		_, err := m.sender.Replicate(m.ctx, addr, e, func() bool {
			return m.store.Exists(name, Processing)
		})
		return err
	case ActionDelete:
		return m.sender.Delete(m.ctx, addr, e)
	}
	return permanent("unknown action %q", e.Action)
}

func (m *Manager) drop(e *Entry, name string) {
	_ = m.store.Remove(name)
	m.meters.outcome(e.Action, resultDrop)
}

func (m *Manager) sleep(name, alt string) {
	if err := m.store.Sleep(name, alt); err != nil {
		m.log.Errorf("sleep %s: %v", name, err)
	}
}

// Dump lists every entry with its attributes, at most limit when positive.
func (m *Manager) Dump(limit int) []DumpItem {
	var out []DumpItem
	for _, st := range States() {
		items, err := m.store.List(st, 0)
		if err != nil {
			m.log.Warnf("dump %s: %v", st, err)
			continue
		}
		for _, it := range items {
			if limit > 0 && len(out) >= limit {
				return out
			}
			di := DumpItem{Item: it}
			if e, err := ParseName(it.Name); err == nil {
				di.Action = e.Action
			}
			if a, ok, err := m.store.ReadAttrs(st, it.Name); err == nil && ok {
				di.Attrs = a
			}
			out = append(out, di)
		}
	}
	return out
}

// DumpItem is a listed entry for DUMP and the admin service.
type DumpItem struct {
	Item
	Action Action
	Attrs
}

// Depth reports the backlog per state plus the dispatch queue.
func (m *Manager) Depth() map[string]int {
	out := map[string]int{"dispatch": m.work.Size()}
	for _, st := range States() {
		items, err := m.store.List(st, 0)
		if err != nil {
			continue
		}
		out[string(st)] = len(items)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
