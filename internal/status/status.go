package status

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Status is the node-wide admission level. Values are ordered: a node at a
// higher status admits every command a lower one does.
type Status int

const (
	UNKNOWN     Status = 0
	MAINTENANCE Status = 10
	DRAIN       Status = 11
	DEAD        Status = 12
	READONLY    Status = 20
	REP         Status = 23
	FIN_REP     Status = 25
	DEL_REP     Status = 27
	ACTIVE      Status = 30
)

var statusNames = map[Status]string{
	UNKNOWN:     "UNKNOWN",
	MAINTENANCE: "MAINTENANCE",
	DRAIN:       "DRAIN",
	DEAD:        "DEAD",
	READONLY:    "READONLY",
	REP:         "REP",
	FIN_REP:     "FIN_REP",
	DEL_REP:     "DEL_REP",
	ACTIVE:      "ACTIVE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func All() []Status {
	return []Status{UNKNOWN, MAINTENANCE, DRAIN, DEAD, READONLY, REP, FIN_REP, DEL_REP, ACTIVE}
}

// Parse accepts a status name (case-insensitive) or its numeric value.
func Parse(s string) (Status, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := statusNames[Status(n)]; ok {
			return Status(n), nil
		}
		return UNKNOWN, fmt.Errorf("unknown status %d", n)
	}
	for st, name := range statusNames {
		if strings.EqualFold(name, s) {
			return st, nil
		}
	}
	return UNKNOWN, fmt.Errorf("unknown status %q", s)
}

// CanReplicate reports whether replication may be sent while at s.
func CanReplicate(s Status) bool {
	switch s {
	case ACTIVE, DEL_REP, FIN_REP, REP:
		return true
	}
	return false
}

type State interface {
	Get() Status
	Set(s Status) Status
	AtLeast(s Status) bool
}

// Holder is the mutex-guarded State of one node.
type Holder struct {
	mu       sync.RWMutex
	cur      Status
	log      *logrus.Logger
	watchers []func(old, cur Status)
}

func NewHolder(initial Status, logger *logrus.Logger) *Holder {
	return &Holder{cur: initial, log: logger}
}

func (h *Holder) Get() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// Set installs s and returns the previous status.
func (h *Holder) Set(s Status) Status {
	h.mu.Lock()
	old := h.cur
	h.cur = s
	watchers := h.watchers
	h.mu.Unlock()

	if old != s {
		if h.log != nil {
			h.log.Infof("server status %s => %s", old, s)
		}
		for _, w := range watchers {
			w(old, s)
		}
	}
	return old
}

func (h *Holder) AtLeast(s Status) bool {
	return h.Get() >= s
}

// Watch registers f to run after every transition.
func (h *Holder) Watch(f func(old, cur Status)) {
	h.mu.Lock()
	h.watchers = append(h.watchers, f)
	h.mu.Unlock()
}

// MinimumFor returns the lowest status admitting op; ok is false for
// commands that are not gated.
func MinimumFor(op protocol.Opcode) (Status, bool) {
	switch op {
	case protocol.OpCreate:
		return ACTIVE, true
	case protocol.OpDelete:
		return DEL_REP, true
	case protocol.OpFinalize, protocol.OpCancel:
		return FIN_REP, true
	case protocol.OpGet, protocol.OpNop:
		return READONLY, true
	}
	return UNKNOWN, false
}

// Check rejects op with ServerStatusError when the node is below its minimum.
func Check(st State, op protocol.Opcode) error {
	min, gated := MinimumFor(op)
	if !gated {
		return nil
	}
	return Require(st, min)
}

func Require(st State, min Status) error {
	if cur := st.Get(); cur < min {
		return common.NewError(common.ErrServerStatus, "server status %s is below %s", cur, min)
	}
	return nil
}
