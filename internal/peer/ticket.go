package peer

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/pkg/common/utils"
	"github.com/allen1211/baskets/pkg/protocol"
)

type Channel int

const (
	ChannelTCP Channel = iota
	ChannelUDP
)

func (c Channel) String() string {
	if c == ChannelUDP {
		return "udp"
	}
	return "tcp"
}

type Checkpoint struct {
	Name    string
	Elapsed time.Duration
}

// Ticket follows one request through the pipeline. Stages hand intermediate
// results to each other through its stack.
type Ticket struct {
	ID      uuid.UUID
	Channel Channel
	Created time.Time

	Raw  []byte
	Cmd  *protocol.Command
	Resp *protocol.Response

	// UDP reply address and session.
	Header protocol.Header
	From   *net.UDPAddr
	// TCP connection the request arrived on.
	conn *netw.LineConn

	tc          utils.TimeCounter
	Checkpoints []Checkpoint
	stack       []interface{}

	once sync.Once
	done chan struct{}
}

func newTicket(ch Channel, raw []byte) *Ticket {
	t := &Ticket{
		ID:      uuid.New(),
		Channel: ch,
		Created: time.Now(),
		Raw:     raw,
		done:    make(chan struct{}),
	}
	t.tc.Reset()
	return t
}

func newTCPTicket(lc *netw.LineConn, raw []byte) *Ticket {
	t := newTicket(ChannelTCP, raw)
	t.conn = lc
	return t
}

func newUDPTicket(d *netw.Datagram) *Ticket {
	t := newTicket(ChannelUDP, d.Body)
	t.Header = d.Header
	t.From = d.From
	return t
}

// Mark records the time elapsed since arrival under name.
func (t *Ticket) Mark(name string) {
	t.Checkpoints = append(t.Checkpoints, Checkpoint{Name: name, Elapsed: t.tc.Elapsed()})
}

func (t *Ticket) Push(v interface{}) {
	t.stack = append(t.stack, v)
}

func (t *Ticket) Pop() (interface{}, bool) {
	if len(t.stack) == 0 {
		return nil, false
	}
	v := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return v, true
}

func (t *Ticket) Elapsed() time.Duration {
	return t.tc.Elapsed()
}

func (t *Ticket) Op() protocol.Opcode {
	if t.Cmd == nil {
		return protocol.OpNone
	}
	return t.Cmd.Op
}

// Finish releases whoever waits on the ticket. Safe to call more than once.
func (t *Ticket) Finish() {
	t.once.Do(func() { close(t.done) })
}

func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

func (t *Ticket) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", t.ID.String()[:8], t.Channel, t.Op())
	for _, cp := range t.Checkpoints {
		fmt.Fprintf(&b, " %s=%v", cp.Name, cp.Elapsed.Round(time.Microsecond))
	}
	return b.String()
}
