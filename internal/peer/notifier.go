package peer

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/queue"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Notifier sends learning notifications (INSERT, DROP, ALIVE, ISLAND) to
// every gateway. Delivery is best effort; a full backlog drops the newest.
type Notifier struct {
	header   protocol.Header
	gateways []*net.UDPAddr
	conn     *net.UDPConn
	backlog  *queue.Queue[*protocol.Command]
	log      *logrus.Logger
	wg       sync.WaitGroup
}

func NewNotifier(conn *net.UDPConn, header protocol.Header, gateways []string, size int, logger *logrus.Logger) (*Notifier, error) {
	n := &Notifier{
		header:  header,
		conn:    conn,
		backlog: queue.New[*protocol.Command](size),
		log:     logger,
	}
	for _, gw := range gateways {
		addr, err := net.ResolveUDPAddr("udp", gw)
		if err != nil {
			return nil, err
		}
		n.gateways = append(n.gateways, addr)
	}
	return n, nil
}

func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.loop()
}

func (n *Notifier) Kill() {
	n.backlog.Close()
	n.wg.Wait()
}

// Notify queues cmd without blocking the caller.
func (n *Notifier) Notify(cmd *protocol.Command) {
	if len(n.gateways) == 0 || cmd == nil {
		return
	}
	if !n.backlog.Offer(cmd) {
		n.log.Warnf("notification backlog full, dropped %s", cmd.Op)
	}
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for {
		cmd, err := n.backlog.Take()
		if err != nil {
			n.log.Debugf("notifier stopped")
			return
		}
		n.send(cmd)
	}
}

func (n *Notifier) send(cmd *protocol.Command) {
	msg, err := cmd.Encode()
	if err != nil {
		n.log.Errorf("encode %s notification: %v", cmd.Op, err)
		return
	}
	for _, gw := range n.gateways {
		if err := netw.SendDatagram(n.conn, gw, n.header, msg); err != nil {
			n.log.Warnf("notify %s: %v", gw, err)
			continue
		}
		notifyTotal.WithLabelValues(string(cmd.Op)).Inc()
	}
}
