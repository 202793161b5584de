package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/client/etc"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

// BlockFunc fills the working directory path allocated on host. Returning
// nil finalizes the basket; an error or a panic cancels it.
type BlockFunc func(host, path string) error

type API interface {
	Create(k basket.Key, hints protocol.Hints, fn BlockFunc) error
	CreateDirect(peer string, k basket.Key, hints protocol.Hints, fn BlockFunc) error
	Get(k basket.Key) (map[string]string, error)
	Delete(k basket.Key) error
	Send(addr string, cmd *protocol.Command) (*protocol.Response, error)
}

// Client talks to gateways over UDP and to peers over TCP. Requests on the
// UDP socket are serialized: one session id is outstanding at a time.
type Client struct {
	conf etc.ClientConf
	log  *logrus.Logger
	conv *basket.Converter

	multicast *net.UDPAddr
	gateways  []*net.UDPAddr

	mu   sync.Mutex
	conn *net.UDPConn
	ip   string
	port int
	sid  uint32
	buf  []byte
	rand *common.ThreadSafeRand
}

func MakeClient(conf etc.ClientConf, logger *logrus.Logger) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		conf: conf,
		log:  logger,
		buf:  make([]byte, netw.MaxDatagram),
	}
	if len(conf.Converter) > 0 {
		conv, err := basket.NewConverter(conf.Converter)
		if err != nil {
			return nil, err
		}
		c.conv = conv
	}
	if conf.Multicast != "" {
		ga, err := net.ResolveUDPAddr("udp", conf.Multicast)
		if err != nil {
			return nil, err
		}
		c.multicast = ga
	}
	for _, g := range conf.Gateways {
		ga, err := net.ResolveUDPAddr("udp", g)
		if err != nil {
			return nil, err
		}
		c.gateways = append(c.gateways, ga)
	}

	conn, err := netw.ListenUDP(conf.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %v", conf.Listen, err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	c.conn, c.port = conn, local.Port
	c.ip = local.IP.String()
	if local.IP == nil || local.IP.IsUnspecified() {
		if c.ip, err = c.outboundIP(); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	seed := sessionSeed()
	c.rand = common.MakeThreadSafeRand(int64(seed))
	c.sid = c.rand.Uint32()
	return c, nil
}

func sessionSeed() uint64 {
	host, _ := os.Hostname()
	return xxhash.Sum64String(host + "/" + strconv.Itoa(os.Getpid()) + "/" + strconv.FormatInt(time.Now().UnixNano(), 10))
}

// outboundIP is the local address the system routes the first destination
// through; gateways reply to it.
func (c *Client) outboundIP() (string, error) {
	dest := c.multicast
	if len(c.gateways) > 0 {
		dest = c.gateways[0]
	}
	udp, err := net.DialUDP("udp", nil, dest)
	if err != nil {
		return "", fmt.Errorf("find reply address: %v", err)
	}
	defer udp.Close()
	return udp.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Converter renders keys for display; it is nil without a converter table.
func (c *Client) Converter() *basket.Converter {
	return c.conv
}

func (c *Client) nextHeader() (protocol.Header, error) {
	c.sid++
	if c.sid == 0 {
		c.sid++
	}
	return protocol.NewHeader(c.ip, c.port, c.sid)
}

// destinations puts the multicast group first, then the unicast gateways in
// random order so load spreads across them.
func (c *Client) destinations() []*net.UDPAddr {
	var out []*net.UDPAddr
	if c.multicast != nil {
		out = append(out, c.multicast)
	}
	gws := make([]*net.UDPAddr, len(c.gateways))
	copy(gws, c.gateways)
	c.rand.Shuffle(len(gws), func(i, j int) {
		gws[i], gws[j] = gws[j], gws[i]
	})
	return append(out, gws...)
}

// timeslide sends cmd to each destination in turn, waiting one stagger more
// before every next send, and returns the first reply carrying the session
// id of this request. Replies for older sessions are discarded.
func (c *Client) timeslide(cmd *protocol.Command) (*protocol.Response, error) {
	msg, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	dests := c.destinations()
	if len(dests) == 0 {
		return nil, common.NewError(common.ErrPrecondition, "no gateway configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.nextHeader()
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.slide(dests, h, msg, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	deadline := time.Now().Add(c.conf.Timeout.Duration)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, common.NewError(common.ErrTimeout, "no reply to %s within %v", cmd.Op, c.conf.Timeout.Duration)
		}
		d, err := netw.ReadDatagram(c.conn, c.buf, remain)
		if err != nil {
			if netw.IsTimeout(err) {
				return nil, common.NewError(common.ErrTimeout, "no reply to %s within %v", cmd.Op, c.conf.Timeout.Duration)
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			c.log.Debugf("discarding datagram: %v", err)
			continue
		}
		if d.Header.SID != h.SID {
			c.log.Debugf("discarding reply from %s for stale session %d", d.From, d.Header.SID)
			continue
		}
		resp, err := protocol.ParseResponse(d.Body)
		if err != nil {
			c.log.Debugf("discarding reply from %s: %v", d.From, err)
			continue
		}
		c.log.Debugf("%s answered by %s", cmd.Op, d.From)
		return resp, nil
	}
}

func (c *Client) slide(dests []*net.UDPAddr, h protocol.Header, msg []byte, stop <-chan struct{}) {
	for i, to := range dests {
		if i > 0 {
			timer := time.NewTimer(time.Duration(i) * c.conf.Stagger.Duration)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if err := netw.SendDatagram(c.conn, to, h, msg); err != nil {
			c.log.Debugf("%v", err)
		}
	}
}

// Send issues one command to addr over TCP and waits for the response.
func (c *Client) Send(addr string, cmd *protocol.Command) (*protocol.Response, error) {
	lc, err := netw.DialLine(addr, c.conf.Timeout.Duration)
	if err != nil {
		return nil, wrap(cmd.Op, err)
	}
	defer lc.Close()
	resp, err := lc.Call(cmd)
	if err != nil {
		return nil, wrap(cmd.Op, err)
	}
	return resp, nil
}

// Create asks a gateway where k should live and creates it on the first
// offered peer that accepts it.
func (c *Client) Create(k basket.Key, hints protocol.Hints, fn BlockFunc) error {
	cmd, err := protocol.NewCreate(k, hints, c.conf.Island)
	if err != nil {
		return wrap(protocol.OpCreate, err)
	}
	resp, err := c.timeslide(cmd)
	if err != nil {
		return wrap(protocol.OpCreate, err)
	}
	if resp.IsError() {
		return wrap(protocol.OpCreate, resp.Err())
	}
	if len(resp.Hosts) == 0 {
		return newError(protocol.OpCreate, common.ErrPrecondition, "gateway offered no peer for %s", k)
	}
	c.log.Debugf("gateway offered %v for %s", resp.Hosts, k)
	return c.createOn(resp.Hosts, cmd, fn)
}

// CreateDirect skips the gateway and creates k on peer.
func (c *Client) CreateDirect(peer string, k basket.Key, hints protocol.Hints, fn BlockFunc) error {
	cmd, err := protocol.NewCreate(k, hints, c.conf.Island)
	if err != nil {
		return wrap(protocol.OpCreate, err)
	}
	return c.createOn([]string{peer}, cmd, fn)
}

// nextPeer reports whether a CREATE failing with code may go to another
// offered peer.
func nextPeer(code common.Err) bool {
	switch code {
	case common.ErrServerStatus, common.ErrTimeout, common.ErrInternal, common.ErrBadResponse:
		return true
	}
	return false
}

func (c *Client) createOn(hosts []string, cmd *protocol.Command, fn BlockFunc) error {
	var last error
	for _, host := range hosts {
		lc, err := c.ping(host)
		if err != nil {
			c.log.Warnf("peer %s: %v", host, err)
			last = err
			continue
		}
		resp, err := lc.Call(cmd)
		if err == nil && resp.IsError() {
			err = resp.Err()
		}
		if err != nil {
			_ = lc.Close()
			if !nextPeer(common.CodeOf(err)) {
				return wrap(protocol.OpCreate, err)
			}
			c.log.Warnf("create %s on %s: %v", cmd.Basket, host, err)
			last = err
			continue
		}
		err = c.fill(lc, cmd.Basket, resp, fn)
		_ = lc.Close()
		return err
	}
	if last == nil {
		return newError(protocol.OpCreate, common.ErrPrecondition, "no peer to create %s on", cmd.Basket)
	}
	return wrap(protocol.OpCreate, last)
}

// ping connects to host and checks it answers NOP.
func (c *Client) ping(host string) (*netw.LineConn, error) {
	lc, err := netw.DialLine(host, c.conf.Timeout.Duration)
	if err != nil {
		return nil, err
	}
	resp, err := lc.Call(protocol.NewNop())
	if err == nil && resp.IsError() {
		err = resp.Err()
	}
	if err != nil {
		_ = lc.Close()
		return nil, fmt.Errorf("nop: %w", err)
	}
	return lc, nil
}

// fill runs fn on the allocated path and finalizes the basket. When fn fails
// or panics, or FINALIZE fails, the allocation is cancelled first and the
// failure is then passed on unchanged.
func (c *Client) fill(lc *netw.LineConn, k basket.Key, alloc *protocol.Response, fn BlockFunc) error {
	host, path := alloc.Host, alloc.Path
	defer func() {
		if p := recover(); p != nil {
			c.cancel(lc, k, host, path)
			panic(p)
		}
	}()
	if err := fn(host, path); err != nil {
		c.cancel(lc, k, host, path)
		return err
	}
	fin, err := protocol.NewFinalize(k, host, path)
	if err != nil {
		c.cancel(lc, k, host, path)
		return wrap(protocol.OpFinalize, err)
	}
	resp, err := lc.Call(fin)
	if err == nil && resp.IsError() {
		err = resp.Err()
	}
	if err != nil {
		c.log.Warnf("finalize %s on %s: %v", k, host, err)
		c.cancel(lc, k, host, path)
		return wrap(protocol.OpFinalize, err)
	}
	c.log.Debugf("created %s at %s:%s", k, host, path)
	return nil
}

func (c *Client) cancel(lc *netw.LineConn, k basket.Key, host, path string) {
	cmd, err := protocol.NewCancel(k, host, path)
	if err != nil {
		c.log.Errorf("cancel %s: %v", k, err)
		return
	}
	resp, err := lc.Call(cmd)
	if err != nil {
		// the connection itself may be what failed
		if fresh, derr := netw.DialLine(host, c.conf.Timeout.Duration); derr == nil {
			resp, err = fresh.Call(cmd)
			_ = fresh.Close()
		}
	}
	if err == nil && resp.IsError() {
		err = resp.Err()
	}
	if err != nil {
		c.log.Errorf("cancel %s on %s: %v", k, host, err)
		return
	}
	c.log.Infof("cancelled %s on %s", k, host)
}

// Get returns host to archive path for every known copy of k. Gateways stay
// silent on a miss over UDP, so a race that times out is settled by asking
// the unicast gateways over TCP.
func (c *Client) Get(k basket.Key) (map[string]string, error) {
	cmd := protocol.NewGet(k, c.conf.Island)
	resp, err := c.timeslide(cmd)
	if err != nil {
		if common.CodeOf(err) != common.ErrTimeout || len(c.conf.Gateways) == 0 {
			return nil, wrap(protocol.OpGet, err)
		}
		if resp, err = c.askGateways(cmd); err != nil {
			return nil, wrap(protocol.OpGet, err)
		}
	}
	if resp.IsError() {
		return nil, wrap(protocol.OpGet, resp.Err())
	}
	return resp.Paths, nil
}

func (c *Client) askGateways(cmd *protocol.Command) (*protocol.Response, error) {
	var last error
	for _, g := range c.conf.Gateways {
		resp, err := c.Send(g, cmd)
		if err == nil {
			return resp, nil
		}
		last = err
	}
	return nil, last
}

// Delete removes every copy of k through a gateway.
func (c *Client) Delete(k basket.Key) error {
	resp, err := c.timeslide(protocol.NewDelete(k))
	if err != nil {
		return wrap(protocol.OpDelete, err)
	}
	if resp.IsError() {
		return wrap(protocol.OpDelete, resp.Err())
	}
	return nil
}
