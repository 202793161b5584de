package gateway

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/gateway/etc"
	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/queue"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "baskets_gateway",
	Name:      "requests_total",
	Help:      "Handled requests by opcode and error code",
}, []string{"op", "code"})

// Gateway maps baskets to peers. It learns locations from peer
// notifications and falls back to asking the peers themselves.
type Gateway struct {
	log  *logrus.Logger
	conf etc.GatewayConf
	Host string

	peers *PeerTable
	locs  *LocationStore

	tcpL      net.Listener
	udp       *net.UDPConn
	mcast     *net.UDPConn
	metricSrv *http.Server
	mu        sync.Mutex
	conns     map[net.Conn]struct{}

	work   *queue.Queue[*netw.Datagram]
	wg     sync.WaitGroup
	quit   chan struct{}
	killed int32
}

func MakeGateway(conf etc.GatewayConf, logger *logrus.Logger) (*Gateway, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = common.MustInitLogger(conf.LogLevel, "Gateway")
	}
	locs, err := MakeLocationStore(conf.DBPath)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		log:   logger,
		conf:  conf,
		Host:  conf.Host,
		peers: NewPeerTable(conf.PeerTTL.Duration, conf.Peers),
		locs:  locs,
		conns: map[net.Conn]struct{}{},
		work:  queue.New[*netw.Datagram](1024),
		quit:  make(chan struct{}),
	}, nil
}

func (g *Gateway) Start() error {
	var err error
	if g.tcpL, err = net.Listen("tcp", g.conf.Host); err != nil {
		return err
	}
	if g.udp, err = netw.ListenUDP(g.conf.Host); err != nil {
		_ = g.tcpL.Close()
		return err
	}
	if g.conf.Multicast != "" {
		if g.mcast, err = netw.ListenMulticast(g.conf.Multicast, g.conf.Interface); err != nil {
			_ = g.tcpL.Close()
			_ = g.udp.Close()
			return err
		}
	}
	workers := g.conf.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	g.wg.Add(1)
	go g.acceptLoop()
	g.wg.Add(1)
	go g.datagramLoop(g.udp)
	if g.mcast != nil {
		g.wg.Add(1)
		go g.datagramLoop(g.mcast)
	}
	if g.conf.Metric != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.metricSrv = &http.Server{Addr: g.conf.Metric, Handler: mux}
		go func() {
			if err := g.metricSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.log.Errorf("%v", err)
			}
		}()
	}
	go g.daemon("purge", g.purgeStale, g.conf.PeerTTL.Duration)
	g.log.Infof("gateway %s started", g.Host)
	return nil
}

func (g *Gateway) Kill() {
	if !atomic.CompareAndSwapInt32(&g.killed, 0, 1) {
		return
	}
	close(g.quit)
	_ = g.tcpL.Close()
	_ = g.udp.Close()
	if g.mcast != nil {
		_ = g.mcast.Close()
	}
	g.mu.Lock()
	for c := range g.conns {
		_ = c.Close()
	}
	g.mu.Unlock()
	g.work.Close()
	g.wg.Wait()
	if g.metricSrv != nil {
		_ = g.metricSrv.Close()
	}
	g.locs.Close()
	g.log.Warnf("gateway %s was killed", g.Host)
}

func (g *Gateway) Killed() bool {
	return atomic.LoadInt32(&g.killed) == 1
}

func (g *Gateway) Done() <-chan struct{} {
	return g.quit
}

// Addr is the bound address, useful when Host asked for port 0.
func (g *Gateway) Addr() string {
	return g.tcpL.Addr().String()
}

func (g *Gateway) Peers() *PeerTable {
	return g.peers
}

func (g *Gateway) Locations() *LocationStore {
	return g.locs
}

func (g *Gateway) daemon(name string, f func(), tick time.Duration) {
	if tick <= 0 {
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-g.quit:
			g.log.Warnf("daemon goroutine %s was killed", name)
			return
		case <-ticker.C:
			f()
		}
	}
}

func (g *Gateway) purgeStale() {
	if removed := g.peers.Purge(nil); len(removed) > 0 {
		g.log.Warnf("peers %v stopped reporting, forgetting them", removed)
	}
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()
	for {
		c, err := g.tcpL.Accept()
		if err != nil {
			if g.Killed() || errors.Is(err, net.ErrClosed) {
				return
			}
			g.log.Warnf("accept: %v", err)
			continue
		}
		g.mu.Lock()
		g.conns[c] = struct{}{}
		g.mu.Unlock()
		go g.serveConn(c)
	}
}

func (g *Gateway) serveConn(c net.Conn) {
	defer func() {
		g.mu.Lock()
		delete(g.conns, c)
		g.mu.Unlock()
		_ = c.Close()
	}()
	lc := netw.NewLineConn(c, 0, g.conf.Timeout.Duration)
	for {
		line, err := lc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !g.Killed() {
				g.log.Debugf("connection %s: %v", c.RemoteAddr(), err)
			}
			return
		}
		resp, _ := g.Handle(line, "")
		if resp == nil {
			continue
		}
		msg, err := resp.Encode()
		if err != nil {
			msg, _ = protocol.ErrorResponse(resp.Op, protocol.KindDefault, err).Encode()
		}
		if err := lc.WriteLine(msg); err != nil {
			g.log.Debugf("reply to %s: %v", c.RemoteAddr(), err)
			return
		}
	}
}

func (g *Gateway) datagramLoop(conn *net.UDPConn) {
	defer g.wg.Done()
	buf := make([]byte, netw.MaxDatagram)
	for {
		d, err := netw.ReadDatagram(conn, buf, 0)
		if err != nil {
			if g.Killed() || errors.Is(err, net.ErrClosed) {
				return
			}
			g.log.Debugf("bad datagram: %v", err)
			continue
		}
		if !g.work.Offer(d) {
			g.log.Warnf("backlog full, dropped datagram from %s", d.From)
		}
	}
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		d, err := g.work.Take()
		if err != nil {
			return
		}
		resp, reply := g.Handle(d.Body, net.JoinHostPort(d.Header.IP, strconv.Itoa(int(d.Header.Port))))
		if !reply || resp == nil {
			continue
		}
		msg, err := resp.Encode()
		if err != nil {
			g.log.Errorf("encode %s: %v", resp.Op, err)
			continue
		}
		if err := netw.SendDatagram(g.udp, d.Header.Addr(), d.Header, msg); err != nil {
			g.log.Warnf("reply to %s: %v", d.Header, err)
		}
	}
}
