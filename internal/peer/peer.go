package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/manip"
	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/peer/etc"
	"github.com/allen1211/baskets/internal/queue"
	"github.com/allen1211/baskets/internal/replication"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/common/utils"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Peer is a storage node: it answers basket commands through a staged
// pipeline and replicates archived baskets to its group.
type Peer struct {
	log      *logrus.Logger
	mu       sync.RWMutex
	conf     etc.PeerConf
	confPath string

	Host   string
	layout *basket.Layout
	state  *status.Holder
	manip  manip.Manipulator
	owner  replication.Ownership
	header protocol.Header

	group  *replication.Group
	store  replication.Store
	meters *replication.Meters
	repl   *replication.Manager
	recv   *replication.Receiver

	health    *status.Health
	notifier  *Notifier
	rpcServ   *netw.RpcxServer
	metricSrv *http.Server

	tcpL  net.Listener
	udp   *net.UDPConn
	mcast *net.UDPConn
	conns map[net.Conn]struct{}

	processQ *queue.Queue[*Ticket]
	queryQ   *queue.Queue[*Ticket]
	manipQ   *queue.Queue[*Ticket]
	respondQ *queue.Queue[*Ticket]

	started time.Time
	grace   time.Duration
	wg      sync.WaitGroup
	quit    chan struct{}
	killed  int32
}

func MakePeer(conf etc.PeerConf, logger *logrus.Logger) (*Peer, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = common.MustInitLogger(conf.LogLevel, "Peer")
	}
	ip, port, err := etc.SplitHost(conf.Host)
	if err != nil {
		return nil, err
	}
	header, err := protocol.NewHeader(ip, port, 0)
	if err != nil {
		return nil, err
	}
	mode, err := conf.OwnerMode()
	if err != nil {
		return nil, err
	}
	if err := utils.CheckAndMkdir(conf.Root); err != nil {
		return nil, err
	}
	m, err := makeManipulator(conf.Manipulator, conf.Timeout.Duration)
	if err != nil {
		return nil, err
	}
	initial, err := status.Parse(conf.Status)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		log:     logger,
		conf:    conf,
		Host:    conf.Host,
		layout:  basket.NewLayout(conf.Root),
		manip:   m,
		owner:   replication.Ownership{Mode: mode, User: conf.Owner.User, Group: conf.Owner.Group},
		header:  header,
		conns:   map[net.Conn]struct{}{},
		quit:    make(chan struct{}),
	}
	p.state = status.NewHolder(initial, logger)

	if p.group, err = replication.NewGroup(conf.Host, conf.Replication.Members); err != nil {
		return nil, err
	}
	if p.store, err = replication.NewDirStore(conf.QueueDir); err != nil {
		return nil, err
	}
	p.meters = replication.NewMeters()
	sender := replication.NewSender(conf.Host, p.layout, conf.Timeout.Duration, p.meters, logger)
	rc := replication.DefaultConfig()
	if conf.Replication.Workers > 0 {
		rc.Workers = conf.Replication.Workers
	}
	if conf.Replication.SleepAge.Duration > 0 {
		rc.SleepAge = conf.Replication.SleepAge.Duration
	}
	if conf.Replication.Pace.Duration > 0 {
		rc.Pace = conf.Replication.Pace.Duration
	}
	if conf.Replication.Grace.Duration > 0 {
		rc.Grace = conf.Replication.Grace.Duration
	}
	p.grace = rc.Grace
	p.repl = replication.NewManager(rc, p.store, p.group, p.state, sender, p.meters, logger)
	if addr, ok := p.group.ReplAddr(conf.Host); ok && len(p.group.Colleagues()) > 0 {
		p.recv = replication.NewReceiver(addr, p.layout, p.group, p.store, p.manip, p.state, p.owner,
			conf.Timeout.Duration, logger)
	}

	p.health = status.NewHealth(conf.Health, p.state, logger)
	p.health.SetMinFree(conf.MinFree)
	p.health.FreeSpace = p.freeSpace
	p.health.Report = p.report
	p.health.Reload = p.Reload
	p.health.Shutdown = p.Kill
	if conf.Auto {
		p.health.SetAuto(true)
	}

	size := conf.Pipeline.QueueSize
	p.processQ = queue.New[*Ticket](size)
	p.queryQ = queue.New[*Ticket](size)
	p.manipQ = queue.New[*Ticket](size)
	p.respondQ = queue.New[*Ticket](size)
	return p, nil
}

func makeManipulator(conf etc.ManipulatorConf, timeout time.Duration) (manip.Manipulator, error) {
	switch conf.Kind {
	case "", "local":
		return manip.NewLocal(), nil
	case "command":
		return manip.NewCommand(conf.Path, conf.Args...), nil
	case "daemon":
		return manip.NewDaemon(conf.Socket, timeout), nil
	}
	return nil, fmt.Errorf("unknown manipulator kind %q", conf.Kind)
}

// Start binds every listener, then starts the pipeline, replication and
// the daemons.
func (p *Peer) Start() error {
	var err error
	listen := p.conf.ListenAddr()
	if p.tcpL, err = net.Listen("tcp", listen); err != nil {
		return err
	}
	if p.udp, err = netw.ListenUDP(listen); err != nil {
		_ = p.tcpL.Close()
		return err
	}
	if p.conf.Multicast != "" {
		if p.mcast, err = netw.ListenMulticast(p.conf.Multicast, p.conf.Interface); err != nil {
			p.closeListeners()
			return err
		}
	}
	if p.notifier, err = NewNotifier(p.udp, p.header, p.conf.Gateways, p.conf.Pipeline.QueueSize, p.log); err != nil {
		p.closeListeners()
		return err
	}
	p.notifier.Start()

	pc := p.conf.Pipeline
	p.startStage("processor", pc.Processors, p.processQ, p.process)
	p.startStage("query", pc.Queriers, p.queryQ, p.query)
	p.startStage("manipulation", pc.Manipulors, p.manipQ, p.manipulate)
	p.startStage("responder", pc.Responders, p.respondQ, p.respond)

	p.wg.Add(1)
	go p.acceptLoop()
	p.wg.Add(1)
	go p.datagramLoop(p.udp)
	if p.mcast != nil {
		p.wg.Add(1)
		go p.datagramLoop(p.mcast)
	}

	if p.recv != nil {
		if err := p.recv.Start(); err != nil {
			return err
		}
	}
	if err := p.repl.Start(); err != nil {
		return err
	}
	if p.conf.Health != "" {
		if err := p.health.Start(); err != nil {
			return err
		}
	}
	if err := p.startAdmin(); err != nil {
		return err
	}
	p.startMetrics()
	p.startGraphite()

	p.started = time.Now()
	go p.daemon("heartbeat", p.heartbeat, p.conf.Heartbeat.Duration)
	p.log.Infof("peer %s started with status %s", p.Host, p.state.Get())
	return nil
}

func (p *Peer) startMetrics() {
	if p.conf.Metric == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	p.metricSrv = &http.Server{Addr: p.conf.Metric, Handler: mux}
	go func() {
		if err := p.metricSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Errorf("%v", err)
		}
	}()
}

func (p *Peer) startGraphite() {
	g := p.conf.Graphite
	if g.Addr == "" {
		return
	}
	interval := g.Interval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	if err := p.meters.ReportGraphite(g.Addr, g.Prefix, interval, p.log); err != nil {
		p.log.Warnf("graphite reporter disabled: %v", err)
	}
}

func (p *Peer) closeListeners() {
	if p.tcpL != nil {
		_ = p.tcpL.Close()
	}
	if p.udp != nil {
		_ = p.udp.Close()
	}
	if p.mcast != nil {
		_ = p.mcast.Close()
	}
}

// Kill stops accepting requests, drains the pipeline and shuts replication
// down within its grace period.
func (p *Peer) Kill() {
	if !atomic.CompareAndSwapInt32(&p.killed, 0, 1) {
		return
	}
	close(p.quit)
	p.closeListeners()
	p.mu.Lock()
	for c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()
	for _, q := range []*queue.Queue[*Ticket]{p.processQ, p.queryQ, p.manipQ, p.respondQ} {
		q.Close()
	}
	if !utils.WaitTimeout(&p.wg, p.grace) {
		p.log.Warnf("pipeline still busy after %v, shutting down anyway", p.grace)
	}

	if p.notifier != nil {
		p.notifier.Kill()
	}
	p.repl.Kill()
	if p.recv != nil {
		p.recv.Kill()
	}
	p.health.Kill()
	if p.rpcServ != nil {
		p.rpcServ.Stop()
	}
	if p.metricSrv != nil {
		_ = p.metricSrv.Close()
	}
	p.log.Warnf("peer %s was killed", p.Host)
}

func (p *Peer) Killed() bool {
	return atomic.LoadInt32(&p.killed) == 1
}

// Done is closed once Kill has started.
func (p *Peer) Done() <-chan struct{} {
	return p.quit
}

func (p *Peer) State() *status.Holder {
	return p.state
}

func (p *Peer) Layout() *basket.Layout {
	return p.layout
}

func (p *Peer) Replication() *replication.Manager {
	return p.repl
}

// Addr is the bound command address, which differs from Host only when
// listening on an ephemeral port.
func (p *Peer) Addr() string {
	if p.tcpL != nil {
		return p.tcpL.Addr().String()
	}
	return p.conf.ListenAddr()
}

func (p *Peer) daemon(name string, f func(), tick time.Duration) {
	if tick <= 0 {
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			p.log.Warnf("daemon goroutine %s was killed", name)
			return
		case <-ticker.C:
			f()
		}
	}
}

func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		c, err := p.tcpL.Accept()
		if err != nil {
			if p.Killed() || errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Warnf("accept: %v", err)
			continue
		}
		p.mu.Lock()
		p.conns[c] = struct{}{}
		p.mu.Unlock()
		go p.serveConn(c)
	}
}

// serveConn keeps one request in flight per connection, so responses come
// back in request order.
func (p *Peer) serveConn(c net.Conn) {
	defer func() {
		p.mu.Lock()
		delete(p.conns, c)
		p.mu.Unlock()
		_ = c.Close()
	}()
	lc := netw.NewLineConn(c, 0, p.conf.Timeout.Duration)
	for {
		line, err := lc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.Killed() {
				p.log.Debugf("connection %s: %v", c.RemoteAddr(), err)
			}
			return
		}
		t := newTCPTicket(lc, line)
		t.Mark("received")
		if err := p.processQ.Put(t); err != nil {
			return
		}
		select {
		case <-t.Done():
		case <-p.quit:
			return
		}
	}
}

func (p *Peer) datagramLoop(conn *net.UDPConn) {
	defer p.wg.Done()
	buf := make([]byte, netw.MaxDatagram)
	for {
		d, err := netw.ReadDatagram(conn, buf, 0)
		if err != nil {
			if p.Killed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if common.CodeOf(err) == common.ErrInternal {
				p.log.Warnf("udp receive: %v", err)
				continue
			}
			p.log.Debugf("bad datagram: %v", err)
			continue
		}
		t := newUDPTicket(d)
		t.Mark("received")
		if !p.processQ.Offer(t) {
			droppedTotal.WithLabelValues("", "backlog").Inc()
			p.log.Warnf("processor backlog full, dropped datagram from %s", d.From)
		}
	}
}

func (p *Peer) heartbeat() {
	p.health.AutoCheck()
	for name, q := range map[string]*queue.Queue[*Ticket]{
		"processor": p.processQ, "query": p.queryQ, "manipulation": p.manipQ, "responder": p.respondQ,
	} {
		stageDepth.WithLabelValues(name).Set(float64(q.Size()))
	}
	avail, _ := p.freeSpace()
	if cmd, err := protocol.NewAlive(p.Host, int(p.state.Get()), avail); err == nil {
		p.notifier.Notify(cmd)
	}
	if p.conf.Island != "" {
		capacity := p.conf.Capacity
		_, total, err := diskSpace(p.conf.Root)
		if capacity <= 0 && err == nil {
			capacity = total
		}
		if cmd, err := protocol.NewIsland(p.conf.Island, avail, capacity); err == nil {
			p.notifier.Notify(cmd)
		}
	}
}

func (p *Peer) freeSpace() (int64, error) {
	avail, _, err := diskSpace(p.conf.Root)
	return avail, err
}

// report feeds the health "status" table and the STATUS command.
func (p *Peer) report() map[string]string {
	out := map[string]string{
		"host": p.Host,
		"root": p.conf.Root,
	}
	if p.conf.Island != "" {
		out["island"] = p.conf.Island
	}
	if avail, err := p.freeSpace(); err == nil {
		out["available"] = strconv.FormatInt(avail, 10)
	}
	for st, n := range p.repl.Depth() {
		out["queue."+st] = strconv.Itoa(n)
	}
	for k, v := range p.meters.Snapshot() {
		out[k] = strconv.FormatInt(v, 10)
	}
	return out
}

// Reload re-reads the config file and applies the settings that can change
// at runtime: log level, auto mode and its watermark.
func (p *Peer) Reload(file string) error {
	if file == "" {
		p.mu.RLock()
		file = p.confPath
		p.mu.RUnlock()
	}
	if file == "" {
		return fmt.Errorf("no config file to reload")
	}
	conf, err := etc.LoadPeerConf(filepath.Clean(file))
	if err != nil {
		return err
	}
	level, err := common.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	p.log.SetLevel(level)
	p.health.SetMinFree(conf.MinFree)
	p.health.SetAuto(conf.Auto)
	p.mu.Lock()
	p.conf.LogLevel, p.conf.MinFree, p.conf.Auto = conf.LogLevel, conf.MinFree, conf.Auto
	p.confPath = file
	p.mu.Unlock()
	p.log.Infof("reloaded config from %s", file)
	return nil
}

// SetConfPath records where the config was loaded from, for reload.
func (p *Peer) SetConfPath(path string) {
	p.mu.Lock()
	p.confPath = path
	p.mu.Unlock()
}
