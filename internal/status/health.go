package status

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liushuochen/gotable"
	"github.com/liushuochen/gotable/cell"
	"github.com/sirupsen/logrus"
)

type healthOp struct {
	usage string
	desc  string
}

var healthOps = map[string]healthOp{
	"quit":     {"quit", "close this session"},
	"help":     {"help", "show this guide"},
	"mode":     {"mode [name]", "show or set the server status"},
	"auto":     {"auto [on|off]", "derive ACTIVE/READONLY from free space"},
	"debug":    {"debug [on|off]", "toggle debug logging"},
	"status":   {"status [-s] [period] [count]", "report node state, repeating every period seconds"},
	"reload":   {"reload [file]", "reload configuration"},
	"shutdown": {"shutdown", "stop the node"},
}

var healthOrder = []string{"quit", "help", "mode", "auto", "debug", "status", "reload", "shutdown"}

// Health serves the operator text protocol on top of a Holder.
type Health struct {
	Addr string

	// Report returns extra rows for "status"; may be nil.
	Report func() map[string]string
	// Reload re-reads configuration; file is empty for the current one.
	Reload   func(file string) error
	Shutdown func()
	// FreeSpace feeds auto mode.
	FreeSpace func() (int64, error)

	state     *Holder
	log       *logrus.Logger
	baseLevel logrus.Level
	started   time.Time

	auto     int32
	minFree  int64
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}

	killed  int32
	KilledC chan int
}

func NewHealth(addr string, state *Holder, logger *logrus.Logger) *Health {
	return &Health{
		Addr:      addr,
		state:     state,
		log:       logger,
		baseLevel: logger.GetLevel(),
		started:   time.Now(),
		conns:     map[net.Conn]struct{}{},
		KilledC:   make(chan int, 1),
	}
}

// Start binds the listener and serves in the background.
func (h *Health) Start() error {
	l, err := net.Listen("tcp", h.Addr)
	if err != nil {
		return err
	}
	h.listener = l
	h.Addr = l.Addr().String()
	go h.acceptLoop()
	go h.autoDaemon(5 * time.Second)
	h.log.Infof("health server listening on %s", h.Addr)
	return nil
}

func (h *Health) Kill() {
	if !atomic.CompareAndSwapInt32(&h.killed, 0, 1) {
		return
	}
	h.KilledC <- 1
	if h.listener != nil {
		_ = h.listener.Close()
	}
	h.mu.Lock()
	for c := range h.conns {
		_ = c.Close()
	}
	h.mu.Unlock()
}

func (h *Health) Killed() bool {
	return atomic.LoadInt32(&h.killed) == 1
}

func (h *Health) acceptLoop() {
	for {
		c, err := h.listener.Accept()
		if err != nil {
			if h.Killed() || errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.Warnf("health accept: %v", err)
			continue
		}
		h.mu.Lock()
		h.conns[c] = struct{}{}
		h.mu.Unlock()
		go h.serve(c)
	}
}

func (h *Health) serve(c net.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = c.Close()
	}()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		quit := h.Exec(line, w)
		_ = w.Flush()
		if quit {
			return
		}
	}
}

// Exec runs one command line, writing the answer to w. It reports whether
// the session should end.
func (h *Health) Exec(line string, w io.Writer) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	switch strings.ToLower(args[0]) {
	case "quit", "exit":
		fmt.Fprintln(w, "bye")
		return true
	case "help":
		fmt.Fprint(w, h.guide())
	case "mode":
		h.execMode(args[1:], w)
	case "auto":
		h.execAuto(args[1:], w)
	case "debug":
		h.execDebug(args[1:], w)
	case "status":
		h.execStatus(args[1:], w)
	case "reload":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		if h.Reload == nil {
			fmt.Fprintln(w, "error: reload not supported")
			break
		}
		if err := h.Reload(file); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			break
		}
		fmt.Fprintln(w, "reloaded")
	case "shutdown":
		fmt.Fprintln(w, "shutting down")
		if h.Shutdown != nil {
			go h.Shutdown()
		}
		return true
	default:
		fmt.Fprintf(w, "error: unknown command %q, try help\n", args[0])
	}
	return false
}

func (h *Health) execMode(args []string, w io.Writer) {
	if len(args) == 0 {
		fmt.Fprintln(w, h.state.Get())
		return
	}
	st, err := Parse(args[0])
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	// an explicit mode pins the status
	atomic.StoreInt32(&h.auto, 0)
	old := h.state.Set(st)
	fmt.Fprintf(w, "%s => %s\n", old, st)
}

func (h *Health) execAuto(args []string, w io.Writer) {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on", "auto":
			h.SetAuto(true)
		case "off":
			h.SetAuto(false)
		default:
			fmt.Fprintf(w, "error: auto takes on or off, got %q\n", args[0])
			return
		}
	}
	fmt.Fprintln(w, h.AutoString())
}

func (h *Health) execDebug(args []string, w io.Writer) {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			h.log.SetLevel(logrus.DebugLevel)
		case "off":
			lvl := h.baseLevel
			if lvl >= logrus.DebugLevel {
				lvl = logrus.InfoLevel
			}
			h.log.SetLevel(lvl)
		default:
			fmt.Fprintf(w, "error: debug takes on or off, got %q\n", args[0])
			return
		}
	}
	fmt.Fprintf(w, "debug %s\n", onOff(h.log.IsLevelEnabled(logrus.DebugLevel)))
}

func (h *Health) execStatus(args []string, w io.Writer) {
	short := false
	var nums []int
	for _, a := range args {
		if a == "-s" {
			short = true
			continue
		}
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			fmt.Fprintf(w, "error: bad argument %q\n", a)
			return
		}
		nums = append(nums, n)
	}
	period, count := 0, 1
	if len(nums) > 0 {
		period = nums[0]
		count = 0
	}
	if len(nums) > 1 {
		count = nums[1]
	}
	for i := 0; count == 0 || i < count; i++ {
		if i > 0 {
			if h.Killed() {
				return
			}
			time.Sleep(time.Duration(period) * time.Second)
		}
		if _, err := io.WriteString(w, h.RenderStatus(short)); err != nil {
			return
		}
		if f, ok := w.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return
			}
		}
		if period == 0 {
			return
		}
	}
}

// RenderStatus formats the current node state as a table, or as a single
// line when short is set.
func (h *Health) RenderStatus(short bool) string {
	cur := h.state.Get()
	if short {
		return fmt.Sprintf("%s %d\n", cur, int(cur))
	}
	cols := []string{"item", "value"}
	table, err := gotable.Create(cols...)
	if err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	for _, col := range cols {
		table.Align(col, cell.AlignLeft)
	}
	table.CloseBorder()

	rows := [][]string{
		{"status", cur.String()},
		{"replicating", strconv.FormatBool(CanReplicate(cur))},
		{"auto", h.AutoString()},
		{"debug", onOff(h.log.IsLevelEnabled(logrus.DebugLevel))},
		{"uptime", time.Since(h.started).Truncate(time.Second).String()},
	}
	if h.Report != nil {
		extra := h.Report()
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rows = append(rows, []string{k, extra[k]})
		}
	}
	for _, row := range rows {
		if err := table.AddRow(row); err != nil {
			return fmt.Sprintf("error: %v\n", err)
		}
	}
	return table.String()
}

func (h *Health) guide() string {
	cols := []string{"cmd", "usage", "describe"}
	table, err := gotable.Create(cols...)
	if err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	for _, col := range cols {
		table.Align(col, cell.AlignLeft)
	}
	table.CloseBorder()
	for _, name := range healthOrder {
		op := healthOps[name]
		if err := table.AddRow([]string{name, op.usage, op.desc}); err != nil {
			return fmt.Sprintf("error: %v\n", err)
		}
	}
	return table.String()
}

func (h *Health) SetAuto(on bool) {
	if on {
		atomic.StoreInt32(&h.auto, 1)
		h.AutoCheck()
	} else {
		atomic.StoreInt32(&h.auto, 0)
	}
}

func (h *Health) Auto() bool {
	return atomic.LoadInt32(&h.auto) == 1
}

func (h *Health) AutoString() string {
	if h.Auto() {
		return "auto"
	}
	return "off"
}

// SetMinFree sets the free space watermark of auto mode.
func (h *Health) SetMinFree(n int64) {
	atomic.StoreInt64(&h.minFree, n)
}

func (h *Health) MinFree() int64 {
	return atomic.LoadInt64(&h.minFree)
}

// AutoCheck flips between ACTIVE and READONLY on the free space watermark.
// Other statuses are left alone.
func (h *Health) AutoCheck() {
	if !h.Auto() || h.FreeSpace == nil {
		return
	}
	free, err := h.FreeSpace()
	if err != nil {
		h.log.Warnf("auto mode: free space: %v", err)
		return
	}
	low := h.MinFree()
	switch cur := h.state.Get(); {
	case cur == ACTIVE && free < low:
		h.log.Warnf("free space %d below %d, going read-only", free, low)
		h.state.Set(READONLY)
	case cur == READONLY && free >= low:
		h.state.Set(ACTIVE)
	}
}

func (h *Health) autoDaemon(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-h.KilledC:
			h.log.Warnf("daemon goroutine auto was killed")
			return
		case <-ticker.C:
			h.AutoCheck()
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
