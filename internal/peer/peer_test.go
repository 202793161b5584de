package peer

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/peer/etc"
	"github.com/allen1211/baskets/internal/replication"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

func testLogger() *logrus.Logger {
	return common.MustInitLogger("error", "peer-test")
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().String()
}

func testConf(t *testing.T, st status.Status) etc.PeerConf {
	conf := etc.MakeDefaultConfig()
	root := t.TempDir()
	conf.Host = freeAddr(t)
	conf.Root = filepath.Join(root, "data")
	conf.QueueDir = filepath.Join(root, "queue")
	conf.Status = st.String()
	conf.Heartbeat = common.Duration{}
	conf.Timeout = common.Duration{Duration: 2 * time.Second}
	conf.Owner = etc.OwnerConf{Mode: "0755", User: "-", Group: "-"}
	conf.MinFree = 0
	return conf
}

func startPeer(t *testing.T, conf etc.PeerConf) *Peer {
	p, err := MakePeer(conf, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Kill)
	return p
}

func call(t *testing.T, addr string, cmd *protocol.Command) *protocol.Response {
	lc, err := netw.DialLine(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lc.Close()
	resp, err := lc.Call(cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.Op, err)
	}
	if resp.Op != cmd.Op {
		t.Fatalf("response to %s has opcode %s", cmd.Op, resp.Op)
	}
	return resp
}

func mustCode(t *testing.T, resp *protocol.Response, code common.Err) {
	if code == common.OK {
		if resp.IsError() {
			t.Fatalf("%s failed: %v", resp.Op, resp.Err())
		}
		return
	}
	if !resp.IsError() || common.Err(resp.Error.Code) != code {
		t.Fatalf("%s: expected %s, got %+v", resp.Op, code, resp.Error)
	}
}

func create(t *testing.T, addr string, k basket.Key) *protocol.Response {
	cmd, err := protocol.NewCreate(k, protocol.Hints{Length: 10, Class: "default"}, "")
	if err != nil {
		t.Fatal(err)
	}
	return call(t, addr, cmd)
}

func finalize(t *testing.T, addr string, k basket.Key, host, path string) *protocol.Response {
	cmd, err := protocol.NewFinalize(k, host, path)
	if err != nil {
		t.Fatal(err)
	}
	return call(t, addr, cmd)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCreateGatedByStatus(t *testing.T) {
	conf := testConf(t, status.READONLY)
	p := startPeer(t, conf)
	k := basket.MakeKey(1, 1, 1)

	mustCode(t, create(t, p.Addr(), k), common.ErrServerStatus)

	p.State().Set(status.ACTIVE)
	resp := create(t, p.Addr(), k)
	mustCode(t, resp, common.OK)
	if resp.Kind != protocol.KindPeer || resp.Host != conf.Host {
		t.Fatalf("unexpected create response %+v", resp)
	}
	if !p.Layout().IsWorkingPath(k, resp.Path) {
		t.Fatalf("%s is not a working path", resp.Path)
	}
	if fi, err := os.Stat(resp.Path); err != nil || !fi.IsDir() {
		t.Fatalf("working directory missing: %v", err)
	}
}

func TestNopAndUngatedCommands(t *testing.T) {
	p := startPeer(t, testConf(t, status.READONLY))
	mustCode(t, call(t, p.Addr(), protocol.NewNop()), common.OK)

	p.State().Set(status.MAINTENANCE)
	mustCode(t, call(t, p.Addr(), protocol.NewNop()), common.ErrServerStatus)
	alive, err := protocol.NewAlive("10.0.0.1:7000", 30, 100)
	if err != nil {
		t.Fatal(err)
	}
	mustCode(t, call(t, p.Addr(), alive), common.OK)
	mustCode(t, call(t, p.Addr(), protocol.NewStatus(nil)), common.OK)
}

func TestMalformedCommand(t *testing.T) {
	p := startPeer(t, testConf(t, status.ACTIVE))
	lc, err := netw.DialLine(p.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lc.Close()
	if err := lc.WriteLine([]byte(`["1.1","C","CREATE",{}]`)); err != nil {
		t.Fatal(err)
	}
	line, err := lc.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := protocol.ParseResponse(line)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.IsError() || common.Err(resp.Error.Code) != common.ErrBadRequest {
		t.Fatalf("expected BadRequest, got %+v", resp.Error)
	}

	// the connection stays usable
	resp, err = lc.Call(protocol.NewNop())
	if err != nil || resp.IsError() {
		t.Fatalf("nop after bad request: %v %+v", err, resp)
	}
}

func TestCreateFinalizeGet(t *testing.T) {
	conf := testConf(t, status.ACTIVE)
	p := startPeer(t, conf)
	k := basket.MakeKey(1, 1, 1)

	created := create(t, p.Addr(), k)
	mustCode(t, created, common.OK)
	if err := os.WriteFile(filepath.Join(created.Path, "blob"), []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	fin := finalize(t, p.Addr(), k, created.Host, created.Path)
	mustCode(t, fin, common.OK)
	archive := p.Layout().ArchivePath(k)
	if fin.Path != archive {
		t.Fatalf("finalize answered %s, want %s", fin.Path, archive)
	}
	if b, err := os.ReadFile(filepath.Join(archive, "blob")); err != nil || string(b) != "payload" {
		t.Fatalf("archived content: %q %v", b, err)
	}

	got := call(t, p.Addr(), protocol.NewGet(k, ""))
	mustCode(t, got, common.OK)
	if got.Paths[conf.Host] != archive {
		t.Fatalf("get returned %v", got.Paths)
	}

	// finalizing the same working path again finds the basket archived
	mustCode(t, finalize(t, p.Addr(), k, created.Host, created.Path), common.ErrAlreadyExists)
	mustCode(t, create(t, p.Addr(), k), common.ErrAlreadyExists)
}

func TestFinalizeChecksHostAndPath(t *testing.T) {
	p := startPeer(t, testConf(t, status.ACTIVE))
	k := basket.MakeKey(5, 1, 1)
	created := create(t, p.Addr(), k)
	mustCode(t, created, common.OK)

	mustCode(t, finalize(t, p.Addr(), k, "10.9.9.9:1", created.Path), common.ErrPrecondition)
	mustCode(t, finalize(t, p.Addr(), k, created.Host, "/tmp/elsewhere"), common.ErrBadRequest)

	missing := p.Layout().NewWorkingPath(k)
	mustCode(t, finalize(t, p.Addr(), k, created.Host, missing), common.ErrNotFound)
}

func TestCancel(t *testing.T) {
	p := startPeer(t, testConf(t, status.ACTIVE))
	k := basket.MakeKey(2, 1, 1)
	created := create(t, p.Addr(), k)
	mustCode(t, created, common.OK)

	cancel, err := protocol.NewCancel(k, created.Host, created.Path)
	if err != nil {
		t.Fatal(err)
	}
	mustCode(t, call(t, p.Addr(), cancel), common.OK)
	if _, err := os.Stat(created.Path); !os.IsNotExist(err) {
		t.Fatalf("working path still present: %v", err)
	}
	left, _ := filepath.Glob(filepath.Join(p.Layout().CanceledDir(k), k.String()+".*"))
	if len(left) != 1 {
		t.Fatalf("expected one canceled basket, got %v", left)
	}
	mustCode(t, call(t, p.Addr(), cancel), common.ErrNotFound)
}

func TestGetNotFoundByChannel(t *testing.T) {
	conf := testConf(t, status.ACTIVE)
	p := startPeer(t, conf)
	k := basket.MakeKey(3, 1, 1)

	mustCode(t, call(t, p.Addr(), protocol.NewGet(k, "")), common.ErrNotFound)

	cli, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	peerAddr, err := net.ResolveUDPAddr("udp", conf.Host)
	if err != nil {
		t.Fatal(err)
	}
	h, err := protocol.NewHeader("127.0.0.1", cli.LocalAddr().(*net.UDPAddr).Port, 42)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.NewGet(k, "").Encode()
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, netw.MaxDatagram)

	if err := netw.SendDatagram(cli, peerAddr, h, msg); err != nil {
		t.Fatal(err)
	}
	if d, err := netw.ReadDatagram(cli, buf, 300*time.Millisecond); err == nil {
		t.Fatalf("udp miss should be silent, got %s", d.Body)
	} else if !netw.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	archive := p.Layout().ArchivePath(k)
	if err := os.MkdirAll(archive, 0755); err != nil {
		t.Fatal(err)
	}
	if err := netw.SendDatagram(cli, peerAddr, h, msg); err != nil {
		t.Fatal(err)
	}
	d, err := netw.ReadDatagram(cli, buf, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if d.Header.SID != 42 {
		t.Fatalf("reply carries sid %d", d.Header.SID)
	}
	resp, err := protocol.ParseResponse(d.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Paths[conf.Host] != archive {
		t.Fatalf("udp get returned %v", resp.Paths)
	}

	// below READONLY a udp get is dropped too
	p.State().Set(status.DRAIN)
	if err := netw.SendDatagram(cli, peerAddr, h, msg); err != nil {
		t.Fatal(err)
	}
	if _, err := netw.ReadDatagram(cli, buf, 300*time.Millisecond); !netw.IsTimeout(err) {
		t.Fatalf("gated udp get should be silent, got %v", err)
	}
}

func TestDeleteQueuesReplication(t *testing.T) {
	conf := testConf(t, status.ACTIVE)
	other := freeAddr(t)
	conf.Replication.Members = []replication.Member{
		{Host: conf.Host, Repl: freeAddr(t)},
		{Host: other, Repl: freeAddr(t)},
	}
	p := startPeer(t, conf)
	k := basket.MakeKey(4, 2, 1)

	created := create(t, p.Addr(), k)
	mustCode(t, created, common.OK)
	mustCode(t, finalize(t, p.Addr(), k, created.Host, created.Path), common.OK)

	hasEntry := func(action replication.Action) func() bool {
		return func() bool {
			for _, it := range p.Replication().Dump(0) {
				if it.Action == action && it.Name == k.String()+"."+string(action) {
					return true
				}
			}
			return false
		}
	}
	waitFor(t, "replicate entry", hasEntry(replication.ActionReplicate))

	mustCode(t, call(t, p.Addr(), protocol.NewDelete(k)), common.OK)
	if _, err := os.Stat(p.Layout().ArchivePath(k)); !os.IsNotExist(err) {
		t.Fatalf("archive still present: %v", err)
	}
	if len(p.Layout().DeletedPaths(k)) != 1 {
		t.Fatalf("expected one tombstone")
	}
	waitFor(t, "delete entry", hasEntry(replication.ActionDelete))

	mustCode(t, call(t, p.Addr(), protocol.NewDelete(k)), common.ErrNotFound)

	// a tombstone does not block a new revision of the same key
	mustCode(t, create(t, p.Addr(), k), common.OK)
}

func TestClassify(t *testing.T) {
	p, err := MakePeer(testConf(t, status.ACTIVE), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	l := p.Layout()
	k := basket.MakeKey(7, 1, 1)

	if st, err := p.Classify(k, ""); err != nil || st != Absent {
		t.Fatalf("expected ABSENT, got %s %v", st, err)
	}
	work := l.NewWorkingPath(k)
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}
	if st, err := p.Classify(k, work); err != nil || st != Working {
		t.Fatalf("expected WORKING, got %s %v", st, err)
	}
	if err := os.MkdirAll(l.NewDeletedPath(k), 0755); err != nil {
		t.Fatal(err)
	}
	if st, err := p.Classify(k, ""); err != nil || st != Deleted {
		t.Fatalf("expected DELETED, got %s %v", st, err)
	}
	if err := os.MkdirAll(l.ArchivePath(k), 0755); err != nil {
		t.Fatal(err)
	}
	if st, err := p.Classify(k, ""); err != nil || st != Archived {
		t.Fatalf("expected ARCHIVED, got %s %v", st, err)
	}
	if _, err := p.Classify(k, work); common.CodeOf(err) != common.ErrBasketConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestNotifications(t *testing.T) {
	gw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Close()
	conf := testConf(t, status.ACTIVE)
	conf.Gateways = []string{gw.LocalAddr().String()}
	p := startPeer(t, conf)
	k := basket.MakeKey(9, 1, 1)

	expect := func(op protocol.Opcode) *protocol.Command {
		buf := make([]byte, netw.MaxDatagram)
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			d, err := netw.ReadDatagram(gw, buf, time.Until(deadline))
			if err != nil {
				t.Fatalf("waiting for %s: %v", op, err)
			}
			cmd, err := protocol.ParseCommand(d.Body)
			if err != nil {
				t.Fatal(err)
			}
			if cmd.Op == op {
				return cmd
			}
		}
		t.Fatalf("no %s notification", op)
		return nil
	}

	created := create(t, p.Addr(), k)
	mustCode(t, created, common.OK)
	mustCode(t, finalize(t, p.Addr(), k, created.Host, created.Path), common.OK)
	ins := expect(protocol.OpInsert)
	if ins.Host != conf.Host || ins.Path != p.Layout().ArchivePath(k) || ins.Basket != k {
		t.Fatalf("unexpected insert %+v", ins)
	}

	mustCode(t, call(t, p.Addr(), protocol.NewDelete(k)), common.OK)
	drop := expect(protocol.OpDrop)
	if drop.Basket != k {
		t.Fatalf("unexpected drop %+v", drop)
	}

	p.heartbeat()
	alive := expect(protocol.OpAlive)
	if alive.Host != conf.Host || alive.Status != int(status.ACTIVE) {
		t.Fatalf("unexpected alive %+v", alive)
	}
}

func TestTicketStack(t *testing.T) {
	tk := newTicket(ChannelTCP, nil)
	if _, ok := tk.Pop(); ok {
		t.Fatal("empty stack popped")
	}
	tk.Push(Absent)
	tk.Push("manip")
	if v, _ := tk.Pop(); v != "manip" {
		t.Fatalf("popped %v", v)
	}
	if v, _ := tk.Pop(); v != Absent {
		t.Fatalf("popped %v", v)
	}
	tk.Mark("a")
	tk.Mark("b")
	if len(tk.Checkpoints) != 2 || tk.Checkpoints[1].Elapsed < tk.Checkpoints[0].Elapsed {
		t.Fatalf("checkpoints %v", tk.Checkpoints)
	}
	tk.Finish()
	tk.Finish()
	select {
	case <-tk.Done():
	default:
		t.Fatal("ticket not finished")
	}
}

func TestConfigValidation(t *testing.T) {
	conf := testConf(t, status.ACTIVE)
	conf.Replication.Members = []replication.Member{{Host: "10.0.0.9:1", Repl: "10.0.0.9:2"}}
	if _, err := MakePeer(conf, testLogger()); err == nil {
		t.Fatal("peer outside its group accepted")
	}
	conf = testConf(t, status.ACTIVE)
	conf.Owner.Mode = "rwx"
	if _, err := MakePeer(conf, testLogger()); err == nil {
		t.Fatal("bad owner mode accepted")
	}
	conf = testConf(t, status.ACTIVE)
	conf.Host = "localhost:7000"
	if _, err := MakePeer(conf, testLogger()); err == nil {
		t.Fatal("host name accepted where an IP address is needed")
	}
	conf = testConf(t, status.ACTIVE)
	conf.Manipulator.Kind = "ftp"
	if _, err := MakePeer(conf, testLogger()); err == nil {
		t.Fatal("unknown manipulator accepted")
	}
}

func TestReloadWhileRunning(t *testing.T) {
	conf := testConf(t, status.ACTIVE)
	conf.LogLevel = "error"
	p := startPeer(t, conf)

	conf.MinFree = 12345
	data, err := json.Marshal(conf)
	if err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(t.TempDir(), "peer.json")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatal(err)
	}
	p.SetConfPath(file)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if err := p.Reload(""); err != nil {
				t.Errorf("reload: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			p.heartbeat()
		}
	}()
	wg.Wait()

	if got := p.health.MinFree(); got != 12345 {
		t.Fatalf("watermark after reload = %d", got)
	}
	if p.State().Get() != status.ACTIVE {
		t.Fatalf("status changed to %s", p.State().Get())
	}
}

func TestKillIsBounded(t *testing.T) {
	conf := testConf(t, status.ACTIVE)
	conf.Replication.Grace = common.Duration{Duration: 100 * time.Millisecond}
	p := startPeer(t, conf)

	// a stage worker that never returns
	p.wg.Add(1)
	begin := time.Now()
	p.Kill()
	if d := time.Since(begin); d > 3*time.Second {
		t.Fatalf("kill took %v", d)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("peer not done after kill")
	}
}
