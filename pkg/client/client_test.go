package client

import (
	"bytes"
	"errors"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/gateway"
	gwetc "github.com/allen1211/baskets/internal/gateway/etc"
	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/peer"
	peeretc "github.com/allen1211/baskets/internal/peer/etc"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/client/etc"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

func testLogger() *logrus.Logger {
	return common.MustInitLogger("error", "client-test")
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().String()
}

func testClient(t *testing.T, timeout time.Duration, gateways ...string) *Client {
	conf := etc.MakeDefaultConfig()
	conf.Gateways = gateways
	conf.Listen = "127.0.0.1:0"
	conf.Stagger = common.Duration{Duration: 20 * time.Millisecond}
	conf.Timeout = common.Duration{Duration: timeout}
	c, err := MakeClient(conf, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fakeGateway answers each datagram with the responses built by answer, in
// order, echoing the request header unless the response overrides it.
type reply struct {
	sidDelta int
	resp     *protocol.Response
}

func fakeGateway(t *testing.T, answer func(cmd *protocol.Command) []reply) string {
	conn, err := netw.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, netw.MaxDatagram)
		for {
			d, err := netw.ReadDatagram(conn, buf, 0)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			cmd, err := protocol.ParseCommand(d.Body)
			if err != nil {
				continue
			}
			for _, r := range answer(cmd) {
				h := d.Header
				h.SID = uint32(int64(h.SID) + int64(r.sidDelta))
				msg, err := r.resp.Encode()
				if err != nil {
					continue
				}
				_ = netw.SendDatagram(conn, d.Header.Addr(), h, msg)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func silent(cmd *protocol.Command) []reply { return nil }

func TestTimeslideDiscardsStaleSession(t *testing.T) {
	gw := fakeGateway(t, func(cmd *protocol.Command) []reply {
		return []reply{
			{sidDelta: -1, resp: protocol.NewGetResponse(cmd.Basket, map[string]string{"old:1": "/stale"}, "")},
			{sidDelta: 0, resp: protocol.NewGetResponse(cmd.Basket, map[string]string{"p:1": "/fresh"}, "")},
		}
	})
	c := testClient(t, 2*time.Second, gw)

	paths, err := c.Get(basket.MakeKey(1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths["p:1"] != "/fresh" {
		t.Fatalf("expected the reply of the current session, got %v", paths)
	}
}

func TestTimeslideReachesLaterGateway(t *testing.T) {
	quiet := fakeGateway(t, silent)
	busy := fakeGateway(t, func(cmd *protocol.Command) []reply {
		return []reply{{resp: protocol.Reply(cmd)}}
	})
	c := testClient(t, 2*time.Second, quiet, busy)

	for i := 0; i < 3; i++ {
		if err := c.Delete(basket.MakeKey(uint64(i), 1, 1)); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
}

func TestTimeslideTimeout(t *testing.T) {
	gw := fakeGateway(t, silent)
	c := testClient(t, 300*time.Millisecond, gw)

	start := time.Now()
	err := c.Delete(basket.MakeKey(1, 1, 1))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var ce *ClientError
	if !errors.As(err, &ce) || !ce.Retryable() || ce.Op != protocol.OpDelete {
		t.Fatalf("unexpected error %#v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took %v", time.Since(start))
	}
}

func TestGatewayErrorIsWrapped(t *testing.T) {
	gw := fakeGateway(t, func(cmd *protocol.Command) []reply {
		return []reply{{resp: protocol.ErrorResponse(cmd.Op, protocol.KindGateway,
			common.NewError(common.ErrPrecondition, "no active peer"))}}
	})
	c := testClient(t, time.Second, gw)

	err := c.Create(basket.MakeKey(1, 1, 1), protocol.Hints{Length: 1, Class: "default"}, func(host, path string) error {
		t.Fatal("block must not run")
		return nil
	})
	if common.CodeOf(errors.Unwrap(err)) != common.ErrPrecondition {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
}

type cluster struct {
	peer *peer.Peer
	gw   *gateway.Gateway
	c    *Client
}

// startCluster runs one gateway and one active peer on loopback. The
// gateway also knows a dead peer, which CREATE must step over.
func startCluster(t *testing.T) *cluster {
	root := t.TempDir()

	gconf := gwetc.MakeDefaultConfig()
	gconf.Host = freeAddr(t)
	gconf.DBPath = filepath.Join(root, "gateway")
	gconf.Replicas = 2
	gconf.Timeout = common.Duration{Duration: time.Second}

	pconf := peeretc.MakeDefaultConfig()
	pconf.Host = freeAddr(t)
	pconf.Root = filepath.Join(root, "data")
	pconf.QueueDir = filepath.Join(root, "queue")
	pconf.Status = status.ACTIVE.String()
	pconf.Heartbeat = common.Duration{}
	pconf.Timeout = common.Duration{Duration: 2 * time.Second}
	pconf.Owner = peeretc.OwnerConf{Mode: "0755", User: "-", Group: "-"}
	pconf.MinFree = 0
	pconf.Gateways = []string{gconf.Host}

	gconf.Peers = []string{"127.0.0.1:1", pconf.Host}

	gw, err := gateway.MakeGateway(gconf, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Kill)

	p, err := peer.MakePeer(pconf, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Kill)

	return &cluster{peer: p, gw: gw, c: testClient(t, time.Second, gconf.Host)}
}

func TestCreateFinalizeGet(t *testing.T) {
	cl := startCluster(t)
	k := basket.MakeKey(1, 1, 1)
	hints := protocol.Hints{Length: 5, Class: "default"}

	var working string
	err := cl.c.Create(k, hints, func(host, path string) error {
		if host != cl.peer.Host {
			t.Errorf("allocated on %s, expected %s", host, cl.peer.Host)
		}
		working = path
		return ioutil.WriteFile(filepath.Join(path, "data"), []byte("hello"), 0644)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(working); !os.IsNotExist(err) {
		t.Fatalf("working path %s still present: %v", working, err)
	}

	paths, err := cl.c.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	archive := cl.peer.Layout().ArchivePath(k)
	if len(paths) != 1 || paths[cl.peer.Host] != archive {
		t.Fatalf("expected {%s: %s}, got %v", cl.peer.Host, archive, paths)
	}
	data, err := ioutil.ReadFile(filepath.Join(archive, "data"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("archived content %q, %v", data, err)
	}

	err = cl.c.Create(k, hints, func(host, path string) error {
		t.Fatal("block must not run for an existing basket")
		return nil
	})
	if !errors.Is(err, common.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}

	if err := cl.c.Delete(k); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.c.Get(k); !errors.Is(err, common.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestCreateCancelsOnBlockError(t *testing.T) {
	cl := startCluster(t)
	k := basket.MakeKey(2, 1, 1)
	boom := errors.New("disk on fire")

	var working string
	err := cl.c.CreateDirect(cl.peer.Host, k, protocol.Hints{Length: 1, Class: "default"}, func(host, path string) error {
		working = path
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the block error back, got %v", err)
	}
	if _, err := os.Stat(working); !os.IsNotExist(err) {
		t.Fatalf("working path %s survived the cancel: %v", working, err)
	}
	resp, err := cl.c.Send(cl.peer.Host, protocol.NewGet(k, ""))
	if err != nil {
		t.Fatal(err)
	}
	if common.CodeOf(resp.Err()) != common.ErrNotFound {
		t.Fatalf("cancelled basket is visible: %+v", resp)
	}
}

func TestCreateCancelsOnPanic(t *testing.T) {
	cl := startCluster(t)
	k := basket.MakeKey(3, 1, 1)

	var working string
	func() {
		defer func() {
			if p := recover(); p != "bad block" {
				t.Fatalf("expected the panic to pass through, got %v", p)
			}
		}()
		_ = cl.c.CreateDirect(cl.peer.Host, k, protocol.Hints{Length: 1, Class: "default"}, func(host, path string) error {
			working = path
			panic("bad block")
		})
	}()
	if _, err := os.Stat(working); !os.IsNotExist(err) {
		t.Fatalf("working path %s survived the cancel: %v", working, err)
	}
}

func TestCreateDirectUnreachablePeer(t *testing.T) {
	c := testClient(t, 500*time.Millisecond, fakeGateway(t, silent))
	err := c.CreateDirect("127.0.0.1:1", basket.MakeKey(1, 1, 1), protocol.Hints{Length: 1, Class: "default"}, func(host, path string) error {
		t.Fatal("block must not run")
		return nil
	})
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Op != protocol.OpCreate {
		t.Fatalf("expected a create error, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	conf := etc.MakeDefaultConfig()
	if err := conf.Validate(); err == nil {
		t.Fatal("config without gateways accepted")
	}
	conf.Gateways = []string{"nohost"}
	if err := conf.Validate(); err == nil {
		t.Fatal("gateway without port accepted")
	}
	conf.Gateways = []string{"127.0.0.1:6000"}
	conf.Converter = map[string]string{"Hex64Seq": "10-1", "Dec40Seq": "1-5"}
	if err := conf.Validate(); err == nil {
		t.Fatal("bad converter accepted")
	}
	conf.Converter = nil
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestConsole(t *testing.T) {
	c := testClient(t, 300*time.Millisecond, fakeGateway(t, silent))
	in := strings.NewReader("help\nbogus 1\nget\nget not-a-key\n\nquit\nhelp\n")
	var out bytes.Buffer
	cc := MakeConsoleClient(c, in, &out)
	cc.Start()

	s := out.String()
	for _, want := range []string{"BASKETS USER GUIDE", "unsupported operation: bogus", "not enough arguments", "argument [key] parse error"} {
		if !strings.Contains(s, want) {
			t.Fatalf("console output lacks %q:\n%s", want, s)
		}
	}
	if strings.Count(s, "BASKETS USER GUIDE") != 2 {
		t.Fatalf("input after quit was processed:\n%s", s)
	}
}

func TestParseEntryKey(t *testing.T) {
	for name, want := range map[string]basket.Key{
		"1.2.3.replicate":         basket.MakeKey(1, 2, 3),
		"4.5.6.delete@10.0.0.1:7": basket.MakeKey(4, 5, 6),
	} {
		k, err := parseEntryKey(name)
		if err != nil || k != want {
			t.Fatalf("%s: got %v %v", name, k, err)
		}
	}
}
