package status

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

func TestOrdering(t *testing.T) {
	all := All()
	for i := 1; i < len(all); i++ {
		if all[i-1] >= all[i] {
			t.Fatalf("%s is not below %s", all[i-1], all[i])
		}
	}
	for _, s := range all {
		got, err := Parse(s.String())
		if err != nil || got != s {
			t.Fatalf("Parse(%s) = %v, %v", s, got, err)
		}
	}
	if s, err := Parse("25"); err != nil || s != FIN_REP {
		t.Fatalf("Parse(25) = %v, %v", s, err)
	}
	if _, err := Parse("24"); err == nil {
		t.Fatal("Parse(24) should fail")
	}
}

func TestCanReplicate(t *testing.T) {
	want := map[Status]bool{ACTIVE: true, DEL_REP: true, FIN_REP: true, REP: true}
	for _, s := range All() {
		if CanReplicate(s) != want[s] {
			t.Fatalf("CanReplicate(%s) = %v", s, CanReplicate(s))
		}
	}
}

func TestGate(t *testing.T) {
	h := NewHolder(READONLY, common.MustInitLogger("error", "test"))

	err := Check(h, protocol.OpCreate)
	if common.CodeOf(err) != common.ErrServerStatus {
		t.Fatalf("CREATE at READONLY: %v", err)
	}
	if err := Check(h, protocol.OpGet); err != nil {
		t.Fatalf("GET at READONLY: %v", err)
	}
	if err := Check(h, protocol.OpInsert); err != nil {
		t.Fatalf("INSERT is not gated: %v", err)
	}

	if old := h.Set(ACTIVE); old != READONLY {
		t.Fatalf("Set returned %s", old)
	}
	if err := Check(h, protocol.OpCreate); err != nil {
		t.Fatalf("CREATE at ACTIVE: %v", err)
	}

	h.Set(FIN_REP)
	if err := Check(h, protocol.OpDelete); err == nil {
		t.Fatal("DELETE at FIN_REP should be rejected")
	}
	if err := Check(h, protocol.OpFinalize); err != nil {
		t.Fatalf("FINALIZE at FIN_REP: %v", err)
	}
}

func TestWatch(t *testing.T) {
	h := NewHolder(UNKNOWN, nil)
	var seen []Status
	h.Watch(func(old, cur Status) { seen = append(seen, cur) })
	h.Set(ACTIVE)
	h.Set(ACTIVE)
	h.Set(DRAIN)
	if len(seen) != 2 || seen[0] != ACTIVE || seen[1] != DRAIN {
		t.Fatalf("watch saw %v", seen)
	}
}

func newHealth(t *testing.T) (*Health, *Holder) {
	logger := common.MustInitLogger("info", "test")
	h := NewHolder(ACTIVE, logger)
	return NewHealth("127.0.0.1:0", h, logger), h
}

func TestHealthCommands(t *testing.T) {
	hs, h := newHealth(t)
	hs.Report = func() map[string]string { return map[string]string{"queue.waiting": "3"} }

	var out bytes.Buffer
	hs.Exec("mode readonly", &out)
	if h.Get() != READONLY {
		t.Fatalf("status = %s", h.Get())
	}
	out.Reset()
	hs.Exec("mode", &out)
	if strings.TrimSpace(out.String()) != "READONLY" {
		t.Fatalf("mode printed %q", out.String())
	}

	out.Reset()
	hs.Exec("status -s", &out)
	if !strings.HasPrefix(out.String(), "READONLY 20") {
		t.Fatalf("status -s printed %q", out.String())
	}

	out.Reset()
	hs.Exec("status", &out)
	if !strings.Contains(out.String(), "queue.waiting") || !strings.Contains(out.String(), "READONLY") {
		t.Fatalf("status table missing rows:\n%s", out.String())
	}

	out.Reset()
	hs.Exec("debug on", &out)
	if !strings.Contains(out.String(), "debug on") {
		t.Fatalf("debug printed %q", out.String())
	}
	hs.Exec("debug off", &out)

	out.Reset()
	hs.Exec("bogus", &out)
	if !strings.HasPrefix(out.String(), "error:") {
		t.Fatalf("unknown command printed %q", out.String())
	}
	if !hs.Exec("quit", &out) {
		t.Fatal("quit should end the session")
	}
}

func TestHealthAuto(t *testing.T) {
	hs, h := newHealth(t)
	free := int64(10)
	hs.SetMinFree(100)
	hs.FreeSpace = func() (int64, error) { return free, nil }

	hs.SetAuto(true)
	if h.Get() != READONLY {
		t.Fatalf("low space: status = %s", h.Get())
	}
	free = 1000
	hs.AutoCheck()
	if h.Get() != ACTIVE {
		t.Fatalf("space recovered: status = %s", h.Get())
	}

	h.Set(DRAIN)
	free = 0
	hs.AutoCheck()
	if h.Get() != DRAIN {
		t.Fatalf("auto must not touch %s", h.Get())
	}

	var out bytes.Buffer
	hs.Exec("mode active", &out)
	if hs.Auto() {
		t.Fatal("explicit mode should switch auto off")
	}
}

func TestHealthOverTCP(t *testing.T) {
	hs, _ := newHealth(t)
	if err := hs.Start(); err != nil {
		t.Fatal(err)
	}
	defer hs.Kill()

	c, err := net.DialTimeout("tcp", hs.Addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := c.Write([]byte("mode\r\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "ACTIVE" {
		t.Fatalf("mode over tcp = %q", line)
	}
}
