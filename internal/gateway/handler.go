package gateway

import (
	"sync"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Handle answers one command. sender is the "ip:port" of a UDP sender and
// empty for TCP. reply is false when nothing should be sent back: learning
// notifications and UDP misses.
func (g *Gateway) Handle(raw []byte, sender string) (resp *protocol.Response, reply bool) {
	udp := sender != ""
	cmd, err := protocol.ParseCommand(raw)
	if err != nil {
		g.log.Debugf("parse from %q: %v", sender, err)
		return g.failed(nil, protocol.KindDefault, err), true
	}
	defer func() {
		code := string(common.OK)
		if resp != nil && resp.Error != nil {
			code = resp.Error.Code
		}
		requestsTotal.WithLabelValues(string(cmd.Op), code).Inc()
	}()

	k := cmd.Basket
	switch cmd.Op {
	case protocol.OpNop:
		return protocol.Reply(cmd), true
	case protocol.OpCreate:
		hosts := g.peers.Choose(k, cmd.Island, g.conf.Replicas)
		if len(hosts) == 0 {
			return g.failed(cmd, protocol.KindGateway, common.NewError(common.ErrPrecondition, "no active peer for %s", k)), true
		}
		return protocol.NewGatewayCreateResponse(k, hosts, cmd.Island), true
	case protocol.OpGet:
		paths := g.Locate(k)
		if len(paths) == 0 {
			if udp {
				return nil, false
			}
			return g.failed(cmd, protocol.KindDefault, common.NewError(common.ErrNotFound, "basket %s not found", k)), true
		}
		return protocol.NewGetResponse(k, paths, cmd.Island), true
	case protocol.OpDelete:
		if err := g.Delete(k); err != nil {
			return g.failed(cmd, protocol.KindDefault, err), true
		}
		return protocol.Reply(cmd), true
	case protocol.OpInsert:
		err = g.locs.Insert(k, cmd.Host, cmd.Path)
	case protocol.OpDrop:
		err = g.locs.Drop(k, cmd.Host, cmd.Path)
	case protocol.OpAlive:
		g.peers.Alive(cmd.Host, status.Status(cmd.Status), cmd.Available)
	case protocol.OpIsland:
		if !udp {
			return g.failed(cmd, protocol.KindDefault, common.NewError(common.ErrBadRequest, "ISLAND is only accepted from a peer's datagram")), true
		}
		g.peers.Island(sender, cmd.Island, cmd.Storables, cmd.Capacity)
	case protocol.OpPurge:
		removed := g.peers.Purge(cmd.Hosts)
		hosts := cmd.Hosts
		if len(hosts) == 0 {
			hosts = removed
		}
		if _, err := g.locs.Purge(hosts); err != nil {
			return g.failed(cmd, protocol.KindDefault, err), true
		}
		g.log.Infof("purged %v", hosts)
		return protocol.Reply(&protocol.Command{Op: protocol.OpPurge, Hosts: removed}), true
	case protocol.OpStatus:
		return protocol.NewStatusResponse(g.statusMap()), true
	case protocol.OpDump:
		return protocol.NewDumpResponse(g.dumpMap()), true
	case protocol.OpFinalize, protocol.OpCancel, protocol.OpMkdir, protocol.OpMv:
		return g.failed(cmd, protocol.KindDefault, common.NewError(common.ErrUnsupportedOp, "%s is answered by peers", cmd.Op)), true
	default:
		return g.failed(cmd, protocol.KindDefault, common.NewError(common.ErrUnsupportedOp, "unsupported opcode %q", cmd.Op)), true
	}

	// learning notifications
	if err != nil {
		g.log.Errorf("%s %s: %v", cmd.Op, k, err)
		return g.failed(cmd, protocol.KindDefault, err), !udp
	}
	return protocol.Reply(cmd), !udp
}

func (g *Gateway) failed(cmd *protocol.Command, kind protocol.Kind, err error) *protocol.Response {
	code := common.CodeOf(err)
	if common.IsInternal(code) {
		g.log.Errorf("%v", err)
	} else {
		g.log.Debugf("%v", err)
	}
	if cmd == nil {
		return protocol.ErrorResponse(protocol.OpNone, kind, err)
	}
	return protocol.ErrorResponse(cmd.Op, kind, err)
}

// Locate returns where k is stored, from the cache or else by asking every
// readable peer. Answers from peers are cached.
func (g *Gateway) Locate(k basket.Key) map[string]string {
	paths, err := g.locs.Get(k)
	if err != nil {
		g.log.Errorf("location cache: %v", err)
	}
	if len(paths) > 0 {
		return paths
	}
	paths = g.ask(k)
	for h, p := range paths {
		if err := g.locs.Insert(k, h, p); err != nil {
			g.log.Errorf("location cache: %v", err)
		}
	}
	return paths
}

func (g *Gateway) ask(k basket.Key) map[string]string {
	hosts := g.peers.Live(status.READONLY, "")
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := map[string]string{}
	for _, h := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			resp, err := g.callPeer(host, protocol.NewGet(k, ""))
			if err != nil || resp.IsError() {
				return
			}
			mu.Lock()
			for ph, p := range resp.Paths {
				out[ph] = p
			}
			mu.Unlock()
		}(h)
	}
	wg.Wait()
	return out
}

// Delete forwards DELETE to every known holder of k. It succeeds when one
// holder deleted it; replication takes it from there.
func (g *Gateway) Delete(k basket.Key) error {
	holders := g.Locate(k)
	if len(holders) == 0 {
		return common.NewError(common.ErrNotFound, "basket %s not found", k)
	}
	var firstErr error
	deleted := false
	for host := range holders {
		resp, err := g.callPeer(host, protocol.NewDelete(k))
		if err == nil {
			err = resp.Err()
		}
		switch {
		case err == nil:
			deleted = true
		case common.CodeOf(err) == common.ErrNotFound:
			_ = g.locs.Drop(k, host, "")
			if firstErr == nil {
				firstErr = err
			}
		default:
			g.log.Warnf("delete %s on %s: %v", k, host, err)
			firstErr = err
		}
	}
	if deleted {
		if err := g.locs.Forget(k); err != nil {
			g.log.Errorf("location cache: %v", err)
		}
		return nil
	}
	return firstErr
}

func (g *Gateway) callPeer(host string, cmd *protocol.Command) (*protocol.Response, error) {
	lc, err := netw.DialLine(host, g.conf.Timeout.Duration)
	if err != nil {
		return nil, err
	}
	defer lc.Close()
	return lc.Call(cmd)
}

func (g *Gateway) statusMap() map[string]interface{} {
	out := map[string]interface{}{
		"host":  g.Host,
		"peers": len(g.peers.Snapshot()),
		"live":  len(g.peers.Live(status.READONLY, "")),
	}
	if n, err := g.locs.Size(); err == nil {
		out["locations_bytes"] = n
	}
	out["db_bytes"] = g.locs.FileSize()
	return out
}

func (g *Gateway) dumpMap() map[string]interface{} {
	out := map[string]interface{}{
		"peers": g.peers.Snapshot(),
	}
	if locs, err := g.locs.Entries(100); err == nil {
		m := map[string]interface{}{}
		for k, hosts := range locs {
			m[k] = hosts
		}
		out["locations"] = m
	}
	return out
}
