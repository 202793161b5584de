package peer

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/common"
)

// Admin is the rpcx face of the health protocol, used by the console.
type Admin struct {
	p *Peer
}

func (p *Peer) startAdmin() error {
	if p.conf.Admin == "" {
		return nil
	}
	rpcServ := netw.MakeRpcxServer(netw.AdminService, p.conf.Admin)
	if err := rpcServ.Register(netw.AdminService, &Admin{p: p}); err != nil {
		return err
	}
	p.rpcServ = rpcServ
	go func() {
		if err := rpcServ.Start(); err != nil && !p.Killed() {
			p.log.Errorf("%v", err)
		}
	}()
	return nil
}

func (a *Admin) Mode(ctx context.Context, args *netw.ModeArgs, reply *netw.ModeReply) error {
	if a.p.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	reply.Previous = a.p.state.Get().String()
	switch strings.ToLower(args.Auto) {
	case "":
	case "on", "auto":
		a.p.health.SetAuto(true)
	case "off":
		a.p.health.SetAuto(false)
	default:
		reply.Err = "unknown auto mode " + args.Auto
	}
	if args.Mode != "" && reply.Err == "" {
		st, err := status.Parse(args.Mode)
		if err != nil {
			reply.Err = err.Error()
		} else {
			a.p.health.SetAuto(false)
			a.p.state.Set(st)
		}
	}
	reply.Current = a.p.state.Get().String()
	reply.Auto = a.p.health.AutoString()
	return nil
}

func (a *Admin) Status(ctx context.Context, args *netw.StatusArgs, reply *netw.StatusReply) error {
	if a.p.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	reply.Host = a.p.Host
	reply.Status = a.p.state.Get().String()
	if !args.Short {
		reply.Items = a.p.report()
		reply.Items["auto"] = a.p.health.AutoString()
	}
	return nil
}

func (a *Admin) Dump(ctx context.Context, args *netw.DumpArgs, reply *netw.DumpReply) error {
	if a.p.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	for _, it := range a.p.repl.Dump(args.Limit) {
		reply.Entries = append(reply.Entries, netw.DumpEntry{
			Name:  it.Name,
			State: string(it.State),
			TTL:   it.TTL,
			Hosts: it.Hosts,
		})
	}
	sort.Slice(reply.Entries, func(i, j int) bool {
		return reply.Entries[i].Name < reply.Entries[j].Name
	})
	return nil
}
