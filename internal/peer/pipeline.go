package peer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/queue"
	"github.com/allen1211/baskets/internal/replication"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/common/utils"
	"github.com/allen1211/baskets/pkg/protocol"
)

// BasketState is what the disk says about one basket.
type BasketState int

const (
	Absent BasketState = iota
	Working
	Archived
	Deleted
)

func (s BasketState) String() string {
	switch s {
	case Absent:
		return "ABSENT"
	case Working:
		return "WORKING"
	case Archived:
		return "ARCHIVED"
	case Deleted:
		return "DELETED"
	}
	return fmt.Sprintf("BasketState(%d)", int(s))
}

type manipKind int

const (
	doMkdir manipKind = iota
	doMove
)

// manipulation is what the query stage hands to the manipulation stage.
type manipulation struct {
	kind   manipKind
	src    string
	dst    string
	resp   *protocol.Response
	notify *protocol.Command
	repl   replication.Action
}

func (p *Peer) startStage(name string, workers int, q *queue.Queue[*Ticket], f func(*Ticket)) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				t, err := q.Take()
				if err != nil {
					p.log.Debugf("%s worker %d stopped", name, id)
					return
				}
				p.guard(name, t, f)
			}
		}(i)
	}
}

// guard runs one stage for t. Errors and panics never leave the stage: they
// become an error response routed straight to the responder.
func (p *Peer) guard(stage string, t *Ticket, f func(*Ticket)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("%s stage panic on %s: %v\n%s", stage, t, r, debug.Stack())
			if stage == "responder" {
				t.Finish()
				return
			}
			p.fail(t, common.NewError(common.ErrInternal, "%v", r))
		}
	}()
	t.Mark(stage)
	f(t)
}

// fail logs err at the severity its code deserves and answers with it.
func (p *Peer) fail(t *Ticket, err error) {
	code := common.CodeOf(err)
	switch {
	case common.IsInternal(code):
		p.log.Errorf("%s: %v", t, err)
	case code == common.ErrNotFound || code == common.ErrAlreadyExists || code == common.ErrServerStatus:
		p.log.Infof("%s: %v", t, err)
	default:
		p.log.Warnf("%s: %v", t, err)
	}
	kind := protocol.KindDefault
	if t.Op() == protocol.OpCreate {
		kind = protocol.KindPeer
	}
	p.reply(t, protocol.ErrorResponse(t.Op(), kind, err))
}

func (p *Peer) reply(t *Ticket, resp *protocol.Response) {
	t.Resp = resp
	if err := p.respondQ.Put(t); err != nil {
		t.Finish()
	}
}

// drop finishes t without answering.
func (p *Peer) drop(t *Ticket, reason string) {
	droppedTotal.WithLabelValues(string(t.Op()), reason).Inc()
	p.log.Debugf("%s: dropped, %s", t, reason)
	t.Finish()
}

func (p *Peer) forward(t *Ticket, q *queue.Queue[*Ticket]) {
	if err := q.Put(t); err != nil {
		t.Finish()
	}
}

// process parses the command, applies the status gate and either answers
// inline or hands the ticket on.
func (p *Peer) process(t *Ticket) {
	cmd, err := protocol.ParseCommand(t.Raw)
	if err != nil {
		p.fail(t, err)
		return
	}
	t.Cmd = cmd
	if err := status.Check(p.state, cmd.Op); err != nil {
		if t.Channel == ChannelUDP && cmd.Op == protocol.OpGet {
			p.drop(t, "status")
			return
		}
		p.fail(t, err)
		return
	}

	switch cmd.Op {
	case protocol.OpNop:
		p.reply(t, protocol.Reply(cmd))
	case protocol.OpGet:
		p.get(t)
	case protocol.OpCreate, protocol.OpDelete, protocol.OpFinalize, protocol.OpCancel:
		p.forward(t, p.queryQ)
	case protocol.OpInsert, protocol.OpDrop, protocol.OpAlive, protocol.OpIsland, protocol.OpPurge:
		p.reply(t, protocol.Reply(cmd))
	case protocol.OpStatus:
		p.reply(t, protocol.NewStatusResponse(p.statusMap()))
	case protocol.OpDump:
		p.reply(t, protocol.NewDumpResponse(p.dumpMap()))
	case protocol.OpMkdir, protocol.OpMv:
		p.fail(t, common.NewError(common.ErrUnsupportedOp, "%s is served by the manipulator, not the peer", cmd.Op))
	default:
		p.fail(t, common.NewError(common.ErrUnsupportedOp, "unsupported opcode %q", cmd.Op))
	}
}

func (p *Peer) get(t *Ticket) {
	k := t.Cmd.Basket
	path := p.layout.ArchivePath(k)
	if !utils.IsDir(path) {
		if t.Channel == ChannelUDP {
			p.drop(t, "not found")
			return
		}
		p.fail(t, common.NewError(common.ErrNotFound, "basket %s not found", k))
		return
	}
	p.reply(t, protocol.NewGetResponse(k, map[string]string{p.Host: path}, t.Cmd.Island))
	if cmd, err := protocol.NewInsert(k, p.Host, path); err == nil {
		p.notifier.Notify(cmd)
	}
}

func (p *Peer) statusMap() map[string]interface{} {
	out := map[string]interface{}{
		"status": p.state.Get().String(),
		"code":   int(p.state.Get()),
		"auto":   p.health.AutoString(),
	}
	for k, v := range p.report() {
		out[k] = v
	}
	return out
}

func (p *Peer) dumpMap() map[string]interface{} {
	out := map[string]interface{}{}
	for _, it := range p.repl.Dump(0) {
		out[it.Name] = map[string]interface{}{
			"state": string(it.State),
			"ttl":   it.TTL,
			"hosts": it.Hosts,
		}
	}
	return out
}

// Classify inspects the canonical locations of k. workPath is only looked
// at when given. A deletion tombstone yields to any live copy.
func (p *Peer) Classify(k basket.Key, workPath string) (BasketState, error) {
	archived := utils.IsDir(p.layout.ArchivePath(k))
	working := workPath != "" && p.layout.IsWorkingPath(k, workPath) && utils.IsDir(workPath)
	switch {
	case archived && working:
		return Absent, common.NewError(common.ErrBasketConflict, "basket %s is both archived and working at %s", k, workPath)
	case archived:
		return Archived, nil
	case working:
		return Working, nil
	case len(p.layout.DeletedPaths(k)) > 0:
		return Deleted, nil
	}
	return Absent, nil
}

// query decides the filesystem change a command needs from the basket's
// current state.
func (p *Peer) query(t *Ticket) {
	cmd := t.Cmd
	k := cmd.Basket
	workPath := ""
	if cmd.Op == protocol.OpFinalize || cmd.Op == protocol.OpCancel {
		if cmd.Host != p.Host {
			p.fail(t, common.NewError(common.ErrPrecondition, "%s of %s addressed to %s, this is %s", cmd.Op, k, cmd.Host, p.Host))
			return
		}
		if !p.layout.IsWorkingPath(k, cmd.Path) {
			p.fail(t, common.NewError(common.ErrBadRequest, "%s is not a working path of %s", cmd.Path, k))
			return
		}
		workPath = cmd.Path
	}
	st, err := p.Classify(k, workPath)
	if err != nil {
		p.fail(t, err)
		return
	}
	t.Push(st)
	archive := p.layout.ArchivePath(k)

	var m *manipulation
	switch cmd.Op {
	case protocol.OpCreate:
		switch st {
		case Archived:
			err = common.NewError(common.ErrAlreadyExists, "basket %s already exists", k)
		case Absent, Deleted:
			path := p.layout.NewWorkingPath(k)
			m = &manipulation{
				kind: doMkdir,
				dst:  path,
				resp: protocol.NewPeerCreateResponse(k, p.Host, path, cmd.Island),
			}
		default:
			err = unknownState(k, st)
		}
	case protocol.OpFinalize:
		switch st {
		case Working:
			resp := protocol.Reply(cmd)
			resp.Path = archive
			insert, _ := protocol.NewInsert(k, p.Host, archive)
			m = &manipulation{
				kind:   doMove,
				src:    cmd.Path,
				dst:    archive,
				resp:   resp,
				notify: insert,
				repl:   replication.ActionReplicate,
			}
		case Archived:
			err = common.NewError(common.ErrAlreadyExists, "basket %s already archived", k)
		case Absent, Deleted:
			err = p.notFound(k, cmd.Path)
		default:
			err = unknownState(k, st)
		}
	case protocol.OpCancel:
		switch st {
		case Working:
			m = &manipulation{
				kind: doMove,
				src:  cmd.Path,
				dst:  p.layout.NewCanceledPath(k),
				resp: protocol.Reply(cmd),
			}
		case Archived:
			err = common.NewError(common.ErrPrecondition, "basket %s is archived, nothing to cancel at %s", k, cmd.Path)
		case Absent, Deleted:
			err = common.NewError(common.ErrNotFound, "working path %s not found", cmd.Path)
		default:
			err = unknownState(k, st)
		}
	case protocol.OpDelete:
		switch st {
		case Archived:
			drop, _ := protocol.NewDrop(k, p.Host, archive)
			m = &manipulation{
				kind:   doMove,
				src:    archive,
				dst:    p.layout.NewDeletedPath(k),
				resp:   protocol.Reply(cmd),
				notify: drop,
				repl:   replication.ActionDelete,
			}
		case Absent, Deleted:
			err = p.notFound(k, archive)
		default:
			err = unknownState(k, st)
		}
	default:
		err = common.NewError(common.ErrUnsupportedOp, "%s does not query basket state", cmd.Op)
	}
	if err != nil {
		p.fail(t, err)
		return
	}
	t.Push(m)
	p.forward(t, p.manipQ)
}

// notFound also tells the gateways to forget path, in case they still
// route to it.
func (p *Peer) notFound(k basket.Key, path string) error {
	if drop, err := protocol.NewDrop(k, p.Host, path); err == nil {
		p.notifier.Notify(drop)
	}
	return common.NewError(common.ErrNotFound, "basket %s not found", k)
}

func unknownState(k basket.Key, st BasketState) error {
	return common.NewError(common.ErrUnknownStatus, "basket %s in unexpected state %s", k, st)
}

// manipulate applies the change through the manipulator, then notifies the
// gateways and queues replication.
func (p *Peer) manipulate(t *Ticket) {
	v, ok := t.Pop()
	m, isManip := v.(*manipulation)
	if !ok || !isManip || m == nil {
		p.fail(t, common.NewError(common.ErrInternal, "no manipulation on ticket"))
		return
	}
	if st, ok := t.Pop(); ok {
		p.log.Debugf("%s: %s from %v", t, t.Op(), st)
	}
	ctx := context.Background()
	if to := p.conf.Timeout.Duration; to > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}
	var err error
	switch m.kind {
	case doMkdir:
		err = p.manip.Mkdir(ctx, p.owner.Mode, p.owner.User, p.owner.Group, m.dst)
	case doMove:
		err = p.manip.Move(ctx, p.owner.Mode, p.owner.User, p.owner.Group, m.src, m.dst)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = common.NewError(common.ErrTimeout, "manipulator: %v", err)
		}
		p.fail(t, err)
		return
	}
	p.reply(t, m.resp)
	if m.notify != nil {
		p.notifier.Notify(m.notify)
	}
	if m.repl != "" {
		if err := p.repl.Enqueue(t.Cmd.Basket, m.repl); err != nil {
			p.log.Errorf("queue %s of %s: %v", m.repl, t.Cmd.Basket, err)
		}
	}
}

// respond writes the answer on the channel the request came in on.
func (p *Peer) respond(t *Ticket) {
	defer t.Finish()
	resp := t.Resp
	if resp == nil {
		resp = protocol.ErrorResponse(t.Op(), protocol.KindDefault, common.NewError(common.ErrInternal, "no response"))
	}
	msg, err := resp.Encode()
	if err != nil {
		p.log.Errorf("%s: encode response: %v", t, err)
		msg, _ = protocol.ErrorResponse(t.Op(), protocol.KindDefault, err).Encode()
	}
	switch t.Channel {
	case ChannelTCP:
		err = t.conn.WriteLine(msg)
	case ChannelUDP:
		err = netw.SendDatagram(p.udp, t.Header.Addr(), t.Header, msg)
	}
	t.Mark("responded")
	code := string(common.OK)
	if resp.Error != nil {
		code = resp.Error.Code
	}
	requestsTotal.WithLabelValues(string(t.Op()), t.Channel.String(), code).Inc()
	requestSeconds.WithLabelValues(string(t.Op())).Observe(t.Elapsed().Seconds())
	if err != nil {
		p.log.Warnf("%s: send response: %v", t, err)
		return
	}
	p.log.Debugf("%s", t)
}
