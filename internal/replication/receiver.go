package replication

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/manip"
	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/internal/status"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/common/utils"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Ownership applied to directories the receiver creates or archives.
type Ownership struct {
	Mode  uint32
	User  string
	Group string
}

// Receiver accepts replication from colleagues. After every CATCH of a
// basket it already holds, every FINALIZE and every DELETE it checks whether
// the entry has reached all colleagues; if not it queues the entry locally
// with one less TTL so the copy keeps travelling round the group.
type Receiver struct {
	Addr    string
	Timeout time.Duration

	layout *basket.Layout
	group  *Group
	store  Store
	manip  manip.Manipulator
	state  status.State
	owner  Ownership
	log    *logrus.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	killed   int32
}

func NewReceiver(addr string, layout *basket.Layout, group *Group, store Store, m manip.Manipulator,
	state status.State, owner Ownership, timeout time.Duration, logger *logrus.Logger) *Receiver {
	return &Receiver{
		Addr:    addr,
		Timeout: timeout,
		layout:  layout,
		group:   group,
		store:   store,
		manip:   m,
		state:   state,
		owner:   owner,
		log:     logger,
		conns:   map[net.Conn]struct{}{},
	}
}

func (r *Receiver) Start() error {
	l, err := net.Listen("tcp", r.Addr)
	if err != nil {
		return err
	}
	r.listener = l
	r.Addr = l.Addr().String()
	r.wg.Add(1)
	go r.acceptLoop()
	r.log.Infof("replication receiver listening on %s", r.Addr)
	return nil
}

func (r *Receiver) Kill() {
	if !atomic.CompareAndSwapInt32(&r.killed, 0, 1) {
		return
	}
	if r.listener != nil {
		_ = r.listener.Close()
	}
	r.mu.Lock()
	for c := range r.conns {
		_ = c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Receiver) Killed() bool {
	return atomic.LoadInt32(&r.killed) == 1
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		c, err := r.listener.Accept()
		if err != nil {
			if r.Killed() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warnf("replication accept: %v", err)
			continue
		}
		r.mu.Lock()
		r.conns[c] = struct{}{}
		r.mu.Unlock()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serve(c)
			r.mu.Lock()
			delete(r.conns, c)
			r.mu.Unlock()
		}()
	}
}

// session is the state of one connection's transfer.
type session struct {
	key     basket.Key
	body    basketBody
	dir     string
	file    *os.File
	fileAt  string
	meta    fileBody
	remain  int64
	dirs    []fileBody
	started bool
}

func (r *Receiver) serve(c net.Conn) {
	lc := netw.NewLineConn(c, r.Timeout, r.Timeout)
	defer lc.Close()
	sess := &session{}
	defer r.abort(sess, "connection closed")

	for {
		line, err := lc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !r.Killed() {
				r.log.Debugf("replication read from %s: %v", lc.RemoteAddr(), err)
			}
			return
		}
		op, raw, err := decodeMessage(line, protocol.DirCommand)
		if err != nil {
			_ = writeReply(lc, "", errorReply(err))
			return
		}
		var payload []byte
		if op == OpData {
			// the payload must be consumed even when the message is refused
			if payload, err = r.readPayload(lc, raw); err != nil {
				_ = writeReply(lc, op, errorReply(err))
				return
			}
		}
		reply, err := r.handle(sess, op, raw, payload)
		result := "ok"
		if err != nil {
			result = string(common.CodeOf(err))
			if common.IsInternal(common.CodeOf(err)) {
				r.log.Errorf("replication %s from %s: %v", op, lc.RemoteAddr(), err)
			} else {
				r.log.Infof("replication %s from %s: %v", op, lc.RemoteAddr(), err)
			}
			reply = errorReply(err)
		}
		receivedTotal.WithLabelValues(op, result).Inc()
		if err := writeReply(lc, op, reply); err != nil {
			return
		}
	}
}

func (r *Receiver) readPayload(lc *netw.LineConn, raw json.RawMessage) ([]byte, error) {
	var db dataBody
	if err := unmarshalBody(raw, &db); err != nil {
		return nil, err
	}
	if db.Size < 0 || db.Size > 64<<20 {
		return nil, common.NewError(common.ErrBadRequest, "DATA size %d out of range", db.Size)
	}
	buf := make([]byte, db.Size)
	if _, err := io.ReadFull(lc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Receiver) handle(sess *session, op string, raw json.RawMessage, payload []byte) (*replyBody, error) {
	switch op {
	case OpCatch:
		return r.catch(sess, raw)
	case OpDirectory:
		return &replyBody{}, r.directory(sess, raw)
	case OpFile:
		return &replyBody{}, r.file(sess, raw)
	case OpData:
		return &replyBody{}, r.data(sess, payload)
	case OpEnd:
		return &replyBody{}, r.end(sess)
	case OpFinalize:
		return &replyBody{}, r.finalize(sess, raw)
	case OpCancel:
		r.abort(sess, "canceled by sender")
		return &replyBody{}, nil
	case OpDelete:
		return &replyBody{}, r.delete(raw)
	}
	return nil, common.NewError(common.ErrUnsupportedOp, "unsupported replication opcode %q", op)
}

func parseBasketBody(raw json.RawMessage) (basketBody, basket.Key, error) {
	var b basketBody
	if err := unmarshalBody(raw, &b); err != nil {
		return b, basket.Key{}, err
	}
	k, err := basket.ParseKey(b.Basket)
	if err != nil {
		return b, k, common.NewError(common.ErrBadRequest, "basket %q: %v", b.Basket, err)
	}
	return b, k, nil
}

func (r *Receiver) catch(sess *session, raw json.RawMessage) (*replyBody, error) {
	if err := status.Require(r.state, status.REP); err != nil {
		return nil, err
	}
	b, k, err := parseBasketBody(raw)
	if err != nil {
		return nil, err
	}
	r.abort(sess, "new CATCH")
	if utils.Exists(r.layout.ArchivePath(k)) {
		r.settle(ActionReplicate, k, b)
		return &replyBody{Exists: true}, nil
	}
	dir := r.layout.NewReplicatingPath(k)
	if err := r.manip.Mkdir(context.Background(), r.owner.Mode, r.owner.User, r.owner.Group, dir); err != nil {
		return nil, err
	}
	*sess = session{key: k, body: b, dir: dir, started: true}
	return &replyBody{}, nil
}

// target resolves a path sent by the peer inside the session directory.
func (sess *session) target(rel string) (string, error) {
	if !sess.started {
		return "", common.NewError(common.ErrPrecondition, "no transfer in progress")
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", common.NewError(common.ErrBadRequest, "path %q escapes the basket", rel)
	}
	return filepath.Join(sess.dir, clean), nil
}

func (r *Receiver) directory(sess *session, raw json.RawMessage) error {
	var m fileBody
	if err := unmarshalBody(raw, &m); err != nil {
		return err
	}
	path, err := sess.target(m.Path)
	if err != nil {
		return err
	}
	if path != sess.dir {
		if err := os.MkdirAll(path, 0755); err != nil {
			return common.NewError(common.ErrInternal, "mkdir %s: %v", path, err)
		}
	}
	sess.dirs = append(sess.dirs, m)
	return nil
}

func (r *Receiver) file(sess *session, raw json.RawMessage) error {
	var m fileBody
	if err := unmarshalBody(raw, &m); err != nil {
		return err
	}
	path, err := sess.target(m.Path)
	if err != nil {
		return err
	}
	if sess.file != nil {
		return common.NewError(common.ErrPrecondition, "FILE %s before %s was complete", m.Path, sess.meta.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return common.NewError(common.ErrInternal, "mkdir %s: %v", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return common.NewError(common.ErrInternal, "create %s: %v", path, err)
	}
	sess.file, sess.fileAt, sess.meta, sess.remain = f, path, m, m.Size
	if m.Size == 0 {
		return r.closeFile(sess)
	}
	return nil
}

func (r *Receiver) data(sess *session, payload []byte) error {
	if sess.file == nil {
		return common.NewError(common.ErrPrecondition, "DATA without FILE")
	}
	if int64(len(payload)) > sess.remain {
		return common.NewError(common.ErrBadRequest, "DATA overruns %s by %d bytes", sess.meta.Path, int64(len(payload))-sess.remain)
	}
	if _, err := sess.file.Write(payload); err != nil {
		return common.NewError(common.ErrInternal, "write %s: %v", sess.fileAt, err)
	}
	sess.remain -= int64(len(payload))
	if sess.remain == 0 {
		return r.closeFile(sess)
	}
	return nil
}

func (r *Receiver) closeFile(sess *session) error {
	f := sess.file
	sess.file = nil
	if err := f.Close(); err != nil {
		return common.NewError(common.ErrInternal, "close %s: %v", sess.fileAt, err)
	}
	if err := applyMeta(sess.fileAt, sess.meta); err != nil {
		return common.NewError(common.ErrInternal, "set attributes of %s: %v", sess.fileAt, err)
	}
	return nil
}

// end applies directory attributes deepest first, after their contents are
// written.
func (r *Receiver) end(sess *session) error {
	if !sess.started {
		return common.NewError(common.ErrPrecondition, "END without CATCH")
	}
	if sess.file != nil {
		return common.NewError(common.ErrPrecondition, "END with %s incomplete (%d bytes missing)", sess.meta.Path, sess.remain)
	}
	dirs := sess.dirs
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].Path, "/") > strings.Count(dirs[j].Path, "/")
	})
	for _, m := range dirs {
		path, err := sess.target(m.Path)
		if err != nil {
			return err
		}
		if err := applyMeta(path, m); err != nil {
			return common.NewError(common.ErrInternal, "set attributes of %s: %v", path, err)
		}
	}
	sess.dirs = nil
	return nil
}

func (r *Receiver) finalize(sess *session, raw json.RawMessage) error {
	if err := status.Require(r.state, status.FIN_REP); err != nil {
		return err
	}
	b, k, err := parseBasketBody(raw)
	if err != nil {
		return err
	}
	if !sess.started || sess.key != k {
		return common.NewError(common.ErrPrecondition, "FINALIZE of %s without a transfer", k)
	}
	if sess.file != nil {
		return common.NewError(common.ErrPrecondition, "FINALIZE with %s incomplete", sess.meta.Path)
	}
	archive := r.layout.ArchivePath(k)
	err = r.manip.Move(context.Background(), r.owner.Mode, r.owner.User, r.owner.Group, sess.dir, archive)
	if err != nil {
		return err
	}
	*sess = session{}
	r.log.Infof("replicated %s into %s", k, archive)
	r.settle(ActionReplicate, k, b)
	return nil
}

// abort discards an unfinished transfer into the canceled directory.
func (r *Receiver) abort(sess *session, why string) {
	if sess.file != nil {
		_ = sess.file.Close()
	}
	if sess.started && utils.Exists(sess.dir) {
		dst := r.layout.NewCanceledPath(sess.key)
		if err := r.manip.Move(context.Background(), r.owner.Mode, r.owner.User, r.owner.Group, sess.dir, dst); err != nil {
			r.log.Warnf("discard %s (%s): %v", sess.dir, why, err)
			utils.DeleteDir(sess.dir)
		} else {
			r.log.Infof("transfer of %s %s, moved to %s", sess.key, why, dst)
		}
	}
	*sess = session{}
}

func (r *Receiver) delete(raw json.RawMessage) error {
	if err := status.Require(r.state, status.DEL_REP); err != nil {
		return err
	}
	b, k, err := parseBasketBody(raw)
	if err != nil {
		return err
	}
	archive := r.layout.ArchivePath(k)
	if utils.Exists(archive) {
		dst := r.layout.NewDeletedPath(k)
		if err := r.manip.Move(context.Background(), r.owner.Mode, r.owner.User, r.owner.Group, archive, dst); err != nil {
			return err
		}
		r.log.Infof("deleted %s by replication, moved to %s", k, dst)
	}
	r.settle(ActionDelete, k, b)
	return nil
}

// settle queues the entry again locally unless every colleague has it or
// its TTL is spent.
func (r *Receiver) settle(action Action, k basket.Key, b basketBody) {
	hosts := r.group.WithSelf(b.Hosts)
	if r.group.Satisfied(hosts) {
		r.log.Debugf("%s %s satisfied by %v", action, k, hosts)
		return
	}
	ttl := b.TTL - 1
	if ttl <= 0 {
		r.log.Warnf("%s %s: ttl exhausted with hosts %v, dropping", action, k, hosts)
		entriesProcessed.WithLabelValues(string(action), resultDrop).Inc()
		return
	}
	e := &Entry{Key: k, Action: action, Attrs: Attrs{TTL: ttl, Hosts: hosts}}
	if err := r.store.Put(e); err != nil {
		r.log.Errorf("requeue %s: %v", e, err)
		return
	}
	r.log.Debugf("requeued %s", e)
}
