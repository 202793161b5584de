package replication

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/common/utils"
)

const (
	defaultChunk      = 256 << 10
	defaultYieldEvery = 8 << 20
)

// Sender pushes one entry to one colleague over the replication
// sub-protocol. It holds no per-entry state and is shared by all workers.
type Sender struct {
	Self       string
	Timeout    time.Duration
	Chunk      int
	YieldEvery int64

	layout *basket.Layout
	meters *Meters
	log    *logrus.Logger
}

func NewSender(self string, layout *basket.Layout, timeout time.Duration, meters *Meters, logger *logrus.Logger) *Sender {
	return &Sender{
		Self:       self,
		Timeout:    timeout,
		Chunk:      defaultChunk,
		YieldEvery: defaultYieldEvery,
		layout:     layout,
		meters:     meters,
		log:        logger,
	}
}

func (s *Sender) body(e *Entry) basketBody {
	return basketBody{Basket: e.Key.String(), TTL: e.TTL, Hosts: mergeHosts(e.Hosts, s.Self)}
}

// Replicate copies the archived basket to addr. stillQueued is consulted
// before FINALIZE; a vanished entry aborts the copy permanently.
func (s *Sender) Replicate(ctx context.Context, addr string, e *Entry, stillQueued func() bool) (exists bool, err error) {
	src := s.layout.ArchivePath(e.Key)
	if !utils.IsDir(src) {
		return false, common.NewError(common.ErrNotFound, "archive %s is gone", src)
	}
	lc, err := netw.DialLine(addr, s.Timeout)
	if err != nil {
		return false, err
	}
	defer lc.Close()

	var tc utils.TimeCounter
	tc.Reset()
	body := s.body(e)
	reply, err := request(lc, OpCatch, &body, nil)
	if err != nil {
		return false, err
	}
	if reply.Exists {
		s.log.Debugf("%s already holds %s", addr, e.Key)
		return true, nil
	}

	err = s.sendTree(ctx, lc, src)
	if err == nil {
		_, err = request(lc, OpEnd, nil, nil)
	}
	if err == nil && stillQueued != nil && !stillQueued() {
		err = permanent("queue entry %s vanished during transfer", e.Name())
	}
	if err == nil {
		_, err = request(lc, OpFinalize, &body, nil)
	}
	if err != nil {
		if _, cerr := request(lc, OpCancel, &body, nil); cerr != nil {
			s.log.Debugf("cancel %s on %s: %v", e.Key, addr, cerr)
		}
		return false, err
	}
	s.meters.Transfer.Update(tc.Elapsed())
	s.log.Debugf("replicated %s to %s in %dms", e.Key, addr, tc.CountMilliseconds())
	return false, nil
}

func (s *Sender) sendTree(ctx context.Context, lc *netw.LineConn, root string) error {
	var sinceYield int64
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		meta, err := statMeta(path, rel)
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			meta.Size = 0
			_, err = request(lc, OpDirectory, &meta, nil)
			return err
		case d.Type().IsRegular():
			if _, err := request(lc, OpFile, &meta, nil); err != nil {
				return err
			}
			return s.sendData(ctx, lc, path, meta.Size, &sinceYield)
		}
		s.log.Debugf("skip %s: not a regular file", path)
		return nil
	})
}

func (s *Sender) sendData(ctx context.Context, lc *netw.LineConn, path string, size int64, sinceYield *int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, s.Chunk)
	var sent int64
	for sent < size {
		want := int64(len(buf))
		if rest := size - sent; rest < want {
			want = rest
		}
		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			return common.NewError(common.ErrInternal, "read %s: %v", path, err)
		}
		if _, err := request(lc, OpData, &dataBody{Size: n}, buf[:n]); err != nil {
			return err
		}
		sent += int64(n)
		s.meters.sent(n)

		*sinceYield += int64(n)
		if *sinceYield >= s.YieldEvery {
			*sinceYield = 0
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete asks addr to drop its copy. The local archive must already be gone.
func (s *Sender) Delete(ctx context.Context, addr string, e *Entry) error {
	if utils.Exists(s.layout.ArchivePath(e.Key)) {
		return common.NewError(common.ErrStillExists, "%s is still archived locally", e.Key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lc, err := netw.DialLine(addr, s.Timeout)
	if err != nil {
		return err
	}
	defer lc.Close()
	body := s.body(e)
	_, err = request(lc, OpDelete, &body, nil)
	return err
}
