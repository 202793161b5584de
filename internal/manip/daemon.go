package manip

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Daemon talks to a manipulation daemon over a unix socket using MKDIR and
// MV commands. A fresh connection is made per request.
type Daemon struct {
	Socket  string
	Timeout time.Duration
}

func NewDaemon(socket string, timeout time.Duration) *Daemon {
	return &Daemon{Socket: socket, Timeout: timeout}
}

func (d *Daemon) Mkdir(ctx context.Context, mode uint32, user, group, path string) error {
	cmd, err := protocol.NewMkdir(mode, user, group, path)
	if err != nil {
		return err
	}
	return d.call(ctx, cmd)
}

func (d *Daemon) Move(ctx context.Context, mode uint32, user, group, src, dst string) error {
	cmd, err := protocol.NewMv(mode, user, group, src, dst)
	if err != nil {
		return err
	}
	return d.call(ctx, cmd)
}

func (d *Daemon) call(ctx context.Context, cmd *protocol.Command) error {
	timeout := d.Timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	dialer := net.Dialer{Timeout: d.Timeout}
	c, err := dialer.DialContext(ctx, "unix", d.Socket)
	if err != nil {
		var ne net.Error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return common.NewError(common.ErrTimeout, "dial %s: %v", d.Socket, err)
		}
		return common.NewError(common.ErrInternal, "dial %s: %v", d.Socket, err)
	}
	lc := netw.NewLineConn(c, timeout, timeout)
	defer lc.Close()

	resp, err := lc.Call(cmd)
	if err != nil {
		return err
	}
	if resp.Op != cmd.Op {
		return common.NewError(common.ErrBadResponse, "%s answered with %s", cmd.Op, resp.Op)
	}
	return resp.Err()
}

// Serve answers MKDIR and MV commands read from l using m until l is closed.
func Serve(l net.Listener, m Manipulator, logger *logrus.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(c, m, logger)
		}()
	}
}

func serveConn(c net.Conn, m Manipulator, logger *logrus.Logger) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warnf("manip: read: %v", err)
			}
			return
		}
		if strings.TrimSpace(string(line)) == "" {
			continue
		}
		resp := execute(m, line)
		msg, err := resp.Encode()
		if err != nil {
			logger.Errorf("manip: encode %s response: %v", resp.Op, err)
			return
		}
		if _, err := c.Write(msg); err != nil {
			return
		}
	}
}

func execute(m Manipulator, line []byte) *protocol.Response {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		return protocol.ErrorResponse(protocol.OpNone, protocol.KindDefault, err)
	}
	ctx := context.Background()
	switch cmd.Op {
	case protocol.OpMkdir:
		err = m.Mkdir(ctx, cmd.Mode, cmd.User, cmd.Group, cmd.Source)
	case protocol.OpMv:
		err = m.Move(ctx, cmd.Mode, cmd.User, cmd.Group, cmd.Source, cmd.Dest)
	case protocol.OpNop:
	default:
		err = common.NewError(common.ErrUnsupportedOp, "%s is not a manipulation", cmd.Op)
	}
	if err != nil {
		return protocol.ErrorFor(cmd, err)
	}
	return protocol.Reply(cmd)
}
