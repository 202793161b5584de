package netw

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

const DefaultMaxLine = 1 << 20

var ErrLineTooLong = errors.New("line too long")

// LineConn frames a TCP stream into "\r\n" terminated messages. One request
// is in flight at a time, so it carries no locking of its own.
type LineConn struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	readTO  time.Duration
	writeTO time.Duration
	maxLine int
}

func NewLineConn(c net.Conn, readTO, writeTO time.Duration) *LineConn {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(45 * time.Second)
	}
	return &LineConn{
		conn:    c,
		r:       bufio.NewReaderSize(c, 64<<10),
		w:       bufio.NewWriterSize(c, 64<<10),
		readTO:  readTO,
		writeTO: writeTO,
		maxLine: DefaultMaxLine,
	}
}

// DialLine connects to addr, failing with a Timeout error after timeout.
func DialLine(addr string, timeout time.Duration) (*LineConn, error) {
	d := &net.Dialer{Timeout: timeout, KeepAlive: 45 * time.Second}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, wrapNetErr(err, "connect %s", addr)
	}
	return NewLineConn(c, timeout, timeout), nil
}

func (lc *LineConn) SetTimeouts(readTO, writeTO time.Duration) {
	lc.readTO, lc.writeTO = readTO, writeTO
}

func (lc *LineConn) RemoteAddr() net.Addr {
	return lc.conn.RemoteAddr()
}

func (lc *LineConn) LocalAddr() net.Addr {
	return lc.conn.LocalAddr()
}

// ReadLine returns the next message including its terminator. io.EOF is
// returned untouched when the peer closed between messages.
func (lc *LineConn) ReadLine() ([]byte, error) {
	if lc.readTO > 0 {
		_ = lc.conn.SetReadDeadline(time.Now().Add(lc.readTO))
	}
	var line []byte
	for {
		frag, err := lc.r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > lc.maxLine {
			return nil, ErrLineTooLong
		}
		if err == nil {
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return nil, io.EOF
		}
		return nil, wrapNetErr(err, "read from %s", lc.conn.RemoteAddr())
	}
}

// WriteLine writes msg, appending the terminator when it is missing.
func (lc *LineConn) WriteLine(msg []byte) error {
	if lc.writeTO > 0 {
		_ = lc.conn.SetWriteDeadline(time.Now().Add(lc.writeTO))
	}
	if _, err := lc.w.Write(msg); err != nil {
		return wrapNetErr(err, "write to %s", lc.conn.RemoteAddr())
	}
	if !bytes.HasSuffix(msg, []byte(protocol.Terminator)) {
		if _, err := lc.w.WriteString(protocol.Terminator); err != nil {
			return wrapNetErr(err, "write to %s", lc.conn.RemoteAddr())
		}
	}
	if err := lc.w.Flush(); err != nil {
		return wrapNetErr(err, "write to %s", lc.conn.RemoteAddr())
	}
	return nil
}

// Write sends raw bytes, used for DATA payloads that follow a message.
func (lc *LineConn) Write(p []byte) (int, error) {
	if lc.writeTO > 0 {
		_ = lc.conn.SetWriteDeadline(time.Now().Add(lc.writeTO))
	}
	n, err := lc.w.Write(p)
	if err != nil {
		return n, wrapNetErr(err, "write to %s", lc.conn.RemoteAddr())
	}
	return n, nil
}

func (lc *LineConn) Flush() error {
	if err := lc.w.Flush(); err != nil {
		return wrapNetErr(err, "write to %s", lc.conn.RemoteAddr())
	}
	return nil
}

// Read reads raw bytes from the buffered stream.
func (lc *LineConn) Read(p []byte) (int, error) {
	if lc.readTO > 0 {
		_ = lc.conn.SetReadDeadline(time.Now().Add(lc.readTO))
	}
	return lc.r.Read(p)
}

// Call writes one command and waits for the response line.
func (lc *LineConn) Call(cmd *protocol.Command) (*protocol.Response, error) {
	msg, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	if err := lc.WriteLine(msg); err != nil {
		return nil, err
	}
	line, err := lc.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, common.NewError(common.ErrBadResponse, "connection closed waiting for %s", cmd.Op)
		}
		return nil, err
	}
	return protocol.ParseResponse(line)
}

func (lc *LineConn) Close() error {
	return lc.conn.Close()
}

// wrapNetErr maps deadline expiry onto the Timeout code.
func wrapNetErr(err error, format string, a ...interface{}) error {
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		e := common.NewError(common.ErrTimeout, format, a...)
		e.Message += ": " + err.Error()
		return e
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), err)
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return common.CodeOf(err) == common.ErrTimeout
}
