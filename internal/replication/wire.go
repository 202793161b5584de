package replication

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/allen1211/baskets/internal/netw"
	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Sub-protocol opcodes spoken between a sender and a receiver. Messages use
// the command envelope; every message is answered before the next is sent.
const (
	OpCatch     = "CATCH"
	OpDirectory = "DIRECTORY"
	OpFile      = "FILE"
	OpData      = "DATA"
	OpEnd       = "END"
	OpFinalize  = "FINALIZE"
	OpCancel    = "CANCEL"
	OpDelete    = "DELETE"
)

type basketBody struct {
	Basket string   `json:"basket"`
	TTL    int      `json:"ttl"`
	Hosts  []string `json:"hosts"`
}

// fileBody describes a directory or regular file relative to the basket
// root. Times are nanoseconds since the epoch.
type fileBody struct {
	Path  string `json:"path"`
	Mode  uint32 `json:"mode"`
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	Size  int64  `json:"size,omitempty"`
	Atime int64  `json:"atime"`
	Mtime int64  `json:"mtime"`
	Ctime int64  `json:"ctime,omitempty"`
}

// dataBody announces Size raw bytes following the message line.
type dataBody struct {
	Size int `json:"size"`
}

type replyBody struct {
	Exists bool                   `json:"exists,omitempty"`
	Error  *protocol.ErrorPayload `json:"error,omitempty"`
}

func encodeMessage(dir protocol.Direction, op string, body interface{}) ([]byte, error) {
	if body == nil {
		body = struct{}{}
	}
	data, err := json.Marshal([]interface{}{protocol.Version, dir, op, body})
	if err != nil {
		return nil, err
	}
	return append(data, protocol.Terminator...), nil
}

func decodeMessage(line []byte, want protocol.Direction) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &parts); err != nil {
		return "", nil, common.NewError(common.ErrParse, "replication message is not an array: %v", err)
	}
	if len(parts) != 4 {
		return "", nil, common.NewError(common.ErrParse, "replication message has %d elements", len(parts))
	}
	var version, dir, op string
	if err := json.Unmarshal(parts[0], &version); err != nil || version != protocol.Version {
		return "", nil, common.NewError(common.ErrVersion, "unsupported version %s", parts[0])
	}
	if err := json.Unmarshal(parts[1], &dir); err != nil || protocol.Direction(dir) != want {
		return "", nil, common.NewError(common.ErrDirection, "unexpected direction %s", parts[1])
	}
	if err := json.Unmarshal(parts[2], &op); err != nil {
		return "", nil, common.NewError(common.ErrUnsupportedOp, "bad opcode %s", parts[2])
	}
	if len(parts[3]) == 0 || parts[3][0] != '{' {
		return "", nil, common.NewError(common.ErrParse, "operand of %s is not an object", op)
	}
	return op, parts[3], nil
}

// request sends one message and waits for its reply. A reply carrying an
// error object is returned as that error.
func request(lc *netw.LineConn, op string, body interface{}, payload []byte) (*replyBody, error) {
	msg, err := encodeMessage(protocol.DirCommand, op, body)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		if err := lc.WriteLine(msg); err != nil {
			return nil, err
		}
	} else {
		if _, err := lc.Write(msg); err != nil {
			return nil, err
		}
		if _, err := lc.Write(payload); err != nil {
			return nil, err
		}
		if err := lc.Flush(); err != nil {
			return nil, err
		}
	}
	line, err := lc.ReadLine()
	if err != nil {
		return nil, err
	}
	rop, raw, err := decodeMessage(line, protocol.DirResponse)
	if err != nil {
		return nil, err
	}
	if rop != op {
		return nil, common.NewError(common.ErrBadResponse, "%s answered with %s", op, rop)
	}
	reply := &replyBody{}
	if err := json.Unmarshal(raw, reply); err != nil {
		return nil, common.NewError(common.ErrBadResponse, "%s reply: %v", op, err)
	}
	if reply.Error != nil {
		return reply, reply.Error.Err()
	}
	return reply, nil
}

func writeReply(lc *netw.LineConn, op string, reply *replyBody) error {
	msg, err := encodeMessage(protocol.DirResponse, op, reply)
	if err != nil {
		return err
	}
	return lc.WriteLine(msg)
}

func errorReply(err error) *replyBody {
	code := common.CodeOf(err)
	msg := err.Error()
	var ce *common.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	return &replyBody{Error: &protocol.ErrorPayload{Code: string(code), Message: msg}}
}

func unmarshalBody(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return common.NewError(common.ErrBadRequest, "%v", err)
	}
	return nil
}

func (b *basketBody) String() string {
	return fmt.Sprintf("%s ttl=%d hosts=%v", b.Basket, b.TTL, b.Hosts)
}
