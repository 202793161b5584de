package protocol

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
)

// Kind discriminates the response shapes that share one opcode. Only CREATE
// has more than one shape today.
type Kind int

const (
	KindDefault Kind = iota
	KindGateway
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "Default"
	case KindGateway:
		return "Gateway"
	case KindPeer:
		return "Peer"
	}
	return "Unknown"
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorPayload) Err() *common.Error {
	return &common.Error{Code: common.Err(e.Code), Message: e.Message}
}

type Response struct {
	Op   Opcode
	Kind Kind

	Basket basket.Key
	Island string
	Host   string
	Path   string
	Hosts  []string
	Paths  map[string]string

	Status    int
	Available int64
	Storables int64
	Capacity  int64
	StatusMap map[string]interface{}
	Entries   map[string]interface{}

	Mode   uint32
	User   string
	Group  string
	Source string
	Dest   string

	Error *ErrorPayload
}

// Reply builds the success response paired with c, echoing its fields.
func Reply(c *Command) *Response {
	return &Response{
		Op:        c.Op,
		Basket:    c.Basket,
		Island:    c.Island,
		Host:      c.Host,
		Path:      c.Path,
		Hosts:     c.Hosts,
		Status:    c.Status,
		Available: c.Available,
		Storables: c.Storables,
		Capacity:  c.Capacity,
		StatusMap: c.StatusMap,
		Mode:      c.Mode,
		User:      c.User,
		Group:     c.Group,
		Source:    c.Source,
		Dest:      c.Dest,
	}
}

func NewCreateResponse(key basket.Key) *Response {
	return &Response{Op: OpCreate, Kind: KindDefault, Basket: key}
}

func NewGatewayCreateResponse(key basket.Key, hosts []string, island string) *Response {
	return &Response{Op: OpCreate, Kind: KindGateway, Basket: key, Hosts: nonNilStrings(hosts), Island: island}
}

func NewPeerCreateResponse(key basket.Key, host, path, island string) *Response {
	return &Response{Op: OpCreate, Kind: KindPeer, Basket: key, Host: host, Path: path, Island: island}
}

func NewGetResponse(key basket.Key, paths map[string]string, island string) *Response {
	if paths == nil {
		paths = map[string]string{}
	}
	return &Response{Op: OpGet, Basket: key, Paths: paths, Island: island}
}

func NewStatusResponse(status map[string]interface{}) *Response {
	if status == nil {
		status = map[string]interface{}{}
	}
	return &Response{Op: OpStatus, StatusMap: status}
}

func NewDumpResponse(entries map[string]interface{}) *Response {
	if entries == nil {
		entries = map[string]interface{}{}
	}
	return &Response{Op: OpDump, Entries: entries}
}

// ErrorResponse never fails: the normal fields of op are nulled and err is
// attached. A nil kind-specific shape falls back to the default shape.
func ErrorResponse(op Opcode, kind Kind, err error) *Response {
	code := common.CodeOf(err)
	msg := ""
	if err != nil {
		msg = err.Error()
		var e *common.Error
		if errors.As(err, &e) {
			msg = e.Message
		}
	}
	return &Response{Op: op, Kind: kind, Error: &ErrorPayload{Code: string(code), Message: msg}}
}

// ErrorFor builds the error response paired with a command.
func ErrorFor(c *Command, err error) *Response {
	if c == nil {
		return ErrorResponse(OpNone, KindDefault, err)
	}
	return ErrorResponse(c.Op, KindDefault, err)
}

func (r *Response) IsError() bool {
	return r.Error != nil
}

// Err returns the carried error as a *common.Error, or nil on success.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error.Err()
}

// Encode serializes the response canonically. Error responses carry null for
// every normal field (GET paths become {}) plus an "error" object.
func (r *Response) Encode() ([]byte, error) {
	w := &objWriter{}
	failed := r.Error != nil
	put := func(name string, v interface{}) {
		if failed {
			w.null(name)
		} else {
			w.field(name, v)
		}
	}
	island := func() {
		if r.Island != "" && !failed {
			w.field("island", r.Island)
		}
	}

	switch r.Op {
	case OpNone, OpNop:
	case OpCreate:
		put("basket", r.Basket.String())
		switch r.Kind {
		case KindGateway:
			put("hosts", nonNilStrings(r.Hosts))
			island()
		case KindPeer:
			put("host", r.Host)
			put("path", r.Path)
			island()
		}
	case OpFinalize, OpCancel, OpInsert, OpDrop:
		put("basket", r.Basket.String())
		put("host", r.Host)
		put("path", r.Path)
	case OpGet:
		put("basket", r.Basket.String())
		if failed {
			w.field("paths", map[string]string{})
		} else {
			paths := r.Paths
			if paths == nil {
				paths = map[string]string{}
			}
			w.field("paths", paths)
		}
		island()
	case OpDelete:
		put("basket", r.Basket.String())
	case OpAlive:
		put("host", r.Host)
		put("status", r.Status)
		put("available", r.Available)
	case OpIsland:
		put("island", r.Island)
		put("storables", r.Storables)
		put("capacity", r.Capacity)
	case OpStatus:
		m := r.StatusMap
		if m == nil {
			m = map[string]interface{}{}
		}
		put("status", m)
	case OpDump:
		m := r.Entries
		if m == nil {
			m = map[string]interface{}{}
		}
		put("entries", m)
	case OpMkdir, OpMv:
		put("mode", FormatMode(r.Mode))
		put("user", r.User)
		put("group", r.Group)
		put("source", r.Source)
		if r.Op == OpMv {
			put("dest", r.Dest)
		}
	case OpPurge:
		put("hosts", nonNilStrings(r.Hosts))
	default:
		return nil, common.NewError(common.ErrUnsupportedOp, "unsupported opcode %q", r.Op)
	}
	if failed {
		w.field("error", r.Error)
	}
	if w.err != nil {
		return nil, common.NewError(common.ErrBadResponse, "%v", w.err)
	}
	return encodeEnvelope(DirResponse, r.Op, w.bytes()), nil
}

// ParseResponse decodes one wire message into a Response. The CREATE shape is
// chosen from the fields present.
func ParseResponse(data []byte) (*Response, error) {
	env, err := decodeEnvelope(data, DirResponse)
	if err != nil {
		return nil, err
	}
	r := &Response{Op: env.op}
	if raw, ok := env.operand["error"]; ok && !isNull(raw) {
		var e ErrorPayload
		if err := json.Unmarshal(raw, &e); err != nil || e.Code == "" {
			return nil, common.NewError(common.ErrBadResponse, "malformed error object")
		}
		r.Error = &e
	}
	// Fields of an error response are null, so nothing is required there.
	req := r.Error == nil
	f := &fieldReader{m: env.operand, code: common.ErrBadResponse}

	switch r.Op {
	case OpNone, OpNop:
	case OpCreate:
		r.Basket = f.basket("basket", req)
		switch {
		case f.has("hosts"):
			r.Kind = KindGateway
			r.Hosts = f.strList("hosts", req)
			r.Island = f.str("island", false)
		case f.has("host") || f.has("path"):
			r.Kind = KindPeer
			r.Host = f.str("host", req)
			r.Path = f.str("path", req)
			r.Island = f.str("island", false)
		default:
			r.Kind = KindDefault
		}
	case OpFinalize, OpCancel, OpInsert, OpDrop:
		r.Basket = f.basket("basket", req)
		r.Host = f.str("host", req)
		r.Path = f.str("path", req)
	case OpGet:
		r.Basket = f.basket("basket", req)
		r.Paths = f.stringMap("paths", req)
		if r.Paths == nil {
			r.Paths = map[string]string{}
		}
		r.Island = f.str("island", false)
	case OpDelete:
		r.Basket = f.basket("basket", req)
	case OpAlive:
		r.Host = f.str("host", req)
		r.Status = int(f.integer("status", req, 10))
		r.Available = f.integer("available", req, 10)
	case OpIsland:
		r.Island = f.str("island", req)
		r.Storables = f.integer("storables", req, 10)
		r.Capacity = f.integer("capacity", req, 10)
	case OpStatus:
		r.StatusMap = f.anyMap("status", req)
	case OpDump:
		r.Entries = f.anyMap("entries", req)
	case OpMkdir, OpMv:
		r.Mode = uint32(f.integer("mode", req, 8))
		r.User = f.str("user", req)
		r.Group = f.str("group", req)
		r.Source = f.str("source", req)
		if r.Op == OpMv {
			r.Dest = f.str("dest", req)
		}
	case OpPurge:
		r.Hosts = f.strList("hosts", req)
	}
	if f.err != nil {
		return nil, f.err
	}
	if r.Error != nil {
		r.clearFields()
	}
	return r, nil
}

func (r *Response) clearFields() {
	*r = Response{Op: r.Op, Kind: r.Kind, Error: r.Error}
}

// Equal is structural equality. Responses of different shapes never match,
// even when they share an opcode.
func (r *Response) Equal(o *Response) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Op != o.Op || r.Kind != o.Kind {
		return false
	}
	a, err1 := r.Encode()
	b, err2 := o.Encode()
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}
