package protocol

import (
	"bytes"

	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
)

type Hints struct {
	Length int64  `json:"length"`
	Class  string `json:"class"`
}

// Command is a request message. Op selects which fields are meaningful; the
// per-opcode layout is fixed by Encode and parseCommandFields.
type Command struct {
	Op Opcode

	Basket basket.Key
	Hints  Hints
	Island string

	Host  string
	Path  string
	Hosts []string

	// ALIVE
	Status    int
	Available int64

	// ISLAND
	Storables int64
	Capacity  int64

	// STATUS carries a free-form map under the same "status" key.
	StatusMap map[string]interface{}

	// MKDIR / MV
	Mode   uint32
	User   string
	Group  string
	Source string
	Dest   string
}

func NewNop() *Command { return &Command{Op: OpNop} }

func NewDump() *Command { return &Command{Op: OpDump} }

func NewCreate(key basket.Key, hints Hints, island string) (*Command, error) {
	return validated(&Command{Op: OpCreate, Basket: key, Hints: hints, Island: island})
}

func NewFinalize(key basket.Key, host, path string) (*Command, error) {
	return validated(&Command{Op: OpFinalize, Basket: key, Host: host, Path: path})
}

func NewCancel(key basket.Key, host, path string) (*Command, error) {
	return validated(&Command{Op: OpCancel, Basket: key, Host: host, Path: path})
}

func NewGet(key basket.Key, island string) *Command {
	return &Command{Op: OpGet, Basket: key, Island: island}
}

func NewDelete(key basket.Key) *Command {
	return &Command{Op: OpDelete, Basket: key}
}

func NewInsert(key basket.Key, host, path string) (*Command, error) {
	return validated(&Command{Op: OpInsert, Basket: key, Host: host, Path: path})
}

func NewDrop(key basket.Key, host, path string) (*Command, error) {
	return validated(&Command{Op: OpDrop, Basket: key, Host: host, Path: path})
}

func NewAlive(host string, status int, available int64) (*Command, error) {
	return validated(&Command{Op: OpAlive, Host: host, Status: status, Available: available})
}

func NewIsland(island string, storables, capacity int64) (*Command, error) {
	return validated(&Command{Op: OpIsland, Island: island, Storables: storables, Capacity: capacity})
}

func NewStatus(status map[string]interface{}) *Command {
	if status == nil {
		status = map[string]interface{}{}
	}
	return &Command{Op: OpStatus, StatusMap: status}
}

func NewMkdir(mode uint32, user, group, source string) (*Command, error) {
	return validated(&Command{Op: OpMkdir, Mode: mode, User: user, Group: group, Source: source})
}

func NewMv(mode uint32, user, group, source, dest string) (*Command, error) {
	return validated(&Command{Op: OpMv, Mode: mode, User: user, Group: group, Source: source, Dest: dest})
}

func NewPurge(hosts []string) *Command {
	return &Command{Op: OpPurge, Hosts: nonNilStrings(hosts)}
}

func validated(c *Command) (*Command, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every required string field is present.
func (c *Command) Validate() error {
	missing := func(name string) error {
		return common.NewError(common.ErrBadRequest, "%s: missing field %s", c.Op, name)
	}
	switch c.Op {
	case OpCreate:
		if c.Hints.Class == "" {
			return missing("hints.class")
		}
	case OpFinalize, OpCancel, OpInsert, OpDrop:
		if c.Host == "" {
			return missing("host")
		}
		if c.Path == "" {
			return missing("path")
		}
	case OpAlive:
		if c.Host == "" {
			return missing("host")
		}
	case OpIsland:
		if c.Island == "" {
			return missing("island")
		}
	case OpMkdir, OpMv:
		if c.User == "" {
			return missing("user")
		}
		if c.Group == "" {
			return missing("group")
		}
		if c.Source == "" {
			return missing("source")
		}
		if c.Op == OpMv && c.Dest == "" {
			return missing("dest")
		}
	case OpNop, OpGet, OpDelete, OpStatus, OpDump, OpPurge:
	default:
		return common.NewError(common.ErrUnsupportedOp, "unsupported opcode %q", c.Op)
	}
	return nil
}

// Encode serializes the command canonically, terminated by "\r\n".
func (c *Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	w := &objWriter{}
	switch c.Op {
	case OpNop, OpDump:
	case OpCreate:
		w.field("basket", c.Basket.String())
		w.field("hints", c.Hints)
		if c.Island != "" {
			w.field("island", c.Island)
		}
	case OpFinalize, OpCancel, OpInsert, OpDrop:
		w.field("basket", c.Basket.String())
		w.field("host", c.Host)
		w.field("path", c.Path)
	case OpGet:
		w.field("basket", c.Basket.String())
		if c.Island != "" {
			w.field("island", c.Island)
		}
	case OpDelete:
		w.field("basket", c.Basket.String())
	case OpAlive:
		w.field("host", c.Host)
		w.field("status", c.Status)
		w.field("available", c.Available)
	case OpIsland:
		w.field("island", c.Island)
		w.field("storables", c.Storables)
		w.field("capacity", c.Capacity)
	case OpStatus:
		m := c.StatusMap
		if m == nil {
			m = map[string]interface{}{}
		}
		w.field("status", m)
	case OpMkdir, OpMv:
		w.field("mode", FormatMode(c.Mode))
		w.field("user", c.User)
		w.field("group", c.Group)
		w.field("source", c.Source)
		if c.Op == OpMv {
			w.field("dest", c.Dest)
		}
	case OpPurge:
		w.field("hosts", nonNilStrings(c.Hosts))
	}
	if w.err != nil {
		return nil, common.NewError(common.ErrBadRequest, "%v", w.err)
	}
	return encodeEnvelope(DirCommand, c.Op, w.bytes()), nil
}

// ParseCommand decodes one wire message into a Command.
func ParseCommand(data []byte) (*Command, error) {
	env, err := decodeEnvelope(data, DirCommand)
	if err != nil {
		return nil, err
	}
	r := &fieldReader{m: env.operand, code: common.ErrBadRequest}
	c := &Command{Op: env.op}
	switch c.Op {
	case OpNop, OpDump:
	case OpCreate:
		c.Basket = r.basket("basket", true)
		c.Hints = r.hints("hints", true)
		c.Island = r.str("island", false)
	case OpFinalize, OpCancel, OpInsert, OpDrop:
		c.Basket = r.basket("basket", true)
		c.Host = r.str("host", true)
		c.Path = r.str("path", true)
	case OpGet:
		c.Basket = r.basket("basket", true)
		c.Island = r.str("island", false)
	case OpDelete:
		c.Basket = r.basket("basket", true)
	case OpAlive:
		c.Host = r.str("host", true)
		c.Status = int(r.integer("status", true, 10))
		c.Available = r.integer("available", true, 10)
	case OpIsland:
		c.Island = r.str("island", true)
		c.Storables = r.integer("storables", true, 10)
		c.Capacity = r.integer("capacity", true, 10)
	case OpStatus:
		c.StatusMap = r.anyMap("status", true)
	case OpMkdir, OpMv:
		c.Mode = uint32(r.integer("mode", true, 8))
		c.User = r.str("user", true)
		c.Group = r.str("group", true)
		c.Source = r.str("source", true)
		if c.Op == OpMv {
			c.Dest = r.str("dest", true)
		}
	case OpPurge:
		c.Hosts = nonNilStrings(r.strList("hosts", true))
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// Equal is structural equality; commands of different opcodes never match.
func (c *Command) Equal(o *Command) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.Op != o.Op {
		return false
	}
	a, err1 := c.Encode()
	b, err2 := o.Encode()
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}
