package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
)

// envelope is the decoded outer array [version, direction, opcode, operand].
type envelope struct {
	dir     Direction
	op      Opcode
	operand operand
}

type operand map[string]json.RawMessage

func decodeEnvelope(data []byte, want Direction) (*envelope, error) {
	data = bytes.TrimSpace(data)
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, common.NewError(common.ErrParse, "message is not a JSON array: %v", err)
	}
	if len(arr) != 4 {
		return nil, common.NewError(common.ErrParse, "message has %d elements, want 4", len(arr))
	}

	var version string
	if err := json.Unmarshal(arr[0], &version); err != nil || isNull(arr[0]) || version != Version {
		return nil, common.NewError(common.ErrVersion, "unsupported version %s", string(arr[0]))
	}

	var dir string
	if err := json.Unmarshal(arr[1], &dir); err != nil || Direction(dir) != want {
		return nil, common.NewError(common.ErrDirection, "direction %s, want %q", string(arr[1]), want)
	}

	env := &envelope{dir: want}
	if isNull(arr[2]) {
		if want == DirCommand {
			return nil, common.NewError(common.ErrUnsupportedOp, "null opcode in command")
		}
		env.op = OpNone
	} else {
		var name string
		if err := json.Unmarshal(arr[2], &name); err != nil {
			return nil, common.NewError(common.ErrUnsupportedOp, "opcode %s is not a string", string(arr[2]))
		}
		op, ok := LookupOpcode(name)
		if !ok {
			return nil, common.NewError(common.ErrUnsupportedOp, "unsupported opcode %q", name)
		}
		env.op = op
	}

	raw := bytes.TrimSpace(arr[3])
	if len(raw) == 0 || raw[0] != '{' {
		return nil, common.NewError(common.ErrParse, "operand is not an object")
	}
	if err := json.Unmarshal(raw, &env.operand); err != nil {
		return nil, common.NewError(common.ErrParse, "bad operand: %v", err)
	}
	return env, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// fieldReader pulls typed operand fields and remembers the first failure.
type fieldReader struct {
	m    operand
	code common.Err
	err  error
}

func (r *fieldReader) fail(format string, a ...interface{}) {
	if r.err == nil {
		r.err = common.NewError(r.code, format, a...)
	}
}

func (r *fieldReader) has(name string) bool {
	_, ok := r.m[name]
	return ok
}

func (r *fieldReader) raw(name string, required bool) (json.RawMessage, bool) {
	v, ok := r.m[name]
	if !ok || isNull(v) {
		if required {
			r.fail("missing field %s", name)
		}
		return nil, false
	}
	return v, true
}

func (r *fieldReader) basket(name string, required bool) basket.Key {
	v, ok := r.raw(name, required)
	if !ok {
		return basket.Key{}
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		r.fail("field %s is not a string", name)
		return basket.Key{}
	}
	k, err := basket.ParseKey(s)
	if err != nil {
		r.fail("field %s: %v", name, err)
	}
	return k
}

func (r *fieldReader) str(name string, required bool) string {
	v, ok := r.raw(name, required)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		r.fail("field %s is not a string", name)
	}
	if required && s == "" {
		r.fail("field %s is empty", name)
	}
	return s
}

// integer accepts JSON numbers and numeric strings. Both are read in base,
// so an octal mode means the same written as 755 or "0755".
func (r *fieldReader) integer(name string, required bool, base int) int64 {
	v, ok := r.raw(name, required)
	if !ok {
		return 0
	}
	if v[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			r.fail("field %s is not an integer", name)
			return 0
		}
		if base != 10 {
			i, err := strconv.ParseInt(n.String(), base, 64)
			if err != nil {
				r.fail("field %s: %s is not a base %d integer", name, n, base)
			}
			return i
		}
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
		r.fail("field %s is not an integer", name)
		return 0
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		r.fail("field %s is not an integer", name)
		return 0
	}
	i, err := strconv.ParseInt(strings.TrimSpace(s), base, 64)
	if err != nil {
		r.fail("field %s: %q is not an integer", name, s)
	}
	return i
}

func (r *fieldReader) strList(name string, required bool) []string {
	v, ok := r.raw(name, required)
	if !ok {
		return nil
	}
	var res []string
	if err := json.Unmarshal(v, &res); err != nil {
		r.fail("field %s is not a string list", name)
	}
	return res
}

func (r *fieldReader) stringMap(name string, required bool) map[string]string {
	v, ok := r.raw(name, required)
	if !ok {
		return nil
	}
	var res map[string]string
	if err := json.Unmarshal(v, &res); err != nil {
		r.fail("field %s is not a string map", name)
	}
	return res
}

func (r *fieldReader) anyMap(name string, required bool) map[string]interface{} {
	v, ok := r.raw(name, required)
	if !ok {
		return nil
	}
	var res map[string]interface{}
	if err := json.Unmarshal(v, &res); err != nil {
		r.fail("field %s is not an object", name)
	}
	return res
}

func (r *fieldReader) hints(name string, required bool) Hints {
	v, ok := r.raw(name, required)
	if !ok {
		return Hints{}
	}
	sub := &fieldReader{code: r.code}
	if err := json.Unmarshal(v, &sub.m); err != nil {
		r.fail("field %s is not an object", name)
		return Hints{}
	}
	h := Hints{
		Length: sub.integer("length", true, 10),
		Class:  sub.str("class", true),
	}
	if sub.err != nil {
		r.fail("field %s: %v", name, sub.err)
	}
	return h
}

// objWriter emits a JSON object with a fixed key order.
type objWriter struct {
	buf bytes.Buffer
	n   int
	err error
}

func (w *objWriter) key(name string) {
	if w.n > 0 {
		w.buf.WriteByte(',')
	}
	w.n++
	b, _ := json.Marshal(name)
	w.buf.Write(b)
	w.buf.WriteByte(':')
}

func (w *objWriter) field(name string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		if w.err == nil {
			w.err = fmt.Errorf("encode field %s: %v", name, err)
		}
		return
	}
	w.key(name)
	w.buf.Write(b)
}

func (w *objWriter) null(name string) {
	w.key(name)
	w.buf.WriteString("null")
}

func (w *objWriter) bytes() []byte {
	return append(append([]byte{'{'}, w.buf.Bytes()...), '}')
}

func encodeEnvelope(dir Direction, op Opcode, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`["` + Version + `","` + string(dir) + `",`)
	if op == OpNone {
		buf.WriteString("null")
	} else {
		b, _ := json.Marshal(string(op))
		buf.Write(b)
	}
	buf.WriteByte(',')
	buf.Write(body)
	buf.WriteString("]" + Terminator)
	return buf.Bytes()
}

// FormatMode renders a permission mode the way it travels on the wire.
func FormatMode(mode uint32) string {
	return fmt.Sprintf("%04o", mode)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
