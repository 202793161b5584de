package basket

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one basket. It is immutable once built.
type Key struct {
	Content  uint64
	Type     uint32
	Revision uint32
}

func MakeKey(content uint64, typ, revision uint32) Key {
	return Key{Content: content, Type: typ, Revision: revision}
}

// ParseKey accepts "content.type.revision" where content is decimal or 0x-prefixed hex.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid basket key %q: want content.type.revision", s)
	}
	content, err := parseContent(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("invalid basket key %q: %v", s, err)
	}
	typ, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("invalid basket key %q: bad type: %v", s, err)
	}
	rev, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("invalid basket key %q: bad revision: %v", s, err)
	}
	return Key{Content: content, Type: uint32(typ), Revision: uint32(rev)}, nil
}

func parseContent(s string) (uint64, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			return 0, nil
		}
		if len(digits) > 16 {
			return 0, fmt.Errorf("hex content %q exceeds 64 bits", s)
		}
		return strconv.ParseUint(digits, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// String is the canonical decimal id, used in file names and on the wire.
func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%d", k.Content, k.Type, k.Revision)
}

const hashWidth = 21

// HashPath splits the zero-padded decimal content into 3-digit groups and
// returns all but the last group as a relative directory path.
func HashPath(content uint64) string {
	digits := fmt.Sprintf("%0*d", hashWidth, content)
	groups := make([]string, 0, hashWidth/3-1)
	for i := 0; i+3 < len(digits); i += 3 {
		groups = append(groups, digits[i:i+3])
	}
	return strings.Join(groups, "/")
}
