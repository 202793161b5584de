package basket

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const DefaultModule = "Dec40Seq"

type moduleFormat struct {
	hex   bool
	width int
}

var modules = map[string]moduleFormat{
	"Dec40Seq": {hex: false},
	"Dec64Seq": {hex: false},
	"Hex32Seq": {hex: true, width: 8},
	"Hex64Seq": {hex: true, width: 16},
}

type Range struct {
	Start uint64
	End   uint64
}

func (r Range) contains(v uint64) bool {
	return v >= r.Start && v <= r.End
}

type convEntry struct {
	Range
	module string
}

// Converter maps basket content ranges to a presentation module.
// Content outside every configured range uses DefaultModule.
type Converter struct {
	entries []convEntry
}

// NewConverter builds a converter from module name to a range list such as
// "1-999,2000,3000-3999". Ranges must be well-formed and must not overlap.
func NewConverter(table map[string]string) (*Converter, error) {
	c := &Converter{}
	for name, spec := range table {
		if _, ok := modules[name]; !ok {
			return nil, fmt.Errorf("unknown converter module %q", name)
		}
		ranges, err := parseRanges(spec)
		if err != nil {
			return nil, fmt.Errorf("module %s: %v", name, err)
		}
		for _, r := range ranges {
			c.entries = append(c.entries, convEntry{Range: r, module: name})
		}
	}
	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].Start < c.entries[j].Start
	})
	for i := 1; i < len(c.entries); i++ {
		prev, cur := c.entries[i-1], c.entries[i]
		if cur.Start <= prev.End {
			return nil, fmt.Errorf("range %d-%d of %s overlaps %d-%d of %s",
				cur.Start, cur.End, cur.module, prev.Start, prev.End, prev.module)
		}
	}
	return c, nil
}

func parseRanges(spec string) ([]Range, error) {
	var res []Range
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var r Range
		var err error
		if idx := strings.Index(part, "-"); idx >= 0 {
			if r.Start, err = strconv.ParseUint(strings.TrimSpace(part[:idx]), 10, 64); err != nil {
				return nil, fmt.Errorf("bad range %q: %v", part, err)
			}
			if r.End, err = strconv.ParseUint(strings.TrimSpace(part[idx+1:]), 10, 64); err != nil {
				return nil, fmt.Errorf("bad range %q: %v", part, err)
			}
		} else {
			if r.Start, err = strconv.ParseUint(part, 10, 64); err != nil {
				return nil, fmt.Errorf("bad range %q: %v", part, err)
			}
			r.End = r.Start
		}
		if r.Start > r.End {
			return nil, fmt.Errorf("bad range %q: start > end", part)
		}
		res = append(res, r)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("empty range list")
	}
	return res, nil
}

func (c *Converter) Module(content uint64) string {
	if c == nil {
		return DefaultModule
	}
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].End >= content
	})
	if i < len(c.entries) && c.entries[i].contains(content) {
		return c.entries[i].module
	}
	return DefaultModule
}

// Format renders the key with its content in the module's presentation.
func (c *Converter) Format(k Key) string {
	f := modules[c.Module(k.Content)]
	if !f.hex {
		return k.String()
	}
	return fmt.Sprintf("0x%0*x.%d.%d", f.width, k.Content, k.Type, k.Revision)
}

func (c *Converter) Parse(s string) (Key, error) {
	return ParseKey(s)
}
