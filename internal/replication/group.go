package replication

import (
	"fmt"
)

// Member is one peer of a replication group: its command address, which is
// also its identity in host lists, and the address of its receiver.
type Member struct {
	Host string `json:"host"`
	Repl string `json:"repl"`
}

// Group is the ring of peers that should all hold every basket.
type Group struct {
	Self    string
	members []Member
	self    int
}

func NewGroup(self string, members []Member) (*Group, error) {
	g := &Group{Self: self, members: members, self: -1}
	seen := map[string]bool{}
	for i, m := range members {
		if m.Host == "" || m.Repl == "" {
			return nil, fmt.Errorf("replication group member %d: host and repl are required", i)
		}
		if seen[m.Host] {
			return nil, fmt.Errorf("replication group member %s listed twice", m.Host)
		}
		seen[m.Host] = true
		if m.Host == self {
			g.self = i
		}
	}
	if g.self < 0 {
		return nil, fmt.Errorf("%s is not a member of its replication group", self)
	}
	return g, nil
}

// Colleagues lists the other members in ring order starting after self.
func (g *Group) Colleagues() []string {
	n := len(g.members)
	out := make([]string, 0, n-1)
	for i := 1; i < n; i++ {
		out = append(out, g.members[(g.self+i)%n].Host)
	}
	return out
}

// Target is the colleague replication is pushed to first; empty for a
// group of one.
func (g *Group) Target() string {
	if c := g.Colleagues(); len(c) > 0 {
		return c[0]
	}
	return ""
}

func (g *Group) Alternatives() []string {
	if c := g.Colleagues(); len(c) > 1 {
		return c[1:]
	}
	return nil
}

func (g *Group) DefaultTTL() int {
	return 2 * (len(g.members) - 1)
}

func (g *Group) ReplAddr(host string) (string, bool) {
	for _, m := range g.members {
		if m.Host == host {
			return m.Repl, true
		}
	}
	return "", false
}

// Satisfied reports whether hosts covers every colleague.
func (g *Group) Satisfied(hosts []string) bool {
	have := make(map[string]bool, len(hosts)+1)
	for _, h := range hosts {
		have[h] = true
	}
	have[g.Self] = true
	for _, c := range g.Colleagues() {
		if !have[c] {
			return false
		}
	}
	return true
}

// WithSelf returns hosts plus self, without duplicates.
func (g *Group) WithSelf(hosts []string) []string {
	return mergeHosts(hosts, g.Self)
}

func mergeHosts(hosts []string, extra ...string) []string {
	seen := make(map[string]bool, len(hosts)+len(extra))
	out := make([]string, 0, len(hosts)+len(extra))
	for _, list := range [][]string{hosts, extra} {
		for _, h := range list {
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
