package replication

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allen1211/baskets/pkg/basket"
)

type Action string

const (
	ActionReplicate Action = "replicate"
	ActionDelete    Action = "delete"
)

type State string

const (
	Waiting    State = "waiting"
	Processing State = "processing"
	Sleeping   State = "sleeping"
)

func States() []State {
	return []State{Waiting, Processing, Sleeping}
}

// Attrs is the JSON body of a queue file.
type Attrs struct {
	TTL   int      `json:"ttl"`
	Hosts []string `json:"hosts"`
}

// Entry is one pending replicate or delete of a basket. Its file name is
// "<key>.<action>" with "@<alternative>" appended once an alternative host
// has taken the copy.
type Entry struct {
	Key         basket.Key
	Action      Action
	Alternative string
	Attrs
}

func (e *Entry) Name() string {
	name := e.Key.String() + "." + string(e.Action)
	if e.Alternative != "" {
		name += "@" + e.Alternative
	}
	return name
}

// BaseName is the file name without the alternative suffix.
func (e *Entry) BaseName() string {
	return e.Key.String() + "." + string(e.Action)
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s(ttl=%d hosts=%v)", e.Name(), e.TTL, e.Hosts)
}

func ParseName(name string) (*Entry, error) {
	e := &Entry{}
	if i := strings.IndexByte(name, '@'); i >= 0 {
		e.Alternative = name[i+1:]
		name = name[:i]
		if e.Alternative == "" {
			return nil, fmt.Errorf("queue entry %q: empty alternative", name)
		}
	}
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return nil, fmt.Errorf("queue entry %q: no action", name)
	}
	switch Action(name[i+1:]) {
	case ActionReplicate, ActionDelete:
		e.Action = Action(name[i+1:])
	default:
		return nil, fmt.Errorf("queue entry %q: unknown action %q", name, name[i+1:])
	}
	k, err := basket.ParseKey(name[:i])
	if err != nil {
		return nil, fmt.Errorf("queue entry %q: %v", name, err)
	}
	e.Key = k
	return e, nil
}

func encodeAttrs(a Attrs) ([]byte, error) {
	if a.Hosts == nil {
		a.Hosts = []string{}
	}
	return json.Marshal(a)
}

// decodeAttrs reports ok=false for an empty body so callers apply defaults.
func decodeAttrs(data []byte) (Attrs, bool, error) {
	var a Attrs
	if len(strings.TrimSpace(string(data))) == 0 {
		return a, false, nil
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, false, err
	}
	return a, true, nil
}

// Item is a queue file as listed by a Store.
type Item struct {
	Name    string
	State   State
	ModTime time.Time
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ModTime.Before(items[j].ModTime)
	})
}
