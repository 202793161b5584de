package netw

//go:generate msgp

const (
	AdminService = "Admin"

	ApiMode   = "Mode"
	ApiStatus = "Status"
	ApiDump   = "Dump"
)

// ModeArgs changes the server status of a peer. An empty Mode only queries it.
type ModeArgs struct {
	Mode string
	Auto string
}

type ModeReply struct {
	Err      string
	Previous string
	Current  string
	Auto     string
}

type StatusArgs struct {
	Short bool
}

type StatusReply struct {
	Err    string
	Host   string
	Status string
	Items  map[string]string
}

type DumpArgs struct {
	Limit int
}

type DumpReply struct {
	Err     string
	Entries []DumpEntry
}

// DumpEntry is one replication queue file as seen by the admin service.
type DumpEntry struct {
	Name  string
	State string
	TTL   int
	Hosts []string
}
