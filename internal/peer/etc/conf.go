package etc

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/replication"
	"github.com/allen1211/baskets/pkg/common"
)

type PeerConf struct {
	// Host is the peer's command address and its identity in host lists.
	Host string `json:"host"`
	// Listen overrides the bind address of the command listeners.
	Listen    string `json:"listen"`
	Multicast string `json:"multicast"`
	Interface string `json:"interface"`

	Root     string `json:"root"`
	QueueDir string `json:"queue_dir"`
	Island   string `json:"island"`
	Capacity int64  `json:"capacity"`

	Gateways  []string        `json:"gateways"`
	Heartbeat common.Duration `json:"heartbeat"`
	Timeout   common.Duration `json:"timeout"`

	Status  string `json:"status"`
	Auto    bool   `json:"auto"`
	MinFree int64  `json:"min_free"`

	Owner       OwnerConf       `json:"owner"`
	Manipulator ManipulatorConf `json:"manipulator"`
	Replication ReplicationConf `json:"replication"`
	Pipeline    PipelineConf    `json:"pipeline"`

	Health   string       `json:"health"`
	Admin    string       `json:"admin"`
	Metric   string       `json:"metric"`
	Graphite GraphiteConf `json:"graphite"`

	LogLevel string `json:"log_level"`
}

type OwnerConf struct {
	// Mode is octal, e.g. "0755".
	Mode  string `json:"mode"`
	User  string `json:"user"`
	Group string `json:"group"`
}

type ManipulatorConf struct {
	// Kind is one of local, command or daemon.
	Kind   string   `json:"kind"`
	Path   string   `json:"path"`
	Args   []string `json:"args"`
	Socket string   `json:"socket"`
}

type ReplicationConf struct {
	Members  []replication.Member `json:"members"`
	Workers  int                  `json:"workers"`
	SleepAge common.Duration      `json:"sleep_age"`
	Pace     common.Duration      `json:"pace"`
	Grace    common.Duration      `json:"grace"`
}

type PipelineConf struct {
	QueueSize  int `json:"queue_size"`
	Processors int `json:"processors"`
	Queriers   int `json:"queriers"`
	Manipulors int `json:"manipulators"`
	Responders int `json:"responders"`
}

type GraphiteConf struct {
	Addr     string          `json:"addr"`
	Prefix   string          `json:"prefix"`
	Interval common.Duration `json:"interval"`
}

func MakeDefaultConfig() PeerConf {
	return PeerConf{
		Host:      "127.0.0.1:7000",
		Root:      "/data/baskets",
		QueueDir:  "/data/baskets/.queue",
		Heartbeat: common.Duration{Duration: 5 * time.Second},
		Timeout:   common.Duration{Duration: 10 * time.Second},
		Status:    "ACTIVE",
		MinFree:   1 << 30,
		Owner: OwnerConf{
			Mode:  "0755",
			User:  "-",
			Group: "-",
		},
		Manipulator: ManipulatorConf{
			Kind: "local",
		},
		Replication: ReplicationConf{
			Workers:  4,
			SleepAge: common.Duration{Duration: 10 * time.Second},
			Pace:     common.Duration{Duration: 50 * time.Millisecond},
			Grace:    common.Duration{Duration: 5 * time.Second},
		},
		Pipeline: PipelineConf{
			QueueSize:  1024,
			Processors: 2,
			Queriers:   2,
			Manipulors: 4,
			Responders: 2,
		},
		LogLevel: "info",
	}
}

func ParsePeerConf(confPath string) PeerConf {
	conf, err := LoadPeerConf(confPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return conf
}

func LoadPeerConf(confPath string) (PeerConf, error) {
	confBytes, err := ioutil.ReadFile(confPath)
	if err != nil {
		return PeerConf{}, fmt.Errorf("failed to open config file: %v", err)
	}
	conf := MakeDefaultConfig()
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		return PeerConf{}, fmt.Errorf("failed to parse config file: %v", err)
	}
	if err := conf.Validate(); err != nil {
		return PeerConf{}, err
	}
	return conf, nil
}

func (c *PeerConf) Validate() error {
	ip, _, err := SplitHost(c.Host)
	if err != nil {
		return fmt.Errorf("host: %v", err)
	}
	// the host goes into datagram headers, which carry an address
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("host %s: %q is not an IP address", c.Host, ip)
	}
	if c.Root == "" || c.QueueDir == "" {
		return fmt.Errorf("root and queue_dir are required")
	}
	if _, err := c.OwnerMode(); err != nil {
		return err
	}
	for _, gw := range c.Gateways {
		if _, _, err := SplitHost(gw); err != nil {
			return fmt.Errorf("gateway %s: %v", gw, err)
		}
	}
	if len(c.Replication.Members) == 0 {
		c.Replication.Members = []replication.Member{{Host: c.Host, Repl: c.Host}}
	}
	if _, err := replication.NewGroup(c.Host, c.Replication.Members); err != nil {
		return err
	}
	switch c.Manipulator.Kind {
	case "local":
	case "command":
		if c.Manipulator.Path == "" {
			return fmt.Errorf("manipulator path is required for kind command")
		}
	case "daemon":
		if c.Manipulator.Socket == "" {
			return fmt.Errorf("manipulator socket is required for kind daemon")
		}
	default:
		return fmt.Errorf("unknown manipulator kind %q", c.Manipulator.Kind)
	}
	return nil
}

func (c *PeerConf) OwnerMode() (uint32, error) {
	mode, err := strconv.ParseUint(c.Owner.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("owner mode %q is not octal", c.Owner.Mode)
	}
	return uint32(mode), nil
}

func (c *PeerConf) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return c.Host
}

// SplitHost validates an "ip:port" address.
func SplitHost(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port in %q", hostport)
	}
	return host, port, nil
}
