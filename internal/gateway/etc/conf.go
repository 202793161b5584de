package etc

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/pkg/common"
)

type GatewayConf struct {
	// Host is the gateway's own "ip:port" for UDP and TCP.
	Host      string `json:"host"`
	Multicast string `json:"multicast"`
	Interface string `json:"interface"`

	DBPath string `json:"db_path"`
	// Peers seeds the peer table; ALIVE keeps it current.
	Peers []string `json:"peers"`
	// Replicas is how many hosts a CREATE answer offers.
	Replicas int             `json:"replicas"`
	PeerTTL  common.Duration `json:"peer_ttl"`
	Timeout  common.Duration `json:"timeout"`
	Workers  int             `json:"workers"`

	Metric   string `json:"metric"`
	LogLevel string `json:"log_level"`
}

func MakeDefaultConfig() GatewayConf {
	return GatewayConf{
		Host:     "127.0.0.1:6000",
		DBPath:   "/data/baskets/gateway",
		Replicas: 3,
		PeerTTL:  common.Duration{Duration: 30 * time.Second},
		Timeout:  common.Duration{Duration: 3 * time.Second},
		Workers:  4,
		LogLevel: "info",
	}
}

func ParseGatewayConf(confPath string) GatewayConf {
	confBytes, err := ioutil.ReadFile(confPath)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	conf := MakeDefaultConfig()
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return conf
}

func (c *GatewayConf) Validate() error {
	if _, _, err := net.SplitHostPort(c.Host); err != nil {
		return fmt.Errorf("host: %v", err)
	}
	for _, p := range c.Peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return fmt.Errorf("peer %s: %v", p, err)
		}
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Replicas <= 0 {
		return fmt.Errorf("replicas must be positive")
	}
	return nil
}
