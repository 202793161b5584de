package etc

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/pkg/basket"
	"github.com/allen1211/baskets/pkg/common"
)

type ClientConf struct {
	// Gateways are unicast "ip:port" candidates, tried after Multicast.
	Gateways  []string `json:"gateways"`
	Multicast string   `json:"multicast"`
	Island    string   `json:"island"`
	// Listen is the local UDP address replies come back to.
	Listen string `json:"listen"`

	Stagger common.Duration `json:"stagger"`
	Timeout common.Duration `json:"timeout"`

	// Converter maps a presentation module to content ranges, e.g.
	// {"Hex64Seq": "1000-1999"}.
	Converter map[string]string `json:"converter"`

	LogLevel string `json:"log_level"`
}

func MakeDefaultConfig() ClientConf {
	return ClientConf{
		Listen:   "0.0.0.0:0",
		Stagger:  common.Duration{Duration: 100 * time.Millisecond},
		Timeout:  common.Duration{Duration: 3 * time.Second},
		LogLevel: "info",
	}
}

func ParseClientConf(confPath string) ClientConf {
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

func (c *ClientConf) Validate() error {
	if len(c.Gateways) == 0 && c.Multicast == "" {
		return fmt.Errorf("either gateways or multicast is required")
	}
	for _, g := range c.Gateways {
		if _, _, err := net.SplitHostPort(g); err != nil {
			return fmt.Errorf("gateway %s: %v", g, err)
		}
	}
	if c.Multicast != "" {
		if _, _, err := net.SplitHostPort(c.Multicast); err != nil {
			return fmt.Errorf("multicast: %v", err)
		}
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:0"
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen: %v", err)
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Stagger.Duration < 0 {
		return fmt.Errorf("stagger must not be negative")
	}
	if len(c.Converter) > 0 {
		if _, err := basket.NewConverter(c.Converter); err != nil {
			return fmt.Errorf("converter: %v", err)
		}
	}
	return nil
}
