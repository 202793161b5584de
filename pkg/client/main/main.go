package main

import (
	"flag"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/pkg/client"
	"github.com/allen1211/baskets/pkg/client/etc"
	"github.com/allen1211/baskets/pkg/common"
)

func main() {
	conf := makeConfig()

	logger := common.MustInitLogger(conf.LogLevel, "Client")
	c, err := client.MakeClient(conf, logger)
	if err != nil {
		log.Fatalf("make client: %v", err)
	}
	defer c.Close()

	cc := client.MakeConsoleClient(c, nil, nil)
	cc.Start()
}

func makeConfig() etc.ClientConf {
	var confPath, gatewaysArg, multicast string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.StringVar(&gatewaysArg, "gateways", "", "comma separated gateway addresses")
	flag.StringVar(&multicast, "multicast", "", "gateway multicast group")
	flag.Parse()

	if confPath != "" {
		return etc.ParseClientConf(confPath)
	}
	conf := etc.MakeDefaultConfig()
	if gatewaysArg != "" {
		conf.Gateways = strings.Split(gatewaysArg, ",")
	}
	conf.Multicast = multicast
	conf.LogLevel = "warn"
	return conf
}
