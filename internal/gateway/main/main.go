package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/gateway"
	"github.com/allen1211/baskets/internal/gateway/etc"
	"github.com/allen1211/baskets/pkg/common"
)

func main() {
	var confPath string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.Parse()

	if confPath == "" {
		log.Fatalf("no config file path provided")
	}
	conf := etc.ParseGatewayConf(confPath)

	logger := common.MustInitLogger(conf.LogLevel, "Gateway")
	gw, err := gateway.MakeGateway(conf, logger)
	if err != nil {
		log.Fatalf("make gateway: %v", err)
	}
	if err := gw.Start(); err != nil {
		log.Fatalf("start gateway: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Warnf("received %v, shutting down", s)
	gw.Kill()
}
