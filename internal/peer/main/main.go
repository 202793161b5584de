package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/peer"
	"github.com/allen1211/baskets/internal/peer/etc"
	"github.com/allen1211/baskets/pkg/common"
)

func main() {
	confPath := makeConfigPath()
	conf := etc.ParsePeerConf(confPath)

	logger := common.MustInitLogger(conf.LogLevel, "Peer")
	p, err := peer.MakePeer(conf, logger)
	if err != nil {
		log.Fatalf("make peer: %v", err)
	}
	p.SetConfPath(confPath)
	if err := p.Start(); err != nil {
		log.Fatalf("start peer: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Warnf("received %v, shutting down", s)
		p.Kill()
	case <-p.Done():
	}
}

func makeConfigPath() string {
	var confPath string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.Parse()

	if confPath == "" {
		log.Fatalf("no config file path provided")
	}
	return confPath
}
