package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/allen1211/baskets/internal/manip"
	"github.com/allen1211/baskets/pkg/common"
)

// The manipulation daemon runs with the privileges peers lack and applies
// their MKDIR and MV requests arriving on a unix socket.
func main() {
	var socket, level string
	flag.StringVar(&socket, "s", "/var/run/baskets/manip.sock", "unix socket path")
	flag.StringVar(&level, "log", "info", "log level")
	flag.Parse()

	logger := common.MustInitLogger(level, "Manip")
	_ = os.Remove(socket)
	l, err := net.Listen("unix", socket)
	if err != nil {
		log.Fatalf("listen %s: %v", socket, err)
	}
	if err := os.Chmod(socket, 0660); err != nil {
		logger.Warnf("chmod %s: %v", socket, err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Warnf("received %v, shutting down", s)
		_ = l.Close()
	}()

	logger.Infof("serving manipulations on %s", socket)
	if err := manip.Serve(l, manip.NewLocal(), logger); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
