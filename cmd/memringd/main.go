// Command memringd runs a single memcached-compatible cache node, intended
// for local development and testing of memring clients.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/memring/memring/internal/testserver"
)

func main() {
	addr := flag.String("addr", ":11311", "listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

	srv := testserver.New(*addr)
	srv.SetLogger(log)

	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	log.WithField("addr", srv.Addr()).Info("cache node listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	if err := srv.Stop(); err != nil {
		log.WithError(err).Error("error stopping server")
	}
}
