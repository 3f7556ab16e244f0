// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// This is the server entrypoint: it loads configuration, wires the lease
// store, allocator, cluster coordinator and plugin chains, and runs until
// signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coredhcp/clusterdhcp/allocator"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/coordinator"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/pipeline"
	"github.com/coredhcp/clusterdhcp/plugins/ddnsstub"
	"github.com/coredhcp/clusterdhcp/plugins/leases"
	"github.com/coredhcp/clusterdhcp/plugins/leases6"
	"github.com/coredhcp/clusterdhcp/plugins/messagetype"
	"github.com/coredhcp/clusterdhcp/plugins/staticaddr"
	"github.com/coredhcp/clusterdhcp/server"
)

var (
	flagLogFile     = flag.String("logfile", "", "Name of the log file to append to. Default: stdout/stderr only")
	flagLogNoStdout = flag.Bool("nostdout", false, "Disable logging to stdout/stderr")
	flagLogLevel    = flag.String("loglevel", "info", fmt.Sprintf("Log level. One of %v", getLogLevels()))
	flagConfig      = flag.String("conf", "", "Use this configuration file instead of the default location")
)

var logLevels = map[string]func(*logrus.Logger){
	"none":    func(l *logrus.Logger) { l.SetOutput(io.Discard) },
	"debug":   func(l *logrus.Logger) { l.SetLevel(logrus.DebugLevel) },
	"info":    func(l *logrus.Logger) { l.SetLevel(logrus.InfoLevel) },
	"warning": func(l *logrus.Logger) { l.SetLevel(logrus.WarnLevel) },
	"error":   func(l *logrus.Logger) { l.SetLevel(logrus.ErrorLevel) },
	"fatal":   func(l *logrus.Logger) { l.SetLevel(logrus.FatalLevel) },
}

func getLogLevels() []string {
	var levels []string
	for k := range logLevels {
		levels = append(levels, k)
	}
	return levels
}

func main() {
	flag.Parse()

	log := logger.GetLogger("main")
	fn, ok := logLevels[*flagLogLevel]
	if !ok {
		log.Fatalf("invalid log level %q, valid levels are %v", *flagLogLevel, getLogLevels())
	}
	fn(log.Logger)
	log.Infof("setting log level to %q", *flagLogLevel)
	if *flagLogFile != "" {
		log.Infof("logging to file %s", *flagLogFile)
		logger.WithFile(log, *flagLogFile)
	}
	if *flagLogNoStdout {
		log.Infof("disabling logging to stdout/stderr")
		logger.WithNoStdOutErr(log)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open lease store: %v", err)
	}

	local := allocator.New(store, allocator.NewICMPPinger(), cfg.V4.CacheThreshold)

	var v4alloc allocator.LeaseAllocator = local
	var v6alloc allocator.V6LeaseAllocator = local

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Cluster != nil {
		kv, err := coordinator.NewConsulKV(cfg.Cluster)
		if err != nil {
			log.Fatalf("failed to connect to cluster coordinator: %v", err)
		}
		serverID := serverIdentity()
		log.Infof("cluster mode enabled, server id %s", serverID)
		coord := coordinator.New(kv, cfg.Cluster, serverID)
		v4alloc = coordinator.NewCoordinatedAllocator(local, coord)
		v6alloc = coordinator.NewCoordinatedV6Allocator(local, coord)
		go coord.Run(ctx, cfg.Cluster.LeaseGCInterval)
	}

	chain4, err := pipeline.BuildChain4([]pipeline.Plugin4{
		messagetype.New(cfg),
		staticaddr.New(cfg),
		leases.New(cfg, v4alloc),
	})
	if err != nil {
		log.Fatalf("failed to build v4 plugin chain: %v", err)
	}

	chain6, err := pipeline.BuildChain6([]pipeline.Plugin6{
		leases6.New(cfg, v6alloc),
	})
	if err != nil {
		log.Fatalf("failed to build v6 plugin chain: %v", err)
	}

	var post4 pipeline.PostResponse4
	var post6 pipeline.PostResponse6
	if cfg.DDNS != nil && cfg.DDNS.Enabled {
		ddns := ddnsstub.New(cfg.DDNS.Zone)
		post4 = ddns
		post6 = ddns
	}

	srv, err := server.Start(cfg, chain4, chain6, post4, post6)
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("received shutdown signal, draining in-flight requests")
		srv.Shutdown(ctx, 3*time.Second)
	}()

	if err := srv.Wait(); err != nil {
		log.Error(err)
	}
	if closer, ok := store.(io.Closer); ok {
		closer.Close()
	}
}

// openStore constructs the configured lease store backend.
func openStore(cfg *config.Config) (leasestore.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return leasestore.NewMemoryStore(), nil
	case "sqlite":
		return leasestore.OpenSQLiteStore(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown lease_store.backend %q", cfg.Store.Backend)
	}
}

// serverIdentity derives the id this process mirrors lease records under,
// preferring the host's name and falling back to a random id when the
// hostname can't be determined.
func serverIdentity() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}
