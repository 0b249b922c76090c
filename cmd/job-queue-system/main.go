// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/events"
	"github.com/jamesross/flowqueue/internal/job"
	"github.com/jamesross/flowqueue/internal/keys"
	"github.com/jamesross/flowqueue/internal/obs"
	"github.com/jamesross/flowqueue/internal/producer"
	"github.com/jamesross/flowqueue/internal/queue"
	"github.com/jamesross/flowqueue/internal/redisclient"
	"github.com/jamesross/flowqueue/internal/scripts"
	"github.com/jamesross/flowqueue/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Setup logging
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Setup tracing (optional)
	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	// Redis client
	rdb := redisclient.New(cfg)
	defer rdb.Close()

	catalog := scripts.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := catalog.Load(ctx, rdb); err != nil {
		logger.Fatal("failed to load script catalog", obs.Err(err))
	}
	sink := events.NewSink()

	// HTTP server: metrics, healthz, readyz
	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		// If a second signal arrives, force exit
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	kb := keys.New(cfg.Queue.Prefix, cfg.Queue.Name)
	obs.StartQueueLengthUpdater(ctx, cfg, rdb, kb, logger)

	q, err := queue.New(ctx, rdb, cfg.Queue, catalog, sink)
	if err != nil {
		logger.Fatal("failed to construct queue", obs.Err(err))
	}

	switch role {
	case "producer":
		if !cfg.Producer.Enabled {
			logger.Fatal("role=producer requires producer.enabled=true in config")
		}
		prod := producer.New(cfg, rdb, q, logger)
		if err := prod.Run(ctx); err != nil {
			logger.Fatal("producer error", obs.Err(err))
		}
	case "worker":
		wrk := worker.New(cfg, rdb, catalog, sink, logger)
		defer wrk.Close()
		if err := wrk.Run(ctx, demoProcessor(logger)); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "all":
		wrk := worker.New(cfg, rdb, catalog, sink, logger)
		defer wrk.Close()
		if cfg.Producer.Enabled {
			prod := producer.New(cfg, rdb, q, logger)
			go func() {
				if err := prod.Run(ctx); err != nil {
					logger.Error("producer error", obs.Err(err))
					cancel()
				}
			}()
		}
		if err := wrk.Run(ctx, demoProcessor(logger)); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// demoProcessor is the default Processor wired into the binary: the
// core protocol treats job handling as an opaque external collaborator
// (spec.md §1), so this simply acknowledges each job successfully,
// echoing its payload back as the result.
func demoProcessor(log *zap.Logger) worker.Processor {
	return func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		log.Debug("processing job", obs.String("id", j.ID), obs.String("name", j.Name))
		return j.Data, nil
	}
}
