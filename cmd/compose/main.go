package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/compose/internal/api"
	"github.com/seantiz/compose/internal/blobstore"
	"github.com/seantiz/compose/internal/codec"
	"github.com/seantiz/compose/internal/composite"
	"github.com/seantiz/compose/internal/config"
	"github.com/seantiz/compose/internal/dispatch"
	"github.com/seantiz/compose/internal/simrun"
	"github.com/seantiz/compose/internal/store"
	"github.com/seantiz/compose/internal/stream"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("compose: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"runner_addr", cfg.RunnerAddr,
		"redis_addr", cfg.RedisAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open blob store: %v", err)
	}
	if cl, ok := blobs.(io.Closer); ok {
		defer cl.Close()
	}

	key, err := codec.DeriveKey([]byte(cfg.SigningSecret), codec.PurposeCheckpoint)
	if err != nil {
		log.Fatalf("COMPOSE_SIGNING_SECRET: %v", err)
	}
	c, err := codec.New(key)
	if err != nil {
		log.Fatalf("failed to create codec: %v", err)
	}
	defer c.Close()

	nodes := composite.NewBuiltinRegistry()
	sims := simrun.NewBuiltinRegistry()
	if cfg.SimDir != "" {
		names, err := simrun.LoadScripts(sims, cfg.SimDir)
		if err != nil {
			log.Fatalf("failed to load simulators: %v", err)
		}
		logger.Info("loaded simulator scripts", "dir", cfg.SimDir, "simulators", names)
	}

	exec := stream.NewExecutor(nodes, c)
	opts := []dispatch.Option{
		dispatch.WithPollInterval(cfg.PollInterval),
		dispatch.WithConcurrency(cfg.Concurrency),
	}
	if cfg.RunnerAddr != "" {
		opts = append(opts, dispatch.WithRunner(dispatch.NewRemoteRunner(stream.NewClient(cfg.RunnerAddr))))
	}
	d := dispatch.New(db, blobs, exec, sims, logger, opts...)

	reaper := dispatch.NewReaper(db, d.Broker(), cfg.StaleAfter, d.Active, logger)
	if err := reaper.Start(cfg.ReapSchedule); err != nil {
		log.Fatalf("failed to start reaper: %v", err)
	}
	defer reaper.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			logger.Error("dispatcher error", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:      db,
		Dispatcher: d,
		Executor:   exec,
		Nodes:      nodes,
		Simulators: sims,
		Blobs:      blobs,
	}, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
	stop()
	d.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("dispatcher did not stop in time")
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLiteStore(cfg.DBPath)
}

func openBlobs(ctx context.Context, cfg config.Config) (blobstore.Store, error) {
	if cfg.RedisAddr != "" {
		return blobstore.NewRedisStore(ctx, cfg.RedisAddr)
	}
	return blobstore.NewFSStore(cfg.BlobDir)
}
