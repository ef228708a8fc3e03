// compose-runner executes compositions on behalf of a compose server that sets
// COMPOSE_RUNNER_ADDR, streaming each step's update back over the connection.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/compose/internal/codec"
	"github.com/seantiz/compose/internal/composite"
	"github.com/seantiz/compose/internal/config"
	"github.com/seantiz/compose/internal/stream"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	key, err := codec.DeriveKey([]byte(cfg.SigningSecret), codec.PurposeCheckpoint)
	if err != nil {
		log.Fatalf("COMPOSE_SIGNING_SECRET: %v", err)
	}
	c, err := codec.New(key)
	if err != nil {
		log.Fatalf("failed to create codec: %v", err)
	}
	defer c.Close()

	ln, err := net.Listen("tcp", cfg.RunnerListenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.RunnerListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := stream.NewExecutor(composite.NewBuiltinRegistry(), c)
	srv := stream.NewServer(ln, exec, logger, stream.WithPacing(cfg.StreamInterval))

	logger.Info("compose-runner: listening",
		"addr", ln.Addr().String(),
		"pacing", cfg.StreamInterval,
	)
	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("runner error: %v", err)
	}
	logger.Info("compose-runner: stopped")
}
