// Package main runs the control plane: the HTTP API, the broker consumer
// loop and, for the in-process queue, the launcher HTTP server remote
// consumers attach to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/common/tracing"
	"github.com/taskmesh/taskmesh/internal/controlplane"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/queue/factory"
	"github.com/taskmesh/taskmesh/pkg/queue/simple"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting control plane...",
		zap.String("addr", cfg.ControlPlane.URL()),
		zap.String("queue_type", cfg.Queue.Type))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := state.FromURI(ctx, cfg.ControlPlane.StateStoreURI)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer store.Close()

	qcfg, err := cfg.Queue.QueueConfig()
	if err != nil {
		log.Fatal("Invalid queue configuration", zap.Error(err))
	}

	group, ctx := errgroup.WithContext(ctx)

	// The simple back-end lives inside this process; the control plane
	// hosts the launcher so remote services can attach. Other back-ends
	// are plain broker clients.
	var mq queue.MessageQueue
	if sc, ok := qcfg.(queue.SimpleConfig); ok {
		sq := simple.New(sc, log)
		if sc.BaseURL() != "" {
			group.Go(func() error { return sq.Launch(ctx) })
		}
		mq = sq
	} else {
		if mq, err = factory.New(ctx, qcfg, log); err != nil {
			log.Fatal("Failed to build queue client", zap.Error(err))
		}
	}

	srv := controlplane.New(cfg.ControlPlane, store, mq, log)
	router := controlplane.NewRouter(srv, log)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ControlPlane.Host, cfg.ControlPlane.Port),
		Handler: router,
	}

	group.Go(func() error { return srv.Start(ctx) })
	group.Go(func() error {
		log.Info("Control plane API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Shutdown error", zap.Error(err))
	}
	if err := mq.Cleanup(shutdownCtx); err != nil {
		log.Error("Queue cleanup error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Control plane stopped")
}
