// Package main implements a mock workflow service for manual testing and
// e2e runs against a live control plane. It echoes task input back as the
// result, optionally streaming the input word by word first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/pkg/service"
	"github.com/taskmesh/taskmesh/pkg/types"
)

func main() {
	var (
		name            = flag.String("name", "echo", "service name to register under")
		controlPlaneURL = flag.String("control-plane", "http://127.0.0.1:8000", "control plane base URL")
		stream          = flag.Bool("stream", false, "stream the input word by word before completing")
		delay           = flag.Duration("delay", 0, "artificial processing delay per task")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "info", Format: logger.DetectFormat()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	handler := func(ctx context.Context, task *types.TaskDefinition, tc *service.TaskContext) (string, error) {
		if *delay > 0 {
			select {
			case <-time.After(*delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if *stream {
			for _, word := range strings.Fields(task.Input) {
				if err := tc.Stream(ctx, map[string]interface{}{"v": word}); err != nil {
					return "", err
				}
			}
		}
		return task.Input, nil
	}

	svc, err := service.New(ctx, *name, *controlPlaneURL, handler, service.Options{
		Description: "echo mock service",
		Logger:      log,
	})
	if err != nil {
		log.Fatal("Failed to bootstrap service", zap.Error(err))
	}

	log.Info("Mock service running",
		zap.String("service_name", *name),
		zap.String("control_plane", *controlPlaneURL))

	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("Service stopped", zap.Error(err))
	}
	log.Info("Mock service stopped")
}
