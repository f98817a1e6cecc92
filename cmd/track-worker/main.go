package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ShipTrack/config"
)

func main() {
	config.LoadEnv()

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tw, err := newTrackWorker(cfg, defaultWorkerFactories())
	if err != nil {
		panic(err)
	}
	defer tw.Close()

	httpAddr := cfg.ShipTrack.WorkerHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8082"
	}
	go func() {
		if err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    httpAddr,
			swaggerPath: os.Getenv("workerSwaggerPath"),
			worker:      tw.worker,
			cfg:         cfg,
		}); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker http server", "error", err.Error())
		}
	}()

	if err := tw.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("location ingest stopped", "error", err.Error())
		cancel()
		tw.Close()
		os.Exit(1)
	}
}
