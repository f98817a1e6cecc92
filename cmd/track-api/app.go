package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	shipmentsapi "github.com/BearBump/ShipTrack/internal/api/shipments_api"
	"github.com/BearBump/ShipTrack/internal/services/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

type trackAPIOpts struct {
	httpAddr    string
	swaggerPath string

	onListen func(httpAddr string)
}

// liveFeed is the cross-process side of the relay: it feeds the local hub.
type liveFeed struct {
	sub relay.PatternSubscriber
	hub *relay.Hub
}

func runTrackAPI(ctx context.Context, opts trackAPIOpts, api *shipmentsapi.ShipmentsAPI, feed *liveFeed) error {
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	if feed != nil {
		go runLiveFeed(ctx, feed)
	}

	return runHTTPServer(ctx, lis, api, opts.swaggerPath)
}

// runLiveFeed keeps the pub/sub listener alive; redis may come up after us.
func runLiveFeed(ctx context.Context, feed *liveFeed) {
	for {
		err := relay.Listen(ctx, feed.sub, feed.hub, nil)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("live location feed stopped, retrying", "error", fmt.Sprint(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, api *shipmentsapi.ShipmentsAPI, swaggerPath string) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger.json"),
		))
	}

	api.Register(r)

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	err := srv.Serve(lis)
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}
