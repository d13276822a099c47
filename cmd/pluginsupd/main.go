// Command pluginsupd is the supervisor's single binary. Invoked normally it
// starts the HTTP surface; invoked with the hidden runner.FlagName argument
// (always done by internal/childproc re-executing this same binary) it
// instead runs as the child side of the Runner Protocol for one plugin
// instance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nullboard/pluginsup"
	"github.com/nullboard/pluginsup/internal/clustermirror"
	"github.com/nullboard/pluginsup/internal/eventbus"
	"github.com/nullboard/pluginsup/internal/httpapi"
	"github.com/nullboard/pluginsup/internal/obstrace"
	"github.com/nullboard/pluginsup/internal/runner"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == runner.FlagName {
		os.Exit(runner.Main(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(serve())
}

func serve() int {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	pluginsDir := flag.String("plugins-dir", "./plugins", "directory scanned by POST /plugins/register")
	configPath := flag.String("config", "", "optional plugin enable/disable config file, applied at startup")
	tempDir := flag.String("temp-dir", os.TempDir(), "scratch directory for plugin instance params")
	etcdEndpoints := flag.String("etcd-endpoints", "", "comma-separated etcd endpoints for the optional cluster descriptor mirror; empty disables it")
	redisURL := flag.String("redis-url", "", "Redis connection string for the optional event bus; empty disables it")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/HTTP collector endpoint (host:port) for the optional lifecycle span tracer; empty disables it")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts := []pluginsup.Option{pluginsup.WithLogger(logger)}

	if *etcdEndpoints != "" {
		mirror, err := clustermirror.New(clustermirror.Options{Endpoints: strings.Split(*etcdEndpoints, ",")})
		if err != nil {
			logger.Error("cluster mirror unavailable, continuing without it", "error", err)
		} else {
			defer mirror.Close()
			opts = append(opts, pluginsup.WithClusterMirror(mirror))
		}
	}

	if *redisURL != "" {
		bus, err := eventbus.New(eventbus.Options{URL: *redisURL})
		if err != nil {
			logger.Error("event bus unavailable, continuing without it", "error", err)
		} else {
			defer bus.Close()
			opts = append(opts, pluginsup.WithEventBus(bus))
		}
	}

	if *otelEndpoint != "" {
		tp, err := obstrace.NewOTLPTracerProvider(context.Background(), *otelEndpoint)
		if err != nil {
			logger.Error("tracer unavailable, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("tracer shutdown failed", "error", err)
				}
			}()
			opts = append(opts, pluginsup.WithTracer(obstrace.Tracer(tp)))
		}
	}

	sup := pluginsup.New(opts...)

	if err := sup.RegisterDirectory(*pluginsDir); err != nil {
		logger.Warn("initial plugin registration incomplete", "error", err)
	}
	if *configPath != "" {
		if err := sup.ApplyConfig(*configPath); err != nil {
			logger.Error("applying startup config failed", "error", err)
			return 1
		}
	}

	mux := httpapi.NewMux(sup, httpapi.Options{
		PluginsDir: *pluginsDir,
		TempDir:    *tempDir,
		Logger:     logger,
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	fmt.Fprintln(os.Stderr, "pluginsupd stopped")
	return 0
}
