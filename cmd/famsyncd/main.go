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
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/famsync/internal/app"
	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/daemon"
	"github.com/g960059/famsync/internal/model"
)

func main() {
	configPath := flag.String("config", os.Getenv("FAMSYNC_CONFIG"), "YAML config file")
	dbPath := flag.String("db", "", "SQLite path")
	deviceID := flag.String("device", "", "this device's id")
	role := flag.String("role", "", "controller or agent")
	remoteURL := flag.String("remote", "", "remote store: memory or a postgres:// URL")
	redisURL := flag.String("redis", "", "redis URL for push wake-ups")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics listener")
	socketPath := flag.String("socket", "", "UDS path for famsyncd")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DBPath = *dbPath
		case "device":
			cfg.DeviceID = *deviceID
		case "role":
			cfg.Role = model.Role(*role)
		case "remote":
			cfg.RemoteURL = *remoteURL
		case "redis":
			cfg.RedisURL = *redisURL
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "socket":
			cfg.SocketPath = *socketPath
		}
	})

	logger, err := app.NewLogger(cfg, os.Stderr)
	if err != nil {
		fatal(err)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Open(ctx, cfg, app.Options{Logger: logger, Registerer: reg})
	if err != nil {
		fatal(err)
	}
	defer a.Close() //nolint:errcheck

	var wg sync.WaitGroup
	if cfg.MetricsAddr != "" {
		startMetrics(ctx, &wg, cfg.MetricsAddr, reg, logger)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.Orchestrator.Run(ctx)
	}()

	logger.Info("famsyncd started", "device_id", cfg.DeviceID, "role", cfg.Role, "socket", cfg.SocketPath)
	srv := daemon.NewServer(a)
	err = srv.Start(ctx)
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = a.Close()
		fatal(err)
	}
}

func startMetrics(ctx context.Context, wg *sync.WaitGroup, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener stopped", "addr", addr, "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "famsyncd: %v\n", err)
	os.Exit(1)
}
