package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitwit/sio"
	"github.com/vitwit/sio/config"
	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/metrics"
	"github.com/vitwit/sio/server"
)

func main() {
	var cfgPath string
	var listen string
	flag.StringVar(&cfgPath, "config", "", "path to the YAML configuration")
	flag.StringVar(&listen, "listen", "", "override server.listen")
	flag.Parse()

	if err := run(cfgPath, listen); err != nil {
		fmt.Fprintf(os.Stderr, "sio-server: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, listen string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	log, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	opts := []sio.Option{sio.WithLogger(log)}
	serverOpts := []server.Option{server.WithLogger(log)}

	if cfg.Metrics.Enabled {
		recorder := metrics.NewPrometheusRecorder()
		opts = append(opts, sio.WithMetrics(recorder))
		serverOpts = append(serverOpts, server.WithMetricsHandler(recorder.Handler()))
	}

	app, err := sio.New(cfg, opts...)
	if err != nil {
		return err
	}

	srv, err := server.New(app, serverOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}
