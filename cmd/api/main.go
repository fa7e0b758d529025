package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"invisibleface/api"
	"invisibleface/config"
	"invisibleface/encryption"
	"invisibleface/logging"
	"invisibleface/service"
	"invisibleface/storage"
)

func main() {
	cfg, err := config.Load("api", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewText(os.Stderr, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	sp, err := cfg.SecurityParams()
	if err != nil {
		return err
	}
	pub, err := encryption.LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return err
	}
	scheme := encryption.NewPaillierAdapter(0, nil, pub)

	store, err := storage.Open(cfg.Store, cfg.OutputDir)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pipeline, err := service.NewPipeline(service.Options{
		Params:  sp,
		Workers: cfg.Workers,
	}, scheme, store, logger, service.NewMetricsCollector(reg))
	if err != nil {
		return err
	}

	logger.Info(ctx, "enrollment parameters", "params", sp.String(), "security_bits", sp.SecurityBits(), "key", scheme.Fingerprint())
	server := api.NewServer(pipeline, store, scheme.KeySize(), scheme.Fingerprint(), reg, logger)
	return server.Start(ctx, cfg.ListenAddr)
}
