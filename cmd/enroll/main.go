package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invisibleface/config"
	"invisibleface/encryption"
	"invisibleface/features"
	"invisibleface/logging"
	"invisibleface/models"
	"invisibleface/service"
	"invisibleface/storage"
)

func main() {
	cfg, err := config.Load("enroll", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewText(os.Stderr, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "enrollment failed", "error", err)
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
	if scheme.KeySize() != cfg.KeySize {
		logger.Warn(ctx, "public key size differs from configured key size",
			"key_bits", scheme.KeySize(), "configured_bits", cfg.KeySize)
	}
	logScheme(ctx, logger, scheme)

	feats, err := features.Load(cfg.FeatureFile)
	if err != nil {
		return err
	}
	logger.Info(ctx, "features loaded", "file", cfg.FeatureFile, "count", len(feats))

	store, err := storage.Open(cfg.Store, cfg.OutputDir)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	metrics := service.NewMetricsCollector(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn(ctx, "metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	pipeline, err := service.NewPipeline(service.Options{
		Params:  sp,
		Workers: cfg.Workers,
		Limit:   cfg.Limit,
	}, scheme, store, logger, metrics)
	if err != nil {
		return err
	}

	report, err := pipeline.Run(ctx, feats)
	if report != nil {
		if path, merr := saveManifest(cfg.OutputDir, logger, scheme, report, pipeline); merr != nil {
			logger.Warn(ctx, "failed to write manifest", "error", merr)
		} else {
			logger.Info(ctx, "manifest written", "path", path)
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("total duration %v, transform duration %v, encryption duration %v, encrypted %d of %d features\n",
		report.Elapsed, report.TransformTotal, report.EncryptTotal, report.Enrolled, report.Requested)
	return nil
}

func saveManifest(dir string, logger logging.Logger, scheme *encryption.PaillierAdapter, report *models.RunReport, pipeline *service.Pipeline) (string, error) {
	ms, err := storage.NewManifestStorage(dir, logger)
	if err != nil {
		return "", err
	}
	sp := pipeline.Params()
	return ms.SaveManifest(&models.Manifest{
		RunID:          report.RunID,
		CreatedAt:      time.Now(),
		Blocks:         sp.K,
		KeySize:        scheme.KeySize(),
		L:              sp.L().String(),
		M:              sp.M(),
		SecurityBits:   sp.SecurityBits(),
		KeyFingerprint: scheme.Fingerprint(),
		Report:         *report,
	})
}

func logScheme(ctx context.Context, logger logging.Logger, scheme encryption.HomomorphicEncryptionScheme) {
	logger.Info(ctx, "encryption scheme",
		"name", scheme.Name(),
		"fingerprint", scheme.Fingerprint(),
		"ciphertext_bytes", scheme.CiphertextSize(),
		"security_bits", scheme.EstimatedSecurityBits(),
	)
}
