package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tutortoise/detection-service/capability"
	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/models"
	"github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogging(cfg)

	var reporter ErrorReporter
	if cfg.SentryDSN != "" {
		if err := raven.SetDSN(cfg.SentryDSN); err != nil {
			log.WithError(err).Fatal("[Main] Invalid Sentry DSN")
		}
		reporter = func(err error, tags map[string]string) {
			raven.CaptureError(err, tags)
		}
		log.Info("[Main] Error reporting enabled")
	}

	classes := detections.COCOClasses()
	if cfg.LabelsPath != "" {
		classes, err = detections.LoadLabels(cfg.LabelsPath)
		if err != nil {
			log.WithError(err).Fatal("[Main] Failed to load class labels")
		}
	}

	libPath, err := resolveLibraryPath(cfg.LibPath)
	if err != nil {
		log.WithError(err).Fatal("[Main] Failed to locate ONNX Runtime")
	}

	loader := detections.NewLoader(detections.LoaderConfig{
		ModelName:  cfg.ModelName,
		Capability: capability.New(capability.Config{MinMemoryGB: cfg.GPUMinMemoryGB}),
		Open:       openModel(cfg, libPath, classes),
	})
	pipeline := detections.NewPipeline(loader)
	pipeline.SetMaxImagePixels(cfg.MaxImagePixels)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Warmup {
		if err := pipeline.Warmup(ctx); err != nil {
			log.WithError(err).Warn("[Main] Warm-up failed, continuing")
		}
	}

	server := NewServer(ServerConfig{
		Pipeline:     pipeline,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Debug:        cfg.Debug,
		Reporter:     reporter,
	})

	srv := &http.Server{
		Handler:      server.Handler(),
		Addr:         cfg.Addr,
		WriteTimeout: ServerTimeout,
		ReadTimeout:  ServerTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":  srv.Addr,
			"model": cfg.ModelPath,
		}).Info("[Main] Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("[Main] Server failed")
		}
	case <-ctx.Done():
		log.Info("[Main] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("[Main] Graceful shutdown failed")
		}
	}

	if err := loader.Close(); err != nil {
		log.WithError(err).Warn("[Main] Failed to release model")
	}
	if err := detections.DestroyRuntime(); err != nil {
		log.WithError(err).Warn("[Main] Failed to destroy ONNX environment")
	}
}

// openModel initializes ONNX Runtime on first use, so a missing runtime
// library degrades detection instead of stopping the process.
func openModel(cfg *Config, libPath string, classes []string) detections.OpenFunc {
	open := detections.ONNXOpener(detections.ONNXConfig{
		ModelPath:      cfg.ModelPath,
		Classes:        classes,
		Sessions:       cfg.Sessions,
		AcquireTimeout: cfg.AcquireTimeout,
	})

	return func(provider models.Provider, deviceIndex int) (detections.Detector, error) {
		if err := detections.InitRuntime(libPath); err != nil {
			return nil, err
		}
		return open(provider, deviceIndex)
	}
}
