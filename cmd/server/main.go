package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/Brownie44l1/deepfake-api/internal/artifact"
	"github.com/Brownie44l1/deepfake-api/internal/config"
	"github.com/Brownie44l1/deepfake-api/internal/detector"
	"github.com/Brownie44l1/deepfake-api/internal/handlers"
	"github.com/Brownie44l1/deepfake-api/internal/inference"
	"github.com/Brownie44l1/deepfake-api/internal/logging"
	"github.com/Brownie44l1/deepfake-api/internal/registry"
)

func main() {
	app := &cli.App{
		Name:   "deepfake-server",
		Usage:  "serve deepfake image detection over HTTP",
		Flags:  config.ServerFlags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) (err error) {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	logger := logging.NewLogger("server", cfg.Logging())
	defer logger.Sync() //nolint:errcheck

	reg := registry.New(func() (*detector.Detector, error) {
		source := artifact.NewSource(cfg.Artifact(), logger.Named("artifact"))
		engine := inference.NewEngine(cfg.Engine(), inference.NewONNXLoader(cfg.ONNX()), logger.Named("inference"))
		return detector.New(source, engine, cfg.Preprocess(), logger.Named("detector")), nil
	})
	defer func() {
		err = multierr.Combine(err, reg.Close())
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Preload {
		det, err := reg.Get()
		if err != nil {
			return err
		}
		if err := det.Warmup(ctx); err != nil {
			return errors.Wrap(err, "preloading classifier")
		}
	}

	handler := handlers.NewHandler(reg, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxBatchImages: cfg.MaxBatchImages,
	}, logger.Named("http"))
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           corsHandler.Handler(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("server starting",
			"port", cfg.Port,
			"model", cfg.ModelRepo+"/"+cfg.ModelFile,
			"device", cfg.Device,
			"preload", cfg.Preload)
		serveErr <- srv.ListenAndServe()
	}()
	logger.Info("endpoints: GET /health, POST /detect (field image), POST /detect/batch (field images)")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
