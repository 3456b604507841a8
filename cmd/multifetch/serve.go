package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ryabkov82/multifetch/internal/acquire"
	"github.com/ryabkov82/multifetch/internal/httpapi"
	"github.com/ryabkov82/multifetch/internal/job"
	"github.com/ryabkov82/multifetch/internal/logger"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP campaign server",
		Long: `Accept project definitions over HTTP and run them one at a time on a
background worker. Batches are written under server.data_root.

Set MULTIFETCH_SERVER_API_KEY to require an X-API-Key header.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().String("data-root", "data", "Directory that holds every project folder")
	cmd.Flags().String("source", "", "Waveform source: waveserver or fdsn")
	cmd.Flags().Int("workers", 1, "Windows fetched at once within a batch")
	return cmd
}

func serve(parent context.Context, a *app) error {
	cfg := a.cfg
	log := logger.ComponentLogger("server")

	if err := os.MkdirAll(cfg.Server.DataRoot, 0o755); err != nil {
		return errors.Wrapf(err, "create data root %s", cfg.Server.DataRoot)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := acquire.NewMetrics(reg)

	store := job.NewStore(cfg.Server.QueueSize, cfg.Server.EventHistory)
	executor := acquire.NewExecutor(
		cfg.NewSource(logger.ComponentLogger("source")),
		acquire.NewFileSink(),
		cfg.ExecutorOptions(logger.ComponentLogger("executor"), metrics),
	)

	handler, err := httpapi.NewHandler(store, cfg.Server.DataRoot, logger.ComponentLogger("api"))
	if err != nil {
		return err
	}
	router := httpapi.NewRouter(handler, httpapi.RouterOptions{
		APIKey:  cfg.Server.APIKey,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:  logger.ComponentLogger("http"),
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		acquire.NewWorker(store, executor, logger.ComponentLogger("worker")).Run(workerCtx)
	}()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("Server starting", logger.FieldAddress, cfg.Server.Addr, logger.FieldPath, cfg.Server.DataRoot,
			"source", cfg.Source.Kind, "auth", cfg.Server.APIKey != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		cancelWorker()
		<-workerDone
		if err != nil {
			return errors.Wrap(err, "server error")
		}
		return nil
	case <-ctx.Done():
	}
	log.Infow("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Running batches stop before their next window
	for _, r := range store.List() {
		if !r.Status.Finished() {
			_ = store.Cancel(r.ID)
		}
	}
	cancelWorker()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Server shutdown error", logger.FieldError, err)
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warnw("Worker did not stop in time")
	}

	log.Infow("Server stopped")
	return nil
}
