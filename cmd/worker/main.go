package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/devrayat000/vidpipe/application"
	"github.com/devrayat000/vidpipe/config"
	"github.com/devrayat000/vidpipe/logger"
	"github.com/devrayat000/vidpipe/metrics"
	"github.com/devrayat000/vidpipe/videos"
	"github.com/devrayat000/vidpipe/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("Failed to load .env")
	}
	conf, err := config.LoadConfig(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	log := logger.New(conf.LogLevel, conf.LogFormat)

	app, err := application.New(ctx, conf, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize application")
	}
	defer app.Close()

	if !app.Queue.Available() {
		log.Fatal("Worker needs Redis for the job queue")
	}
	assetStore, err := app.OpenAssets(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize asset store")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	go func() {
		if err := m.Run(ctx, app.Bus, log); err != nil {
			log.WithError(err).Warn("Queue event metrics disabled")
		}
	}()

	metricsSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(conf.WorkerMetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("addr", metricsSrv.Addr).Info("Serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()

	// The worker process always restarts its pool when work arrives.
	pool, err := app.NewPool("worker", true)
	if err != nil {
		log.WithError(err).Fatal("Failed to create worker pool")
	}
	pool.WithObserver(m)
	pool.ForceStart()

	events, err := app.Bus.Subscribe(ctx)
	if err != nil {
		log.WithError(err).Warn("Queue events unavailable, relying on polling")
	}
	go pool.Wake(ctx, events, conf.WorkerIdleTimeout/2)

	lifecycle := videos.NewLifecycle(app.Store, assetStore, app.Queue, conf.SoftDeleteGrace, log)
	go worker.NewSweeper(lifecycle, conf.PurgeInterval, log).Run(ctx)

	log.Info("Worker started, waiting for jobs")
	<-ctx.Done()
	log.Info("Shutdown signal received, stopping worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Worker pool did not stop in time")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("Worker stopped gracefully")
}
