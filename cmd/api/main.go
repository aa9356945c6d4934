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

	"github.com/devrayat000/vidpipe/api"
	"github.com/devrayat000/vidpipe/application"
	"github.com/devrayat000/vidpipe/config"
	"github.com/devrayat000/vidpipe/logger"
	"github.com/devrayat000/vidpipe/metrics"
	"github.com/devrayat000/vidpipe/processing"
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
	log.Info("Starting API service")

	app, err := application.New(ctx, conf, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize application")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.WithError(err).Warn("Error while closing resources")
		}
	}()

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

	var (
		pool    *worker.Pool
		starter videos.Starter
		control api.WorkerControl
	)
	if conf.WorkerEmbedded && app.Queue.Available() {
		pool, err = app.NewPool("api", conf.WorkerAutoStart)
		if err != nil {
			log.WithError(err).Fatal("Failed to create worker pool")
		}
		pool.WithObserver(m)
		starter, control = pool, pool
		if events, err := app.Bus.Subscribe(ctx); err == nil {
			go pool.Wake(ctx, events, conf.WorkerIdleTimeout/2)
		}
		pool.EnsureStarted()
	}

	server := api.NewServer(api.Deps{
		Processing: processing.NewService(app.Store, app.Queue, log),
		Details:    videos.NewDetailService(app.Store, app.DetailCache(), videos.NoEngagement{}, conf.DetailCacheTTL, log),
		Publisher:  videos.NewPublisher(app.Store, assetStore, app.Queue, app.JobOptions(), starter, log),
		Lifecycle:  videos.NewLifecycle(app.Store, assetStore, app.Queue, conf.SoftDeleteGrace, log).
			WithProcessing(app.JobOptions(), starter),
		Queue:      app.Queue,
		Progress:   app.Bus,
		Worker:     control,
		Limiter:    api.NewRateLimiter(conf.RateLimitRPS, conf.RateLimitBurst, 10*time.Minute),
		AdminToken: conf.AdminToken,
		Metrics:    promhttp.Handler(),
		Log:        log,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if pool != nil {
			if err := pool.Stop(shutdownCtx); err != nil {
				log.WithError(err).Warn("Worker pool did not stop in time")
			}
		}
	}()

	addr := ":" + strconv.Itoa(conf.HTTPPort)
	log.WithField("addr", addr).Info("Listening")
	if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("Server failed")
	}
	log.Info("API service stopped")
}
