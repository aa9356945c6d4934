// Package metrics exports Prometheus collectors for the processing pipeline.
package metrics

import (
	"context"
	"time"

	"github.com/devrayat000/vidpipe/pubsub"
	"github.com/devrayat000/vidpipe/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var poolStates = []worker.State{worker.StateStopped, worker.StateStarting, worker.StateRunning, worker.StateIdle}

type Metrics struct {
	queueEvents *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
	poolState   *prometheus.GaugeVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer to
// serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		queueEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vidpipe_queue_events_total",
			Help: "Job lifecycle events seen on the queue event bus",
		}, []string{"type"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vidpipe_jobs_processed_total",
			Help: "Jobs handled by this worker, by outcome",
		}, []string{"outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidpipe_job_duration_seconds",
			Help:    "Time spent processing a job",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"outcome"}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "vidpipe_active_jobs",
			Help: "Jobs currently running in this process's worker pool",
		}),
		poolState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vidpipe_worker_pool_state",
			Help: "1 for the current worker pool state",
		}, []string{"state"}),
	}
	m.PoolState(worker.StateStopped)
	return m
}

// JobStarted implements worker.Observer.
func (m *Metrics) JobStarted() {
	m.activeJobs.Inc()
}

// JobFinished implements worker.Observer. It is called for every started
// job, including ones removed from the queue while running.
func (m *Metrics) JobFinished(outcome string, elapsed time.Duration) {
	m.activeJobs.Dec()
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// PoolState implements worker.Observer.
func (m *Metrics) PoolState(state worker.State) {
	for _, s := range poolStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.poolState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) observeEvent(e pubsub.Event) {
	m.queueEvents.WithLabelValues(string(e.Type)).Inc()
}

// Run counts queue events from bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus pubsub.Bus, log logrus.FieldLogger) error {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	log.Info("Counting queue events")
	for e := range events {
		m.observeEvent(e)
	}
	return nil
}
