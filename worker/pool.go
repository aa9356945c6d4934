package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrayat000/vidpipe/queue"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateIdle     State = "idle"
)

type HandlerFunc func(ctx context.Context, job *queue.Job) error

// Observer is told about job outcomes and pool state changes.
type Observer interface {
	JobStarted()
	JobFinished(outcome string, elapsed time.Duration)
	PoolState(state State)
}

type PoolConfig struct {
	Concurrency int
	// IdleTimeout stops the pool after this long with no active, waiting or
	// delayed jobs. Zero keeps it running.
	IdleTimeout time.Duration
	// AutoStart lets EnsureStarted start the pool on demand.
	AutoStart     bool
	Consumer      string
	LeaseBlock    time.Duration
	CheckInterval time.Duration
}

type run struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Pool runs a fixed number of workers against the queue. The queue's lease is
// the only mutual exclusion between workers, in this process or others.
type Pool struct {
	queue    queue.Queue
	handle   HandlerFunc
	cfg      PoolConfig
	log      logrus.FieldLogger
	observer Observer
	now      func() time.Time

	mu           sync.Mutex
	state        State
	run          *run
	active       int
	lastActivity time.Time
}

func NewPool(q queue.Queue, handle HandlerFunc, cfg PoolConfig, log logrus.FieldLogger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	if cfg.LeaseBlock <= 0 {
		cfg.LeaseBlock = 2 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
		if cfg.IdleTimeout > 0 && cfg.IdleTimeout/4 < cfg.CheckInterval {
			cfg.CheckInterval = cfg.IdleTimeout / 4
		}
	}
	return &Pool{
		queue:  q,
		handle: handle,
		cfg:    cfg,
		log:    log.WithField("component", "worker_pool"),
		now:    time.Now,
		state:  StateStopped,
	}
}

func (p *Pool) WithObserver(o Observer) *Pool {
	p.observer = o
	return p
}

func (p *Pool) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.log.WithFields(logrus.Fields{"from": p.state, "to": s}).Info("Worker pool state changed")
	p.state = s
	if p.observer != nil {
		p.observer.PoolState(s)
	}
}

func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

type Status struct {
	State       State `json:"state"`
	Active      int   `json:"active"`
	Concurrency int   `json:"concurrency"`
	AutoStart   bool  `json:"autoStart"`
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{State: p.state, Active: p.active, Concurrency: p.cfg.Concurrency, AutoStart: p.cfg.AutoStart}
}

// EnsureStarted starts the pool if it is stopped and auto start is enabled.
func (p *Pool) EnsureStarted() bool {
	if !p.cfg.AutoStart {
		return false
	}
	return p.start("on demand")
}

// ForceStart starts the pool regardless of the auto start policy.
func (p *Pool) ForceStart() bool {
	return p.start("forced")
}

func (p *Pool) start(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped {
		return false
	}
	p.setStateLocked(StateStarting)

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	p.run = r
	p.lastActivity = p.now()

	for i := 0; i < p.cfg.Concurrency; i++ {
		r.wg.Add(1)
		go p.work(ctx, r, fmt.Sprintf("%s-%d", p.cfg.Consumer, i))
	}
	if p.cfg.IdleTimeout > 0 {
		r.wg.Add(1)
		go p.monitor(ctx, r)
	}
	go func() {
		r.wg.Wait()
		close(r.done)
	}()

	p.log.WithFields(logrus.Fields{"reason": reason, "concurrency": p.cfg.Concurrency}).Info("Worker pool started")
	p.setStateLocked(StateRunning)
	return true
}

// Stop cancels the workers and waits for in-flight jobs to finish or ctx to
// expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	r := p.run
	p.stopLocked("shutdown")
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) stopLocked(reason string) {
	if p.run == nil {
		return
	}
	p.run.cancel()
	p.run = nil
	p.log.WithField("reason", reason).Info("Worker pool stopping")
	p.setStateLocked(StateStopped)
}

func (p *Pool) touchLocked(delta int) {
	p.active += delta
	p.lastActivity = p.now()
	if p.state == StateIdle {
		p.setStateLocked(StateRunning)
	}
}

func (p *Pool) work(ctx context.Context, r *run, consumer string) {
	defer r.wg.Done()
	log := p.log.WithField("consumer", consumer)

	for ctx.Err() == nil {
		job, err := p.queue.Lease(ctx, consumer, p.cfg.LeaseBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Error leasing job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		p.mu.Lock()
		p.touchLocked(1)
		p.mu.Unlock()

		// In-flight jobs run to completion even when the pool is stopping.
		p.execute(context.WithoutCancel(ctx), job, log)

		p.mu.Lock()
		p.touchLocked(-1)
		p.mu.Unlock()
	}
}

func (p *Pool) safeHandle(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while processing job: %v", rec)
		}
	}()
	return p.handle(ctx, job)
}

func (p *Pool) execute(ctx context.Context, job *queue.Job, log logrus.FieldLogger) {
	log = log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"video_id": job.Payload.VideoID,
		"attempt":  job.AttemptsMade + 1,
	})
	log.Info("Received job")
	start := p.now()
	if p.observer != nil {
		p.observer.JobStarted()
	}

	if err := p.safeHandle(ctx, job); err != nil {
		retrying, ferr := p.queue.Fail(ctx, job, err)
		switch {
		case errors.Is(ferr, queue.ErrLeaseLost):
			log.Info("Job was removed while running")
		case ferr != nil:
			log.WithError(ferr).Error("Failed to record job failure")
		case retrying:
			log.WithError(err).Warn("Job failed, will retry")
		default:
			log.WithError(err).Error("Job failed permanently")
		}
		p.observe("failed", start)
		return
	}

	if err := p.queue.Complete(ctx, job); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Info("Job was removed while running")
		} else {
			log.WithError(err).Error("Failed to acknowledge job")
		}
	} else {
		log.Info("Job done")
	}
	p.observe("completed", start)
}

func (p *Pool) observe(outcome string, start time.Time) {
	if p.observer != nil {
		p.observer.JobFinished(outcome, p.now().Sub(start))
	}
}

// monitor moves the pool between running and idle and stops it once it has
// been idle for IdleTimeout.
func (p *Pool) monitor(ctx context.Context, r *run) {
	defer r.wg.Done()
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		outstanding := int64(1)
		counts, err := p.queue.Counts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).Warn("Failed to read queue counts")
		} else {
			outstanding = counts.Outstanding()
		}

		p.mu.Lock()
		if p.run != r {
			p.mu.Unlock()
			return
		}
		switch {
		case p.active > 0 || outstanding > 0:
			p.lastActivity = p.now()
			p.setStateLocked(StateRunning)
		case p.now().Sub(p.lastActivity) >= p.cfg.IdleTimeout:
			p.stopLocked("idle timeout")
			p.mu.Unlock()
			return
		default:
			p.setStateLocked(StateIdle)
		}
		p.mu.Unlock()
	}
}
