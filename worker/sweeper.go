package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Sweeper purges soft-deleted videos whose grace window has passed.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	log      logrus.FieldLogger
}

func NewSweeper(purger Purger, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{purger: purger, interval: interval, log: log.WithField("component", "sweeper")}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.purger.Purge(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Error("Purge sweep failed")
		}
		return
	}
	if n > 0 {
		s.log.WithField("purged", n).Info("Purged expired videos")
	}
}
