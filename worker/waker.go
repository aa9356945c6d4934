package worker

import (
	"context"
	"time"

	"github.com/devrayat000/vidpipe/pubsub"
)

// Wake starts a stopped pool when work shows up, either from a waiting event
// or from a periodic queue count. Events may be lost; the count is the
// backstop. Wake returns when ctx is done.
func (p *Pool) Wake(ctx context.Context, events <-chan pubsub.Event, poll time.Duration) {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if e.Type == pubsub.EventWaiting && p.EnsureStarted() {
				p.log.WithField("job_id", e.JobID).Info("Woke worker pool for new job")
			}
		case <-ticker.C:
			if p.State() != StateStopped {
				continue
			}
			counts, err := p.queue.Counts(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.WithError(err).Warn("Failed to read queue counts")
				}
				continue
			}
			if counts.Outstanding() > 0 && p.EnsureStarted() {
				p.log.WithField("outstanding", counts.Outstanding()).Info("Woke worker pool for queued jobs")
			}
		}
	}
}
