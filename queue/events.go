package queue

import (
	"context"
	"time"

	"github.com/devrayat000/vidpipe/pubsub"
	"github.com/sirupsen/logrus"
)

// EventPublisher receives job lifecycle events. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event pubsub.Event) error
}

type emitter struct {
	pub EventPublisher
	log logrus.FieldLogger
	now func() time.Time
}

func (e emitter) emit(ctx context.Context, typ pubsub.EventType, job *Job, reason string) {
	if e.pub == nil {
		return
	}
	ev := pubsub.Event{
		Type:         typ,
		JobID:        job.ID,
		VideoID:      job.Payload.VideoID,
		FailedReason: reason,
		AttemptsMade: job.AttemptsMade,
		Timestamp:    e.now(),
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to publish queue event")
	}
}
