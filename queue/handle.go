package queue

import (
	"context"
	"errors"
)

// Handle is an optional Queue. A None handle means async processing is
// unavailable and callers must skip queue work.
type Handle struct {
	q Queue
}

func Some(q Queue) Handle {
	return Handle{q: q}
}

func None() Handle {
	return Handle{}
}

func (h Handle) Get() (Queue, bool) {
	return h.q, h.q != nil
}

func (h Handle) Available() bool {
	return h.q != nil
}

// RemoveOutstanding removes the video's job unless it has already finished.
// It reports whether a job was removed.
func (h Handle) RemoveOutstanding(ctx context.Context, videoID string) (bool, error) {
	q, ok := h.Get()
	if !ok {
		return false, nil
	}
	job, err := q.GetJob(ctx, JobIDFor(videoID))
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.State.Finished() {
		return false, nil
	}
	err = q.RemoveJob(ctx, job)
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobFinished) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
