// Package pubsub fans out queue lifecycle events and per-video processing
// progress. Subscribers are observers only; nothing depends on delivery.
package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/devrayat000/vidpipe/models"
)

type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

type Event struct {
	Type         EventType `json:"type"`
	JobID        string    `json:"jobId"`
	VideoID      string    `json:"videoId,omitempty"`
	FailedReason string    `json:"failedReason,omitempty"`
	AttemptsMade int       `json:"attemptsMade,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	PublishProgress(ctx context.Context, progress models.ProcessingProgress) error
	GetProgress(ctx context.Context, videoID string) (*models.ProcessingProgress, error)
	SubscribeToProgress(ctx context.Context, videoID string) (<-chan *models.ProcessingProgress, error)
}

const subscriberBuffer = 64

// LocalBus is an in-process Bus. Slow subscribers miss events rather than
// block publishers.
type LocalBus struct {
	mu       sync.RWMutex
	events   map[chan Event]struct{}
	progress map[string]map[chan *models.ProcessingProgress]struct{}
	latest   map[string]models.ProcessingProgress
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		events:   make(map[chan Event]struct{}),
		progress: make(map[string]map[chan *models.ProcessingProgress]struct{}),
		latest:   make(map[string]models.ProcessingProgress),
	}
}

func (b *LocalBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.events {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.events[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.events, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *LocalBus) PublishProgress(_ context.Context, progress models.ProcessingProgress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[progress.VideoID] = progress
	for ch := range b.progress[progress.VideoID] {
		p := progress
		select {
		case ch <- &p:
		default:
		}
	}
	return nil
}

func (b *LocalBus) GetProgress(_ context.Context, videoID string) (*models.ProcessingProgress, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.latest[videoID]
	if !ok {
		return nil, ErrNoProgress
	}
	return &p, nil
}

func (b *LocalBus) SubscribeToProgress(ctx context.Context, videoID string) (<-chan *models.ProcessingProgress, error) {
	ch := make(chan *models.ProcessingProgress, subscriberBuffer)
	b.mu.Lock()
	if b.progress[videoID] == nil {
		b.progress[videoID] = make(map[chan *models.ProcessingProgress]struct{})
	}
	b.progress[videoID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.progress[videoID], ch)
		if len(b.progress[videoID]) == 0 {
			delete(b.progress, videoID)
		}
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
