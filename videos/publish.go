package videos

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/devrayat000/vidpipe/assets"
	"github.com/devrayat000/vidpipe/db"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// PublishInput is what a client sends after uploading to the asset store.
type PublishInput struct {
	Title             string   `json:"title" validate:"required,max=255"`
	Description       string   `json:"description" validate:"max=5000"`
	VideoPublicID     string   `json:"videoPublicId" validate:"required"`
	ThumbnailPublicID string   `json:"thumbnailPublicId"`
	Duration          float64  `json:"duration" validate:"gte=0"`
	SourceHeight      int      `json:"sourceHeight" validate:"gte=0,lte=4320"`
	Tags              []string `json:"tags" validate:"max=30,dive,max=64"`
	TranscriptSummary string   `json:"transcriptSummary"`
}

// Starter starts a worker pool on demand.
type Starter interface {
	EnsureStarted() bool
}

type Publisher struct {
	store    db.VideoStore
	assets   assets.Inspector
	queue    queue.Handle
	jobOpts  queue.Options
	starter  Starter
	validate *validator.Validate
	log      logrus.FieldLogger
}

// NewPublisher wires the publish flow. starter may be nil when no worker pool
// runs in this process.
func NewPublisher(store db.VideoStore, inspector assets.Inspector, q queue.Handle, jobOpts queue.Options, starter Starter, log logrus.FieldLogger) *Publisher {
	return &Publisher{
		store:    store,
		assets:   inspector,
		queue:    q,
		jobOpts:  jobOpts,
		starter:  starter,
		validate: validator.New(),
		log:      log.WithField("component", "publisher"),
	}
}

// Publish verifies the uploaded assets belong to ownerID, creates the video in
// PENDING and queues it for processing. Queue problems never fail the call.
func (p *Publisher) Publish(ctx context.Context, ownerID string, in PublishInput) (*models.Video, error) {
	if ownerID == "" {
		return nil, apperr.Forbidden("Authentication required")
	}
	if err := p.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	video, err := assets.VerifyOwnership(ctx, p.assets, in.VideoPublicID, assets.UserFolder("videos", ownerID), assets.KindVideo)
	if err != nil {
		return nil, fmt.Errorf("verify video asset: %w", err)
	}
	v := &models.Video{
		OwnerID:           ownerID,
		Title:             strings.TrimSpace(in.Title),
		Description:       in.Description,
		VideoURL:          video.SecureURL,
		VideoPublicID:     video.PublicID,
		Duration:          in.Duration,
		SourceHeight:      in.SourceHeight,
		Tags:              models.StringList(in.Tags),
		TranscriptSummary: in.TranscriptSummary,
		ProcessingStatus:  models.StatusPending,
	}

	if in.ThumbnailPublicID != "" {
		thumb, err := assets.VerifyOwnership(ctx, p.assets, in.ThumbnailPublicID, assets.UserFolder("thumbnails", ownerID), assets.KindImage)
		if err != nil {
			return nil, fmt.Errorf("verify thumbnail asset: %w", err)
		}
		v.ThumbnailURL = thumb.SecureURL
		v.ThumbnailPublicID = thumb.PublicID
	}

	if err := p.store.CreateVideo(ctx, v); err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}
	log := p.log.WithFields(logrus.Fields{"video_id": v.ID, "owner_id": ownerID})
	log.Info("Video created")

	p.enqueue(ctx, v.ID, log)
	return v, nil
}

func (p *Publisher) enqueue(ctx context.Context, videoID string, log logrus.FieldLogger) {
	queueProcessing(ctx, p.queue, p.jobOpts, p.starter, videoID, log)
}

// queueProcessing adds the video-{id} job and nudges the worker pool. Queue
// problems are logged only.
func queueProcessing(ctx context.Context, h queue.Handle, opts queue.Options, starter Starter, videoID string, log logrus.FieldLogger) {
	q, ok := h.Get()
	if !ok {
		log.Warn("Processing queue unavailable, video stays pending")
		return
	}
	job, created, err := q.Enqueue(ctx, queue.JobIDFor(videoID), queue.Payload{VideoID: videoID}, opts)
	if err != nil {
		log.WithError(err).Error("Failed to enqueue processing job")
		return
	}
	log.WithFields(logrus.Fields{"job_id": job.ID, "created": created}).Info("Processing job queued")

	if starter != nil && starter.EnsureStarted() {
		log.Info("Started worker pool on demand")
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return apperr.Validation(strings.Join(msgs, "; "))
}
