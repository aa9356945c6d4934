package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devrayat000/vidpipe/apperr"
	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/devrayat000/vidpipe/worker"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

func (s *Server) handleProcessingStatus(c echo.Context) error {
	id, err := videoIDParam(c)
	if err != nil {
		return err
	}
	view, err := s.deps.Processing.GetStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, view, "Processing status fetched")
}

func (s *Server) handleCancelProcessing(c echo.Context) error {
	requester, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := videoIDParam(c)
	if err != nil {
		return err
	}
	view, err := s.deps.Processing.Cancel(c.Request().Context(), id, requester)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, view, "Processing cancelled")
}

func progressFromView(videoID string, v models.ProcessingStatusView) *models.ProcessingProgress {
	p := &models.ProcessingProgress{
		VideoID:   videoID,
		Status:    v.ProcessingStatus,
		Progress:  v.ProcessingProgress,
		Step:      v.ProcessingStep,
		Timestamp: time.Now(),
	}
	if v.ProcessingError != nil {
		p.Message = *v.ProcessingError
	}
	return p
}

type progressStream struct {
	c    echo.Context
	last *models.ProcessingProgress
}

// send writes p unless it repeats the previous event. It reports whether the
// stream should end.
func (st *progressStream) send(p *models.ProcessingProgress) (bool, error) {
	if st.last != nil && st.last.Status == p.Status && st.last.Progress == p.Progress && st.last.Step == p.Step {
		return p.Status.IsTerminal(), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return true, err
	}
	w := st.c.Response()
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return true, err
	}
	w.Flush()
	st.last = p
	return p.Status.IsTerminal(), nil
}

// handleProcessingEvents streams progress as server-sent events until the
// video reaches a terminal status.
func (s *Server) handleProcessingEvents(c echo.Context) error {
	id, err := videoIDParam(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.streamLimit)
	defer cancel()
	log := s.log.WithField("video_id", id)

	view, err := s.deps.Processing.GetStatus(ctx, id)
	if err != nil {
		return err
	}

	var updates <-chan *models.ProcessingProgress
	initial := progressFromView(id, view)
	if s.deps.Progress != nil {
		if updates, err = s.deps.Progress.SubscribeToProgress(ctx, id); err != nil {
			log.WithError(err).Warn("Progress subscription failed, polling instead")
			updates = nil
		}
		if p, err := s.deps.Progress.GetProgress(ctx, id); err == nil && !view.ProcessingStatus.IsTerminal() {
			initial = p
		}
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	st := &progressStream{c: c}
	if done, err := st.send(initial); done || err != nil {
		return nil
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		var p *models.ProcessingProgress
		select {
		case <-ctx.Done():
			log.Debug("Progress stream closed")
			return nil
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			p = u
		case <-ticker.C:
			view, err := s.deps.Processing.GetStatus(ctx, id)
			if err != nil {
				log.WithError(err).Debug("Progress poll failed")
				return nil
			}
			p = progressFromView(id, view)
		}

		done, err := st.send(p)
		if err != nil {
			log.WithError(err).Debug("Progress stream write failed")
			return nil
		}
		if done {
			return nil
		}
	}
}

type workerStatus struct {
	QueueAvailable bool           `json:"queueAvailable"`
	Queue          *queue.Counts  `json:"queue"`
	Pool           *worker.Status `json:"pool"`
}

func (s *Server) handleWorkerStatus(c echo.Context) error {
	out := workerStatus{QueueAvailable: s.deps.Queue.Available()}
	if q, ok := s.deps.Queue.Get(); ok {
		counts, err := q.Counts(c.Request().Context())
		if err != nil {
			return apperr.Upstream("Failed to read queue counts", err)
		}
		out.Queue = &counts
	}
	if s.deps.Worker != nil {
		st := s.deps.Worker.Status()
		out.Pool = &st
	}
	return respond(c, http.StatusOK, out, "Worker status fetched")
}

func (s *Server) handleWorkerStart(c echo.Context) error {
	token := c.Request().Header.Get(HeaderAdminToken)
	if s.deps.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
		return apperr.Forbidden("Admin token required")
	}
	if !s.deps.Queue.Available() {
		return apperr.InvalidState("Processing queue is unavailable")
	}
	if s.deps.Worker == nil {
		return apperr.InvalidState("No worker pool runs in this process")
	}

	started := s.deps.Worker.ForceStart()
	s.log.WithFields(logrus.Fields{"started": started, "requested_by": userID(c)}).Info("Worker force start requested")

	msg := "Worker pool already running"
	if started {
		msg = "Worker pool started"
	}
	return respond(c, http.StatusOK, s.deps.Worker.Status(), msg)
}
