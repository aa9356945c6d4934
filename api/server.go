// Package api is the HTTP surface of the video pipeline.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/devrayat000/vidpipe/models"
	"github.com/devrayat000/vidpipe/processing"
	"github.com/devrayat000/vidpipe/queue"
	"github.com/devrayat000/vidpipe/videos"
	"github.com/devrayat000/vidpipe/worker"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// ProgressSource feeds the processing-events stream.
type ProgressSource interface {
	GetProgress(ctx context.Context, videoID string) (*models.ProcessingProgress, error)
	SubscribeToProgress(ctx context.Context, videoID string) (<-chan *models.ProcessingProgress, error)
}

// WorkerControl is the embedded worker pool, when this process runs one.
type WorkerControl interface {
	Status() worker.Status
	ForceStart() bool
}

type Deps struct {
	Processing *processing.Service
	Details    *videos.DetailService
	Publisher  *videos.Publisher
	Lifecycle  *videos.Lifecycle
	Queue      queue.Handle
	// Progress is optional; without it the event stream polls the store.
	Progress ProgressSource
	// Worker is optional.
	Worker     WorkerControl
	Limiter    RateLimiter
	AdminToken string
	Metrics    http.Handler
	Log        logrus.FieldLogger
}

type Server struct {
	*echo.Echo
	deps Deps
	log  logrus.FieldLogger

	pollInterval time.Duration
	streamLimit  time.Duration
}

func NewServer(deps Deps) *Server {
	e := echo.New()
	s := &Server{
		Echo:         e,
		deps:         deps,
		log:          deps.Log.WithField("component", "api"),
		pollInterval: 2 * time.Second,
		streamLimit:  10 * time.Minute,
	}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	s.HTTPErrorHandler = errorHandler(s.log)
	s.Use(middleware.BodyLimit("1M"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(requestLogger(s.log))
	s.Use(identity())
}

func (s *Server) registerRoutes() {
	s.GET("/healthz", func(c echo.Context) error {
		return respond(c, http.StatusOK, map[string]string{"status": "ok"}, "OK")
	})
	if s.deps.Metrics != nil {
		s.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1 := s.Group("/api/v1")

	var limited []echo.MiddlewareFunc
	if s.deps.Limiter != nil {
		limited = append(limited, rateLimit(s.deps.Limiter))
	}

	videosGroup := v1.Group("/videos")
	videosGroup.POST("", s.handlePublish, limited...)
	videosGroup.GET("/:videoId", s.handleGetVideo)
	videosGroup.GET("/:videoId/processing-status", s.handleProcessingStatus)
	videosGroup.PATCH("/:videoId/cancel-processing", s.handleCancelProcessing, limited...)
	videosGroup.GET("/:videoId/processing-events", s.handleProcessingEvents)
	videosGroup.DELETE("/:videoId", s.handleSoftDelete, limited...)
	videosGroup.PATCH("/:videoId/restore", s.handleRestore, limited...)
	videosGroup.DELETE("/:videoId/permanent", s.handleHardDelete, limited...)

	v1.GET("/processing/worker", s.handleWorkerStatus)
	v1.POST("/processing/worker/start", s.handleWorkerStart, limited...)
}
