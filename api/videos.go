package api

import (
	"net/http"
	"strings"

	"github.com/devrayat000/vidpipe/videos"
	"github.com/labstack/echo/v4"
)

func videoIDParam(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("videoId"))
	if id == "" {
		return "", errBadRequest("videoId is required")
	}
	return id, nil
}

func (s *Server) handlePublish(c echo.Context) error {
	owner, err := requireUser(c)
	if err != nil {
		return err
	}
	var in videos.PublishInput
	if err := c.Bind(&in); err != nil {
		return errBadRequest("Invalid request body")
	}

	v, err := s.deps.Publisher.Publish(c.Request().Context(), owner, in)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, v, "Video published, processing queued")
}

func (s *Server) handleGetVideo(c echo.Context) error {
	id, err := videoIDParam(c)
	if err != nil {
		return err
	}
	payload, message, err := s.deps.Details.Get(c.Request().Context(), id, userID(c), c.QueryParam("quality"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, payload, message)
}

func (s *Server) handleSoftDelete(c echo.Context) error {
	owner, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := videoIDParam(c)
	if err != nil {
		return err
	}
	v, err := s.deps.Lifecycle.SoftDelete(c.Request().Context(), id, owner)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, v, "Video moved to trash")
}

func (s *Server) handleRestore(c echo.Context) error {
	owner, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := videoIDParam(c)
	if err != nil {
		return err
	}
	v, err := s.deps.Lifecycle.Restore(c.Request().Context(), id, owner)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, v, "Video restored")
}

func (s *Server) handleHardDelete(c echo.Context) error {
	owner, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := videoIDParam(c)
	if err != nil {
		return err
	}
	if err := s.deps.Lifecycle.HardDelete(c.Request().Context(), id, owner); err != nil {
		return err
	}
	return respond(c, http.StatusOK, nil, "Video permanently deleted")
}
