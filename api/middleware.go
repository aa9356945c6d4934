package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

const (
	HeaderUserID     = "X-User-ID"
	HeaderAdminToken = "X-Admin-Token"

	ctxUserID = "userID"
)

// identity trusts the user ID forwarded by the gateway. Callers without one
// are anonymous.
func identity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ctxUserID, strings.TrimSpace(c.Request().Header.Get(HeaderUserID)))
			return next(c)
		}
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

func requireUser(c echo.Context) (string, error) {
	id := userID(c)
	if id == "" {
		return "", errUnauthorized()
	}
	return id, nil
}

// rateLimit keys callers by user ID, falling back to the client IP.
func rateLimit(limiter RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := userID(c)
			if key == "" {
				key = c.RealIP()
			}
			if !limiter.Allow(key) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests, slow down")
			}
			return next(c)
		}
	}
}

func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"request_id":  v.RequestID,
				"http_method": v.Method,
				"uri":         v.URI,
				"status_code": v.Status,
				"latency_ms":  v.Latency.Milliseconds(),
				"client_ip":   v.RemoteIP,
				"user_agent":  v.UserAgent,
			})
			switch {
			case v.Status >= http.StatusInternalServerError:
				if v.Error != nil {
					entry = entry.WithError(v.Error)
				}
				entry.Error("Request completed with server error")
			case v.Status >= http.StatusBadRequest:
				entry.Warn("Request completed with client error")
			default:
				entry.Info("Request completed successfully")
			}
			return nil
		},
	})
}
