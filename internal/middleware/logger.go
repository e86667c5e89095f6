package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/internal/tracing"
)

// Logger logs one structured line per request after the handler returns
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = res.Header().Get(echo.HeaderXRequestID)
			}
			if requestID == "" {
				requestID = uuid.New().String()
			}

			fields := map[string]any{
				"request_id":    requestID,
				"method":        req.Method,
				"uri":           req.RequestURI,
				"route":         c.Path(),
				"status":        res.Status,
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"latency_ms":    time.Since(start).Milliseconds(),
				"response_size": res.Size,
			}
			if traceID := tracing.GetTraceID(req.Context()); traceID != "" {
				fields["trace_id"] = traceID
			}

			logger.WithContext(req.Context()).WithFields(fields).Info("Request")
			return nil
		}
	}
}
