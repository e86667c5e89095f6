package middleware

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/internal/appcontext"
	"github.com/Ramsey-B/sorrel/internal/tracing"
)

// ErrorResponse is the JSON body returned for any handler error
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error maps handler errors onto JSON responses, honoring httperror status
// codes and echo's own HTTP errors.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		logger.WithContext(ctx).WithError(err).Error("Request failed")
		if c.Response().Committed {
			return
		}

		code, message, meta := resolve(err)
		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appcontext.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

func resolve(err error) (code int, message string, meta map[string]any) {
	code = http.StatusInternalServerError
	message = "Internal Server Error"
	meta = map[string]any{}

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}
	if httperror.IsHTTPError(err) {
		httperr := httperror.ToHTTPError(err)
		code = httperror.GetStatusCode(err)
		message = httperr.Error()
		meta = httperr.Meta
	}
	return code, message, meta
}
