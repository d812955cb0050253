package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler renders apperr kinds with their HTTP status, echo.HTTPErrors
// as-is and anything else as an opaque 500.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		rid, _ := c.Get("request_id").(string)
		status := http.StatusInternalServerError
		detail := ErrorDetail{Kind: "Internal", Message: "internal server error", RequestID: rid}

		var httpErr *echo.HTTPError
		switch {
		case apperr.KindOf(err) != "":
			status = apperr.HTTPStatus(err)
			detail.Kind = string(apperr.KindOf(err))
			detail.Message = err.Error()
			detail.Retryable = apperr.Retryable(err)
		case errors.As(err, &httpErr):
			status = httpErr.Code
			detail.Kind = http.StatusText(status)
			if msg, ok := httpErr.Message.(string); ok {
				detail.Message = msg
			} else {
				detail.Message = http.StatusText(status)
			}
			detail.Retryable = status == http.StatusTooManyRequests || status == http.StatusGatewayTimeout
		default:
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, ErrorBody{Error: detail})
	}
}
