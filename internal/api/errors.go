package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/pkg/logger"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorHandler maps domain errors onto status codes. Anything unrecognised
// is a 500 whose cause is logged but not returned.
func errorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			log.WithContext(c.Request().Context()).Error("request error",
				logger.ErrorField(err),
				zap.String("path", c.Request().URL.Path),
			)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Error("failed to write error response", logger.ErrorField(err))
		}
	}
}

func classify(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{"NOT_FOUND", err.Error()}
	case errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict, ErrorResponse{"DUPLICATE_KEY", err.Error()}
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, ErrorResponse{"INVALID_ARGUMENT", err.Error()}
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{"UNAVAILABLE", err.Error()}
	case errors.As(err, &he):
		return he.Code, ErrorResponse{statusCode(he.Code), fmt.Sprint(he.Message)}
	}
	return http.StatusInternalServerError, ErrorResponse{"INTERNAL", "internal server error"}
}

// statusCode turns "Too Many Requests" into "TOO_MANY_REQUESTS"
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
