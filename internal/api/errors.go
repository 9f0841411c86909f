package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/inference"
	"github.com/samcharles93/kvdecode/internal/logits"
	"github.com/samcharles93/kvdecode/internal/mask"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string { return e.msg }
func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, ErrorResponse{Error: ErrorBody{Message: msg, Type: errType}})
}

// classify maps an error from the service onto an HTTP status and error type.
func classify(err error) (int, string) {
	var setupErr *inference.SetupError
	var tokErr *inference.TokenizeError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, inference.ErrInvalidRequest),
		errors.Is(err, blobstore.ErrInvalidName),
		errors.Is(err, logits.ErrInvalidTemperature),
		errors.Is(err, mask.ErrUnavailable),
		errors.As(err, &tokErr):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, blobstore.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, inference.ErrBusy):
		return http.StatusConflict, "busy_error"
	case errors.Is(err, inference.ErrNotInitialized):
		return http.StatusServiceUnavailable, "not_ready_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout_error"
	case errors.As(err, &setupErr):
		return http.StatusInternalServerError, "setup_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeServiceError(c *echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error())
}
