package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/mpromonet/tflite-pipeline/pipeline"
)

// ErrBadImage is returned for uploads that cannot be decoded.
var ErrBadImage = errors.New("cannot decode image")

// httpStatus maps pipeline and worker errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadImage), errors.Is(err, pipeline.ErrEmptyImage):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotReady),
		errors.Is(err, pipeline.ErrBusy),
		errors.Is(err, pipeline.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
