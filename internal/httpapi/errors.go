package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cyp0633/eventseries/internal/ics"
	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
)

// errBadRequest marks malformed input caught by the transport itself.
var errBadRequest = errors.New("bad request")

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }
func (e badRequest) Unwrap() error { return errBadRequest }

func invalid(msg string) error { return badRequest{msg: msg} }

// statusOf maps service errors onto HTTP status codes.
func statusOf(err error) int {
	var engineErr *recurrence.EngineError
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, series.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, series.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, series.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, series.ErrEngineDegradation), errors.As(err, &engineErr):
		return http.StatusBadRequest
	case errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, recurrence.ErrInvalidTimeZone),
		errors.Is(err, recurrence.ErrInvalidInstant),
		errors.Is(err, ics.ErrNoSeries):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "path", c.FullPath())
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
