package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/catalog"
	"github.com/maestro-run/maestro/pkg/credential"
	"github.com/maestro-run/maestro/pkg/eventlog"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/playbook"
	"github.com/maestro-run/maestro/pkg/queue"
)

// abortWith maps domain errors to HTTP responses. Playbook validation
// problems are the caller's fault; unknown resources are 404; action
// errors surface their structured shape; anything else is a 500 that
// gets logged but not detailed to the client.
func abortWith(c *gin.Context, err error) {
	var parseErr *playbook.ParseError
	if errors.As(err, &parseErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
		return
	}

	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, eventlog.ErrExecutionNotFound),
		errors.Is(err, credential.ErrNotFound),
		errors.Is(err, eventlog.ErrNotFound),
		errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var serr *models.StructuredError
	if errors.As(err, &serr) {
		status := http.StatusBadGateway
		if serr.Kind == models.ErrorKindValidation {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": serr})
		return
	}

	slog.Error("Unexpected API error",
		"path", c.FullPath(),
		"request_id", c.GetString(requestIDKey),
		"error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
