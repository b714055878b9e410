// Package admin serves the job control surface over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/maxpert/sluice/coordinator"
	"github.com/maxpert/sluice/job"
	"github.com/rs/zerolog/log"
)

// JobControl is the part of job.Manager the admin API drives.
type JobControl interface {
	List() []job.Info
	Lookup(id string) (*job.Job, bool)
	Cancel(id string) error
	Restart(id string) error
	RestartDiscardingState(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id string) (*checkpoint.Checkpoint, error)
	Remove(id string) error
}

// AdminHandlers handles admin API endpoints for job control
type AdminHandlers struct {
	jobs JobControl
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(jobs JobControl) *AdminHandlers {
	return &AdminHandlers{jobs: jobs}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeJobError maps job and coordinator errors to HTTP status codes
func writeJobError(w http.ResponseWriter, err error) {
	var (
		timeout  *cdc.SnapshotTimeoutError
		rejected *coordinator.BarrierRejectedError
		persist  *coordinator.PersistError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrInvalidTransition),
		errors.Is(err, job.ErrDiscardRequired),
		errors.Is(err, job.ErrJobActive),
		errors.Is(err, coordinator.ErrSnapshotInFlight):
		status = http.StatusConflict
	case errors.As(err, &timeout), errors.As(err, &rejected), errors.As(err, &persist):
		status = http.StatusServiceUnavailable
	}
	writeErrorResponse(w, status, err.Error())
}
