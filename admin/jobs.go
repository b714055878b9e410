package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/sluice/job"
	"github.com/rs/zerolog/log"
)

// CheckpointSummary describes a checkpoint taken on demand
type CheckpointSummary struct {
	JobID     string    `json:"job_id"`
	ID        uint64    `json:"id"`
	Epoch     uint64    `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	Phase     string    `json:"phase"`
	Position  string    `json:"position"`
	Keys      int       `json:"keys"`
}

func (h *AdminHandlers) handleListJobs(w http.ResponseWriter, r *http.Request) {
	infos := h.jobs.List()
	if infos == nil {
		infos = []job.Info{}
	}
	writeJSONResponse(w, http.StatusOK, infos)
}

func (h *AdminHandlers) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.jobs.Lookup(chi.URLParam(r, "jobID"))
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, j.Info())
}

func (h *AdminHandlers) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.jobs.Cancel(id); err != nil {
		writeJobError(w, err)
		return
	}
	log.Info().Str("job", id).Msg("Job cancelled via admin API")
	h.writeJob(w, id, http.StatusOK)
}

func (h *AdminHandlers) handleRestartJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	discard := false
	if v := r.URL.Query().Get("discard_state"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid discard_state parameter")
			return
		}
		discard = parsed
	}

	var err error
	if discard {
		err = h.jobs.RestartDiscardingState(r.Context(), id)
	} else {
		err = h.jobs.Restart(id)
	}
	if err != nil {
		writeJobError(w, err)
		return
	}
	log.Info().Str("job", id).Bool("discard_state", discard).Msg("Job restarted via admin API")
	h.writeJob(w, id, http.StatusAccepted)
}

func (h *AdminHandlers) handleSnapshotJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	cp, err := h.jobs.Snapshot(r.Context(), id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, CheckpointSummary{
		JobID:     cp.JobID,
		ID:        cp.ID,
		Epoch:     cp.Epoch,
		CreatedAt: cp.CreatedAt,
		Phase:     cp.Reader.Phase.String(),
		Position:  cp.Reader.LastCommittedPosition.String(),
		Keys:      cp.KeyCount(),
	})
}

func (h *AdminHandlers) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Remove(chi.URLParam(r, "jobID")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) writeJob(w http.ResponseWriter, id string, status int) {
	j, ok := h.jobs.Lookup(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSONResponse(w, status, j.Info())
}
