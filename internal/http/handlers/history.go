package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"comfygate/internal/domain"
	"comfygate/internal/engine"
)

// HistoryList returns the caller's job history, newest first.
func (a *App) HistoryList(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}

	entries, err := a.Engine.History(r.Context(), cid)
	if err != nil {
		a.Logger.Error().Err(err).Str("client_id", cid).Msg("list history failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load history")
		return
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	a.json(w, http.StatusOK, map[string]any{"items": entries})
}

// HistoryDelete removes one history entry and its stored images.
func (a *App) HistoryDelete(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	deleted, err := a.Engine.DeleteHistory(r.Context(), cid, jobID)
	if err != nil {
		a.Logger.Error().Err(err).Str("client_id", cid).Msg("delete history failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete entry")
		return
	}
	if !deleted {
		a.error(w, http.StatusNotFound, "not_found", "history entry not found")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"deleted": jobID})
}

// HistoryClear drops the caller's entire history.
func (a *App) HistoryClear(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}

	removed, err := a.Engine.ClearHistory(r.Context(), cid)
	if err != nil {
		a.Logger.Error().Err(err).Str("client_id", cid).Msg("clear history failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to clear history")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"removed": removed})
}

// HistoryRestore re-fetches a finished prompt's images from the remote and
// reattaches them to the entry.
func (a *App) HistoryRestore(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	entry, err := a.Engine.RestoreImages(r.Context(), cid, jobID)
	switch {
	case err == nil:
		a.json(w, http.StatusOK, entry)
	case errors.Is(err, engine.ErrUnknownJob):
		a.error(w, http.StatusNotFound, "not_found", "history entry not found")
	case errors.Is(err, engine.ErrNoPromptID):
		a.error(w, http.StatusConflict, "not_restorable", "job has no prompt id to restore from")
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrTimeout):
		a.error(w, http.StatusGatewayTimeout, "not_ready", "remote result is not available yet")
	default:
		a.Logger.Error().Err(err).Str("client_id", cid).Str("job_id", jobID).Msg("restore failed")
		a.error(w, http.StatusBadGateway, "upstream", "failed to restore images")
	}
}
