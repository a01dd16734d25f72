package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ImageGet serves one stored image blob.
func (a *App) ImageGet(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}
	imageID := chi.URLParam(r, "image_id")
	if imageID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "image_id required")
		return
	}

	blob, found, err := a.Engine.Image(r.Context(), cid, imageID)
	if err != nil {
		a.Logger.Error().Err(err).Str("client_id", cid).Msg("image lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load image")
		return
	}
	if !found {
		a.error(w, http.StatusNotFound, "not_found", "image not found")
		return
	}

	mime := blob.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}
