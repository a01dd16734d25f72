package handlers

import "net/http"

// Status reports the admission counters, the caller's usage against the
// limits, and the configured size choices.
func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}

	report, err := a.Engine.Status(r.Context(), cid)
	if err != nil {
		a.Logger.Error().Err(err).Str("client_id", cid).Msg("status failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load status")
		return
	}

	a.json(w, http.StatusOK, map[string]any{
		"admission": report,
		"widths":    a.Widths,
		"heights":   a.Heights,
	})
}
