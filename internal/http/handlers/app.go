// Package handlers contains the HTTP endpoints. Every handler resolves the
// caller's session from the client id middleware and delegates to the engine.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"comfygate/internal/engine"
	"comfygate/internal/middleware"
	"comfygate/internal/tags"
)

type App struct {
	Engine  *engine.Engine
	Tags    *tags.Dictionary
	Widths  []int
	Heights []int
	Logger  zerolog.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, errorResponse{Error: kind, Message: message})
}

func (a *App) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	cid := middleware.ClientIDFromContext(r.Context())
	if cid == "" {
		a.error(w, http.StatusInternalServerError, "internal", "missing client context")
		return "", false
	}
	return cid, true
}
