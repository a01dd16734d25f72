package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"comfygate/internal/engine"
)

type jobSubmitRequest struct {
	PositivePrompt string `json:"positive_prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Seed           *int64 `json:"seed"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

// JobsSubmit enqueues one generation job. An absent or negative seed means
// the server picks one; width and height must come from the configured
// choices.
func (a *App) JobsSubmit(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}

	var req jobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	seed := int64(-1)
	if req.Seed != nil {
		seed = *req.Seed
	}
	width, ok := pickDimension(req.Width, a.Widths)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported width")
		return
	}
	height, ok := pickDimension(req.Height, a.Heights)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported height")
		return
	}

	job, err := a.Engine.Submit(r.Context(), cid, engine.SubmitRequest{
		PositivePrompt: req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           seed,
		Width:          width,
		Height:         height,
	})
	if err != nil {
		if errors.Is(err, engine.ErrEmptyPrompt) {
			a.error(w, http.StatusBadRequest, "bad_request", "positive prompt is required")
			return
		}
		a.Logger.Error().Err(err).Str("client_id", cid).Msg("submit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to enqueue job")
		return
	}

	a.json(w, http.StatusAccepted, job)
}

// JobsList returns the caller's live queue in FIFO order.
func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	cid, ok := a.clientID(w, r)
	if !ok {
		return
	}

	jobs, err := a.Engine.Jobs(r.Context(), cid)
	if err != nil {
		a.Logger.Error().Err(err).Str("client_id", cid).Msg("list jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load jobs")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": jobs})
}

// pickDimension validates the requested size against the allowed choices. A
// zero value selects the first choice.
func pickDimension(requested int, allowed []int) (int, bool) {
	if len(allowed) == 0 {
		if requested <= 0 {
			return 512, true
		}
		return requested, true
	}
	if requested <= 0 {
		return allowed[0], true
	}
	for _, v := range allowed {
		if v == requested {
			return v, true
		}
	}
	return 0, false
}
