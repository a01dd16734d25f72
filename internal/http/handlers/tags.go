package handlers

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultTagLimit = 50

// TagsSearch queries the tag dictionary. Space-separated terms in q must all
// match; terms in exclude filter matches out.
func (a *App) TagsSearch(w http.ResponseWriter, r *http.Request) {
	if a.Tags == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "tag dictionary not loaded")
		return
	}

	q := r.URL.Query()
	terms := strings.Fields(q.Get("q"))
	exclude := strings.Fields(q.Get("exclude"))

	limit := defaultTagLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	results := a.Tags.Search(terms, limit, exclude)
	a.json(w, http.StatusOK, map[string]any{"items": results})
}

// NegativePreset is a ready-made negative prompt the client can offer as a
// dropdown choice.
type NegativePreset struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var negativePresets = []NegativePreset{
	{Name: "none", Value: ""},
	{
		Name: "basic",
		Value: "lowres, bad anatomy, bad hands, text, error, missing fingers, " +
			"extra digit, fewer digits, cropped, worst quality, low quality",
	},
	{
		Name: "strict",
		Value: "lowres, bad anatomy, bad hands, text, error, missing fingers, " +
			"extra digit, fewer digits, cropped, worst quality, low quality, " +
			"normal quality, jpeg artifacts, signature, watermark, username, blurry",
	},
}

// NegativePresets lists the built-in negative prompt presets.
func (a *App) NegativePresets(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"items": negativePresets})
}
