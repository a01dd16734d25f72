package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfygate/internal/admission"
	"comfygate/internal/domain"
	"comfygate/internal/engine"
	"comfygate/internal/http/handlers"
	"comfygate/internal/middleware"
	"comfygate/internal/store"
	"comfygate/internal/tags"
)

type stubGateway struct{}

func (stubGateway) Generate(ctx context.Context, workflow map[string]any, clientID string, onPromptID func(string)) (domain.GenerationResult, error) {
	if onPromptID != nil {
		onPromptID("prompt-stub")
	}
	return domain.GenerationResult{
		PromptID: "prompt-stub",
		Images: []domain.ImageResult{
			{FileName: "out.png", MIMEType: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
		},
	}, nil
}

func (stubGateway) FetchExisting(ctx context.Context, promptID string, fast bool) (domain.GenerationResult, error) {
	return domain.GenerationResult{PromptID: promptID}, nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	template := map[string]any{
		"1": map[string]any{
			"inputs": map[string]any{"text": "{{positive_prompt}}", "seed": "{{seed}}"},
		},
	}
	eng := engine.New(engine.Options{
		Gateway:          stubGateway{},
		Counters:         admission.NewCounters(admission.Limits{PerUser: 1}),
		Store:            store.NewMemoryStore(),
		Template:         template,
		Logger:           zerolog.Nop(),
		RequestTimeout:   5 * time.Second,
		ReconcileTimeout: time.Second,
	})
	dict, err := tags.Load("")
	require.NoError(t, err)

	app := &handlers.App{
		Engine:  eng,
		Tags:    dict,
		Widths:  []int{512, 768},
		Heights: []int{512, 768},
		Logger:  zerolog.Nop(),
	}
	srv := httptest.NewServer(NewRouter(app, Options{Logger: zerolog.Nop()}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, clientID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if clientID != "" {
		req.Header.Set(middleware.ClientIDHeader, clientID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmitAndFetchHistory(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", "client-1", map[string]any{
		"positive_prompt": "a fox in the snow",
		"width":           768,
		"height":          512,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job domain.Job
	decodeBody(t, resp, &job)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 768, job.Width)
	assert.Equal(t, 512, job.Height)

	var entry domain.HistoryEntry
	require.Eventually(t, func() bool {
		resp := doJSON(t, http.MethodGet, srv.URL+"/v1/history", "client-1", nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		var payload struct {
			Items []domain.HistoryEntry `json:"items"`
		}
		decodeBody(t, resp, &payload)
		for _, e := range payload.Items {
			if e.JobID == job.ID && e.Status == domain.JobStatusSuccess {
				entry = e
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.Len(t, entry.Images, 1)
	assert.Equal(t, "prompt-stub", entry.PromptID)

	imgResp := doJSON(t, http.MethodGet, srv.URL+"/v1/images/"+entry.Images[0], "client-1", nil)
	defer imgResp.Body.Close()
	require.Equal(t, http.StatusOK, imgResp.StatusCode)
	assert.Equal(t, "image/png", imgResp.Header.Get("Content-Type"))
}

func TestSubmitValidation(t *testing.T) {
	srv := testServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "empty prompt", body: map[string]any{"positive_prompt": "  "}},
		{name: "unsupported width", body: map[string]any{"positive_prompt": "a fox", "width": 640}},
		{name: "unsupported height", body: map[string]any{"positive_prompt": "a fox", "height": 999}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", "client-1", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestImagesAreScopedToClient(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", "client-a", map[string]any{
		"positive_prompt": "a fox",
	})
	var job domain.Job
	decodeBody(t, resp, &job)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var imageID string
	require.Eventually(t, func() bool {
		resp := doJSON(t, http.MethodGet, srv.URL+"/v1/history", "client-a", nil)
		var payload struct {
			Items []domain.HistoryEntry `json:"items"`
		}
		decodeBody(t, resp, &payload)
		for _, e := range payload.Items {
			if e.JobID == job.ID && len(e.Images) > 0 {
				imageID = e.Images[0]
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	other := doJSON(t, http.MethodGet, srv.URL+"/v1/images/"+imageID, "client-b", nil)
	defer other.Body.Close()
	assert.Equal(t, http.StatusNotFound, other.StatusCode, "another client must not see the blob")
}

func TestHistoryDeleteUnknownEntry(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/v1/history/nope", "client-1", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryClear(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/v1/history", "client-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Removed int `json:"removed"`
	}
	decodeBody(t, resp, &payload)
	assert.Zero(t, payload.Removed)
}

func TestTagsEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/tags?q=hair&limit=5", "client-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Items []tags.Tag `json:"items"`
	}
	decodeBody(t, resp, &payload)
	require.NotEmpty(t, payload.Items)
	for _, tag := range payload.Items {
		assert.Contains(t, tag.Name, "hair")
	}
}

func TestNegativePresetsEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/presets/negative", "client-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Items []handlers.NegativePreset `json:"items"`
	}
	decodeBody(t, resp, &payload)
	require.NotEmpty(t, payload.Items)
	assert.Equal(t, "none", payload.Items[0].Name)
	assert.Empty(t, payload.Items[0].Value)
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/status", "client-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Admission engine.StatusReport `json:"admission"`
		Widths    []int               `json:"widths"`
		Heights   []int               `json:"heights"`
	}
	decodeBody(t, resp, &payload)
	assert.Equal(t, 1, payload.Admission.PerUserLimit)
	assert.Equal(t, []int{512, 768}, payload.Widths)
}

func TestHealthAndClientIDEcho(t *testing.T) {
	srv := testServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/healthz", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.ClientIDHeader), "a client id is minted and echoed")
}

func TestRateLimitAppliesPerClient(t *testing.T) {
	template := map[string]any{
		"1": map[string]any{"inputs": map[string]any{"text": "{{positive_prompt}}"}},
	}
	eng := engine.New(engine.Options{
		Gateway:  stubGateway{},
		Template: template,
		Logger:   zerolog.Nop(),
	})
	dict, err := tags.Load("")
	require.NoError(t, err)
	app := &handlers.App{Engine: eng, Tags: dict, Logger: zerolog.Nop()}
	srv := httptest.NewServer(NewRouter(app, Options{Logger: zerolog.Nop(), RateLimitPerMin: 2}))
	t.Cleanup(srv.Close)

	for i := 0; i < 2; i++ {
		resp := doJSON(t, http.MethodGet, srv.URL+"/v1/status", "client-rl", nil)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("request %d", i))
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/status", "client-rl", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	healthy := doJSON(t, http.MethodGet, srv.URL+"/v1/healthz", "client-rl", nil)
	healthy.Body.Close()
	assert.Equal(t, http.StatusOK, healthy.StatusCode, "healthz is outside the limiter")
}
