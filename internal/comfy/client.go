// Package comfy implements the client for ComfyUI's REST and WebSocket APIs:
// job submission, completion waiting, history lookup and image download.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"comfygate/internal/domain"
)

const (
	// Remote error bodies are kept for diagnostics but never unbounded.
	maxErrorBodyBytes = 1000

	pollBaseDelay = 500 * time.Millisecond
	pollMaxDelay  = 2 * time.Second
)

// Options configures a Client.
type Options struct {
	APIBase    string
	WSURL      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to one ComfyUI server. All blocking calls honor the passed
// context; when a context carries no deadline the configured timeout is
// applied.
type Client struct {
	apiBase    string
	wsURL      string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Deadlines come from the per-call context, not a client-wide timeout,
		// because await and reconcile calls use very different budgets.
		httpClient = &http.Client{}
	}
	return &Client{
		apiBase:    strings.TrimRight(opts.APIBase, "/"),
		wsURL:      strings.TrimRight(opts.WSURL, "/"),
		timeout:    timeout,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

// Generate submits the workflow and waits for its completion. onPromptID, if
// set, is invoked as soon as ComfyUI accepts the job, before any waiting.
func (c *Client) Generate(ctx context.Context, workflow map[string]any, clientID string, onPromptID func(string)) (domain.GenerationResult, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	promptID, err := c.Submit(ctx, workflow, clientID)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	if onPromptID != nil {
		onPromptID(promptID)
	}
	return c.AwaitCompletion(ctx, promptID, clientID)
}

// Submit posts the rendered workflow and returns the prompt id assigned by
// ComfyUI.
func (c *Client) Submit(ctx context.Context, workflow map[string]any, clientID string) (string, error) {
	body, err := json.Marshal(map[string]any{"prompt": workflow, "client_id": clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post prompt: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read prompt response: %w", err)
	}
	c.trace().Int("status", resp.StatusCode).Str("body", truncate(string(raw), 300)).Msg("http POST /prompt")

	if resp.StatusCode >= http.StatusBadRequest {
		return "", &domain.SubmissionError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), maxErrorBodyBytes),
		}
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if out.PromptID == "" {
		return "", errors.New("prompt response did not include prompt_id")
	}
	return out.PromptID, nil
}

// AwaitCompletion waits until the prompt finishes, racing the push-event
// channel against history polling. The polled history is authoritative: even
// when the push signal fires first, the result is taken from a history fetch
// that satisfied the polling rule, bounded by the same overall deadline.
func (c *Client) AwaitCompletion(ctx context.Context, promptID, clientID string) (domain.GenerationResult, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	history, err := c.waitForHistory(ctx, promptID, clientID)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	if detail, found := historyErrorDetail(history); found {
		return domain.GenerationResult{}, &domain.RemoteError{Detail: detail}
	}

	images, err := c.downloadImages(ctx, history)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	return domain.GenerationResult{PromptID: promptID, Images: images, History: history}, nil
}

// FetchExisting retrieves history and images for an already-submitted prompt.
// In fast mode it performs exactly one history fetch and fails with
// ErrNotReady when no images are present yet, so reconciliation sweeps never
// block on a slow remote.
func (c *Client) FetchExisting(ctx context.Context, promptID string, fast bool) (domain.GenerationResult, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	var history map[string]any
	var err error
	if fast {
		history, err = c.fetchHistory(ctx, promptID)
		if err != nil {
			return domain.GenerationResult{}, err
		}
		if !hasImages(history) {
			return domain.GenerationResult{}, fmt.Errorf("prompt %s: %w", promptID, domain.ErrNotReady)
		}
	} else {
		history, err = c.pollHistory(ctx, promptID)
		if err != nil {
			return domain.GenerationResult{}, err
		}
	}

	if detail, found := historyErrorDetail(history); found {
		return domain.GenerationResult{}, &domain.RemoteError{Detail: detail}
	}

	images, err := c.downloadImages(ctx, history)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	return domain.GenerationResult{PromptID: promptID, Images: images, History: history}, nil
}

// waitForHistory runs the dual-channel race. The push signal only shortcuts
// the wait; it is never trusted as proof of a readable result because the
// event can arrive before the history store has been written.
func (c *Client) waitForHistory(ctx context.Context, promptID, clientID string) (map[string]any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type pollOutcome struct {
		history map[string]any
		err     error
	}
	pollCh := make(chan pollOutcome, 1)
	go func() {
		history, err := c.pollHistory(ctx, promptID)
		pollCh <- pollOutcome{history: history, err: err}
	}()

	pushCh := make(chan struct{}, 1)
	go func() {
		if c.listenForCompletion(ctx, promptID, clientID) {
			pushCh <- struct{}{}
		}
	}()

	select {
	case out := <-pollCh:
		return out.history, out.err
	case <-pushCh:
		// Push won the race; still wait for the authoritative poll, which
		// keeps running under the same overall deadline.
		out := <-pollCh
		return out.history, out.err
	}
}

// pollHistory fetches history with capped exponential backoff until the
// entry reports images or a remote error, or the deadline expires. Transient
// fetch failures are swallowed and retried.
func (c *Client) pollHistory(ctx context.Context, promptID string) (map[string]any, error) {
	attempt := 0
	for {
		attempt++
		history, err := c.fetchHistory(ctx, promptID)
		switch {
		case err == nil && hasImages(history):
			return history, nil
		case err == nil:
			if _, found := historyErrorDetail(history); found {
				// Execution failed remotely; no amount of polling will
				// produce images.
				return history, nil
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, c.timeoutErr(ctx, promptID)
		default:
			c.trace().Err(err).Str("prompt_id", promptID).Msg("history fetch retry")
		}

		delay := time.Duration(attempt) * pollBaseDelay
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, c.timeoutErr(ctx, promptID)
		}
	}
}

func (c *Client) timeoutErr(ctx context.Context, promptID string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("prompt %s history did not populate in time: %w", promptID, domain.ErrTimeout)
}

// fetchHistory performs one history lookup. ComfyUI sometimes nests the
// entry under "history" and sometimes returns a flat object keyed by prompt
// id; both shapes are accepted.
func (c *Client) fetchHistory(ctx context.Context, promptID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read history response: %w", err)
	}
	c.trace().Int("status", resp.StatusCode).Str("prompt_id", promptID).Str("body", truncate(string(raw), 300)).Msg("http GET /history")

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("history fetch http %d", resp.StatusCode)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}

	if container, ok := data["history"].(map[string]any); ok {
		if entry, ok := container[promptID].(map[string]any); ok {
			return entry, nil
		}
	}
	if entry, ok := data[promptID].(map[string]any); ok {
		return entry, nil
	}
	return nil, fmt.Errorf("history was empty for prompt %s: %w", promptID, domain.ErrNotReady)
}

// downloadImages fetches raw bytes for every image descriptor in the history
// outputs via the view endpoint. Node ids are walked in sorted order so the
// image sequence is stable.
func (c *Client) downloadImages(ctx context.Context, history map[string]any) ([]domain.ImageResult, error) {
	outputs, _ := history["outputs"].(map[string]any)
	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var images []domain.ImageResult
	for _, nodeID := range nodeIDs {
		node, _ := outputs[nodeID].(map[string]any)
		descriptors, _ := node["images"].([]any)
		for _, d := range descriptors {
			meta, _ := d.(map[string]any)
			fileName, _ := meta["filename"].(string)
			if fileName == "" {
				continue
			}
			subfolder, _ := meta["subfolder"].(string)

			img, err := c.downloadImage(ctx, fileName, subfolder)
			if err != nil {
				return nil, err
			}
			images = append(images, img)
		}
	}

	if len(images) == 0 {
		return nil, fmt.Errorf("nodes %v: %w", nodeIDs, domain.ErrEmptyResult)
	}
	return images, nil
}

func (c *Client) downloadImage(ctx context.Context, fileName, subfolder string) (domain.ImageResult, error) {
	params := url.Values{}
	params.Set("filename", fileName)
	params.Set("subfolder", subfolder)
	params.Set("type", "output")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/view?"+params.Encode(), nil)
	if err != nil {
		return domain.ImageResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ImageResult{}, fmt.Errorf("download image %s: %w", fileName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return domain.ImageResult{}, fmt.Errorf("download image %s: http %d", fileName, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ImageResult{}, fmt.Errorf("download image %s: %w", fileName, err)
	}
	c.trace().Str("filename", fileName).Int("bytes", len(data)).Msg("http GET /view")

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return domain.ImageResult{
		FileName:  fileName,
		Subfolder: subfolder,
		MIMEType:  mimeType,
		Data:      data,
	}, nil
}

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) trace() *zerolog.Event {
	return c.logger.Trace()
}

// hasImages reports whether any output node carries at least one image
// descriptor.
func hasImages(history map[string]any) bool {
	outputs, _ := history["outputs"].(map[string]any)
	for _, node := range outputs {
		n, _ := node.(map[string]any)
		if imgs, ok := n["images"].([]any); ok && len(imgs) > 0 {
			return true
		}
	}
	return false
}

// historyErrorDetail extracts the remote error record from a history entry,
// checking both field spellings ComfyUI uses.
func historyErrorDetail(history map[string]any) (string, bool) {
	for _, key := range []string{"errors", "error"} {
		v, ok := history[key]
		if !ok || v == nil {
			continue
		}
		switch detail := v.(type) {
		case string:
			if detail != "" {
				return detail, true
			}
		case map[string]any:
			if len(detail) > 0 {
				return fmt.Sprint(detail), true
			}
		case []any:
			if len(detail) > 0 {
				return fmt.Sprint(detail), true
			}
		default:
			return fmt.Sprint(detail), true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
