package comfy

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// wsEvent is the subset of ComfyUI's event stream the client cares about:
// "executed" marks a specific prompt done, "progress_state" reports per-node
// execution states.
type wsEvent struct {
	Type string `json:"type"`
	Data struct {
		PromptID string `json:"prompt_id"`
		Nodes    map[string]struct {
			State string `json:"state"`
		} `json:"nodes"`
	} `json:"data"`
}

// listenForCompletion opens the push-event channel and reports whether a
// completion signal for promptID was observed. Any failure on this channel
// is non-fatal: polling is the authoritative path, so errors are only traced
// and the listener gives up silently.
func (c *Client) listenForCompletion(ctx context.Context, promptID, clientID string) bool {
	wsURL := c.buildWSURL(clientID)
	c.trace().Str("url", "/ws").Msg("ws connect")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.trace().Err(err).Msg("ws dial failed")
		return false
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// ReadMessage has no context support; closing the connection on cancel
	// unblocks the read so the listener never outlives the wait.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.trace().Err(err).Msg("ws listener stopped")
			return false
		}

		var event wsEvent
		if err := json.Unmarshal(message, &event); err != nil {
			// Non-JSON frames (pings, malformed messages) are ignored.
			continue
		}
		c.trace().Str("type", event.Type).Msg("ws message")

		switch event.Type {
		case "executed":
			if event.Data.PromptID == promptID {
				return true
			}
		case "progress_state":
			if len(event.Data.Nodes) == 0 {
				continue
			}
			finished := true
			for _, node := range event.Data.Nodes {
				if node.State != "finished" {
					finished = false
					break
				}
			}
			if finished {
				return true
			}
		}
	}
}

// buildWSURL appends the clientId query parameter unless the configured URL
// already pins one.
func (c *Client) buildWSURL(clientID string) string {
	if strings.Contains(c.wsURL, "clientId=") {
		return c.wsURL
	}
	separator := "?"
	if strings.Contains(c.wsURL, "?") {
		separator = "&"
	}
	return c.wsURL + separator + url.Values{"clientId": {clientID}}.Encode()
}
