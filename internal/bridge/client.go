package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// controlTimeout bounds every HTTP call to a worker's control channel.
// Workers answer these from their scheduler thread, so slow means broken.
const controlTimeout = 10 * time.Second

// controlClient talks to a worker's HTTP control channel: prompt
// submission and interrupts. The WebSocket session only ever receives.
type controlClient struct {
	http *http.Client
}

func newControlClient() *controlClient {
	return &controlClient{
		http: &http.Client{Timeout: controlTimeout},
	}
}

// promptResponse is the worker's reply to a prompt submission.
type promptResponse struct {
	PromptID string `json:"prompt_id"`
}

// SubmitPrompt posts a job's params to the worker queue and returns the
// worker-assigned prompt id.
func (c *controlClient) SubmitPrompt(ctx context.Context, worker *db.Worker, clientID string, params string) (string, error) {
	body, err := json.Marshal(map[string]json.RawMessage{
		"prompt":    json.RawMessage(params),
		"client_id": json.RawMessage(`"` + clientID + `"`),
	})
	if err != nil {
		return "", fmt.Errorf("bridge: encoding prompt: %w", err)
	}

	resp, err := c.post(ctx, worker, "/prompt", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("bridge: worker %s rejected prompt: status %d: %s", worker.Name, resp.StatusCode, excerpt)
	}

	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("bridge: decoding prompt response from %s: %w", worker.Name, err)
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("bridge: worker %s returned no prompt id", worker.Name)
	}
	return pr.PromptID, nil
}

// Interrupt asks the worker to abort its current execution. Best-effort;
// the caller has already made the database state consistent.
func (c *controlClient) Interrupt(ctx context.Context, worker *db.Worker) error {
	resp, err := c.post(ctx, worker, "/interrupt", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bridge: worker %s interrupt returned status %d", worker.Name, resp.StatusCode)
	}
	return nil
}

func (c *controlClient) post(ctx context.Context, worker *db.Worker, path string, body []byte) (*http.Response, error) {
	url := strings.TrimSuffix(httpURL(worker.URL), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bridge: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if worker.AuthHeader != "" {
		req.Header.Set("Authorization", string(worker.AuthHeader))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: control call to %s failed: %w", worker.Name, err)
	}
	return resp, nil
}

// httpURL converts a registered worker URL to its HTTP form. Registrations
// may use ws:// or wss:// since the WebSocket is the primary channel.
func httpURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	}
	return raw
}

// wsURL converts a registered worker URL to its WebSocket form and appends
// the events path.
func wsURL(raw string, clientID string) string {
	base := raw
	switch {
	case strings.HasPrefix(raw, "http://"):
		base = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		base = "wss://" + strings.TrimPrefix(raw, "https://")
	}
	return strings.TrimSuffix(base, "/") + "/ws?clientId=" + clientID
}
