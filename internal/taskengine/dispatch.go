package taskengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// wireRequest is the body POSTed to a peer's /task endpoint: enough
// of the Task to let the performer run it (action, queue, input),
// without leaking tree-shape fields the remote side doesn't need.
type wireRequest struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Queue  string          `json:"queue_name"`
	Input  json.RawMessage `json:"input"`
}

type wireResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// HTTPDispatcher returns an ExternalDispatcher that POSTs t to
// t.ReceiverURL+"/task" over client (expected to be mutual-TLS
// configured via NewClientHTTPClient) and parses the peer's response.
// This is the task-crossing-node-boundaries mechanism spec.md §4.1
// describes: a remote authority's orchestra_performer queue runs the
// task and the response carries its result back synchronously.
func HTTPDispatcher(client *http.Client) ExternalDispatcher {
	return func(ctx context.Context, t *Task) ([]byte, error) {
		if t.ReceiverURL == "" {
			return nil, fmt.Errorf("taskengine: external task %s has no receiver URL", t.ID)
		}

		body, err := json.Marshal(wireRequest{ID: t.ID, Action: t.Action, Queue: t.QueueName, Input: t.Input})
		if err != nil {
			return nil, fmt.Errorf("taskengine: marshal task request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.ReceiverURL+"/task", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("taskengine: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("taskengine: send task to %s: %w", t.ReceiverURL, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("taskengine: read response from %s: %w", t.ReceiverURL, err)
		}

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("taskengine: %s returned HTTP %d: %s", t.ReceiverURL, resp.StatusCode, respBody)
		}

		var wr wireResponse
		if err := json.Unmarshal(respBody, &wr); err != nil {
			return nil, fmt.Errorf("taskengine: decode response from %s: %w", t.ReceiverURL, err)
		}
		if wr.Error != "" {
			return nil, fmt.Errorf("taskengine: %s: %s", t.ReceiverURL, wr.Error)
		}
		return wr.Output, nil
	}
}
