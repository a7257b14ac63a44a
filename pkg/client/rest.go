package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/pkg/models"
)

// ErrNotFound is returned when the server has no record for the task.
var ErrNotFound = errors.New("task not found")

const restTimeout = 10 * time.Second

// restClient performs one-shot fetches against the taskrelay REST API,
// used to bootstrap state after (re)connecting and as the polling fallback.
type restClient struct {
	baseURL string
	client  *http.Client
}

func newRESTClient(baseURL string) *restClient {
	return &restClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: restTimeout},
	}
}

func (c *restClient) FetchStatus(ctx context.Context, taskID uuid.UUID) (*models.RealtimeStatus, error) {
	var rs models.RealtimeStatus
	u := fmt.Sprintf("%s/api/v1/agent-tasks/%s/status", c.baseURL, taskID)
	if err := c.getJSON(ctx, u, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (c *restClient) FetchLogs(ctx context.Context, taskID uuid.UUID) ([]models.LogEntry, error) {
	var logs []models.LogEntry
	u := fmt.Sprintf("%s/api/v1/agent-tasks/%s/logs", c.baseURL, taskID)
	if err := c.getJSON(ctx, u, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *restClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
