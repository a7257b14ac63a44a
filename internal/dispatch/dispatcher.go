// Package dispatch sends signed job envelopes to the external agent worker.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/internal/signature"
)

// Sentinel errors for dispatch failures. The dispatcher makes exactly one
// attempt per call; retry policy belongs to the caller.
var (
	ErrWebhookNotConfigured = errors.New("webhook not configured")
	ErrWebhookTimeout       = errors.New("webhook dispatch timeout")
	ErrWebhookDispatch      = errors.New("webhook dispatch failed")
)

// Envelope is the job description posted to the agent's inbound endpoint.
type Envelope struct {
	TaskID       uuid.UUID      `json:"task_id"`
	SpecGroupID  string         `json:"spec_group_id"`
	Action       string         `json:"action"`
	Context      map[string]any `json:"context,omitempty"`
	CallbackURL  string         `json:"callback_url"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

// Result acknowledges that the destination accepted the job. It makes no
// claim about eventual completion; that arrives via status callbacks.
type Result struct {
	StatusCode int
	AcceptedAt time.Time
}

// Dispatcher is the interface for handing a job to the external agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, env Envelope) (*Result, error)
	WebhookURL() string
}

// HTTPDispatcher implements Dispatcher over HTTP with a bounded timeout.
type HTTPDispatcher struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPDispatcher creates a dispatcher posting to url, signing bodies with
// secret. An empty url is allowed; Dispatch then fails without a network call.
func NewHTTPDispatcher(url, secret string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDispatcher) WebhookURL() string {
	return d.url
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, env Envelope) (*Result, error) {
	if d.url == "" {
		return nil, ErrWebhookNotConfigured
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, signature.Sign(d.secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrWebhookDispatch, resp.StatusCode)
	}

	return &Result{StatusCode: resp.StatusCode, AcceptedAt: time.Now().UTC()}, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrWebhookTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrWebhookTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrWebhookDispatch, err)
}

// Compile-time check that HTTPDispatcher implements Dispatcher.
var _ Dispatcher = (*HTTPDispatcher)(nil)
