package dispatch_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/signature"
)

func testEnvelope() dispatch.Envelope {
	return dispatch.Envelope{
		TaskID:       uuid.New(),
		SpecGroupID:  "grp-1",
		Action:       "generate",
		Context:      map[string]any{"branch": "main"},
		CallbackURL:  "http://localhost:8080/api/v1/agent-tasks/x/status",
		DispatchedAt: time.Now().UTC(),
	}
}

func TestDispatch_Success(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotCT   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		gotSig = r.Header.Get(signature.Header)
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := dispatch.NewHTTPDispatcher(srv.URL, "topsecret", 5*time.Second)
	env := testEnvelope()

	res, err := d.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.False(t, res.AcceptedAt.IsZero())

	// The body is the JSON envelope, signed with the shared secret.
	assert.Equal(t, "application/json", gotCT)
	assert.True(t, signature.Verify("topsecret", gotBody, gotSig))

	var decoded dispatch.Envelope
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, env.TaskID, decoded.TaskID)
	assert.Equal(t, env.Action, decoded.Action)
	assert.Equal(t, env.CallbackURL, decoded.CallbackURL)
}

func TestDispatch_NotConfigured(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	// Empty URL fails before any network activity.
	d := dispatch.NewHTTPDispatcher("", "topsecret", 5*time.Second)

	_, err := d.Dispatch(context.Background(), testEnvelope())
	require.ErrorIs(t, err, dispatch.ErrWebhookNotConfigured)
	assert.Equal(t, 0, calls)
}

func TestDispatch_Non2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := dispatch.NewHTTPDispatcher(srv.URL, "topsecret", 5*time.Second)

	_, err := d.Dispatch(context.Background(), testEnvelope())
	require.ErrorIs(t, err, dispatch.ErrWebhookDispatch)
	assert.Contains(t, err.Error(), "500")
}

func TestDispatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := dispatch.NewHTTPDispatcher(srv.URL, "topsecret", 50*time.Millisecond)

	_, err := d.Dispatch(context.Background(), testEnvelope())
	require.ErrorIs(t, err, dispatch.ErrWebhookTimeout)
}

func TestDispatch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	d := dispatch.NewHTTPDispatcher(srv.URL, "topsecret", 5*time.Second)

	_, err := d.Dispatch(context.Background(), testEnvelope())
	require.ErrorIs(t, err, dispatch.ErrWebhookDispatch)
}
