package connectors

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tandemhq/tandem/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPRequest_Validate(t *testing.T) {
	h := NewHTTPRequest(HTTPConfig{})

	assert.Error(t, h.Validate(map[string]any{}))
	assert.Error(t, h.Validate(map[string]any{"url": "ftp://example.com"}))
	assert.NoError(t, h.Validate(map[string]any{"url": "https://example.com/hook"}))
}

func TestHTTPRequest_JSONRoundTrip(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "doc-1"}`))
	}))
	defer srv.Close()

	h := NewHTTPRequest(HTTPConfig{Client: srv.Client()})
	out, err := h.Execute(context.Background(), ExecutionInput{
		Params: map[string]any{
			"method": "post",
			"url":    srv.URL,
			"body":   map[string]any{"name": "contract"},
			"auth":   map[string]any{"type": "bearer", "token": "tok"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "contract"}, gotBody)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, http.StatusCreated, out["status_code"])
	assert.Equal(t, map[string]any{"id": "doc-1"}, out["body"])
}

func TestHTTPRequest_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTPRequest(HTTPConfig{Client: srv.Client()})

	// Error status is data by default.
	out, err := h.Execute(context.Background(), ExecutionInput{
		Params: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, out["status_code"])

	// With fail_on_error_status the step fails.
	_, err = h.Execute(context.Background(), ExecutionInput{
		Params: map[string]any{"url": srv.URL, "fail_on_error_status": true},
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
}

func TestHTTPRequest_ResponseBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	h := NewHTTPRequest(HTTPConfig{Client: srv.Client(), MaxResponseBody: 16})
	out, err := h.Execute(context.Background(), ExecutionInput{
		Params: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	assert.Len(t, out["body"], 16)
}
