package assetstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thumbsmith/internal/geometry"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Options{
		BaseURL:      srv.URL,
		APIKey:       "store-key",
		HTTPClient:   srv.Client(),
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
}

func TestUpload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /assets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer store-key", r.Header.Get("authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "job-1/wardrobe/attempt-1", r.FormValue("name"))
		assert.Equal(t, "image/png", r.FormValue("mime_type"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		fmt.Fprint(w, `{"id": "ast_1", "url": "https://cdn.example/ast_1.png", "width": 1280, "height": 720}`)
	})

	c := newTestClient(t, mux)

	got, err := c.Upload(context.Background(), "job-1/wardrobe/attempt-1", []byte{1, 2, 3}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, Asset{ID: "ast_1", URL: "https://cdn.example/ast_1.png", Width: 1280, Height: 720}, got)
}

func TestUploadRejectsEmptyInput(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())

	_, err := c.Upload(context.Background(), "", []byte{1}, "image/png")
	assert.Error(t, err)

	_, err = c.Upload(context.Background(), "name", nil, "image/png")
	assert.Error(t, err)
}

func TestComposeRetriesOnTooEarly(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transforms", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "derived asset not materialized", http.StatusTooEarly)
			return
		}
		fmt.Fprint(w, `{"id": "drv_1", "url": "https://cdn.example/drv_1.png", "width": 1280, "height": 720}`)
	})

	c := newTestClient(t, mux)

	got, err := c.Compose(context.Background(), ComposeRequest{
		Name:      "job-1/composite/attempt-1",
		BaseID:    "ast_base",
		OverlayID: "ast_overlay",
		Placement: geometry.Rect{X: 10, Y: 20, W: 100, H: 80},
	})
	require.NoError(t, err)
	assert.Equal(t, "drv_1", got.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestComposeDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transforms", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unknown overlay", http.StatusUnprocessableEntity)
	})

	c := newTestClient(t, mux)

	_, err := c.Compose(context.Background(), ComposeRequest{BaseID: "ast_base"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestComposeExhaustsRetries(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transforms", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	c := newTestClient(t, mux)

	_, err := c.Compose(context.Background(), ComposeRequest{BaseID: "ast_base"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted retries")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDelete(t *testing.T) {
	var deleted atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /assets/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted.Store(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(t, mux)

	require.NoError(t, c.Delete(context.Background(), "ast_9"))
	assert.Equal(t, "ast_9", deleted.Load())
}

func TestStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooEarly, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		e := &StatusError{Status: tt.status}
		assert.Equal(t, tt.retryable, e.Retryable(), "status %d", tt.status)
	}
}
