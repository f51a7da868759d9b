// Package assetstore talks to the ephemeral hosting service: uploads,
// deletions, and declarative transform/composite requests that produce
// derived assets.
package assetstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"thumbsmith/internal/geometry"
)

type Options struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	Logger       *slog.Logger
	MaxRetries   int
	RetryBackoff time.Duration
}

type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	logger       *slog.Logger
	maxRetries   int
	retryBackoff time.Duration
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		httpClient:   opts.HTTPClient,
		logger:       logger,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
	}
}

// Asset is a hosted artifact.
type Asset struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Upload registers image bytes under a caller-chosen unique name. Names are
// job-and-attempt scoped upstream, so concurrent jobs never collide.
func (c *Client) Upload(ctx context.Context, name string, data []byte, mimeType string) (Asset, error) {
	if name == "" {
		return Asset{}, errors.New("asset name is empty")
	}
	if len(data) == 0 {
		return Asset{}, errors.New("asset data is empty")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return Asset{}, fmt.Errorf("write field: %w", err)
	}
	if mimeType != "" {
		if err := mw.WriteField("mime_type", mimeType); err != nil {
			return Asset{}, fmt.Errorf("write field: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return Asset{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return Asset{}, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Asset{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assets", &body)
	if err != nil {
		return Asset{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("content-type", mw.FormDataContentType())
	c.authorize(req)

	raw, err := c.send(req)
	if err != nil {
		return Asset{}, err
	}
	return decodeAsset(raw)
}

// Delete removes a hosted asset. Callers treat failures as best-effort.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("asset id is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/assets/"+id, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	_, err = c.send(req)
	return err
}

// ComposeRequest describes a derived asset declaratively: a base image, an
// optional overlay with its placement, and the transforms applied to the
// overlay before compositing.
type ComposeRequest struct {
	Name             string          `json:"name"`
	BaseID           string          `json:"base_id"`
	OverlayID        string          `json:"overlay_id,omitempty"`
	OverlayCrop      *geometry.Rect  `json:"overlay_crop,omitempty"`
	RemoveBackground bool            `json:"remove_background"`
	Effects          []string        `json:"effects,omitempty"`
	Placement        geometry.Rect   `json:"placement"`
	Format           string          `json:"format,omitempty"`
}

// Compose issues a transform request. The same request (same Name) always
// yields the same derived asset, so re-issuance after a transient failure is
// cheap. Retryable statuses (the derived asset not yet materialized, rate
// limits, server errors) are retried with backoff up to the configured budget.
func (c *Client) Compose(ctx context.Context, req ComposeRequest) (Asset, error) {
	if req.BaseID == "" {
		return Asset{}, errors.New("base asset id is empty")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Asset{}, fmt.Errorf("marshal compose request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transforms", bytes.NewReader(payload))
		if err != nil {
			return Asset{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("content-type", "application/json")
		c.authorize(httpReq)

		raw, err := c.send(httpReq)
		if err == nil {
			return decodeAsset(raw)
		}
		lastErr = err

		var se *StatusError
		if !errors.As(err, &se) || !se.Retryable() {
			return Asset{}, err
		}

		c.logger.Warn("compose retry", "attempt", attempt, "status", se.Status, "name", req.Name)

		select {
		case <-ctx.Done():
			return Asset{}, ctx.Err()
		case <-time.After(c.retryBackoff * time.Duration(attempt)):
		}
	}

	return Asset{}, fmt.Errorf("compose exhausted retries: %w", lastErr)
}

// Download fetches asset bytes from their public locator.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.send(req)
}

// StatusError is a non-2xx response from the store.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("asset store status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is on the transient whitelist.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Status == http.StatusTooEarly:
		return true
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	if c.httpClient == nil {
		return nil, errors.New("http client is nil")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func decodeAsset(raw []byte) (Asset, error) {
	var a Asset
	if err := json.Unmarshal(raw, &a); err != nil {
		return Asset{}, fmt.Errorf("decode asset: %w", err)
	}
	if a.ID == "" {
		return Asset{}, errors.New("asset id missing in response")
	}
	return a, nil
}
