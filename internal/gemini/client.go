package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	modelImage  = "gemini-2.5-flash-image"
	modelReview = "gemini-3-pro-preview"
)

// ErrPollTimeout is returned when a generation operation stays non-terminal
// beyond the configured poll budget. The orchestration treats it as a plain
// attempt failure, never as a crash.
var ErrPollTimeout = errors.New("generation operation did not finish in time")

type Options struct {
	APIKey          string
	BaseURL         string
	APIVersion      string
	HTTPClient      *http.Client
	Logger          *slog.Logger
	PollInterval    time.Duration
	MaxPollAttempts int
}

type Client struct {
	apiKey          string
	baseURL         string
	apiVersion      string
	httpClient      *http.Client
	logger          *slog.Logger
	pollInterval    time.Duration
	maxPollAttempts int
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "v1beta"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	maxPollAttempts := opts.MaxPollAttempts
	if maxPollAttempts < 1 {
		maxPollAttempts = 36
	}

	return &Client{
		apiKey:          opts.APIKey,
		baseURL:         baseURL,
		apiVersion:      apiVersion,
		httpClient:      opts.HTTPClient,
		logger:          logger,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
	}
}

// Reference is an input image handed to the model, labeled so the prompt can
// refer to it by role ("subject", "object", "candidate", ...).
type Reference struct {
	Data     []byte
	MimeType string
	Tag      string
}

type GenerateRequest struct {
	Prompt      string
	References  []Reference
	AspectRatio string
	Seed        int64
}

type ImageResult struct {
	Data     []byte
	MimeType string
}

// GenerateImage submits a long-running image generation operation and polls
// it to a terminal state at a fixed interval. Exceeding the poll budget is a
// timeout failure carrying ErrPollTimeout.
func (c *Client) GenerateImage(ctx context.Context, req GenerateRequest) (ImageResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return ImageResult{}, errors.New("prompt is empty")
	}

	payload := generateContentRequest{
		Contents: []content{{Role: "user", Parts: buildParts(req.Prompt, req.References)}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE"},
			Seed:               req.Seed,
		},
	}
	if req.AspectRatio != "" {
		payload.GenerationConfig.ImageConfig = &imageConfig{AspectRatio: req.AspectRatio}
	}

	op, err := c.startOperation(ctx, modelImage, payload)
	if err != nil {
		return ImageResult{}, err
	}

	final, err := c.pollOperation(ctx, op)
	if err != nil {
		return ImageResult{}, err
	}

	images := extractImages(final.Response)
	if len(images) == 0 {
		return ImageResult{}, errors.New("generation returned no image")
	}
	return images[0], nil
}

type ReviewRequest struct {
	Instruction  string
	Candidate    Reference
	References   []Reference
	AttemptIndex int
}

// Review asks the vision model to judge a candidate against its references
// and returns the raw model text; the caller decodes it into a verdict.
func (c *Client) Review(ctx context.Context, req ReviewRequest) (string, error) {
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return "", errors.New("review instruction is empty")
	}

	refs := make([]Reference, 0, len(req.References)+1)
	candidate := req.Candidate
	if candidate.Tag == "" {
		candidate.Tag = "candidate"
	}
	refs = append(refs, candidate)
	refs = append(refs, req.References...)

	payload := generateContentRequest{
		Contents: []content{{Role: "user", Parts: buildParts(instruction, refs)}},
		GenerationConfig: generationConfig{
			Temperature:      0.1,
			ResponseMimeType: "application/json",
		},
	}

	resp, err := c.generateContent(ctx, modelReview, payload)
	if err != nil {
		if isUnknownFieldError(err, "responseMimeType") {
			payload.GenerationConfig.ResponseMimeType = ""
			resp, err = c.generateContent(ctx, modelReview, payload)
		}
		if err != nil {
			return "", err
		}
	}

	text := extractText(resp)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("review returned no text")
	}
	return text, nil
}

func buildParts(prompt string, refs []Reference) []part {
	parts := []part{{Text: prompt}}
	for i, ref := range refs {
		tag := ref.Tag
		if tag == "" {
			tag = fmt.Sprintf("reference-%d", i+1)
		}
		parts = append(parts,
			part{Text: fmt.Sprintf("Image [%s]:", tag)},
			part{InlineData: &blob{
				Data:     base64.StdEncoding.EncodeToString(ref.Data),
				MimeType: ref.MimeType,
			}},
		)
	}
	return parts
}

func (c *Client) startOperation(ctx context.Context, model string, payload generateContentRequest) (string, error) {
	url := fmt.Sprintf("%s/%s/models/%s:predictLongRunning", c.baseURL, c.apiVersion, model)

	raw, err := c.post(ctx, url, payload)
	if err != nil {
		return "", err
	}

	var decoded struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode operation: %w", err)
	}
	if decoded.Name == "" {
		return "", errors.New("operation name missing")
	}
	return decoded.Name, nil
}

type operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *operationError `json:"error"`
	Response json.RawMessage `json:"response"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) pollOperation(ctx context.Context, name string) (operation, error) {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, strings.TrimPrefix(name, "/"))

	for attempt := 1; attempt <= c.maxPollAttempts; attempt++ {
		raw, err := c.get(ctx, url)
		if err != nil {
			return operation{}, err
		}

		var op operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return operation{}, fmt.Errorf("decode operation state: %w", err)
		}

		if op.Done {
			if op.Error != nil {
				return operation{}, fmt.Errorf("generation failed: code %d: %s", op.Error.Code, op.Error.Message)
			}
			return op, nil
		}

		c.logger.Debug("operation pending", "name", name, "poll", attempt)

		select {
		case <-ctx.Done():
			return operation{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return operation{}, ErrPollTimeout
}

func (c *Client) generateContent(ctx context.Context, model string, payload generateContentRequest) (generateContentResponse, error) {
	url := fmt.Sprintf("%s/%s/models/%s:generateContent", c.baseURL, c.apiVersion, model)

	raw, err := c.post(ctx, url, payload)
	if err != nil {
		return generateContentResponse{}, err
	}

	var decoded generateContentResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return generateContentResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, bytes.NewReader(body))
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	if c.httpClient == nil {
		return nil, errors.New("http client is nil")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

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
		return nil, fmt.Errorf("gemini API %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func extractImages(raw json.RawMessage) []ImageResult {
	if len(raw) == 0 {
		return nil
	}

	var decoded struct {
		GenerateContentResponse *generateContentResponse `json:"generateContentResponse"`
		Candidates              []candidate              `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}

	candidates := decoded.Candidates
	if decoded.GenerateContentResponse != nil {
		candidates = decoded.GenerateContentResponse.Candidates
	}

	var out []ImageResult
	for _, cand := range candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				continue
			}
			mimeType := p.InlineData.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			out = append(out, ImageResult{Data: data, MimeType: mimeType})
		}
	}
	return out
}

func extractText(resp generateContentResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func isUnknownFieldError(err error, field string) bool {
	message := err.Error()
	return strings.Contains(message, "Unknown name") && strings.Contains(message, field)
}
