package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	maxRetryWait   = 30 * time.Second
)

// initialBackoff is a var so tests can shorten it.
var initialBackoff = 500 * time.Millisecond

// Client talks to an OpenAI-compatible API (OpenRouter by default).
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	referer    string
	title      string
}

// NewClient creates a client for the default OpenRouter endpoint.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		referer:    "https://github.com/pinchen147/twitter-persona-agents",
		title:      "persona",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// WithTimeout sets the per-attempt request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status     int
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

// Complete sends a chat completion request. Throttled requests are retried
// a bounded number of times, waiting for Retry-After when the provider
// sends it and an exponential backoff otherwise.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshaling request: %w", err)
	}

	var resp ChatResponse
	err = c.withRetry(ctx, func() error {
		return c.post(ctx, "/chat/completions", body, &resp)
	})
	if err != nil {
		return ChatResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, errors.New("completion returned no choices")
	}
	return resp, nil
}

// Moderate classifies input with the /moderations endpoint.
func (c *Client) Moderate(ctx context.Context, model, input string) (ModerationResult, error) {
	body, err := json.Marshal(moderationRequest{Model: model, Input: input})
	if err != nil {
		return ModerationResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	var resp moderationResponse
	if err := c.withRetry(ctx, func() error {
		return c.post(ctx, "/moderations", body, &resp)
	}); err != nil {
		return ModerationResult{}, err
	}
	if len(resp.Results) == 0 {
		return ModerationResult{}, errors.New("moderation returned no results")
	}

	var result ModerationResult
	for _, r := range resp.Results {
		result.Flagged = result.Flagged || r.Flagged
		for cat, hit := range r.Categories {
			if hit {
				result.Categories = append(result.Categories, cat)
			}
		}
	}
	sort.Strings(result.Categories)
	return result, nil
}

func (c *Client) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := range maxRetries {
		err := call()
		if err == nil {
			return nil
		}
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		wait := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
		if rl.retryAfter > 0 {
			wait = min(rl.retryAfter, maxRetryWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// parseRetryAfter accepts the delta-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
