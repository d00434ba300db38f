package publish

import (
	"bytes"
	"context"
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
	TwitterCharLimit = 280
	ThreadsCharLimit = 500
)

// ClientOptions are shared by the HTTP posters.
type ClientOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxRateWait time.Duration
	MinSpacing  time.Duration
	Global      *GlobalSpacer
}

func (o *ClientOptions) setDefaults(baseURL string) {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRateWait <= 0 {
		o.MaxRateWait = 15 * time.Minute
	}
}

// TwitterPoster posts through the X API v2 with an OAuth 2.0 user token.
type TwitterPoster struct {
	token  string
	opts   ClientOptions
	spacer *Spacer
}

// NewTwitterPoster creates a poster authenticated with bearer token.
func NewTwitterPoster(token string, opts ClientOptions) *TwitterPoster {
	opts.setDefaults("https://api.twitter.com")
	return &TwitterPoster{token: token, opts: opts, spacer: NewSpacer(opts.MinSpacing)}
}

func (p *TwitterPoster) Platform() string { return "twitter" }
func (p *TwitterPoster) CharLimit() int   { return TwitterCharLimit }

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Post creates a tweet.
func (p *TwitterPoster) Post(ctx context.Context, text string) (Outcome, error) {
	if err := p.spacer.Check(); err != nil {
		return Outcome{}, &PlatformError{Platform: p.Platform(), Err: err}
	}
	if err := p.opts.Global.Wait(ctx); err != nil {
		return Outcome{}, err
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshaling tweet: %w", err)
	}

	start := time.Now()
	var resp tweetResponse
	err = withThrottleRetry(ctx, p.Platform(), p.opts.MaxRateWait, func() error {
		return p.do(ctx, http.MethodPost, "/2/tweets", body, &resp)
	})
	if err != nil {
		return Outcome{}, err
	}
	if resp.Data.ID == "" {
		return Outcome{}, &PlatformError{Platform: p.Platform(), Err: errors.New("response carried no tweet id")}
	}
	p.spacer.Mark()

	out := Outcome{
		Platform:   p.Platform(),
		Status:     OutcomePosted,
		PostID:     resp.Data.ID,
		URL:        "https://twitter.com/user/status/" + resp.Data.ID,
		DurationMs: time.Since(start).Milliseconds(),
	}
	slog.Info("tweet posted", "post_id", out.PostID, "duration_ms", out.DurationMs)
	return out, nil
}

// Verify checks the token against /2/users/me.
func (p *TwitterPoster) Verify(ctx context.Context) error {
	var me struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := p.do(ctx, http.MethodGet, "/2/users/me", nil, &me); err != nil {
		return err
	}
	if me.Data.ID == "" {
		return &PlatformError{Platform: p.Platform(), Err: errors.New("users/me returned no id")}
	}
	return nil
}

func (p *TwitterPoster) do(ctx context.Context, method, path string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, p.opts.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return doJSON(p.opts.HTTPClient, req, p.Platform(), out)
}

// doJSON executes req and decodes a 2xx body into out. A 429 becomes
// *throttled so the caller can wait and retry.
func doJSON(client *http.Client, req *http.Request, platform string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return &PlatformError{Platform: platform, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &throttled{wait: throttleWait(resp.Header, time.Now())}
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &PlatformError{Platform: platform, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &PlatformError{Platform: platform, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
