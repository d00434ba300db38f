package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ThreadsPoster posts through the Threads Graph API: a text container is
// created and then published.
type ThreadsPoster struct {
	userID      string
	accessToken string
	username    string
	opts        ClientOptions
	spacer      *Spacer
}

// NewThreadsPoster creates a poster for the Threads user userID. username
// is only used to build post URLs.
func NewThreadsPoster(userID, accessToken, username string, opts ClientOptions) *ThreadsPoster {
	opts.setDefaults("https://graph.threads.net")
	return &ThreadsPoster{
		userID:      userID,
		accessToken: accessToken,
		username:    username,
		opts:        opts,
		spacer:      NewSpacer(opts.MinSpacing),
	}
}

func (p *ThreadsPoster) Platform() string { return "threads" }
func (p *ThreadsPoster) CharLimit() int   { return ThreadsCharLimit }

type graphID struct {
	ID string `json:"id"`
}

// Post creates and publishes a text thread.
func (p *ThreadsPoster) Post(ctx context.Context, text string) (Outcome, error) {
	if err := p.spacer.Check(); err != nil {
		return Outcome{}, &PlatformError{Platform: p.Platform(), Err: err}
	}
	if err := p.opts.Global.Wait(ctx); err != nil {
		return Outcome{}, err
	}
	start := time.Now()

	var container graphID
	err := withThrottleRetry(ctx, p.Platform(), p.opts.MaxRateWait, func() error {
		return p.postForm(ctx, "/v1.0/"+p.userID+"/threads", url.Values{
			"media_type":   {"TEXT"},
			"text":         {text},
			"access_token": {p.accessToken},
		}, &container)
	})
	if err != nil {
		return Outcome{}, err
	}
	if container.ID == "" {
		return Outcome{}, &PlatformError{Platform: p.Platform(), Err: errors.New("container create returned no id")}
	}

	var published graphID
	err = withThrottleRetry(ctx, p.Platform(), p.opts.MaxRateWait, func() error {
		return p.postForm(ctx, "/v1.0/"+p.userID+"/threads_publish", url.Values{
			"creation_id":  {container.ID},
			"access_token": {p.accessToken},
		}, &published)
	})
	if err != nil {
		return Outcome{}, err
	}
	p.spacer.Mark()

	id := published.ID
	if id == "" {
		id = container.ID
	}
	name := p.username
	if name == "" {
		name = p.userID
	}
	out := Outcome{
		Platform:   p.Platform(),
		Status:     OutcomePosted,
		PostID:     id,
		URL:        fmt.Sprintf("https://threads.net/@%s/post/%s", name, id),
		DurationMs: time.Since(start).Milliseconds(),
	}
	slog.Info("thread posted", "post_id", id, "duration_ms", out.DurationMs)
	return out, nil
}

// Verify checks the access token against /me.
func (p *ThreadsPoster) Verify(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	q := url.Values{"fields": {"id,username"}, "access_token": {p.accessToken}}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.opts.BaseURL+"/v1.0/me?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	var me graphID
	if err := doJSON(p.opts.HTTPClient, req, p.Platform(), &me); err != nil {
		return err
	}
	if me.ID == "" {
		return &PlatformError{Platform: p.Platform(), Err: errors.New("/me returned no id")}
	}
	return nil
}

func (p *ThreadsPoster) postForm(ctx context.Context, path string, form url.Values, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.opts.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doJSON(p.opts.HTTPClient, req, p.Platform(), out)
}
