// Package twitter implements tm.StreamProvider over the Twitter API v2
// filtered stream endpoints.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tm-go/internal/tm"
)

const (
	rulesPath  = "/2/tweets/search/stream/rules"
	streamPath = "/2/tweets/search/stream"

	defaultBaseURL    = "https://api.twitter.com"
	defaultRPM        = 50
	defaultMaxBackoff = 5 * time.Minute
	initialBackoff    = time.Second
	rateLimitBackoff  = time.Minute
)

// Options configures a Client.
type Options struct {
	BaseURL           string
	RequestsPerMinute int
	MaxBackoff        time.Duration
	HTTPClient        *http.Client
	Logger            tm.Logger
}

// Client talks to the filtered stream API with a single bearer token.
// Rule requests are paced by a token bucket shared by all calls.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	maxBackoff time.Duration
	logger     tm.Logger
}

// New creates a client authenticated with token.
func New(token string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRPM
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = tm.NewNopLogger()
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      token,
		http:       opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 5),
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger,
	}
}

// Factory returns a tm.ProviderFactory creating one Client per credential.
func Factory(opts Options) tm.ProviderFactory {
	return func(cred tm.Credential) (tm.StreamProvider, error) {
		if cred.Token == "" {
			return nil, fmt.Errorf("credential %s has no bearer token", cred.Key())
		}
		return New(cred.Token, opts), nil
	}
}

type apiRule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Value  string `json:"value,omitempty"`
}

func (e apiError) String() string {
	if e.Detail != "" {
		return e.Title + ": " + e.Detail
	}
	return e.Title
}

type rulesResponse struct {
	Data []apiRule `json:"data"`
	Meta struct {
		Summary struct {
			Created    int `json:"created"`
			NotCreated int `json:"not_created"`
			Invalid    int `json:"invalid"`
		} `json:"summary"`
	} `json:"meta"`
	Errors []apiError `json:"errors"`
}

// SubmitRules adds rules. A dry run fails unless every rule would be created.
// A real submission returns the rules the API created, which may be fewer
// than requested.
func (c *Client) SubmitRules(ctx context.Context, values []string, dryRun bool) ([]tm.Rule, error) {
	add := make([]apiRule, len(values))
	for i, v := range values {
		add[i] = apiRule{Value: v}
	}

	query := url.Values{}
	if dryRun {
		query.Set("dry_run", "true")
	}

	var resp rulesResponse
	if err := c.do(ctx, http.MethodPost, rulesPath, query, map[string]any{"add": add}, &resp); err != nil {
		return nil, err
	}

	if dryRun && (len(resp.Errors) > 0 || resp.Meta.Summary.NotCreated > 0 || resp.Meta.Summary.Invalid > 0) {
		return nil, fmt.Errorf("dry run rejected %d of %d rules: %s", len(values)-resp.Meta.Summary.Created, len(values), joinErrors(resp.Errors))
	}
	if !dryRun && len(resp.Data) == 0 && len(values) > 0 {
		return nil, fmt.Errorf("no rules created: %s", joinErrors(resp.Errors))
	}

	rules := make([]tm.Rule, len(resp.Data))
	for i, r := range resp.Data {
		rules[i] = tm.Rule{ID: r.ID, Value: r.Value}
	}
	return rules, nil
}

// RetractRules deletes rules by id.
func (c *Client) RetractRules(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var resp rulesResponse
	body := map[string]any{"delete": map[string]any{"ids": ids}}
	if err := c.do(ctx, http.MethodPost, rulesPath, nil, body, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("deleting rules: %s", joinErrors(resp.Errors))
	}
	return nil
}

// ListRules returns every rule registered for the token.
func (c *Client) ListRules(ctx context.Context) ([]tm.Rule, error) {
	var resp rulesResponse
	if err := c.do(ctx, http.MethodGet, rulesPath, nil, nil, &resp); err != nil {
		return nil, err
	}
	rules := make([]tm.Rule, len(resp.Data))
	for i, r := range resp.Data {
		rules[i] = tm.Rule{ID: r.ID, Value: r.Value}
	}
	return rules, nil
}

// do performs a paced JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func joinErrors(errs []apiError) string {
	if len(errs) == 0 {
		return "no details"
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

var _ tm.StreamProvider = (*Client)(nil)
