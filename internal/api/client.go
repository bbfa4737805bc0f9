package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tm-go/internal/tm"
)

// Error is a failed API call.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control API returned %d", e.Status)
	}
	return e.Message
}

// Client calls the control API of a running server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at addr ("host:port" or a URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// Track creates a keyword crawler and returns the server's message.
func (c *Client) Track(ctx context.Context, name string, keywords []string) (string, error) {
	return c.lifecycle(ctx, http.MethodPost, "/api/v1/crawlers/track", CrawlerRequest{Name: name, Targets: keywords})
}

// Follow creates an account crawler and returns the server's message.
func (c *Client) Follow(ctx context.Context, name string, accounts []string) (string, error) {
	return c.lifecycle(ctx, http.MethodPost, "/api/v1/crawlers/follow", CrawlerRequest{Name: name, Targets: accounts})
}

func (c *Client) Pause(ctx context.Context, name string) (string, error) {
	return c.lifecycle(ctx, http.MethodPost, "/api/v1/crawlers/"+url.PathEscape(name)+"/pause", nil)
}

func (c *Client) Resume(ctx context.Context, name string) (string, error) {
	return c.lifecycle(ctx, http.MethodPost, "/api/v1/crawlers/"+url.PathEscape(name)+"/resume", nil)
}

func (c *Client) Delete(ctx context.Context, name string) (string, error) {
	return c.lifecycle(ctx, http.MethodDelete, "/api/v1/crawlers/"+url.PathEscape(name), nil)
}

// Info returns the overall summary.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var out InfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/info", nil, &out); err != nil {
		return nil, err
	}
	if out.Summary == nil {
		out.Summary = &tm.Summary{}
	}
	return &out, nil
}

// Crawler returns the report of one crawler.
func (c *Client) Crawler(ctx context.Context, name string) (*tm.CrawlerInfo, error) {
	var out tm.CrawlerInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/crawlers/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the most recent operations, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Operation, error) {
	var out []Operation
	path := "/api/v1/history?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) lifecycle(ctx context.Context, method, path string, body any) (string, error) {
	var resp Response
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting control API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var failure Response
		if json.Unmarshal(data, &failure) == nil && failure.Message != "" {
			return &Error{Status: resp.StatusCode, Message: failure.Message}
		}
		return &Error{Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
