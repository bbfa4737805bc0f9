package twitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tm-go/internal/tm"
)

// streamMessage is one line of the filtered stream.
type streamMessage struct {
	Data          json.RawMessage `json:"data"`
	MatchingRules []struct {
		ID string `json:"id"`
	} `json:"matching_rules"`
	Errors []apiError `json:"errors"`
}

// stream is a reconnecting connection to the filtered stream endpoint.
type stream struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// OpenStream connects to the filtered stream and delivers events to onEvent
// from a background goroutine. Dropped connections are re-established with
// exponential backoff capped at the configured maximum.
func (c *Client) OpenStream(ctx context.Context, fields []string, onEvent func(tm.Event)) (tm.Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{cancel: cancel, done: make(chan struct{})}

	query := url.Values{}
	if len(fields) > 0 {
		query.Set("tweet.fields", strings.Join(fields, ","))
	}
	u := c.baseURL + streamPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	go func() {
		defer close(s.done)
		c.runStream(sctx, u, onEvent)
	}()
	return s, nil
}

// Close stops the stream and waits for the reader goroutine to exit.
func (s *stream) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (c *Client) runStream(ctx context.Context, u string, onEvent func(tm.Event)) {
	backoff := min(initialBackoff, c.maxBackoff)
	for {
		connected, err := c.readStream(ctx, u, onEvent)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = min(initialBackoff, c.maxBackoff)
		}

		var rl *rateLimitError
		wait := backoff
		if errors.As(err, &rl) && wait < rateLimitBackoff {
			wait = rateLimitBackoff
		}
		c.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("stream rate limited: status %d", e.status)
}

// readStream holds one connection open until it fails or ctx is cancelled.
// connected reports whether the endpoint accepted the connection.
func (c *Client) readStream(ctx context.Context, u string, onEvent func(tm.Event)) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return false, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("connecting stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c.deliver(trimmed, onEvent)
		}
		if err != nil {
			if err == io.EOF {
				return true, fmt.Errorf("stream closed by server")
			}
			return true, fmt.Errorf("reading stream: %w", err)
		}
	}
}

// deliver decodes one stream line. Lines without tweet data are operational
// messages and are only logged. Undecodable lines are handed to onEvent as
// raw data so the dispatcher records them as malformed.
func (c *Client) deliver(line []byte, onEvent func(tm.Event)) {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		onEvent(tm.Event{Data: append(json.RawMessage(nil), line...)})
		return
	}
	if len(msg.Data) == 0 {
		if len(msg.Errors) > 0 {
			c.logger.Warn("stream error message", "error", joinErrors(msg.Errors))
		}
		return
	}

	ids := make([]string, len(msg.MatchingRules))
	for i, r := range msg.MatchingRules {
		ids[i] = r.ID
	}
	onEvent(tm.Event{Data: msg.Data, MatchingRules: ids})
}
