package tm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// HandleEvent routes a provider event to the pending buffer of every crawler
// owning one of its matching rules. It is the stream transport callback and
// never panics: malformed events are logged and dropped.
//
// Ownership is checked under the allocator lock, so an event matching a rule
// whose retraction has completed is never delivered.
func (a *Allocator) HandleEvent(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eventsDropped.WithLabelValues("panic").Inc()
			a.logger.Error("error while processing event", "credential", a.credential, "panic", fmt.Sprint(r))
		}
	}()

	if !isJSONObject(ev.Data) {
		eventsDropped.WithLabelValues("malformed").Inc()
		a.logger.Error("unexpected event payload", "credential", a.credential, "payload", truncate(string(ev.Data), 200))
		return
	}
	if len(ev.MatchingRules) == 0 {
		eventsDropped.WithLabelValues("unmatched").Inc()
		a.logger.Debug("event without matching rules", "credential", a.credential)
		return
	}

	now := a.clock.Now()
	payload := compactJSON(ev.Data)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ev.MatchingRules {
		name, ok := a.rules[id]
		if !ok {
			// Rule retracted while the event was in flight.
			eventsDropped.WithLabelValues("retracted").Inc()
			continue
		}
		c, ok := a.crawlers[name]
		if !ok {
			continue
		}
		c.Enqueue(PendingEvent{Path: c.EventPath(now), Payload: payload})
		eventsDispatched.WithLabelValues(name).Inc()
	}
}

func isJSONObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// compactJSON returns data without insignificant whitespace so each payload
// fits on one line of an event file.
func compactJSON(data json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
