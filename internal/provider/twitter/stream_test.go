package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tm-go/internal/tm"
)

func TestClient_OpenStream(t *testing.T) {
	var gotFields atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFields.Store(r.URL.Query().Get("tweet.fields"))
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"data":{"id":"1","text":"hello"},"matching_rules":[{"id":"r1","tag":""}]}`+"\r\n")
		fmt.Fprint(w, "\r\n")
		fmt.Fprint(w, `{"errors":[{"title":"operational-disconnect"}]}`+"\r\n")
		fmt.Fprint(w, `{"data":{"id":"2","text":"world"},"matching_rules":[{"id":"r1"},{"id":"r2"}]}`+"\r\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New("token", Options{BaseURL: srv.URL, MaxBackoff: 50 * time.Millisecond})
	events := make(chan tm.Event, 10)

	s, err := c.OpenStream(context.Background(), []string{"author_id", "lang"}, func(ev tm.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	var got []tm.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d events, want 2", len(got))
		}
	}

	if string(got[0].Data) != `{"id":"1","text":"hello"}` {
		t.Errorf("event 0 data = %s", got[0].Data)
	}
	if len(got[1].MatchingRules) != 2 || got[1].MatchingRules[1] != "r2" {
		t.Errorf("event 1 matching rules = %v", got[1].MatchingRules)
	}
	if f, _ := gotFields.Load().(string); f != "author_id,lang" {
		t.Errorf("tweet.fields = %q, want %q", f, "author_id,lang")
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}
}

func TestClient_OpenStreamReconnects(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		if n == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"data":{"id":"%d"},"matching_rules":[{"id":"r1"}]}`+"\n", n)
	}))
	defer srv.Close()

	c := New("token", Options{BaseURL: srv.URL, MaxBackoff: 20 * time.Millisecond})
	events := make(chan tm.Event, 1)
	s, err := c.OpenStream(context.Background(), nil, func(ev tm.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Close()

	select {
	case <-events:
	case <-time.After(10 * time.Second):
		t.Fatal("no event after reconnect")
	}
	if connections.Load() < 2 {
		t.Errorf("connections = %d, want at least 2", connections.Load())
	}
}
