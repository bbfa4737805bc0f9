package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestS3Archive(t *testing.T, handler http.HandlerFunc, prefix string) *S3Archive {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewS3Archive(context.Background(), "test", S3Options{
		Bucket:          "tm-archive",
		Prefix:          prefix,
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	})
	if err != nil {
		t.Fatalf("NewS3Archive() error = %v", err)
	}
	return a
}

func TestS3Archive_Key(t *testing.T) {
	a := newTestS3Archive(t, func(w http.ResponseWriter, r *http.Request) {}, "events")
	if got := a.Key("news/2022-03-01.jsonl"); got != "events/news/2022-03-01.jsonl" {
		t.Errorf("Key() = %q", got)
	}

	b := newTestS3Archive(t, func(w http.ResponseWriter, r *http.Request) {}, "")
	if got := b.Key("news/2022-03-01.jsonl"); got != "news/2022-03-01.jsonl" {
		t.Errorf("Key() without prefix = %q", got)
	}
}

func TestS3Archive_ValidateSetup(t *testing.T) {
	t.Run("bucket reachable", func(t *testing.T) {
		var gotMethod, gotPath string
		a := newTestS3Archive(t, func(w http.ResponseWriter, r *http.Request) {
			gotMethod, gotPath = r.Method, strings.TrimSuffix(r.URL.Path, "/")
			w.WriteHeader(http.StatusOK)
		}, "")

		if err := a.ValidateSetup(); err != nil {
			t.Fatalf("ValidateSetup() error = %v", err)
		}
		if gotMethod != http.MethodHead || gotPath != "/tm-archive" {
			t.Errorf("request = %s %s, want HEAD /tm-archive", gotMethod, gotPath)
		}
	})

	t.Run("bucket missing", func(t *testing.T) {
		a := newTestS3Archive(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, "")

		if err := a.ValidateSetup(); err == nil {
			t.Error("ValidateSetup() expected error for missing bucket")
		}
	})
}
