package tm_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tm-go/internal/provider/memory"
	"tm-go/internal/testutil"
	"tm-go/internal/tm"
)

// crawlerList is a fixed tm.CrawlerSource.
type crawlerList []*tm.Crawler

func (l crawlerList) Crawlers() []*tm.Crawler { return l }

// recordingLogger keeps every message for inspection.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) log(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+" "+msg+" "+fmt.Sprint(args...))
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

// find returns the first entry containing substr.
func (l *recordingLogger) find(substr string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return e, true
		}
	}
	return "", false
}

func newAllocator(t *testing.T, prov *memory.Provider, clock tm.Clock) *tm.Allocator {
	t.Helper()
	a, err := tm.NewAllocator(context.Background(), tm.AllocatorOptions{
		Credential: testutil.Credential("alice", "app"),
		Provider:   prov,
		Tiers:      tm.DefaultTiers(),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func newCrawler(t *testing.T, dir, name string, mode tm.Mode, targets ...string) *tm.Crawler {
	t.Helper()
	c, err := tm.NewCrawler(dir, name, mode, targets)
	if err != nil {
		t.Fatalf("NewCrawler() error = %v", err)
	}
	return c
}

func newSettings(dir string) tm.Settings {
	s := tm.DefaultSettings(dir)
	s.PersistIdleInterval = 10 * time.Millisecond
	return s
}

// longTarget returns an alphanumeric target of n characters.
func longTarget(prefix string, n int) string {
	return prefix + strings.Repeat("x", n-len(prefix))
}
