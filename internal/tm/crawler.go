package tm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// InfoFileName is the name of the record file inside each crawler directory.
const InfoFileName = "info.json"

// EventFileLayout names the daily event files inside a crawler directory.
const EventFileLayout = "2006-01-02"

// Session is one contiguous active interval of a crawler.
type Session struct {
	Start    string `json:"start"`
	Duration string `json:"duration"`
}

// PendingEvent is a dispatched event waiting to be written to disk.
type PendingEvent struct {
	Path    string
	Payload json.RawMessage
}

// Crawler is a named, persistent subscription: a set of targets in a mode,
// its session history and its event counter. While active it owns one or more
// rules of exactly one Allocator.
type Crawler struct {
	name    string
	dir     string
	mode    Mode
	targets []string

	// recMu guards the persisted record fields and serializes saves.
	recMu       sync.Mutex
	ruleIDs     []string
	activityLog []Session
	deleted     bool

	// mu guards the pending buffer and event count only. Never held across I/O.
	mu         sync.Mutex
	pending    []PendingEvent
	eventCount int64
}

// crawlerRecord is the on-disk form of a Crawler.
type crawlerRecord struct {
	Name        string    `json:"name"`
	Mode        Mode      `json:"mode"`
	Targets     []string  `json:"targets"`
	Deleted     bool      `json:"deleted"`
	EventCount  int64     `json:"event_count"`
	ActivityLog []Session `json:"activity_log"`
}

var requiredRecordFields = []string{"name", "mode", "targets", "deleted", "event_count", "activity_log"}

// NewCrawler creates the crawler directory under dataDir and writes the
// initial record. It fails with ErrDirectoryExists if the directory exists.
func NewCrawler(dataDir, name string, mode Mode, targets []string) (*Crawler, error) {
	dir := filepath.Join(dataDir, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryExists, dir)
		}
		return nil, fmt.Errorf("creating crawler directory: %w", err)
	}

	c := &Crawler{
		name:    name,
		dir:     dir,
		mode:    mode,
		targets: append([]string(nil), targets...),
	}
	if err := c.Save(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCrawler reads the record of the crawler stored in dataDir/name.
// Tombstoned records load successfully with Deleted() reporting true.
func LoadCrawler(dataDir, name string) (*Crawler, error) {
	dir := filepath.Join(dataDir, name)
	data, err := os.ReadFile(filepath.Join(dir, InfoFileName))
	if err != nil {
		return nil, fmt.Errorf("reading crawler record: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding crawler record: %w", err)
	}
	for _, f := range requiredRecordFields {
		if _, ok := fields[f]; !ok {
			return nil, fmt.Errorf("field %q is not defined in the record of crawler %q", f, name)
		}
	}

	var rec crawlerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding crawler record: %w", err)
	}

	c := &Crawler{
		name:        name,
		dir:         dir,
		mode:        rec.Mode,
		targets:     rec.Targets,
		activityLog: rec.ActivityLog,
		deleted:     rec.Deleted,
		eventCount:  rec.EventCount,
	}
	if rec.Deleted {
		return c, nil
	}

	if rec.Name != name {
		return nil, fmt.Errorf("name %q in record differs from crawler %q", rec.Name, name)
	}
	if !rec.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q in the record of crawler %q", rec.Mode, name)
	}
	if len(rec.Targets) == 0 {
		return nil, fmt.Errorf("no targets in the record of crawler %q", name)
	}
	if len(rec.ActivityLog) == 0 {
		return nil, fmt.Errorf("empty activity log in the record of crawler %q", name)
	}
	for _, s := range rec.ActivityLog {
		if _, err := ParseTimestamp(s.Start); err != nil {
			return nil, fmt.Errorf("activity log of crawler %q: %w", name, err)
		}
		if _, err := ParseElapsed(s.Duration); err != nil {
			return nil, fmt.Errorf("activity log of crawler %q: %w", name, err)
		}
	}

	return c, nil
}

// Save rewrites the record file in full.
func (c *Crawler) Save() error {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.saveLocked()
}

func (c *Crawler) saveLocked() error {
	rec := crawlerRecord{
		Name:        c.name,
		Mode:        c.mode,
		Targets:     c.targets,
		Deleted:     c.deleted,
		EventCount:  c.EventCount(),
		ActivityLog: c.activityLog,
	}
	if rec.ActivityLog == nil {
		rec.ActivityLog = []Session{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding crawler record: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(c.dir, InfoFileName), buf.Bytes()); err != nil {
		return fmt.Errorf("saving crawler %s: %w", c.name, err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename, so readers
// never observe a partially written record.
func writeFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (c *Crawler) Name() string { return c.name }
func (c *Crawler) Dir() string  { return c.dir }
func (c *Crawler) Mode() Mode   { return c.mode }

// Targets returns a copy of the crawler's targets.
func (c *Crawler) Targets() []string {
	return append([]string(nil), c.targets...)
}

// RuleIDs returns a copy of the rule ids currently owned by the crawler.
func (c *Crawler) RuleIDs() []string {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return append([]string(nil), c.ruleIDs...)
}

// Active reports whether the crawler currently owns rules.
func (c *Crawler) Active() bool {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return len(c.ruleIDs) > 0
}

// Deleted reports whether the crawler carries the tombstone.
func (c *Crawler) Deleted() bool {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.deleted
}

// ActivityLog returns a copy of the session history.
func (c *Crawler) ActivityLog() []Session {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return append([]Session(nil), c.activityLog...)
}

// EventCount returns the number of events written to the event files.
func (c *Crawler) EventCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventCount
}

// EventPath returns the daily event file for an event arriving at t.
func (c *Crawler) EventPath(t time.Time) string {
	return filepath.Join(c.dir, t.UTC().Format(EventFileLayout)+".jsonl")
}

// Enqueue adds an event to the pending buffer.
func (c *Crawler) Enqueue(ev PendingEvent) {
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
}

// PendingCount returns the number of events waiting to be persisted.
func (c *Crawler) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Drain swaps the pending buffer for an empty one. The drained events are
// counted once written, see recordPersisted.
func (c *Crawler) Drain() []PendingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.pending
	c.pending = nil
	return drained
}

// Requeue puts events that could not be written back at the front of the
// pending buffer.
func (c *Crawler) Requeue(events []PendingEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(append([]PendingEvent(nil), events...), c.pending...)
}

// recordPersisted adds n written events to the event counter. Paused
// crawlers get no status refresh, so their record is saved here.
func (c *Crawler) recordPersisted(n int) error {
	if n == 0 {
		return nil
	}
	c.mu.Lock()
	c.eventCount += int64(n)
	c.mu.Unlock()

	c.recMu.Lock()
	defer c.recMu.Unlock()
	if len(c.ruleIDs) > 0 {
		return nil
	}
	return c.saveLocked()
}

// beginSession records newly owned rules and opens a session starting at now.
func (c *Crawler) beginSession(now time.Time, ruleIDs []string) error {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	c.ruleIDs = append(c.ruleIDs, ruleIDs...)
	c.activityLog = append(c.activityLog, Session{Start: FormatTimestamp(now), Duration: FormatElapsed(0)})
	return c.saveLocked()
}

// endSession closes the open session at now and releases all rule ids.
func (c *Crawler) endSession(now time.Time) error {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	c.closeLastSession(now)
	c.ruleIDs = nil
	return c.saveLocked()
}

// touch refreshes the open session's duration and persists the record.
// It is a no-op for paused crawlers.
func (c *Crawler) touch(now time.Time) error {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if len(c.ruleIDs) == 0 {
		return nil
	}
	c.closeLastSession(now)
	return c.saveLocked()
}

func (c *Crawler) closeLastSession(now time.Time) {
	if len(c.activityLog) == 0 {
		return
	}
	last := &c.activityLog[len(c.activityLog)-1]
	start, err := ParseTimestamp(last.Start)
	if err != nil {
		return
	}
	last.Duration = FormatElapsed(now.Sub(start))
}

// markDeleted sets the tombstone and persists it.
func (c *Crawler) markDeleted() error {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	c.deleted = true
	if err := c.saveLocked(); err != nil {
		c.deleted = false
		return err
	}
	return nil
}

// SessionDurations returns the parsed duration of each session.
// Malformed entries count as zero.
func (c *Crawler) SessionDurations() []time.Duration {
	log := c.ActivityLog()
	out := make([]time.Duration, len(log))
	for i, s := range log {
		d, err := ParseElapsed(s.Duration)
		if err == nil {
			out[i] = d
		}
	}
	return out
}

// TotalActive returns the sum of all session durations.
func (c *Crawler) TotalActive() time.Duration {
	var total time.Duration
	for _, d := range c.SessionDurations() {
		total += d
	}
	return total
}
