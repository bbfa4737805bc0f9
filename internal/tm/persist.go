package tm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CrawlerSource lists every known crawler, active and paused.
type CrawlerSource interface {
	Crawlers() []*Crawler
}

// PersistenceWorker drains crawler pending buffers into the daily event files.
type PersistenceWorker struct {
	source CrawlerSource
	idle   time.Duration
	logger Logger
}

// NewPersistenceWorker creates a worker that sleeps idle between passes that
// found nothing to write.
func NewPersistenceWorker(source CrawlerSource, idle time.Duration, logger Logger) *PersistenceWorker {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &PersistenceWorker{source: source, idle: idle, logger: logger}
}

// Run loops until ctx is cancelled, then performs a final flush.
// Busy passes are followed immediately by the next one.
func (w *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return nil
		case <-timer.C:
		}

		if w.Flush() > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(w.idle)
		}
	}
}

// Flush performs one pass over all crawlers and returns the number of events
// drained. Events that could not be written are requeued on their crawler.
func (w *PersistenceWorker) Flush() int {
	drained := 0
	for _, c := range w.source.Crawlers() {
		n, _ := persistPending(c, w.logger)
		drained += n
	}
	return drained
}

// persistPending drains the crawler's pending buffer into its event files.
// It returns the number of events drained and an error when some of them
// could not be written; those are requeued.
func persistPending(c *Crawler, logger Logger) (int, error) {
	events := c.Drain()
	if len(events) == 0 {
		return 0, nil
	}

	failed := writeEvents(c, events, logger)
	if err := c.recordPersisted(len(events) - len(failed)); err != nil {
		persistErrors.WithLabelValues("record").Inc()
		logger.Warn("saving crawler record failed", "crawler", c.Name(), "error", err)
	}
	if len(failed) > 0 {
		c.Requeue(failed)
		return len(events), fmt.Errorf("%d events of crawler %s not written", len(failed), c.Name())
	}
	return len(events), nil
}

// writeEvents appends events grouped by file, preserving their order within
// each file, and returns the events of every group that failed.
func writeEvents(c *Crawler, events []PendingEvent, logger Logger) []PendingEvent {
	var (
		order  []string
		groups = make(map[string][]PendingEvent)
		failed []PendingEvent
	)
	for _, ev := range events {
		if _, ok := groups[ev.Path]; !ok {
			order = append(order, ev.Path)
		}
		groups[ev.Path] = append(groups[ev.Path], ev)
	}

	for _, path := range order {
		group := groups[path]
		if err := appendLines(path, group); err != nil {
			persistErrors.WithLabelValues("events").Inc()
			logger.Error("writing events failed", "crawler", c.Name(), "path", path, "count", len(group), "error", err)
			failed = append(failed, group...)
			continue
		}
		eventsPersisted.Add(float64(len(group)))
	}
	return failed
}

func appendLines(path string, events []PendingEvent) error {
	var buf bytes.Buffer
	for _, ev := range events {
		buf.Write(ev.Payload)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating event directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening event file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("appending events: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing event file: %w", err)
	}
	return nil
}
