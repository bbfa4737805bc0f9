package tm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Archive stores completed daily event files outside the data directory.
type Archive interface {
	// Put stores size bytes read from r under key. Storing a key twice
	// replaces the previous object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// ValidateSetup verifies that the archive is reachable and writable.
	ValidateSetup() error
}

// ArchivedFile records one uploaded daily event file.
type ArchivedFile struct {
	Crawler    string
	Day        string
	Key        string
	Size       int64
	ArchivedAt time.Time
}

// ArchiveLedger remembers which daily files were already archived.
type ArchiveLedger interface {
	IsArchived(crawler, day string) (bool, error)
	MarkArchived(f *ArchivedFile) error
}

// Archiver periodically uploads the daily event files of past UTC days.
// Today's file is still being appended to and is never archived.
type Archiver struct {
	source   CrawlerSource
	archive  Archive
	ledger   ArchiveLedger
	interval time.Duration
	grace    time.Duration
	logger   Logger
	clock    Clock
}

// NewArchiver creates an archiver. Files modified less than grace ago are
// skipped until a later pass, leaving time for late writes to land.
func NewArchiver(source CrawlerSource, archive Archive, ledger ArchiveLedger, interval, grace time.Duration, logger Logger, clock Clock) *Archiver {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Archiver{
		source:   source,
		archive:  archive,
		ledger:   ledger,
		interval: interval,
		grace:    grace,
		logger:   logger,
		clock:    clock,
	}
}

// Run archives on every interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if n, err := a.ArchivePass(ctx); err != nil {
			a.logger.Error("archive pass failed", "error", err)
		} else if n > 0 {
			a.logger.Info("event files archived", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ArchivePass uploads every eligible file not yet in the ledger and returns
// how many were uploaded. A failure on one file is logged and the pass
// continues with the next.
func (a *Archiver) ArchivePass(ctx context.Context) (int, error) {
	now := a.clock.Now().UTC()
	today := now.Format(EventFileLayout)
	uploaded := 0

	for _, c := range a.source.Crawlers() {
		entries, err := os.ReadDir(c.Dir())
		if err != nil {
			a.logger.Warn("listing crawler directory failed", "crawler", c.Name(), "error", err)
			continue
		}

		for _, e := range entries {
			day, ok := eventFileDay(e.Name())
			if !ok || day >= today {
				continue
			}
			if ctx.Err() != nil {
				return uploaded, ctx.Err()
			}

			done, err := a.ledger.IsArchived(c.Name(), day)
			if err != nil {
				return uploaded, fmt.Errorf("checking archive ledger: %w", err)
			}
			if done {
				continue
			}

			stored, err := a.archiveFile(ctx, c, day, filepath.Join(c.Dir(), e.Name()), now)
			if err != nil {
				a.logger.Error("archiving event file failed", "crawler", c.Name(), "day", day, "error", err)
				continue
			}
			if stored {
				uploaded++
			}
		}
	}

	return uploaded, nil
}

// archiveFile uploads one daily file and records it. It reports false when
// the file is still inside the grace period.
func (a *Archiver) archiveFile(ctx context.Context, c *Crawler, day, path string, now time.Time) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening event file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat event file: %w", err)
	}
	if now.Sub(info.ModTime()) < a.grace {
		return false, nil
	}

	key := c.Name() + "/" + day + ".jsonl"
	if err := a.archive.Put(ctx, key, f, info.Size()); err != nil {
		return false, fmt.Errorf("uploading %s: %w", key, err)
	}

	if err := a.ledger.MarkArchived(&ArchivedFile{
		Crawler:    c.Name(),
		Day:        day,
		Key:        key,
		Size:       info.Size(),
		ArchivedAt: now,
	}); err != nil {
		return false, fmt.Errorf("recording %s in ledger: %w", key, err)
	}

	filesArchived.Inc()
	return true, nil
}

// eventFileDay extracts the day from a "YYYY-MM-DD.jsonl" file name.
func eventFileDay(name string) (string, bool) {
	day, ok := strings.CutSuffix(name, ".jsonl")
	if !ok {
		return "", false
	}
	if _, err := time.Parse(EventFileLayout, day); err != nil {
		return "", false
	}
	return day, true
}
