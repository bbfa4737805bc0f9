package tm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AllocatorSource lists the allocators of a Monitor.
type AllocatorSource interface {
	Allocators() []*Allocator
}

// StatusMonitor keeps the open sessions of active crawlers up to date on
// disk and periodically logs an aggregate status line.
type StatusMonitor struct {
	source        AllocatorSource
	checkInterval time.Duration
	logInterval   time.Duration
	logger        Logger
	clock         Clock
	lastLog       time.Time
}

// NewStatusMonitor creates a status monitor over the given allocators.
func NewStatusMonitor(source AllocatorSource, checkInterval, logInterval time.Duration, logger Logger, clock Clock) *StatusMonitor {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &StatusMonitor{
		source:        source,
		checkInterval: checkInterval,
		logInterval:   logInterval,
		logger:        logger,
		clock:         clock,
		lastLog:       clock.Now(),
	}
}

// Run checks every checkInterval until ctx is cancelled. A last check runs
// on the way out so session durations reflect the shutdown time.
func (s *StatusMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Check()
			return nil
		case <-ticker.C:
			s.Check()
			if now := s.clock.Now(); now.Sub(s.lastLog) >= s.logInterval {
				s.LogStatus()
				s.lastLog = now
			}
		}
	}
}

// Check refreshes and persists the open session of every active crawler.
func (s *StatusMonitor) Check() {
	for _, a := range s.source.Allocators() {
		a.Touch()
	}
}

// LogStatus emits one line summarizing active crawlers and their event counts.
func (s *StatusMonitor) LogStatus() {
	var (
		parts []string
		total int64
	)
	for _, a := range s.source.Allocators() {
		for _, c := range a.Crawlers() {
			n := c.EventCount()
			total += n
			parts = append(parts, fmt.Sprintf("%s:%d", c.Name(), n))
		}
	}
	s.logger.Info("status", "active", len(parts), "events", total, "crawlers", strings.Join(parts, ","))
}
