package tm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// monitorActive guards against two live Monitors in one process: both would
// claim the same credentials and data directory.
var monitorActive atomic.Bool

// MonitorOptions holds the dependencies of a Monitor.
type MonitorOptions struct {
	Settings    Settings
	Credentials []Credential
	Providers   ProviderFactory
	History     History
	Logger      Logger
	Clock       Clock
}

// Monitor is the lifecycle API over crawlers: it creates, pauses, resumes
// and deletes them, assigning active crawlers to credential allocators.
type Monitor struct {
	settings   Settings
	history    History
	logger     Logger
	clock      Clock
	allocators []*Allocator // ascending tier

	// mu guards the membership maps and is held for a whole lifecycle call.
	mu     sync.Mutex
	active map[string]*Crawler
	paused map[string]*Crawler
	owner  map[string]*Allocator
	closed bool
}

// NewMonitor loads the crawlers stored in the data directory (all start
// paused) and builds one allocator per usable credential. Only one Monitor
// may be open per process; a second call fails with ErrMonitorExists until
// the first is closed.
func NewMonitor(ctx context.Context, opts MonitorOptions) (*Monitor, error) {
	if !monitorActive.CompareAndSwap(false, true) {
		return nil, ErrMonitorExists
	}

	m, err := newMonitor(ctx, opts)
	if err != nil {
		monitorActive.Store(false)
		return nil, err
	}
	return m, nil
}

func newMonitor(ctx context.Context, opts MonitorOptions) (*Monitor, error) {
	settings, err := opts.Settings.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if len(opts.Credentials) == 0 {
		return nil, ErrNoCredentials
	}
	if opts.Providers == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if opts.History == nil {
		opts.History = NopHistory{}
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}

	m := &Monitor{
		settings: settings,
		history:  opts.History,
		logger:   opts.Logger,
		clock:    opts.Clock,
		active:   make(map[string]*Crawler),
		paused:   make(map[string]*Crawler),
		owner:    make(map[string]*Allocator),
	}

	if err := os.MkdirAll(settings.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", settings.DataDir, err)
	}
	if err := m.loadCrawlers(); err != nil {
		return nil, err
	}

	for _, cred := range opts.Credentials {
		m.logger.Info("creating allocator", "credential", cred.Key())
		p, err := opts.Providers(cred)
		if err != nil {
			m.logger.Error("creating provider failed", "credential", cred.Key(), "error", err)
			continue
		}
		a, err := NewAllocator(ctx, AllocatorOptions{
			Credential:   cred,
			Provider:     p,
			Tiers:        settings.Tiers,
			StreamFields: settings.StreamFields,
			Logger:       m.logger,
			Clock:        m.clock,
		})
		if err != nil {
			m.logger.Error("credential unusable", "credential", cred.Key(), "error", err)
			continue
		}
		m.logger.Info("credential ready", "credential", cred.Key(), "tier", a.Tier().Name)
		m.allocators = append(m.allocators, a)
	}
	if len(m.allocators) == 0 {
		return nil, ErrNoCredentials
	}

	sort.SliceStable(m.allocators, func(i, j int) bool {
		return settings.tierRank(m.allocators[i].Tier().Name) < settings.tierRank(m.allocators[j].Tier().Name)
	})

	return m, nil
}

// loadCrawlers registers every loadable, non-deleted crawler as paused.
func (m *Monitor) loadCrawlers() error {
	entries, err := os.ReadDir(m.settings.DataDir)
	if err != nil {
		return fmt.Errorf("reading data directory: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		c, err := LoadCrawler(m.settings.DataDir, e.Name())
		if err != nil {
			m.logger.Error("unable to load crawler", "crawler", e.Name(), "error", err)
			continue
		}
		if c.Deleted() {
			m.logger.Info("ignored deleted crawler", "crawler", e.Name())
			continue
		}
		m.paused[c.Name()] = c
		m.logger.Info("crawler loaded (paused)", "crawler", c.Name())
	}
	return nil
}

// Run runs the persistence worker and the status monitor until ctx is
// cancelled. A final flush and a final status check run before Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	worker := NewPersistenceWorker(m, m.settings.PersistIdleInterval, m.logger)
	status := NewStatusMonitor(m, m.settings.CheckInterval, m.settings.LogInterval, m.logger, m.clock)

	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return status.Run(gctx) })

	err := g.Wait()
	// Saved after the worker's final flush so records carry the last counts.
	status.Check()
	return err
}

// Close stops every provider stream and releases the process-wide guard.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	for _, a := range m.allocators {
		a.Close()
	}
	monitorActive.Store(false)
	return nil
}

// Settings returns the monitor's settings.
func (m *Monitor) Settings() Settings { return m.settings }

// Allocators returns the allocators in ascending tier order.
func (m *Monitor) Allocators() []*Allocator {
	return slices.Clone(m.allocators)
}

// Crawlers returns every active and paused crawler, sorted by name.
func (m *Monitor) Crawlers() []*Crawler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Crawler, 0, len(m.active)+len(m.paused))
	for _, c := range m.active {
		out = append(out, c)
	}
	for _, c := range m.paused {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Track creates a crawler collecting content that contains any keyword.
func (m *Monitor) Track(ctx context.Context, name string, keywords []string) error {
	return m.create(ctx, ModeTrack, name, keywords)
}

// Follow creates a crawler collecting content to, from, or retweeting any
// of the accounts.
func (m *Monitor) Follow(ctx context.Context, name string, accounts []string) error {
	return m.create(ctx, ModeFollow, name, accounts)
}

func (m *Monitor) create(ctx context.Context, mode Mode, name string, targets []string) error {
	op := newOperation(string(mode), name, targets, m.clock.Now())

	m.mu.Lock()
	err := m.createLocked(ctx, mode, name, targets)
	m.mu.Unlock()

	return m.record(op, err, fmt.Sprintf("crawler %s activated to %s the specified targets", name, mode))
}

func (m *Monitor) createLocked(ctx context.Context, mode Mode, name string, targets []string) error {
	if err := m.checkName(name); err != nil {
		return err
	}
	if err := validateTargets(mode, targets); err != nil {
		return err
	}
	if other := m.findDuplicate(mode, targets); other != "" {
		return fmt.Errorf("%w: %s", ErrDuplicateTargets, other)
	}

	c, err := NewCrawler(m.settings.DataDir, name, mode, targets)
	if err != nil {
		return err
	}

	if err := m.assignLocked(ctx, c); err != nil {
		// Nothing was collected yet: drop the directory so the name can be reused.
		if rmErr := os.RemoveAll(c.Dir()); rmErr != nil {
			m.logger.Warn("removing crawler directory failed", "crawler", name, "error", rmErr)
		}
		return err
	}
	return nil
}

// assignLocked hands the crawler to the first allocator, lowest tier first,
// that can fit its rules.
func (m *Monitor) assignLocked(ctx context.Context, c *Crawler) error {
	tooLong := 0
	for _, a := range m.allocators {
		_, err := a.AddCrawler(ctx, c)
		switch {
		case err == nil:
			m.active[c.name] = c
			m.owner[c.name] = a
			delete(m.paused, c.name)
			return nil
		case errors.Is(err, ErrInsufficientRules):
			m.logger.Debug("allocator full", "credential", a.Credential(), "crawler", c.name)
		case errors.Is(err, ErrTargetTooLong):
			tooLong++
			m.logger.Debug("targets too long for tier", "credential", a.Credential(), "crawler", c.name, "error", err)
		default:
			return err
		}
	}

	if tooLong == len(m.allocators) {
		return fmt.Errorf("%w for any credential tier", ErrTargetTooLong)
	}
	return fmt.Errorf("%w; you may want to use multiple crawlers with a subset of the targets", ErrNoCapacity)
}

// checkName validates a new crawler name.
func (m *Monitor) checkName(name string) error {
	if _, ok := m.active[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	if _, ok := m.paused[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > m.settings.CrawlerNameMaxLen {
		return fmt.Errorf("%w: maximum name length is %d characters", ErrInvalidName, m.settings.CrawlerNameMaxLen)
	}
	for _, r := range name {
		if !isNameChar(r) {
			return fmt.Errorf("%w: invalid char %q, allowed characters are a-z A-Z 0-9 - _", ErrInvalidName, r)
		}
	}
	if _, err := os.Stat(filepath.Join(m.settings.DataDir, name)); err == nil {
		return fmt.Errorf("%w: %q", ErrDirectoryExists, name)
	}
	return nil
}

func isNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// findDuplicate returns the name of a crawler in the same mode with exactly
// the same set of targets, or "".
func (m *Monitor) findDuplicate(mode Mode, targets []string) string {
	want := targetSet(targets)
	for _, group := range []map[string]*Crawler{m.active, m.paused} {
		for name, c := range group {
			if c.mode == mode && slices.Equal(targetSet(c.targets), want) {
				return name
			}
		}
	}
	return ""
}

func targetSet(targets []string) []string {
	set := slices.Clone(targets)
	slices.Sort(set)
	return slices.Compact(set)
}

// Pause removes an active crawler from its allocator. The crawler keeps its
// record and can be resumed.
func (m *Monitor) Pause(ctx context.Context, name string) error {
	op := newOperation("pause", name, nil, m.clock.Now())

	m.mu.Lock()
	err := m.pauseLocked(ctx, name)
	m.mu.Unlock()

	return m.record(op, err, fmt.Sprintf("crawler %s successfully paused", name))
}

func (m *Monitor) pauseLocked(ctx context.Context, name string) error {
	c, ok := m.active[name]
	if !ok {
		if _, paused := m.paused[name]; paused {
			return fmt.Errorf("%w: %s", ErrAlreadyPaused, name)
		}
		return fmt.Errorf("%w: %s", ErrCrawlerNotFound, name)
	}

	if err := m.owner[name].RemoveCrawler(ctx, c); err != nil {
		return err
	}

	delete(m.active, name)
	delete(m.owner, name)
	m.paused[name] = c
	return nil
}

// Resume reassigns a paused crawler to an allocator with free quota.
func (m *Monitor) Resume(ctx context.Context, name string) error {
	op := newOperation("resume", name, nil, m.clock.Now())

	m.mu.Lock()
	err := m.resumeLocked(ctx, name)
	m.mu.Unlock()

	return m.record(op, err, fmt.Sprintf("crawler %s resumed", name))
}

func (m *Monitor) resumeLocked(ctx context.Context, name string) error {
	c, ok := m.paused[name]
	if !ok {
		if _, active := m.active[name]; active {
			return fmt.Errorf("%w: %s", ErrAlreadyActive, name)
		}
		return fmt.Errorf("%w: %s", ErrCrawlerNotFound, name)
	}
	return m.assignLocked(ctx, c)
}

// Delete tombstones a paused crawler after writing its pending events. Its
// files stay on disk but it is never loaded again. Active crawlers must be
// paused first.
func (m *Monitor) Delete(name string) error {
	op := newOperation("delete", name, nil, m.clock.Now())

	m.mu.Lock()
	err := m.deleteLocked(name)
	m.mu.Unlock()

	return m.record(op, err, fmt.Sprintf("crawler %s successfully deleted", name))
}

func (m *Monitor) deleteLocked(name string) error {
	c, ok := m.paused[name]
	if !ok {
		if _, active := m.active[name]; active {
			return fmt.Errorf("%w: %s", ErrCrawlerActive, name)
		}
		return fmt.Errorf("%w: %s", ErrCrawlerNotFound, name)
	}

	// Events dispatched before the pause are written while the crawler is
	// still known; nothing drains it once deleted.
	if _, err := persistPending(c, m.logger); err != nil {
		return fmt.Errorf("deleting crawler %s: %w", name, err)
	}
	if err := c.markDeleted(); err != nil {
		return fmt.Errorf("deleting crawler %s: %w", name, err)
	}
	delete(m.paused, name)
	return nil
}

// History returns the most recent lifecycle operations, newest first.
func (m *Monitor) History(limit int) ([]*Operation, error) {
	ops, err := m.history.ListOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// record logs the outcome of a lifecycle call and stores it in the history.
// It returns err unchanged.
func (m *Monitor) record(op *Operation, err error, successMsg string) error {
	op.finish(err, successMsg, m.clock.Now())
	if err != nil {
		m.logger.Error("operation failed", "operation", op.Operation, "crawler", op.Crawler, "error", err)
	} else {
		m.logger.Info(successMsg, "operation", op.Operation)
	}

	if herr := m.history.RecordOperation(op); herr != nil {
		m.logger.Warn("recording operation failed", "operation", op.Operation, "error", herr)
	}
	return err
}
