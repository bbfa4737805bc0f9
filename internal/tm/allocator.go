package tm

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Allocator is the authority over one credential's rule quota. It packs
// crawler targets into rules, submits and retracts them, and maps provider
// rule ids back to the crawler that owns them.
type Allocator struct {
	credential string
	tier       Tier
	provider   StreamProvider
	fields     []string
	logger     Logger
	clock      Clock

	// mu guards rules, crawlers and stream, and is held across the whole
	// submit-and-record and retract-and-forget sequences.
	mu       sync.Mutex
	rules    map[string]string // rule id -> crawler name
	crawlers map[string]*Crawler
	stream   Stream

	baseCtx context.Context
	cancel  context.CancelFunc
}

// AllocatorOptions holds the dependencies of an Allocator.
type AllocatorOptions struct {
	Credential   Credential
	Provider     StreamProvider
	Tiers        []Tier // ascending
	StreamFields []string
	Logger       Logger
	Clock        Clock
}

// NewAllocator clears any rules left on the credential by a previous process,
// probes its tier and returns an allocator ready to accept crawlers.
func NewAllocator(ctx context.Context, opts AllocatorOptions) (*Allocator, error) {
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	a := &Allocator{
		credential: opts.Credential.Key(),
		provider:   opts.Provider,
		fields:     opts.StreamFields,
		logger:     opts.Logger,
		clock:      opts.Clock,
		rules:      make(map[string]string),
		crawlers:   make(map[string]*Crawler),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}

	if err := a.Reset(ctx); err != nil {
		cancel()
		return nil, err
	}

	tier, err := ProbeTier(ctx, opts.Provider, opts.Tiers)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("credential %s: %w", a.credential, err)
	}
	a.tier = tier
	a.updateGauges()

	return a, nil
}

// Reset retracts every rule registered on the credential. It must only be
// called before the allocator serves crawlers.
func (a *Allocator) Reset(ctx context.Context) error {
	existing, err := a.provider.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("listing rules of %s: %w", a.credential, err)
	}
	if len(existing) == 0 {
		return nil
	}

	ids := make([]string, len(existing))
	for i, r := range existing {
		ids[i] = r.ID
	}
	if err := a.provider.RetractRules(ctx, ids); err != nil {
		return fmt.Errorf("retracting stale rules of %s: %w", a.credential, err)
	}
	a.logger.Info("stale rules retracted", "credential", a.credential, "count", len(ids))
	return nil
}

// Credential returns the "owner/app" key of the allocator's credential.
func (a *Allocator) Credential() string { return a.credential }

// Tier returns the credential's capability tier.
func (a *Allocator) Tier() Tier { return a.tier }

// Usage returns the number of allocated rules and the quota.
func (a *Allocator) Usage() (used, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rules), a.tier.MaxRules
}

// Available returns the number of rules that can still be allocated.
func (a *Allocator) Available() int {
	used, max := a.Usage()
	return max - used
}

// Crawlers returns the crawlers registered with the allocator, sorted by name.
func (a *Allocator) Crawlers() []*Crawler {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Crawler, 0, len(a.crawlers))
	for _, c := range a.crawlers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Owner returns the crawler owning rule id, if any.
func (a *Allocator) Owner(ruleID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.rules[ruleID]
	return name, ok
}

// StreamOpen reports whether the provider stream is currently open.
func (a *Allocator) StreamOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream != nil
}

// AddCrawler packs the crawler's targets, submits the resulting rules and
// registers the crawler as their owner. It returns the number of rules used.
//
// If the rules do not fit the remaining quota it returns ErrInsufficientRules
// and submits nothing. A provider failure leaves the allocator unchanged.
func (a *Allocator) AddCrawler(ctx context.Context, c *Crawler) (int, error) {
	if c.Active() {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyActive, c.name)
	}

	values, err := PackRules(c.mode, c.targets, a.tier.MaxRuleLength)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if available := a.tier.MaxRules - len(a.rules); len(values) > available {
		return 0, fmt.Errorf("%w: %s needs %d, %d available", ErrInsufficientRules, a.credential, len(values), available)
	}

	openedHere := false
	if a.stream == nil {
		if err := a.openStreamLocked(); err != nil {
			return 0, err
		}
		openedHere = true
	}
	releaseStream := func() {
		if openedHere && len(a.rules) == 0 {
			a.closeStreamLocked()
		}
	}

	accepted, err := a.provider.SubmitRules(ctx, values, false)
	if err != nil {
		releaseStream()
		return 0, fmt.Errorf("%w: adding rules to %s: %v", ErrProviderRejected, a.credential, err)
	}
	if len(accepted) != len(values) {
		a.retractBestEffort(ctx, accepted)
		releaseStream()
		return 0, fmt.Errorf("%w: %s accepted %d of %d rules", ErrProviderRejected, a.credential, len(accepted), len(values))
	}

	ids := make([]string, len(accepted))
	for i, r := range accepted {
		ids[i] = r.ID
		a.rules[r.ID] = c.name
	}
	a.crawlers[c.name] = c
	a.updateGauges()

	if err := c.beginSession(a.clock.Now(), ids); err != nil {
		persistErrors.WithLabelValues("record").Inc()
		a.logger.Error("saving crawler record failed", "crawler", c.name, "error", err)
	}

	a.logger.Info("crawler added", "credential", a.credential, "crawler", c.name, "rules", len(ids))
	return len(ids), nil
}

// RemoveCrawler retracts the crawler's rules, closes its open session and
// unregisters it. The stream is closed once no rules remain.
func (a *Allocator) RemoveCrawler(ctx context.Context, c *Crawler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.crawlers[c.name]; !ok {
		return fmt.Errorf("%w: %s is not registered with %s", ErrCrawlerNotFound, c.name, a.credential)
	}

	ids := c.RuleIDs()
	if len(ids) > 0 {
		if err := a.provider.RetractRules(ctx, ids); err != nil {
			return fmt.Errorf("%w: deleting rules from %s: %v", ErrProviderRejected, a.credential, err)
		}
	}

	for _, id := range ids {
		delete(a.rules, id)
	}
	delete(a.crawlers, c.name)
	a.updateGauges()

	if err := c.endSession(a.clock.Now()); err != nil {
		persistErrors.WithLabelValues("record").Inc()
		a.logger.Error("saving crawler record failed", "crawler", c.name, "error", err)
	}

	if len(a.rules) == 0 {
		a.closeStreamLocked()
	}

	a.logger.Info("crawler removed", "credential", a.credential, "crawler", c.name, "rules", len(ids))
	return nil
}

// Touch refreshes the open session of every registered crawler and persists
// the records. Write failures are logged and skipped. Records are written
// without the allocator lock so dispatch is never blocked on disk; a crawler
// removed meanwhile has no open session and is skipped by touch.
func (a *Allocator) Touch() {
	now := a.clock.Now()
	for _, c := range a.Crawlers() {
		if err := c.touch(now); err != nil {
			persistErrors.WithLabelValues("record").Inc()
			a.logger.Error("saving crawler record failed", "crawler", c.name, "error", err)
		}
	}
}

// Close stops the provider stream. Rules stay registered on the provider
// and are cleared by the next process's Reset.
func (a *Allocator) Close() {
	a.mu.Lock()
	a.closeStreamLocked()
	a.mu.Unlock()
	a.cancel()
}

func (a *Allocator) openStreamLocked() error {
	s, err := a.provider.OpenStream(a.baseCtx, a.fields, a.HandleEvent)
	if err != nil {
		return fmt.Errorf("opening stream for %s: %w", a.credential, err)
	}
	a.stream = s
	a.logger.Info("stream connected", "credential", a.credential)
	return nil
}

// closeStreamLocked closes the stream without waiting for in-flight
// callbacks, which block on mu until the caller releases it.
func (a *Allocator) closeStreamLocked() {
	if a.stream == nil {
		return
	}
	s := a.stream
	a.stream = nil
	go func() {
		if err := s.Close(); err != nil {
			a.logger.Warn("closing stream failed", "credential", a.credential, "error", err)
		}
	}()
	a.logger.Info("stream disconnected", "credential", a.credential)
}

func (a *Allocator) retractBestEffort(ctx context.Context, rules []Rule) {
	if len(rules) == 0 {
		return
	}
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	if err := a.provider.RetractRules(ctx, ids); err != nil {
		a.logger.Error("retracting partially accepted rules failed", "credential", a.credential, "ids", ids, "error", err)
	}
}

func (a *Allocator) updateGauges() {
	rulesUsed.WithLabelValues(a.credential, a.tier.Name).Set(float64(len(a.rules)))
	rulesMax.WithLabelValues(a.credential, a.tier.Name).Set(float64(a.tier.MaxRules))
}

func (a *Allocator) String() string {
	return a.credential + " (" + a.tier.Name + ", " + strconv.Itoa(a.tier.MaxRules) + " rules)"
}
