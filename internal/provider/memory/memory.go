// Package memory provides an in-process StreamProvider. Rules live in a map,
// and events are injected with Emit. It backs tests and the "memory"
// provider type used for local dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tm-go/internal/tm"
)

// Provider is an in-memory implementation of tm.StreamProvider.
// It is safe for concurrent use.
type Provider struct {
	mu          sync.Mutex
	probeLimit  int
	idgen       tm.IDGenerator
	rules       map[string]string // id -> value
	streams     map[*stream]struct{}
	submitErr   error
	retractErr  error
	acceptLimit int // when > 0, accept at most this many rules per submission
	submits     int
	dryRuns     int
	retracts    int
}

// Option configures a Provider.
type Option func(*Provider)

// WithProbeLimit makes dry runs of more than n rules fail, which makes the
// provider probe as the tier whose probe count is the largest not above n.
func WithProbeLimit(n int) Option {
	return func(p *Provider) { p.probeLimit = n }
}

// WithIDGenerator sets the generator of rule ids.
func WithIDGenerator(g tm.IDGenerator) Option {
	return func(p *Provider) { p.idgen = g }
}

// New creates a provider. Without options dry runs of up to 26 rules succeed.
func New(opts ...Option) *Provider {
	p := &Provider{
		probeLimit: 26,
		idgen:      tm.UUIDGenerator{},
		rules:      make(map[string]string),
		streams:    make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Factory returns a tm.ProviderFactory creating one Provider per credential.
func Factory(opts ...Option) tm.ProviderFactory {
	return func(tm.Credential) (tm.StreamProvider, error) {
		return New(opts...), nil
	}
}

// FailSubmit makes non-dry-run submissions fail with err until reset with nil.
func (p *Provider) FailSubmit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// FailRetract makes retractions fail with err until reset with nil.
func (p *Provider) FailRetract(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retractErr = err
}

// AcceptAtMost makes submissions accept only the first n rules, simulating a
// provider that rejects part of a batch. Zero disables the limit.
func (p *Provider) AcceptAtMost(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acceptLimit = n
}

func (p *Provider) SubmitRules(_ context.Context, values []string, dryRun bool) ([]tm.Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dryRun {
		p.dryRuns++
		if len(values) > p.probeLimit {
			return nil, fmt.Errorf("rule limit exceeded: %d rules submitted, limit %d", len(values), p.probeLimit)
		}
		return make([]tm.Rule, len(values)), nil
	}

	p.submits++
	if p.submitErr != nil {
		return nil, p.submitErr
	}

	n := len(values)
	if p.acceptLimit > 0 && n > p.acceptLimit {
		n = p.acceptLimit
	}
	accepted := make([]tm.Rule, n)
	for i := 0; i < n; i++ {
		id := p.idgen.New()
		p.rules[id] = values[i]
		accepted[i] = tm.Rule{ID: id, Value: values[i]}
	}
	return accepted, nil
}

func (p *Provider) RetractRules(_ context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.retracts++
	if p.retractErr != nil {
		return p.retractErr
	}
	for _, id := range ids {
		delete(p.rules, id)
	}
	return nil
}

func (p *Provider) ListRules(context.Context) ([]tm.Rule, error) {
	return p.Rules(), nil
}

// Rules returns the registered rules sorted by value.
func (p *Provider) Rules() []tm.Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tm.Rule, 0, len(p.rules))
	for id, v := range p.rules {
		out = append(out, tm.Rule{ID: id, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// Seed registers a rule directly, as if left behind by another process.
func (p *Provider) Seed(id, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[id] = value
}

// Calls returns the number of real submissions, dry runs and retractions.
func (p *Provider) Calls() (submits, dryRuns, retracts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits, p.dryRuns, p.retracts
}

func (p *Provider) OpenStream(ctx context.Context, _ []string, onEvent func(tm.Event)) (tm.Stream, error) {
	s := &stream{p: p, onEvent: onEvent}

	p.mu.Lock()
	p.streams[s] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s, nil
}

// OpenStreams returns the number of streams not yet closed.
func (p *Provider) OpenStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Emit delivers ev to every open stream on the caller's goroutine, the way a
// transport delivers from its reader goroutine.
func (p *Provider) Emit(ev tm.Event) {
	p.mu.Lock()
	targets := make([]*stream, 0, len(p.streams))
	for s := range p.streams {
		targets = append(targets, s)
	}
	p.mu.Unlock()

	for _, s := range targets {
		s.onEvent(ev)
	}
}

type stream struct {
	p       *Provider
	onEvent func(tm.Event)
}

func (s *stream) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	delete(s.p.streams, s)
	return nil
}

var _ tm.StreamProvider = (*Provider)(nil)
