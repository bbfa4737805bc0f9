package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"tm-go/internal/provider/memory"
	"tm-go/internal/tm"
)

// Providers hands out one memory provider per credential and keeps them so
// tests can inject events and failures.
type Providers struct {
	mu     sync.Mutex
	limits map[string]int
	byKey  map[string]*memory.Provider
	ids    *StubIDGenerator
}

// NewProviders creates an empty provider set. Rule ids are sequential
// across all providers.
func NewProviders() *Providers {
	return &Providers{
		limits: make(map[string]int),
		byKey:  make(map[string]*memory.Provider),
		ids:    NewStubIDGenerator(),
	}
}

// SetProbeLimit sets the dry-run limit of the provider created for key,
// which selects its tier. Unset keys accept 26 rules (the highest default tier).
func (p *Providers) SetProbeLimit(key string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[key] = n
}

// Factory returns the tm.ProviderFactory backed by the set.
func (p *Providers) Factory() tm.ProviderFactory {
	return func(cred tm.Credential) (tm.StreamProvider, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		opts := []memory.Option{memory.WithIDGenerator(p.ids)}
		if n, ok := p.limits[cred.Key()]; ok {
			opts = append(opts, memory.WithProbeLimit(n))
		}
		prov := memory.New(opts...)
		p.byKey[cred.Key()] = prov
		return prov, nil
	}
}

// Get returns the provider created for key, or nil.
func (p *Providers) Get(key string) *memory.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byKey[key]
}

// Credential returns a credential with a dummy token.
func Credential(owner, app string) tm.Credential {
	return tm.Credential{Owner: owner, App: app, Token: "token-" + owner + "-" + app}
}

// NewTestMonitor opens a Monitor over dataDir and closes it when the test
// completes.
func NewTestMonitor(t *testing.T, opts tm.MonitorOptions) *tm.Monitor {
	t.Helper()
	m, err := tm.NewMonitor(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// Eventually polls cond until it holds or a few seconds pass.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
