package tm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tm-go/internal/testutil"
	"tm-go/internal/tm"
)

// Monitors are process-wide singletons, so none of these tests run in parallel.

type monitorFixture struct {
	m         *tm.Monitor
	dir       string
	clock     *testutil.StubClock
	providers *testutil.Providers
}

func newMonitorFixture(t *testing.T, opts tm.MonitorOptions) *monitorFixture {
	t.Helper()
	f := &monitorFixture{
		dir:       t.TempDir(),
		clock:     testutil.FixedClock(),
		providers: testutil.NewProviders(),
	}
	if opts.Settings.DataDir == "" {
		opts.Settings = newSettings(f.dir)
	} else {
		f.dir = opts.Settings.DataDir
	}
	if opts.Credentials == nil {
		opts.Credentials = []tm.Credential{testutil.Credential("alice", "app")}
	}
	opts.Providers = f.providers.Factory()
	opts.Clock = f.clock
	f.m = testutil.NewTestMonitor(t, opts)
	return f
}

func TestMonitor_Lifecycle(t *testing.T) {
	f := newMonitorFixture(t, tm.MonitorOptions{})
	ctx := context.Background()

	if err := f.m.Track(ctx, "alpha", []string{"alpha", "beta"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	info, err := f.m.InfoCrawler("alpha")
	if err != nil {
		t.Fatalf("InfoCrawler() error = %v", err)
	}
	if info.Status != tm.StatusActive || info.Credential != "alice/app" || info.Rules != 1 {
		t.Errorf("InfoCrawler() = %+v", info)
	}
	if !info.Since.Equal(f.clock.Now()) {
		t.Errorf("Since = %v, want %v", info.Since, f.clock.Now())
	}

	f.clock.Advance(time.Hour)
	if err := f.m.Pause(ctx, "alpha"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := f.m.Pause(ctx, "alpha"); !errors.Is(err, tm.ErrAlreadyPaused) {
		t.Errorf("second Pause() error = %v, want ErrAlreadyPaused", err)
	}
	info, _ = f.m.InfoCrawler("alpha")
	if info.Status != tm.StatusPaused || info.Credential != "" {
		t.Errorf("paused InfoCrawler() = %+v", info)
	}
	if want := f.clock.Now(); !info.Since.Equal(want) {
		t.Errorf("paused Since = %v, want %v", info.Since, want)
	}

	if err := f.m.Resume(ctx, "alpha"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := f.m.Resume(ctx, "alpha"); !errors.Is(err, tm.ErrAlreadyActive) {
		t.Errorf("second Resume() error = %v, want ErrAlreadyActive", err)
	}
	info, _ = f.m.InfoCrawler("alpha")
	if len(info.ActivityLog) != 2 || info.ActivityLog[0].Duration != "1:00:00" {
		t.Errorf("activity log = %+v", info.ActivityLog)
	}

	if err := f.m.Delete("alpha"); !errors.Is(err, tm.ErrCrawlerActive) {
		t.Errorf("Delete() of active crawler error = %v, want ErrCrawlerActive", err)
	}
	if info, _ := f.m.InfoCrawler("alpha"); info.Status != tm.StatusActive {
		t.Errorf("crawler status after refused delete = %s", info.Status)
	}

	if err := f.m.Pause(ctx, "alpha"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := f.m.Delete("alpha"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.m.InfoCrawler("alpha"); !errors.Is(err, tm.ErrCrawlerNotFound) {
		t.Errorf("InfoCrawler() after delete error = %v", err)
	}
	if err := f.m.Delete("alpha"); !errors.Is(err, tm.ErrCrawlerNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}

	c, err := tm.LoadCrawler(f.dir, "alpha")
	if err != nil {
		t.Fatalf("LoadCrawler() error = %v", err)
	}
	if !c.Deleted() {
		t.Error("record is not tombstoned")
	}

	if err := f.m.Pause(ctx, "ghost"); !errors.Is(err, tm.ErrCrawlerNotFound) {
		t.Errorf("Pause(ghost) error = %v", err)
	}
	if err := f.m.Resume(ctx, "ghost"); !errors.Is(err, tm.ErrCrawlerNotFound) {
		t.Errorf("Resume(ghost) error = %v", err)
	}
}

func TestMonitor_NameValidation(t *testing.T) {
	f := newMonitorFixture(t, tm.MonitorOptions{})
	ctx := context.Background()

	if err := f.m.Track(ctx, "taken", []string{"taken"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if err := os.Mkdir(filepath.Join(f.dir, "stray"), 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		crawler string
		wantErr error
	}{
		{"empty", "", tm.ErrInvalidName},
		{"too long", strings.Repeat("a", 26), tm.ErrInvalidName},
		{"space", "bad name", tm.ErrInvalidName},
		{"slash", "bad/name", tm.ErrInvalidName},
		{"dot dot", "..", tm.ErrInvalidName},
		{"non ascii", "ünïcode", tm.ErrInvalidName},
		{"taken", "taken", tm.ErrNameTaken},
		{"leftover directory", "stray", tm.ErrDirectoryExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.m.Track(ctx, tt.crawler, []string{"unique-" + tt.name})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Track(%q) error = %v, want %v", tt.crawler, err, tt.wantErr)
			}
			if !tm.IsValidation(err) {
				t.Errorf("IsValidation(%v) = false", err)
			}
		})
	}

	if err := f.m.Track(ctx, strings.Repeat("a", 25), []string{"x"}); err != nil {
		t.Errorf("Track() with maximum name length error = %v", err)
	}
	if err := f.m.Track(ctx, "Valid_name-2", []string{"y"}); err != nil {
		t.Errorf("Track() error = %v", err)
	}
}

func TestMonitor_DuplicateTargets(t *testing.T) {
	f := newMonitorFixture(t, tm.MonitorOptions{})
	ctx := context.Background()

	if err := f.m.Track(ctx, "first", []string{"x", "y"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	err := f.m.Track(ctx, "second", []string{"y", "x", "x"})
	if !errors.Is(err, tm.ErrDuplicateTargets) {
		t.Fatalf("Track() error = %v, want ErrDuplicateTargets", err)
	}
	if _, statErr := os.Stat(filepath.Join(f.dir, "second")); !os.IsNotExist(statErr) {
		t.Error("directory created for a rejected crawler")
	}

	// Same targets in another mode are a different subscription.
	if err := f.m.Follow(ctx, "third", []string{"x", "y"}); err != nil {
		t.Errorf("Follow() error = %v", err)
	}

	// Paused crawlers still count.
	if err := f.m.Pause(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Track(ctx, "fourth", []string{"x", "y"}); !errors.Is(err, tm.ErrDuplicateTargets) {
		t.Errorf("Track() error = %v, want ErrDuplicateTargets", err)
	}
}

func TestMonitor_Assignment(t *testing.T) {
	dir := t.TempDir()
	settings := newSettings(dir)
	settings.Tiers = []tm.Tier{
		{Name: "small", MaxRules: 2, MaxRuleLength: 20, ProbeCount: 2},
		{Name: "big", MaxRules: 10, MaxRuleLength: 100, ProbeCount: 10},
	}

	providers := testutil.NewProviders()
	providers.SetProbeLimit("ann/small", 2)
	providers.SetProbeLimit("bob/big", 10)
	m := testutil.NewTestMonitor(t, tm.MonitorOptions{
		Settings: settings,
		Credentials: []tm.Credential{
			testutil.Credential("bob", "big"),
			testutil.Credential("ann", "small"),
		},
		Providers: providers.Factory(),
		Clock:     testutil.FixedClock(),
	})
	ctx := context.Background()

	owner := func(name string) string {
		t.Helper()
		info, err := m.InfoCrawler(name)
		if err != nil {
			t.Fatalf("InfoCrawler(%s) error = %v", name, err)
		}
		return info.Credential
	}

	if got := m.Allocators(); got[0].Tier().Name != "small" || got[1].Tier().Name != "big" {
		t.Fatalf("allocators not in ascending tier order: %v, %v", got[0], got[1])
	}

	if err := m.Track(ctx, "one", []string{"alpha"}); err != nil {
		t.Fatalf("Track(one) error = %v", err)
	}
	if got := owner("one"); got != "ann/small" {
		t.Errorf("one assigned to %s, want the lowest tier", got)
	}

	if err := m.Track(ctx, "long", []string{longTarget("l", 50)}); err != nil {
		t.Fatalf("Track(long) error = %v", err)
	}
	if got := owner("long"); got != "bob/big" {
		t.Errorf("long assigned to %s, want bob/big", got)
	}

	// Three rules do not fit the single free rule of the small credential;
	// the big tier packs them into one.
	if err := m.Track(ctx, "many", []string{longTarget("m", 15), longTarget("n", 15), longTarget("o", 15)}); err != nil {
		t.Fatalf("Track(many) error = %v", err)
	}
	if got := owner("many"); got != "bob/big" {
		t.Errorf("many assigned to %s, want bob/big", got)
	}

	huge := make([]string, 12)
	for i := range huge {
		huge[i] = longTarget(fmt.Sprintf("h%02d", i), 60)
	}
	err := m.Track(ctx, "huge", huge)
	if !errors.Is(err, tm.ErrNoCapacity) {
		t.Fatalf("Track(huge) error = %v, want ErrNoCapacity", err)
	}
	if tm.IsValidation(err) {
		t.Error("capacity error reported as validation error")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "huge")); !os.IsNotExist(statErr) {
		t.Error("directory of an unassigned crawler was kept")
	}

	if err := m.Track(ctx, "toolong", []string{longTarget("y", 200)}); !errors.Is(err, tm.ErrTargetTooLong) {
		t.Errorf("Track(toolong) error = %v, want ErrTargetTooLong", err)
	}

	s := m.Info()
	want := []tm.TierUsage{
		{Tier: "small", Tokens: 1, RulesUsed: 1, RulesMax: 2},
		{Tier: "big", Tokens: 1, RulesUsed: 2, RulesMax: 10},
	}
	if fmt.Sprint(s.Tiers) != fmt.Sprint(want) {
		t.Errorf("Info().Tiers = %+v, want %+v", s.Tiers, want)
	}
	if len(s.Active) != 3 || len(s.Paused) != 0 {
		t.Errorf("Info() active=%d paused=%d", len(s.Active), len(s.Paused))
	}

	// The freed name can be reused with fewer targets.
	if err := m.Track(ctx, "huge", huge[:2]); err != nil {
		t.Errorf("Track(huge) with fewer targets error = %v", err)
	}
}

func TestMonitor_SingleInstance(t *testing.T) {
	providers := testutil.NewProviders()
	opts := tm.MonitorOptions{
		Settings:    newSettings(t.TempDir()),
		Credentials: []tm.Credential{testutil.Credential("alice", "app")},
		Providers:   providers.Factory(),
	}

	m, err := tm.NewMonitor(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	if _, err := tm.NewMonitor(context.Background(), opts); !errors.Is(err, tm.ErrMonitorExists) {
		t.Errorf("second NewMonitor() error = %v, want ErrMonitorExists", err)
	}

	m.Close()
	m.Close()

	again, err := tm.NewMonitor(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewMonitor() after Close error = %v", err)
	}
	again.Close()
}

func TestMonitor_NoCredentials(t *testing.T) {
	providers := testutil.NewProviders()
	opts := tm.MonitorOptions{
		Settings:  newSettings(t.TempDir()),
		Providers: providers.Factory(),
	}
	if _, err := tm.NewMonitor(context.Background(), opts); !errors.Is(err, tm.ErrNoCredentials) {
		t.Errorf("NewMonitor() error = %v, want ErrNoCredentials", err)
	}

	providers.SetProbeLimit("alice/app", 1)
	opts.Credentials = []tm.Credential{testutil.Credential("alice", "app")}
	if _, err := tm.NewMonitor(context.Background(), opts); !errors.Is(err, tm.ErrNoCredentials) {
		t.Errorf("NewMonitor() with unusable credential error = %v, want ErrNoCredentials", err)
	}

	// Failed constructions release the guard.
	providers.SetProbeLimit("alice/app", 5)
	m, err := tm.NewMonitor(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	m.Close()
}

func TestMonitor_ReloadsCrawlersPaused(t *testing.T) {
	dir := t.TempDir()
	providers := testutil.NewProviders()
	opts := tm.MonitorOptions{
		Settings:    newSettings(dir),
		Credentials: []tm.Credential{testutil.Credential("alice", "app")},
		Providers:   providers.Factory(),
		Clock:       testutil.FixedClock(),
	}
	ctx := context.Background()

	first, err := tm.NewMonitor(ctx, opts)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := first.Track(ctx, name, []string{name}); err != nil {
			t.Fatalf("Track(%s) error = %v", name, err)
		}
	}
	if err := first.Pause(ctx, "beta"); err != nil {
		t.Fatal(err)
	}
	if err := first.Pause(ctx, "gamma"); err != nil {
		t.Fatal(err)
	}
	if err := first.Delete("gamma"); err != nil {
		t.Fatal(err)
	}
	first.Close()

	writeRecord(t, dir, "broken", `{"name":"broken"}`)
	if err := os.WriteFile(filepath.Join(dir, "stray-file"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	second := testutil.NewTestMonitor(t, opts)
	s := second.Info()
	if len(s.Active) != 0 {
		t.Errorf("active after reload = %+v, want none", s.Active)
	}
	var names []string
	for _, c := range s.Paused {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "alpha,beta" {
		t.Errorf("paused after reload = %v, want alpha,beta", names)
	}

	// Reloaded crawlers resume normally.
	if err := second.Resume(ctx, "alpha"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if info, _ := second.InfoCrawler("alpha"); len(info.ActivityLog) != 2 {
		t.Errorf("activity log after resume = %+v", info.ActivityLog)
	}
	// The name of a deleted crawler stays reserved by its directory.
	if err := second.Track(ctx, "gamma", []string{"new"}); !errors.Is(err, tm.ErrDirectoryExists) {
		t.Errorf("Track(gamma) error = %v, want ErrDirectoryExists", err)
	}
}

func TestMonitor_History(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	f := newMonitorFixture(t, tm.MonitorOptions{History: db})
	ctx := context.Background()

	if err := f.m.Track(ctx, "alpha", []string{"alpha", "beta"}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	if err := f.m.Pause(ctx, "missing"); err == nil {
		t.Fatal("Pause() expected error")
	}

	ops, err := f.m.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("History() returned %d operations, want 2", len(ops))
	}

	if ops[0].Operation != "pause" || ops[0].Status != tm.StatusError || !strings.Contains(ops[0].Message, "does not exist") {
		t.Errorf("newest operation = %+v", ops[0])
	}
	if ops[1].Operation != "track" || ops[1].Status != tm.StatusSuccess || ops[1].Parameters != "alpha,beta" {
		t.Errorf("oldest operation = %+v", ops[1])
	}
	if ops[1].Message != "crawler alpha activated to track the specified targets" {
		t.Errorf("track message = %q", ops[1].Message)
	}

	if ops, _ := f.m.History(1); len(ops) != 1 || ops[0].Operation != "pause" {
		t.Errorf("History(1) = %+v", ops)
	}
}

func TestMonitor_RunPersistsEvents(t *testing.T) {
	f := newMonitorFixture(t, tm.MonitorOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()

	if err := f.m.Track(context.Background(), "alpha", []string{"alpha"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	ids := f.m.Crawlers()[0].RuleIDs()
	prov := f.providers.Get("alice/app")
	for i := 0; i < 3; i++ {
		prov.Emit(tm.Event{Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), MatchingRules: ids})
	}

	path := filepath.Join(f.dir, "alpha", "2022-03-01.jsonl")
	testutil.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Count(string(data), "\n") == 3
	}, "events persisted")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	info, _ := f.m.InfoCrawler("alpha")
	if info.Events != 3 {
		t.Errorf("Events = %d, want 3", info.Events)
	}
}

func TestMonitor_DeleteWritesPendingEvents(t *testing.T) {
	f := newMonitorFixture(t, tm.MonitorOptions{})
	ctx := context.Background()

	if err := f.m.Track(ctx, "news", []string{"alpha"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	ids := f.m.Crawlers()[0].RuleIDs()
	f.providers.Get("alice/app").Emit(tm.Event{Data: json.RawMessage(`{"n":1}`), MatchingRules: ids})

	if err := f.m.Pause(ctx, "news"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := f.m.Delete("news"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	path := filepath.Join(f.dir, "news", "2022-03-01.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading event file: %v", err)
	}
	if string(data) != "{\"n\":1}\n" {
		t.Errorf("event file = %q", data)
	}
	if got := tm.NewPersistenceWorker(f.m, 0, nil).Flush(); got != 0 {
		t.Errorf("Flush() after delete = %d, want 0", got)
	}

	loaded, err := tm.LoadCrawler(f.dir, "news")
	if err != nil {
		t.Fatalf("LoadCrawler() error = %v", err)
	}
	if !loaded.Deleted() || loaded.EventCount() != 1 {
		t.Errorf("record deleted = %v, events = %d; want true, 1", loaded.Deleted(), loaded.EventCount())
	}
}

func TestMonitor_DeleteRefusedWhenEventsCannotBeWritten(t *testing.T) {
	f := newMonitorFixture(t, tm.MonitorOptions{})
	ctx := context.Background()

	if err := f.m.Track(ctx, "news", []string{"alpha"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	ids := f.m.Crawlers()[0].RuleIDs()
	f.providers.Get("alice/app").Emit(tm.Event{Data: json.RawMessage(`{"n":1}`), MatchingRules: ids})
	if err := f.m.Pause(ctx, "news"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	// A directory in place of the daily file makes the append fail.
	if err := os.MkdirAll(filepath.Join(f.dir, "news", "2022-03-01.jsonl"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Delete("news"); err == nil {
		t.Fatal("Delete() expected error")
	}

	info, err := f.m.InfoCrawler("news")
	if err != nil {
		t.Fatalf("InfoCrawler() error = %v", err)
	}
	if info.Status != tm.StatusPaused || info.Pending != 1 {
		t.Errorf("InfoCrawler() = %+v, want paused with 1 pending event", info)
	}
	if loaded, err := tm.LoadCrawler(f.dir, "news"); err != nil || loaded.Deleted() {
		t.Errorf("record after refused delete: deleted = %v, err = %v", loaded != nil && loaded.Deleted(), err)
	}
}

func TestMonitor_RunSavesFinalEventCount(t *testing.T) {
	f := newMonitorFixture(t, tm.MonitorOptions{})
	if err := f.m.Track(context.Background(), "alpha", []string{"alpha"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	ids := f.m.Crawlers()[0].RuleIDs()
	prov := f.providers.Get("alice/app")
	for i := 0; i < 2; i++ {
		prov.Emit(tm.Event{Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), MatchingRules: ids})
	}

	// Cancelled up front: the only flush is the final one.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.m.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	loaded, err := tm.LoadCrawler(f.dir, "alpha")
	if err != nil {
		t.Fatalf("LoadCrawler() error = %v", err)
	}
	if got := loaded.EventCount(); got != 2 {
		t.Errorf("saved event count = %d, want 2", got)
	}
}
