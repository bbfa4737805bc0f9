package tm

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Crawler statuses as shown in reports.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// CrawlerInfo is the report of a single crawler.
type CrawlerInfo struct {
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	Mode        Mode          `json:"mode"`
	Targets     []string      `json:"targets"`
	Credential  string        `json:"credential,omitempty"`
	Rules       int           `json:"rules"`
	Since       time.Time     `json:"since"`
	TotalActive time.Duration `json:"total_active"`
	Events      int64         `json:"events"`
	Pending     int           `json:"pending"`
	ActivityLog []Session     `json:"activity_log"`
}

// TierUsage aggregates the quota of all credentials of one tier.
type TierUsage struct {
	Tier      string `json:"tier"`
	Tokens    int    `json:"tokens"`
	RulesUsed int    `json:"rules_used"`
	RulesMax  int    `json:"rules_max"`
}

// Summary is the overall state of a Monitor.
type Summary struct {
	Active []CrawlerInfo `json:"active"`
	Paused []CrawlerInfo `json:"paused"`
	Tiers  []TierUsage   `json:"tiers"`
}

// Info summarizes active and paused crawlers and per-tier quota usage.
func (m *Monitor) Info() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Summary{Active: []CrawlerInfo{}, Paused: []CrawlerInfo{}}
	for _, c := range m.sortedLocked(m.active) {
		s.Active = append(s.Active, m.describeLocked(c))
	}
	for _, c := range m.sortedLocked(m.paused) {
		s.Paused = append(s.Paused, m.describeLocked(c))
	}

	byTier := make(map[string]*TierUsage)
	for _, a := range m.allocators {
		used, max := a.Usage()
		u, ok := byTier[a.Tier().Name]
		if !ok {
			u = &TierUsage{Tier: a.Tier().Name}
			byTier[a.Tier().Name] = u
		}
		u.Tokens++
		u.RulesUsed += used
		u.RulesMax += max
	}
	for _, t := range m.settings.Tiers {
		if u, ok := byTier[t.Name]; ok {
			s.Tiers = append(s.Tiers, *u)
		}
	}

	return s
}

// InfoCrawler returns the detailed report of one active or paused crawler.
func (m *Monitor) InfoCrawler(name string) (*CrawlerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.active[name]
	if !ok {
		c, ok = m.paused[name]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCrawlerNotFound, name)
	}
	info := m.describeLocked(c)
	return &info, nil
}

func (m *Monitor) sortedLocked(group map[string]*Crawler) []*Crawler {
	out := make([]*Crawler, 0, len(group))
	for _, c := range group {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Monitor) describeLocked(c *Crawler) CrawlerInfo {
	info := CrawlerInfo{
		Name:        c.name,
		Status:      StatusPaused,
		Mode:        c.mode,
		Targets:     c.Targets(),
		Rules:       len(c.RuleIDs()),
		TotalActive: c.TotalActive(),
		Events:      c.EventCount(),
		Pending:     c.PendingCount(),
		ActivityLog: c.ActivityLog(),
	}
	if a, ok := m.owner[c.name]; ok {
		info.Status = StatusActive
		info.Credential = a.Credential()
	}

	if n := len(info.ActivityLog); n > 0 {
		last := info.ActivityLog[n-1]
		start, err := ParseTimestamp(last.Start)
		if err == nil {
			info.Since = start
			if info.Status == StatusPaused {
				d, _ := ParseElapsed(last.Duration)
				info.Since = start.Add(d)
			}
		}
	}
	return info
}

// shortDate renders t as "06-01-02 15:04", the compact form used in tables.
func shortDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("06-01-02 15:04")
}

// WriteSummary renders a Summary as the tables printed by `tm info`.
// nameWidth is the maximum crawler name length.
func WriteSummary(w io.Writer, s *Summary, nameWidth int) {
	col := nameWidth + 2

	writeGroup := func(title, since string, group []CrawlerInfo) {
		if len(group) == 0 {
			return
		}
		fmt.Fprintf(w, "*** %s CRAWLERS ***\n", title)
		fmt.Fprintf(w, "%-*s%-8s%-9s%-16s%-12s%s\n", col, "Name", "Type", "Targets", since, "Tot active", "Events")
		for _, c := range group {
			fmt.Fprintf(w, "%-*s%-8s%-9d%-16s%-12s%d\n", col, c.Name, c.Mode, len(c.Targets), shortDate(c.Since), ShortDuration(c.TotalActive), c.Events)
		}
		fmt.Fprintln(w)
	}
	writeGroup("ACTIVE", "Started (UTC)", s.Active)
	writeGroup("PAUSED", "Paused (UTC)", s.Paused)

	fmt.Fprintln(w, "*** CREDENTIALS ***")
	fmt.Fprintf(w, "%-10s%-10s%s\n", "Type", "Tokens", "Rules used/total")
	for _, t := range s.Tiers {
		fmt.Fprintf(w, "%-10s%-10d%d/%d\n", t.Tier, t.Tokens, t.RulesUsed, t.RulesMax)
	}
}

// WriteCrawlerReport renders the detailed report printed by `tm info NAME`.
func WriteCrawlerReport(w io.Writer, c *CrawlerInfo) {
	const col = 14

	quoted := make([]string, len(c.Targets))
	for i, t := range c.Targets {
		quoted[i] = "'" + t + "'"
	}

	fmt.Fprintf(w, "*** CRAWLER %q ***\n", c.Name)
	fmt.Fprintf(w, "%-*s%s\n", col, "Status", c.Status)
	fmt.Fprintf(w, "%-*s%s\n", col, "Mode", c.Mode)
	fmt.Fprintf(w, "%-*s%s\n", col, "Targets", strings.Join(quoted, ","))
	if c.Credential != "" {
		fmt.Fprintf(w, "%-*s%s (%d rules)\n", col, "Credential", c.Credential, c.Rules)
	}
	fmt.Fprintf(w, "%-*s%s\n", col, "Tot active", ShortDuration(c.TotalActive))
	fmt.Fprintf(w, "%-*s%d\n\n", col, "Events", c.Events)

	fmt.Fprintln(w, "Activity Log:")
	for i, s := range c.ActivityLog {
		start := s.Start
		if t, err := ParseTimestamp(s.Start); err == nil {
			start = shortDate(t)
		}
		fmt.Fprintf(w, " #%-5dstart UTC %s -- duration %s\n", i+1, start, s.Duration)
	}
}
