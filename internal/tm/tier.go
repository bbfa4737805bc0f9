package tm

import (
	"fmt"
	"sort"
	"time"
)

// Tier is a credential capability level: how many rules it may hold and how
// long each rule may be. ProbeCount is the dry-run rule count that identifies it.
type Tier struct {
	Name          string
	MaxRules      int
	MaxRuleLength int
	ProbeCount    int
}

// DefaultTiers returns the provider's published limits, lowest tier first.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "essential", MaxRules: 5, MaxRuleLength: 512, ProbeCount: 5},
		{Name: "elevated", MaxRules: 25, MaxRuleLength: 512, ProbeCount: 25},
		{Name: "academic", MaxRules: 1000, MaxRuleLength: 1024, ProbeCount: 26},
	}
}

// DefaultStreamFields is the tweet field list requested when opening a stream.
var DefaultStreamFields = []string{
	"attachments",
	"author_id",
	"context_annotations",
	"conversation_id",
	"created_at",
	"entities",
	"geo",
	"in_reply_to_user_id",
	"lang",
	"non_public_metrics",
	"organic_metrics",
	"possibly_sensitive",
	"promoted_metrics",
	"public_metrics",
	"referenced_tweets",
	"reply_settings",
	"source",
	"withheld",
}

// Settings is the immutable runtime configuration of a Monitor.
// Build it once at startup; nothing mutates it afterwards.
type Settings struct {
	DataDir             string
	Tiers               []Tier // ascending
	CrawlerNameMaxLen   int
	CheckInterval       time.Duration
	LogInterval         time.Duration
	PersistIdleInterval time.Duration
	StreamFields        []string
}

// DefaultSettings returns settings matching the defaults of a fresh config.
func DefaultSettings(dataDir string) Settings {
	return Settings{
		DataDir:             dataDir,
		Tiers:               DefaultTiers(),
		CrawlerNameMaxLen:   25,
		CheckInterval:       10 * time.Second,
		LogInterval:         10 * time.Minute,
		PersistIdleInterval: time.Second,
		StreamFields:        DefaultStreamFields,
	}
}

// Validate checks that the tier table is usable and orders it ascending by
// probe count. It returns a copy; the receiver is not modified.
func (s Settings) Validate() (Settings, error) {
	if s.DataDir == "" {
		return s, fmt.Errorf("data dir is required")
	}
	if len(s.Tiers) == 0 {
		return s, fmt.Errorf("at least one tier is required")
	}
	if s.CrawlerNameMaxLen <= 0 {
		return s, fmt.Errorf("crawler name max length must be positive")
	}
	if s.CheckInterval <= 0 || s.LogInterval <= 0 || s.PersistIdleInterval <= 0 {
		return s, fmt.Errorf("intervals must be positive")
	}

	tiers := make([]Tier, len(s.Tiers))
	copy(tiers, s.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].ProbeCount < tiers[j].ProbeCount })

	seen := make(map[int]bool, len(tiers))
	for _, t := range tiers {
		if t.Name == "" {
			return s, fmt.Errorf("tier name is required")
		}
		if t.MaxRules <= 0 || t.MaxRuleLength <= 0 || t.ProbeCount <= 0 {
			return s, fmt.Errorf("tier %s: limits must be positive", t.Name)
		}
		if seen[t.ProbeCount] {
			return s, fmt.Errorf("tier %s: duplicate probe count %d", t.Name, t.ProbeCount)
		}
		seen[t.ProbeCount] = true
	}

	out := s
	out.Tiers = tiers
	if len(out.StreamFields) == 0 {
		out.StreamFields = DefaultStreamFields
	}
	return out, nil
}

// tierRank returns the position of the named tier in the ascending table, or -1.
func (s Settings) tierRank(name string) int {
	for i, t := range s.Tiers {
		if t.Name == name {
			return i
		}
	}
	return -1
}
