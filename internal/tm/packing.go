package tm

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode selects how a crawler's targets are turned into rule clauses.
type Mode string

const (
	// ModeTrack matches content containing any of the keywords.
	ModeTrack Mode = "track"
	// ModeFollow matches content to, from, or retweeting any of the accounts.
	ModeFollow Mode = "follow"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeTrack || m == ModeFollow
}

const ruleJoin = " OR "

// clause renders a single target as a rule fragment.
func clause(mode Mode, target string) string {
	if mode == ModeFollow {
		return fmt.Sprintf("to:%s OR from:%s OR retweets_of:%s", target, target, target)
	}
	if isAlnum(target) {
		return target
	}
	return `"` + target + `"`
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// PackRules packs targets into rule strings no longer than maxLen characters.
//
// Targets are consumed in order. Each clause is appended to the current rule
// joined by " OR " unless that would push the rule past maxLen, in which case
// the current rule is closed and the clause starts a new one. A target is
// never split across rules; a target whose clause alone exceeds maxLen is
// rejected with ErrTargetTooLong.
func PackRules(mode Mode, targets []string, maxLen int) ([]string, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	var (
		rules   []string
		current string
	)
	for _, t := range targets {
		c := clause(mode, t)
		if utf8.RuneCountInString(c) > maxLen {
			return nil, fmt.Errorf("%w: %q needs %d characters, limit is %d", ErrTargetTooLong, t, utf8.RuneCountInString(c), maxLen)
		}

		if current == "" {
			current = c
			continue
		}

		if utf8.RuneCountInString(current)+utf8.RuneCountInString(ruleJoin+c) > maxLen {
			rules = append(rules, current)
			current = c
			continue
		}
		current += ruleJoin + c
	}
	if current != "" {
		rules = append(rules, current)
	}

	return rules, nil
}

// validateTargets checks that a target list is usable for the given mode.
func validateTargets(mode Mode, targets []string) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTarget, mode)
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}
	for _, t := range targets {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty target", ErrInvalidTarget)
		}
		if strings.ContainsAny(t, "\"\n\r") {
			return fmt.Errorf("%w: %q contains quotes or line breaks", ErrInvalidTarget, t)
		}
		if mode == ModeFollow && strings.ContainsAny(t, " \t") {
			return fmt.Errorf("%w: account %q contains whitespace", ErrInvalidTarget, t)
		}
	}
	return nil
}
