package tm

import (
	"context"
	"fmt"
	"strings"
)

// ProbeTier determines the capability tier of a credential by dry-run
// submitting decreasing numbers of dummy rules. tiers must be ascending; the
// highest tier whose probe count is accepted wins. Dry runs leave no rules
// behind on the provider.
func ProbeTier(ctx context.Context, p StreamProvider, tiers []Tier) (Tier, error) {
	if len(tiers) == 0 {
		return Tier{}, fmt.Errorf("%w: no tiers configured", ErrCapabilityUnknown)
	}

	maxCount := 0
	for _, t := range tiers {
		if t.ProbeCount > maxCount {
			maxCount = t.ProbeCount
		}
	}
	dummies := dummyRules(maxCount)

	var lastErr error
	for i := len(tiers) - 1; i >= 0; i-- {
		t := tiers[i]
		if _, err := p.SubmitRules(ctx, dummies[:t.ProbeCount], true); err != nil {
			if ctx.Err() != nil {
				return Tier{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		return t, nil
	}

	return Tier{}, fmt.Errorf("%w: %v", ErrCapabilityUnknown, lastErr)
}

// dummyRules returns n distinct rule values: "bb", "bbb", "bbbb", ...
func dummyRules(n int) []string {
	rules := make([]string, n)
	for i := range rules {
		rules[i] = strings.Repeat("b", i+2)
	}
	return rules
}
