package tm_test

import (
	"context"
	"errors"
	"testing"

	"tm-go/internal/provider/memory"
	"tm-go/internal/tm"
)

func TestProbeTier(t *testing.T) {
	tests := []struct {
		limit      int
		want       string
		wantProbes int
	}{
		{limit: 26, want: "academic", wantProbes: 1},
		{limit: 1000, want: "academic", wantProbes: 1},
		{limit: 25, want: "elevated", wantProbes: 2},
		{limit: 24, want: "essential", wantProbes: 3},
		{limit: 5, want: "essential", wantProbes: 3},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			p := memory.New(memory.WithProbeLimit(tt.limit))

			tier, err := tm.ProbeTier(context.Background(), p, tm.DefaultTiers())
			if err != nil {
				t.Fatalf("ProbeTier() error = %v", err)
			}
			if tier.Name != tt.want {
				t.Errorf("ProbeTier() = %s, want %s", tier.Name, tt.want)
			}

			submits, dryRuns, _ := p.Calls()
			if submits != 0 || dryRuns != tt.wantProbes {
				t.Errorf("calls = %d submits, %d dry runs; want 0, %d", submits, dryRuns, tt.wantProbes)
			}
			if rules := p.Rules(); len(rules) != 0 {
				t.Errorf("probe left rules behind: %v", rules)
			}
		})
	}
}

func TestProbeTier_Unknown(t *testing.T) {
	p := memory.New(memory.WithProbeLimit(4))
	if _, err := tm.ProbeTier(context.Background(), p, tm.DefaultTiers()); !errors.Is(err, tm.ErrCapabilityUnknown) {
		t.Errorf("ProbeTier() error = %v, want ErrCapabilityUnknown", err)
	}
	if _, err := tm.ProbeTier(context.Background(), p, nil); !errors.Is(err, tm.ErrCapabilityUnknown) {
		t.Errorf("ProbeTier(no tiers) error = %v, want ErrCapabilityUnknown", err)
	}
}

func TestIsValidation(t *testing.T) {
	if !tm.IsValidation(errors.Join(errors.New("ctx"), tm.ErrNameTaken)) {
		t.Error("IsValidation(ErrNameTaken) = false")
	}
	if tm.IsValidation(tm.ErrNoCapacity) {
		t.Error("IsValidation(ErrNoCapacity) = true")
	}
	if tm.Reason(nil) != "" {
		t.Error("Reason(nil) not empty")
	}
}
