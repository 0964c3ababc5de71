package remediation

import (
	"context"
	"testing"

	"github.com/charmbracelet/log"

	"remedy/internal/domain"
)

type fakeCapi struct {
	stream domain.CapiStream
	calls  int
}

func (f *fakeCapi) CapiStream(context.Context) (domain.CapiStream, error) {
	f.calls++
	return f.stream, nil
}

func TestCapiEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	source := &fakeCapi{stream: domain.CapiStream{
		New: []domain.CapiScopeGroup{
			{Scope: "ip", Decisions: []domain.CapiDecision{{Value: "1.2.3.4", Duration: "24h"}, {Value: "1.2.3.5", Duration: "24h"}}},
			{Scope: "range", Decisions: []domain.CapiDecision{{Value: "10.0.0.0/24", Duration: "24h"}}},
		},
	}}

	policy := livePolicy()
	policy.OrderedRemediations = nil
	e := NewCapiEngine(policy, h.store, source, WithClock(fixedClock), WithLogger(log.New(h.logs)))

	result, err := e.RefreshDecisions(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.New != 3 {
		t.Fatalf("refresh = %+v, want 3 new", result)
	}
	if got := e.GetIPRemediation(ctx, "10.0.0.7"); got != domain.RemediationBan {
		t.Fatalf("remediation = %q, want ban", got)
	}

	items := h.mem.Len()
	if got := e.GetIPRemediation(ctx, "8.8.8.8"); got != domain.RemediationBypass {
		t.Fatalf("remediation for clean ip = %q, want bypass", got)
	}
	if h.mem.Len() != items {
		t.Fatal("a CAPI miss must not store anything")
	}

	source.stream = domain.CapiStream{
		Deleted: []domain.CapiScopeGroup{{Scope: "ip", Decisions: []domain.CapiDecision{{Value: "1.2.3.4", Duration: domain.DeletedDuration}}}},
	}
	result, err = e.RefreshDecisions(ctx)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("second refresh = %+v, want 1 deleted", result)
	}
	if got := e.GetIPRemediation(ctx, "1.2.3.4"); got != domain.RemediationBypass {
		t.Fatalf("remediation after delete = %q, want bypass", got)
	}
	if got := e.GetIPRemediation(ctx, "1.2.3.5"); got != domain.RemediationBan {
		t.Fatalf("untouched ban = %q, want ban", got)
	}
}

func TestCapiForcesStreamMode(t *testing.T) {
	h := newHarness(t)
	e := NewCapiEngine(livePolicy(), h.store, &fakeCapi{})
	if !e.policy.StreamMode {
		t.Fatal("CAPI engine must run in stream mode")
	}
}
