package engine_test

import (
	"errors"
	"testing"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/engine"
)

func defaultTiers() []config.ResourceTier {
	return config.Default().Resources.Tiers
}

func TestSelectResourcePreferenceOrder(t *testing.T) {
	p := engine.NewPolicyEngine(defaultTiers())

	cases := []struct {
		name     string
		seconds  int
		stateful bool
		want     string
	}{
		{"short stateless job", 600, false, "serverless-function"},
		{"long stateless job", 7200, false, "serverless-batch"},
		{"multi-day stateless job", 200000, false, "managed-container"},
		{"stateful job", 600, true, "managed-container"},
		{"unestimated job", 0, false, "serverless-function"},
	}
	for _, tc := range cases {
		got, err := p.SelectResource(domain.WorkItem{
			ID:               "item",
			OperationType:    domain.OpDeployment,
			EstimatedSeconds: tc.seconds,
			Stateful:         tc.stateful,
		})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: tier = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSelectResourceNonDeployment(t *testing.T) {
	p := engine.NewPolicyEngine(defaultTiers())
	got, err := p.SelectResource(domain.WorkItem{
		ID:            "item",
		OperationType: domain.OpDevelopment,
	})
	if err != nil || got != "" {
		t.Fatalf("non-deployment item: %q, %v", got, err)
	}
}

func TestSelectResourceNoEligibleTier(t *testing.T) {
	p := engine.NewPolicyEngine([]config.ResourceTier{
		{Name: "tiny", MaxSeconds: 60, AllowStateful: false},
	})
	_, err := p.SelectResource(domain.WorkItem{
		ID:               "item",
		OperationType:    domain.OpDeployment,
		EstimatedSeconds: 3600,
	})
	if !errors.Is(err, engine.ErrNoEligibleResource) {
		t.Fatalf("expected ErrNoEligibleResource, got %v", err)
	}

	// Stateful work with no stateful-capable tier.
	_, err = p.SelectResource(domain.WorkItem{
		ID:            "item",
		OperationType: domain.OpDeployment,
		Stateful:      true,
	})
	if !errors.Is(err, engine.ErrNoEligibleResource) {
		t.Fatalf("expected ErrNoEligibleResource for stateful, got %v", err)
	}
}

func TestSelectResourceDeterministic(t *testing.T) {
	p := engine.NewPolicyEngine(defaultTiers())
	item := domain.WorkItem{
		ID:               "item",
		OperationType:    domain.OpDeployment,
		EstimatedSeconds: 500,
	}
	first, err := p.SelectResource(item)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		got, err := p.SelectResource(item)
		if err != nil || got != first {
			t.Fatalf("selection changed: %q vs %q (%v)", got, first, err)
		}
	}
}

func TestReloadChangesSelection(t *testing.T) {
	p := engine.NewPolicyEngine(defaultTiers())
	item := domain.WorkItem{
		ID:               "item",
		OperationType:    domain.OpDeployment,
		EstimatedSeconds: 600,
	}
	got, err := p.SelectResource(item)
	if err != nil || got != "serverless-function" {
		t.Fatalf("before reload: %q, %v", got, err)
	}

	p.Reload([]config.ResourceTier{
		{Name: "on-prem", MaxSeconds: 0, AllowStateful: true},
	})
	got, err = p.SelectResource(item)
	if err != nil || got != "on-prem" {
		t.Fatalf("after reload: %q, %v", got, err)
	}
}

func TestDequeueEscalatesUnrunnableDeployment(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "ops-1", false, domain.OpDeployment)

	// No tier allows anything this long and stateful once reloaded.
	env.Orch.Policy.Reload([]config.ResourceTier{
		{Name: "tiny", MaxSeconds: 60, AllowStateful: false},
	})
	if _, err := env.Orch.Submit(env.Ctx, engine.SubmitOptions{
		Title:            "impossible deploy",
		OperationType:    domain.OpDeployment,
		Priority:         domain.P0,
		EstimatedSeconds: 3600,
		Stateful:         true,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	assignment, err := env.Orch.Dequeue(env.Ctx, agent.ID)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if assignment != nil {
		t.Fatalf("unrunnable item handed out: %+v", assignment)
	}

	items, err := env.Orch.Store.ListActiveItems(env.Ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v, %d items", err, len(items))
	}
	if items[0].Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", items[0].Status)
	}
	esc, err := env.Orch.Store.UnresolvedEscalation(env.Ctx, items[0].ID)
	if err != nil || esc == nil {
		t.Fatalf("missing escalation: %v", err)
	}
	if esc.Reason != domain.ReasonPolicyViolation || esc.Severity != "critical" {
		t.Fatalf("unexpected escalation: %+v", esc)
	}
}
