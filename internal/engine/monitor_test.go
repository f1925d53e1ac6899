package engine_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
)

// startWork puts a fresh item in_progress and returns it.
func startWork(t *testing.T, env *testEnv, agentID string) domain.WorkItem {
	t.Helper()
	env.submit(t, "long running", domain.P1)
	assignment, err := env.Orch.Dequeue(env.Ctx, agentID)
	if err != nil || assignment == nil {
		t.Fatalf("dequeue: %v", err)
	}
	item, err := env.Orch.UpdateItemStatus(env.Ctx, assignment.Item.ID, domain.StatusInProgress, agentID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return item
}

func TestStallAndEscalateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	item := startWork(t, env, agent.ID)

	stallAfter := env.Orch.Config.StallAfter()
	escalateAfter := env.Orch.Config.EscalateAfter()

	// Under the threshold nothing happens.
	env.advance(stallAfter - time.Minute)
	report, err := env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Stalled != 0 {
		t.Fatalf("premature stall: %+v", report)
	}

	env.advance(2 * time.Minute)
	report, err = env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Stalled != 1 {
		t.Fatalf("stalled = %d, want 1: %+v", report.Stalled, report)
	}
	got, _ := env.Orch.Store.GetItem(env.Ctx, item.ID)
	if got.Status != domain.StatusStalled {
		t.Fatalf("status = %s, want stalled", got.Status)
	}

	// Stalling alone raises no escalation yet.
	if esc, _ := env.Orch.Store.UnresolvedEscalation(env.Ctx, item.ID); esc != nil {
		t.Fatalf("unexpected escalation before window: %+v", esc)
	}

	env.advance(escalateAfter + time.Minute)
	report, err = env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Escalated != 1 || report.Redelegated != 1 {
		t.Fatalf("escalation pass: %+v", report)
	}
	got, _ = env.Orch.Store.GetItem(env.Ctx, item.ID)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	esc, err := env.Orch.Store.UnresolvedEscalation(env.Ctx, item.ID)
	if err != nil || esc == nil {
		t.Fatalf("missing escalation: %v", err)
	}
	if esc.Reason != domain.ReasonStalled {
		t.Fatalf("reason = %s, want stalled", esc.Reason)
	}

	// A recovery item for managers was queued at the original priority.
	recovery := findRecoveryItems(t, env)
	if len(recovery) != 1 {
		t.Fatalf("recovery items = %d, want 1", len(recovery))
	}
	if recovery[0].OperationType != domain.OpManagement || recovery[0].Priority != domain.P1 {
		t.Fatalf("unexpected recovery item: %+v", recovery[0])
	}
	if recovery[0].RedelegationDepth != 1 {
		t.Fatalf("redelegation depth = %d, want 1", recovery[0].RedelegationDepth)
	}

	// Sweeps are idempotent: nothing new on the next pass.
	report, err = env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Stalled+report.Escalated+report.Redelegated != 0 {
		t.Fatalf("sweep not idempotent: %+v", report)
	}
	again, _ := env.Orch.Store.UnresolvedEscalation(env.Ctx, item.ID)
	if again == nil || again.ID != esc.ID {
		t.Fatalf("escalation duplicated: %+v vs %+v", esc, again)
	}
	if n := len(findRecoveryItems(t, env)); n != 1 {
		t.Fatalf("recovery items after second sweep = %d, want 1", n)
	}

	// Closing the escalated item resolves the escalation.
	if _, err := env.Orch.UpdateItemStatus(env.Ctx, item.ID, domain.StatusFailed, "operator"); err != nil {
		t.Fatalf("close escalated: %v", err)
	}
	if open, _ := env.Orch.Store.UnresolvedEscalation(env.Ctx, item.ID); open != nil {
		t.Fatalf("escalation still open after close: %+v", open)
	}
}

func findRecoveryItems(t *testing.T, env *testEnv) []domain.WorkItem {
	t.Helper()
	items, err := env.Orch.Store.ListActiveItems(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	var out []domain.WorkItem
	for _, it := range items {
		if it.RedelegationDepth > 0 {
			out = append(out, it)
		}
	}
	return out
}

func TestTouchRevivesStalledItem(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	item := startWork(t, env, agent.ID)

	env.advance(env.Orch.Config.StallAfter() + time.Minute)
	if _, err := env.Orch.Monitor.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Orch.Store.GetItem(env.Ctx, item.ID)
	if got.Status != domain.StatusStalled {
		t.Fatalf("status = %s, want stalled", got.Status)
	}

	revived, err := env.Orch.Touch(env.Ctx, item.ID, agent.ID)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if revived.Status != domain.StatusInProgress {
		t.Fatalf("status after touch = %s, want in_progress", revived.Status)
	}

	// The stall clock restarted.
	report, err := env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil || report.Stalled != 0 {
		t.Fatalf("sweep after touch: %v, %+v", err, report)
	}
}

func TestRedelegationBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.registerAgent(t, "mgr-1", true, domain.OpManagement)

	// A recovery item already at the depth limit, stuck in progress.
	ts := env.now.UTC().Format(time.RFC3339)
	holder := mgr.ID
	item := domain.WorkItem{
		ID:                uuid.NewString(),
		Title:             "Recover: hopeless",
		OperationType:     domain.OpManagement,
		Priority:          domain.P0,
		Status:            domain.StatusInProgress,
		AssignedAgent:     &holder,
		CreatedAt:         ts,
		LastActivityAt:    ts,
		RedelegationDepth: env.Orch.Config.Orchestrator.MaxDelegationDepth,
	}
	if err := env.Orch.Store.CreateItem(env.Ctx, item, "test"); err != nil {
		t.Fatal(err)
	}

	window := env.Orch.Config.StallAfter() + env.Orch.Config.EscalateAfter()
	env.advance(window + time.Minute)
	if _, err := env.Orch.Monitor.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	report, err := env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Escalated != 1 || report.Redelegated != 0 {
		t.Fatalf("expected escalation without re-delegation: %+v", report)
	}
	esc, err := env.Orch.Store.UnresolvedEscalation(env.Ctx, item.ID)
	if err != nil || esc == nil {
		t.Fatalf("missing escalation: %v", err)
	}
	if esc.Severity != "critical" {
		t.Fatalf("severity = %s, want critical", esc.Severity)
	}
	if n := len(findRecoveryItems(t, env)); n != 1 { // only the seeded item itself
		t.Fatalf("new recovery items created: %d", n)
	}
}

func TestSweepSkipsTerminalItems(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	item := startWork(t, env, agent.ID)
	if _, err := env.Orch.UpdateItemStatus(env.Ctx, item.ID, domain.StatusDone, agent.ID); err != nil {
		t.Fatal(err)
	}

	env.advance(24 * time.Hour)
	report, err := env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 0 || report.Stalled != 0 {
		t.Fatalf("terminal item swept: %+v", report)
	}
}

func TestHeartbeatCountsAsItemActivity(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	item := startWork(t, env, agent.ID)

	// An agent deep in long work reports through heartbeats only. As long
	// as they keep coming, the held item never stalls.
	steps := int(env.Orch.Config.StallAfter()/time.Minute) + 5
	for i := 0; i < steps; i++ {
		env.advance(time.Minute)
		if _, err := env.Orch.Registry.Heartbeat(env.Ctx, agent.ID); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	report, err := env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Stalled != 0 {
		t.Fatalf("item stalled under a live heartbeat: %+v", report)
	}
	got, _ := env.Orch.Store.GetItem(env.Ctx, item.ID)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}

	// Once the heartbeats stop, the stall clock runs again.
	env.advance(env.Orch.Config.StallAfter() + time.Minute)
	report, err = env.Orch.Monitor.Sweep(env.Ctx)
	if err != nil || report.Stalled != 1 {
		t.Fatalf("sweep after silence: %v, %+v", err, report)
	}
}

func TestResolvedEscalationStaysResolved(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	item := startWork(t, env, agent.ID)

	env.advance(env.Orch.Config.StallAfter() + time.Minute)
	if _, err := env.Orch.Monitor.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Orch.Config.EscalateAfter())
	if _, err := env.Orch.Monitor.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	esc, err := env.Orch.Store.UnresolvedEscalation(env.Ctx, item.ID)
	if err != nil || esc == nil {
		t.Fatalf("missing escalation: %v", err)
	}

	// An operator resolving by hand is not overridden by the next sweep.
	if err := env.Orch.Store.ResolveEscalation(env.Ctx, esc.ID, "operator"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	env.advance(time.Minute)
	if _, err := env.Orch.Monitor.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if open, _ := env.Orch.Store.UnresolvedEscalation(env.Ctx, item.ID); open != nil {
		t.Fatalf("sweep re-raised a resolved escalation: %+v", open)
	}
	latest, err := env.Orch.Store.LatestEscalation(env.Ctx, item.ID)
	if err != nil || latest == nil || !latest.Resolved {
		t.Fatalf("latest escalation: %+v, %v", latest, err)
	}
}
