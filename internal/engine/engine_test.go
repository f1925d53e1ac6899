package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/logging"
	"crewline/internal/migrate"
)

type testEnv struct {
	Ctx  context.Context
	Orch *engine.Orchestrator

	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	orch := engine.New(conn, config.Default(), logging.Nop())
	clock := func() time.Time { return env.now }
	orch.Now = clock
	orch.Queue.Now = clock
	orch.Registry.Now = clock
	orch.Monitor.Now = clock
	store := orch.Store.(*engine.SQLStore)
	store.Now = clock
	store.Events.Now = clock
	if err := orch.Registry.Load(env.Ctx); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	env.Orch = orch
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) registerAgent(t *testing.T, id string, manager bool, caps ...domain.OperationType) domain.Agent {
	t.Helper()
	if len(caps) == 0 {
		caps = []domain.OperationType{domain.OpDevelopment}
	}
	a, err := e.Orch.Registry.Register(e.Ctx, domain.Agent{
		ID:           id,
		Role:         "worker",
		Manager:      manager,
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return a
}

func (e *testEnv) submit(t *testing.T, title string, p domain.Priority) domain.WorkItem {
	t.Helper()
	item, err := e.Orch.Submit(e.Ctx, engine.SubmitOptions{
		Title:         title,
		OperationType: domain.OpDevelopment,
		Priority:      p,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", title, err)
	}
	return item
}

func TestQueuePriorityOrdering(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)

	// Mixed priorities; the two P0 items must come out oldest first.
	titles := []struct {
		title string
		p     domain.Priority
	}{
		{"medium", domain.P2},
		{"first critical", domain.P0},
		{"high", domain.P1},
		{"second critical", domain.P0},
	}
	for _, tt := range titles {
		env.submit(t, tt.title, tt.p)
		env.advance(time.Second)
	}

	want := []string{"first critical", "second critical", "high", "medium"}
	for _, expected := range want {
		claimed, err := env.Orch.Queue.DequeueFor(env.Ctx, agent)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if claimed == nil {
			t.Fatalf("expected item %q, got none", expected)
		}
		if claimed.Title != expected {
			t.Fatalf("dequeue order: got %q, want %q", claimed.Title, expected)
		}
		if claimed.Status != domain.StatusAssigned {
			t.Fatalf("claimed item status = %s, want assigned", claimed.Status)
		}
	}
	claimed, err := env.Orch.Queue.DequeueFor(env.Ctx, agent)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected empty queue, got %q", claimed.Title)
	}
}

func TestDequeueSkipsUnmatchedCapabilities(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "qa-1", false, domain.OpQA)

	env.submit(t, "dev work", domain.P0)
	env.advance(time.Second)
	if _, err := env.Orch.Submit(env.Ctx, engine.SubmitOptions{
		Title:         "qa work",
		OperationType: domain.OpQA,
		Priority:      domain.P3,
	}); err != nil {
		t.Fatalf("submit qa: %v", err)
	}

	claimed, err := env.Orch.Queue.DequeueFor(env.Ctx, agent)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed == nil || claimed.Title != "qa work" {
		t.Fatalf("expected qa work despite lower priority, got %+v", claimed)
	}
}

func TestDequeueConcurrentClaimsEachItemOnce(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)

	const items = 10
	const claimers = 100
	for i := 0; i < items; i++ {
		env.submit(t, "item", domain.P2)
		env.advance(time.Millisecond)
	}

	results := make(chan *domain.WorkItem, claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			claimed, err := env.Orch.Queue.DequeueFor(env.Ctx, agent)
			if err != nil {
				t.Errorf("dequeue: %v", err)
			}
			results <- claimed
		}()
	}
	seen := map[string]bool{}
	var claimed int
	for i := 0; i < claimers; i++ {
		res := <-results
		if res == nil {
			continue
		}
		if seen[res.ID] {
			t.Fatalf("item %s claimed twice", res.ID)
		}
		seen[res.ID] = true
		claimed++
	}
	if claimed != items {
		t.Fatalf("claimed %d items, want %d", claimed, items)
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	env.submit(t, "work", domain.P2)

	assignment, err := env.Orch.Dequeue(env.Ctx, agent.ID)
	if err != nil || assignment == nil {
		t.Fatalf("dequeue: %v", err)
	}
	id := assignment.Item.ID

	item, err := env.Orch.UpdateItemStatus(env.Ctx, id, domain.StatusInProgress, agent.ID)
	if err != nil || item.Status != domain.StatusInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	item, err = env.Orch.UpdateItemStatus(env.Ctx, id, domain.StatusBlocked, agent.ID)
	if err != nil || item.Status != domain.StatusBlocked {
		t.Fatalf("to blocked: %v", err)
	}
	item, err = env.Orch.UpdateItemStatus(env.Ctx, id, domain.StatusInProgress, agent.ID)
	if err != nil || item.Status != domain.StatusInProgress {
		t.Fatalf("back to in_progress: %v", err)
	}
	item, err = env.Orch.UpdateItemStatus(env.Ctx, id, domain.StatusDone, agent.ID)
	if err != nil || item.Status != domain.StatusDone {
		t.Fatalf("to done: %v", err)
	}

	// Terminal items are immutable.
	if _, err := env.Orch.UpdateItemStatus(env.Ctx, id, domain.StatusOpen, agent.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition reopening done item, got %v", err)
	}

	// The agent is idle again.
	a, _ := env.Orch.Registry.Get(agent.ID)
	if a.Status != domain.AgentIdle || a.CurrentWorkItemID != nil {
		t.Fatalf("agent not idle after finishing: %+v", a)
	}
}

func TestTransitionRejectsSkips(t *testing.T) {
	env := newTestEnv(t)
	item := env.submit(t, "work", domain.P2)

	cases := []domain.Status{
		domain.StatusInProgress, // open must go through assigned
		domain.StatusDone,
		domain.StatusStalled,
		domain.StatusEscalated,
	}
	for _, next := range cases {
		if _, err := env.Orch.UpdateItemStatus(env.Ctx, item.ID, next, "operator"); !errors.Is(err, engine.ErrInvalidTransition) {
			t.Fatalf("open -> %s: expected ErrInvalidTransition, got %v", next, err)
		}
	}
}

func TestOnlyHolderMayMutate(t *testing.T) {
	env := newTestEnv(t)
	holder := env.registerAgent(t, "dev-1", false)
	env.registerAgent(t, "dev-2", false)
	env.submit(t, "work", domain.P2)

	assignment, err := env.Orch.Dequeue(env.Ctx, holder.ID)
	if err != nil || assignment == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := env.Orch.UpdateItemStatus(env.Ctx, assignment.Item.ID, domain.StatusInProgress, "dev-2"); err == nil {
		t.Fatalf("expected rejection for non-holder agent")
	}
	// Operators may still intervene.
	if _, err := env.Orch.UpdateItemStatus(env.Ctx, assignment.Item.ID, domain.StatusInProgress, "operator"); err != nil {
		t.Fatalf("operator transition: %v", err)
	}
}

func TestSnapshotCounts(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	env.submit(t, "a", domain.P0)
	env.advance(time.Second)
	env.submit(t, "b", domain.P2)
	env.advance(time.Second)

	assignment, err := env.Orch.Dequeue(env.Ctx, agent.ID)
	if err != nil || assignment == nil {
		t.Fatalf("dequeue: %v", err)
	}

	snap, err := env.Orch.Snapshot(env.Ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ByStatus[domain.StatusOpen] != 1 || snap.ByStatus[domain.StatusAssigned] != 1 {
		t.Fatalf("unexpected counts: %+v", snap.ByStatus)
	}
	if snap.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", snap.QueueDepth)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].Status != domain.AgentBusy {
		t.Fatalf("unexpected agents: %+v", snap.Agents)
	}
}

func TestConcurrentDequeueHoldsSingleItem(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)
	for i := 0; i < 5; i++ {
		env.submit(t, "work", domain.P2)
	}

	const callers = 10
	results := make(chan *engine.Assignment, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assignment, err := env.Orch.Dequeue(env.Ctx, agent.ID)
			if err != nil {
				return // losers are told the agent already holds an item
			}
			results <- assignment
		}()
	}
	wg.Wait()
	close(results)

	var held []string
	for a := range results {
		if a != nil {
			held = append(held, a.Item.ID)
		}
	}
	if len(held) != 1 {
		t.Fatalf("agent claimed %d items concurrently: %v", len(held), held)
	}
	got, _ := env.Orch.Registry.Get(agent.ID)
	if got.CurrentWorkItemID == nil || *got.CurrentWorkItemID != held[0] {
		t.Fatalf("registry holds %v, dequeue returned %s", got.CurrentWorkItemID, held[0])
	}
}

func TestReleaseLimitedToActiveAssignments(t *testing.T) {
	env := newTestEnv(t)
	agent := env.registerAgent(t, "dev-1", false)

	// Open items have nothing to release.
	open := env.submit(t, "untouched", domain.P2)
	if _, err := env.Orch.Queue.Release(env.Ctx, open.ID, "operator"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("releasing an open item: %v", err)
	}

	// Assigned items go back to open.
	assignment, err := env.Orch.Dequeue(env.Ctx, agent.ID)
	if err != nil || assignment == nil {
		t.Fatalf("dequeue: %v", err)
	}
	released, err := env.Orch.Queue.Release(env.Ctx, assignment.Item.ID, "operator")
	if err != nil {
		t.Fatalf("release assigned: %v", err)
	}
	if released.Status != domain.StatusOpen || released.AssignedAgent != nil {
		t.Fatalf("unexpected release result: %+v", released)
	}
	if err := env.Orch.Registry.Clear(env.Ctx, agent.ID); err != nil {
		t.Fatal(err)
	}

	// A stalled item is owned by the stall pipeline, not the release path.
	assignment, err = env.Orch.Dequeue(env.Ctx, agent.ID)
	if err != nil || assignment == nil {
		t.Fatalf("re-dequeue: %v", err)
	}
	if _, err := env.Orch.UpdateItemStatus(env.Ctx, assignment.Item.ID, domain.StatusInProgress, agent.ID); err != nil {
		t.Fatal(err)
	}
	env.advance(env.Orch.Config.StallAfter() + time.Minute)
	if _, err := env.Orch.Monitor.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Orch.Queue.Release(env.Ctx, assignment.Item.ID, "operator"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("releasing a stalled item: %v", err)
	}

	// Terminal items stay put too.
	if _, err := env.Orch.Touch(env.Ctx, assignment.Item.ID, agent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Orch.UpdateItemStatus(env.Ctx, assignment.Item.ID, domain.StatusDone, agent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Orch.Queue.Release(env.Ctx, assignment.Item.ID, "operator"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("releasing a done item: %v", err)
	}
}

func TestStopWithoutStartReturns(t *testing.T) {
	env := newTestEnv(t)
	stopped := make(chan struct{})
	go func() {
		env.Orch.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked without a running control loop")
	}
}
