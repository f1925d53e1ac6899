package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/logging"
)

// Orchestrator owns the control loop and is the single entry point for
// mutations: submissions, dequeues, status updates, and the periodic sweep
// all go through it.
type Orchestrator struct {
	Store    Store
	Queue    *Queue
	Registry *Registry
	Monitor  *Monitor
	Policy   *PolicyEngine
	Config   *config.Config
	Log      *logging.Logger
	Now      func() time.Time

	// dequeueMu makes the held-item check and the registry assignment one
	// atomic step, so one agent can never claim two items concurrently.
	dequeueMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// New wires an orchestrator over the workspace database.
func New(db *sql.DB, cfg *config.Config, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	store := NewSQLStore(db)
	enforcer := Enforcer{Store: store, MaxDepth: cfg.Orchestrator.MaxDelegationDepth}
	queue := NewQueue(store, enforcer)
	registry := NewRegistry(store, queue)
	monitor := &Monitor{
		Store:         store,
		StallAfter:    cfg.StallAfter(),
		EscalateAfter: cfg.EscalateAfter(),
		MaxDepth:      cfg.Orchestrator.MaxDelegationDepth,
		Log:           log.WithComponent("monitor"),
	}
	return &Orchestrator{
		Store:    store,
		Queue:    queue,
		Registry: registry,
		Monitor:  monitor,
		Policy:   NewPolicyEngine(cfg.Resources.Tiers),
		Config:   cfg,
		Log:      log.WithComponent("orchestrator"),
		Now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Start restores persisted agents and launches the control loop. The loop
// runs one sweep per interval until Stop is called or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Registry.Load(ctx); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	o.startOnce.Do(func() {
		o.started.Store(true)
		go o.run(ctx)
	})
	return nil
}

// Stop shuts the control loop down and waits for the in-flight sweep, if
// any, to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	if o.started.Load() {
		<-o.done
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.Config.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if _, err := o.Tick(ctx); err != nil {
				o.Log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Tick runs one full control-loop pass: expire silent agents, then sweep
// for stalls. Exposed so the CLI can drive the loop manually.
func (o *Orchestrator) Tick(ctx context.Context) (SweepReport, error) {
	released, err := o.Registry.CheckHeartbeats(ctx, o.Config.HeartbeatTimeout())
	if err != nil {
		return SweepReport{}, fmt.Errorf("heartbeat check: %w", err)
	}
	for _, item := range released {
		if err := o.raiseOfflineEscalation(ctx, item); err != nil {
			return SweepReport{}, err
		}
	}
	report, err := o.Monitor.Sweep(ctx)
	if err != nil {
		return report, err
	}
	if report.Stalled+report.Escalated > 0 {
		o.Log.Info("sweep finished",
			"scanned", report.Scanned,
			"stalled", report.Stalled,
			"escalated", report.Escalated,
			"redelegated", report.Redelegated)
	}
	return report, nil
}

func (o *Orchestrator) raiseOfflineEscalation(ctx context.Context, item domain.WorkItem) error {
	existing, err := o.Store.UnresolvedEscalation(ctx, item.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	esc := domain.Escalation{
		ID:         uuid.NewString(),
		WorkItemID: item.ID,
		Reason:     domain.ReasonAgentOffline,
		Severity:   "warning",
		CreatedAt:  o.now().UTC().Format(time.RFC3339),
	}
	return o.Store.CreateEscalation(ctx, esc, monitorActor)
}

// SubmitOptions are the parameters for queueing new work.
type SubmitOptions struct {
	Title            string
	Description      string
	OperationType    domain.OperationType
	Priority         domain.Priority
	ParentID         string
	EstimatedSeconds int
	Stateful         bool
	// CreatorID names the delegating agent; empty for operator submissions.
	CreatorID string
}

// Submit validates and enqueues a work item. Delegations name their creator
// agent, which must be a registered manager holding the parent item.
func (o *Orchestrator) Submit(ctx context.Context, opts SubmitOptions) (domain.WorkItem, error) {
	var creator *domain.Agent
	actorID := "operator"
	if opts.CreatorID != "" {
		a, ok := o.Registry.Get(opts.CreatorID)
		if !ok {
			return domain.WorkItem{}, fmt.Errorf("creator %s: %w", opts.CreatorID, ErrUnknownAgent)
		}
		creator = &a
		actorID = a.ID
	}
	item := domain.WorkItem{
		Title:            opts.Title,
		Description:      opts.Description,
		OperationType:    opts.OperationType,
		Priority:         opts.Priority,
		EstimatedSeconds: opts.EstimatedSeconds,
		Stateful:         opts.Stateful,
	}
	if opts.ParentID != "" {
		pid := opts.ParentID
		item.ParentID = &pid
	}
	return o.Queue.Enqueue(ctx, item, creator, actorID)
}

// Assignment pairs a dequeued item with the resource tier selected for it.
// Resource is empty for non-deployment work.
type Assignment struct {
	Item     domain.WorkItem `json:"item"`
	Resource string          `json:"resource,omitempty"`
}

// Dequeue hands the next eligible item to the agent. Returns (nil, nil)
// when nothing is available. Deployment items with no eligible resource
// tier are escalated in place and skipped.
func (o *Orchestrator) Dequeue(ctx context.Context, agentID string) (*Assignment, error) {
	o.dequeueMu.Lock()
	defer o.dequeueMu.Unlock()

	agent, ok := o.Registry.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrUnknownAgent)
	}
	if agent.Status == domain.AgentOffline {
		return nil, fmt.Errorf("agent %s is offline, heartbeat first", agentID)
	}
	if agent.CurrentWorkItemID != nil {
		return nil, fmt.Errorf("agent %s already holds item %s", agentID, *agent.CurrentWorkItemID)
	}
	for {
		claimed, err := o.Queue.DequeueFor(ctx, agent)
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			return nil, nil
		}
		resource, err := o.Policy.SelectResource(*claimed)
		if err != nil {
			if err := o.escalatePolicyViolation(ctx, *claimed, err); err != nil {
				return nil, err
			}
			continue
		}
		if err := o.Registry.Assign(ctx, agentID, claimed.ID); err != nil {
			return nil, err
		}
		if err := o.resolveOpenEscalation(ctx, claimed.ID, agentID); err != nil {
			return nil, err
		}
		return &Assignment{Item: *claimed, Resource: resource}, nil
	}
}

// ReleaseItem returns an assigned or in-progress item to the open pool and
// frees its holder in the registry. Operator-facing surfaces use this
// rather than the queue directly so the agent does not stay busy on an
// item it no longer holds.
func (o *Orchestrator) ReleaseItem(ctx context.Context, itemID, actorID string) (domain.WorkItem, error) {
	released, err := o.Queue.Release(ctx, itemID, actorID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for _, a := range o.Registry.List() {
		if a.CurrentWorkItemID != nil && *a.CurrentWorkItemID == itemID {
			if err := o.Registry.Clear(ctx, a.ID); err != nil {
				return domain.WorkItem{}, err
			}
		}
	}
	return released, nil
}

// escalatePolicyViolation parks an unrunnable deployment item in escalated
// and raises a critical escalation for the operator.
func (o *Orchestrator) escalatePolicyViolation(ctx context.Context, item domain.WorkItem, cause error) error {
	o.Log.Error("no resource tier admits item", "item_id", item.ID, "error", cause)
	item.Status = domain.StatusEscalated
	item.AssignedAgent = nil
	item.LastActivityAt = o.now().UTC().Format(time.RFC3339)
	err := o.Store.UpdateItem(ctx, item, "item.escalate", monitorActor, map[string]any{
		"reason": domain.ReasonPolicyViolation,
	})
	if err != nil {
		return err
	}
	existing, err := o.Store.UnresolvedEscalation(ctx, item.ID)
	if err != nil || existing != nil {
		return err
	}
	esc := domain.Escalation{
		ID:         uuid.NewString(),
		WorkItemID: item.ID,
		Reason:     domain.ReasonPolicyViolation,
		Severity:   "critical",
		CreatedAt:  o.now().UTC().Format(time.RFC3339),
	}
	return o.Store.CreateEscalation(ctx, esc, monitorActor)
}

func (o *Orchestrator) resolveOpenEscalation(ctx context.Context, itemID, actorID string) error {
	esc, err := o.Store.UnresolvedEscalation(ctx, itemID)
	if err != nil || esc == nil {
		return err
	}
	return o.Store.ResolveEscalation(ctx, esc.ID, actorID)
}

// UpdateItemStatus applies a lifecycle transition. Only the assigned agent
// may move its own item; actors the registry does not know are treated as
// operators and may act on any item. Terminal transitions resolve the
// item's open escalation and free its agent.
func (o *Orchestrator) UpdateItemStatus(ctx context.Context, itemID string, next domain.Status, actorID string) (domain.WorkItem, error) {
	item, err := o.Store.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.AssignedAgent != nil && actorID != *item.AssignedAgent {
		if _, isAgent := o.Registry.Get(actorID); isAgent {
			return domain.WorkItem{}, fmt.Errorf("item %s is held by %s", itemID, *item.AssignedAgent)
		}
	}
	if err := ensureItemTransition(item.Status, next); err != nil {
		return domain.WorkItem{}, err
	}
	prev := item.Status
	holder := item.AssignedAgent
	item.Status = next
	item.LastActivityAt = o.now().UTC().Format(time.RFC3339)
	if next == domain.StatusOpen {
		item.AssignedAgent = nil
	}
	err = o.Store.UpdateItem(ctx, item, "item.status", actorID, map[string]any{
		"from": prev,
		"to":   next,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if next.IsTerminal() || next == domain.StatusOpen {
		if holder != nil {
			if err := o.Registry.Clear(ctx, *holder); err != nil {
				return domain.WorkItem{}, err
			}
		}
	}
	if next.IsTerminal() {
		if err := o.resolveOpenEscalation(ctx, itemID, actorID); err != nil {
			return domain.WorkItem{}, err
		}
	}
	return item, nil
}

// Touch records activity on an item without changing its phase. A stalled
// item that shows activity returns to in_progress.
func (o *Orchestrator) Touch(ctx context.Context, itemID, actorID string) (domain.WorkItem, error) {
	item, err := o.Store.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status.IsTerminal() {
		return domain.WorkItem{}, fmt.Errorf("%s is %s: %w", itemID, item.Status, ErrInvalidTransition)
	}
	if item.AssignedAgent != nil && actorID != *item.AssignedAgent {
		if _, isAgent := o.Registry.Get(actorID); isAgent {
			return domain.WorkItem{}, fmt.Errorf("item %s is held by %s", itemID, *item.AssignedAgent)
		}
	}
	payload := map[string]any{}
	if item.Status == domain.StatusStalled {
		payload["from"] = item.Status
		item.Status = domain.StatusInProgress
	}
	item.LastActivityAt = o.now().UTC().Format(time.RFC3339)
	if err := o.Store.UpdateItem(ctx, item, "item.touch", actorID, payload); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// ensureItemTransition enforces the work item lifecycle.
func ensureItemTransition(from, to domain.Status) error {
	allowed := map[domain.Status][]domain.Status{
		domain.StatusOpen:       {domain.StatusAssigned},
		domain.StatusAssigned:   {domain.StatusInProgress, domain.StatusOpen},
		domain.StatusInProgress: {domain.StatusBlocked, domain.StatusStalled, domain.StatusDone, domain.StatusFailed, domain.StatusOpen},
		domain.StatusBlocked:    {domain.StatusInProgress, domain.StatusOpen},
		domain.StatusStalled:    {domain.StatusInProgress, domain.StatusEscalated},
		domain.StatusEscalated:  {domain.StatusDone, domain.StatusFailed},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}

// Snapshot is a point-in-time view of the system for dashboards and the
// status command.
type Snapshot struct {
	TakenAt    string                `json:"taken_at" format:"date-time"`
	ByStatus   map[domain.Status]int `json:"by_status"`
	ByPriority map[string]int        `json:"by_priority"`
	Agents     []domain.Agent        `json:"agents"`
	QueueDepth int                   `json:"queue_depth"`
}

// Snapshot reports queue depth, item counts, and agent states.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	byStatus, err := o.Store.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	byPriority, err := o.Store.CountByPriority(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TakenAt:    o.now().UTC().Format(time.RFC3339),
		ByStatus:   byStatus,
		ByPriority: byPriority,
		Agents:     o.Registry.List(),
		QueueDepth: byStatus[domain.StatusOpen],
	}, nil
}
