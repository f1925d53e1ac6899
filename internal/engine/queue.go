package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
)

// Queue assigns open work items to agents. Ordering is priority first,
// oldest first within a priority band. A single mutex serializes dequeues
// so no two agents can be handed the same item.
type Queue struct {
	Store    Store
	Enforcer Enforcer
	Now      func() time.Time

	mu sync.Mutex
}

func NewQueue(store Store, enforcer Enforcer) *Queue {
	return &Queue{Store: store, Enforcer: enforcer, Now: time.Now}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue validates and persists a new open work item. creator is nil for
// operator submissions. The returned item carries the generated ID and
// timestamps.
func (q *Queue) Enqueue(ctx context.Context, item domain.WorkItem, creator *domain.Agent, actorID string) (domain.WorkItem, error) {
	if item.Title == "" {
		return domain.WorkItem{}, fmt.Errorf("title is required")
	}
	if item.Priority < domain.P0 || item.Priority > domain.P4 {
		return domain.WorkItem{}, fmt.Errorf("priority %d out of range", item.Priority)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := q.Enforcer.ValidateNew(ctx, item, creator); err != nil {
		return domain.WorkItem{}, err
	}
	ts := q.now().UTC().Format(time.RFC3339)
	item.Status = domain.StatusOpen
	item.AssignedAgent = nil
	item.CreatedAt = ts
	item.LastActivityAt = ts
	if err := q.Store.CreateItem(ctx, item, actorID); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// DequeueFor hands the highest-priority eligible open item to the agent and
// marks it assigned. Returns (nil, nil) when no open item matches the
// agent's capabilities. The assignment is committed to the store before the
// item is returned, so a crash after return never loses the claim.
func (q *Queue) DequeueFor(ctx context.Context, agent domain.Agent) (*domain.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	open, err := q.Store.ListOpenItems(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range open {
		if !agent.CanAccept(item.OperationType) {
			continue
		}
		item.Status = domain.StatusAssigned
		agentID := agent.ID
		item.AssignedAgent = &agentID
		item.LastActivityAt = q.now().UTC().Format(time.RFC3339)
		err := q.Store.UpdateItem(ctx, item, "item.assign", agent.ID, map[string]any{
			"agent_id": agent.ID,
		})
		if err != nil {
			return nil, err
		}
		claimed := item
		return &claimed, nil
	}
	return nil, nil
}

// Release returns an assigned or in-progress item to the open pool, for
// example when its holder goes offline. Releasing resets the assignee and
// refreshes the activity timestamp so the item does not immediately stall.
func (q *Queue) Release(ctx context.Context, itemID, actorID string) (domain.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.Store.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status != domain.StatusAssigned && item.Status != domain.StatusInProgress {
		return domain.WorkItem{}, fmt.Errorf("%s -> %s: %w", item.Status, domain.StatusOpen, ErrInvalidTransition)
	}
	prev := item.Status
	item.Status = domain.StatusOpen
	item.AssignedAgent = nil
	item.LastActivityAt = q.now().UTC().Format(time.RFC3339)
	err = q.Store.UpdateItem(ctx, item, "item.release", actorID, map[string]any{
		"from": prev,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}
