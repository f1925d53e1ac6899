package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crewline/internal/domain"
)

// Broadcast is the reserved recipient that fans a message out to every
// registered agent except the sender.
const Broadcast = "broadcast"

// Message is a directed note between agents. Delivery order is preserved
// per sender-recipient pair.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	SentAt  string `json:"sent_at" format:"date-time"`
}

// Registry tracks registered agents, their liveness, and their mailboxes.
// Agent rows are persisted through the store so registrations survive a
// restart; mailboxes are in-memory only and drain empty on restart.
type Registry struct {
	Store Store
	Queue *Queue
	Now   func() time.Time

	mu     sync.Mutex
	agents map[string]domain.Agent
	boxes  map[string][]Message
}

func NewRegistry(store Store, queue *Queue) *Registry {
	return &Registry{
		Store:  store,
		Queue:  queue,
		Now:    time.Now,
		agents: map[string]domain.Agent{},
		boxes:  map[string][]Message{},
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Load restores persisted agents into the registry. Agents come back
// offline; a fresh heartbeat revives them.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.Store.ListAgents(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		a.Status = domain.AgentOffline
		r.agents[a.ID] = a
	}
	return nil
}

// Register adds an agent to the registry. Re-registering an ID is allowed
// only while the previous holder is offline; the new registration replaces
// its role and capabilities.
func (r *Registry) Register(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	if a.ID == "" {
		return domain.Agent{}, fmt.Errorf("agent id is required")
	}
	if a.ID == Broadcast {
		return domain.Agent{}, fmt.Errorf("agent id %q is reserved", Broadcast)
	}
	for _, c := range a.Capabilities {
		if !domain.ValidOperationType(c) {
			return domain.Agent{}, fmt.Errorf("capability %q not recognized", c)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.agents[a.ID]
	if exists && prev.Status != domain.AgentOffline {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", a.ID, ErrDuplicateAgent)
	}
	ts := r.now().UTC().Format(time.RFC3339)
	a.Status = domain.AgentIdle
	a.CurrentWorkItemID = nil
	a.LastHeartbeatAt = ts
	if exists {
		a.RegisteredAt = prev.RegisteredAt
		if err := r.Store.UpdateAgent(ctx, a); err != nil {
			return domain.Agent{}, err
		}
	} else {
		a.RegisteredAt = ts
		if err := r.Store.CreateAgent(ctx, a); err != nil {
			return domain.Agent{}, err
		}
	}
	r.agents[a.ID] = a
	return a, nil
}

// Heartbeat refreshes an agent's liveness. An offline agent that
// heartbeats again comes back idle. A heartbeat from the holder also
// counts as activity on its assigned or in-progress item, so agents doing
// long work do not stall just because they report through heartbeats; a
// stalled item still needs an explicit Touch to revive.
func (r *Registry) Heartbeat(ctx context.Context, id string) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	ts := r.now().UTC().Format(time.RFC3339)
	a.LastHeartbeatAt = ts
	if a.Status == domain.AgentOffline {
		a.Status = domain.AgentIdle
		a.CurrentWorkItemID = nil
	}
	if err := r.Store.UpdateAgent(ctx, a); err != nil {
		return domain.Agent{}, err
	}
	r.agents[id] = a
	if a.CurrentWorkItemID != nil {
		item, err := r.Store.GetItem(ctx, *a.CurrentWorkItemID)
		if err != nil {
			return domain.Agent{}, err
		}
		if item.Status == domain.StatusAssigned || item.Status == domain.StatusInProgress {
			item.LastActivityAt = ts
			err := r.Store.UpdateItem(ctx, item, "item.touch", id, map[string]any{
				"heartbeat": true,
			})
			if err != nil {
				return domain.Agent{}, err
			}
		}
	}
	return a, nil
}

// Assign marks an agent busy on an item after a successful dequeue.
func (r *Registry) Assign(ctx context.Context, id, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	a.Status = domain.AgentBusy
	a.CurrentWorkItemID = &itemID
	r.agents[id] = a
	return r.Store.UpdateAgent(ctx, a)
}

// Clear returns a busy agent to idle once its item leaves its hands.
func (r *Registry) Clear(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	if a.Status == domain.AgentBusy {
		a.Status = domain.AgentIdle
	}
	a.CurrentWorkItemID = nil
	r.agents[id] = a
	return r.Store.UpdateAgent(ctx, a)
}

// MarkOffline transitions an agent to offline and releases its held item,
// if any, back to the queue. The held item is detached under the registry
// lock, so a concurrent sweep cannot release it twice. An item the monitor
// already moved to stalled or escalated keeps that status and only loses
// its assignee; the stall pipeline owns its recovery. Returns the item
// released back to open, or nil.
func (r *Registry) MarkOffline(ctx context.Context, id string) (*domain.WorkItem, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	var heldID string
	if a.CurrentWorkItemID != nil {
		heldID = *a.CurrentWorkItemID
	}
	a.Status = domain.AgentOffline
	a.CurrentWorkItemID = nil
	r.agents[id] = a
	err := r.Store.UpdateAgent(ctx, a)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if heldID == "" {
		return nil, nil
	}
	item, err := r.Store.GetItem(ctx, heldID)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case domain.StatusAssigned, domain.StatusInProgress:
		released, err := r.Queue.Release(ctx, heldID, id)
		if err != nil {
			return nil, err
		}
		return &released, nil
	default:
		item.AssignedAgent = nil
		err := r.Store.UpdateItem(ctx, item, "item.release", id, map[string]any{
			"from":     item.Status,
			"requeued": false,
		})
		return nil, err
	}
}

// CheckHeartbeats marks every agent whose last heartbeat is older than
// timeout as offline and returns the items released in the process.
func (r *Registry) CheckHeartbeats(ctx context.Context, timeout time.Duration) ([]domain.WorkItem, error) {
	cutoff := r.now().UTC().Add(-timeout)
	r.mu.Lock()
	var stale []string
	for id, a := range r.agents {
		if a.Status == domain.AgentOffline {
			continue
		}
		last, err := time.Parse(time.RFC3339, a.LastHeartbeatAt)
		if err != nil || last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(stale)
	var released []domain.WorkItem
	for _, id := range stale {
		item, err := r.MarkOffline(ctx, id)
		if err != nil {
			return released, err
		}
		if item != nil {
			released = append(released, *item)
		}
	}
	return released, nil
}

// Get returns a copy of the agent's registry entry.
func (r *Registry) Get(id string) (domain.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all registered agents ordered by ID.
func (r *Registry) List() []domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Send routes a message to its recipient's mailbox, or to every other
// registered agent when the recipient is Broadcast. The registry lock
// serializes sends, so messages from one sender to one recipient are
// always drained in the order they were sent.
func (r *Registry) Send(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[msg.From]; !ok {
		return fmt.Errorf("sender %s: %w", msg.From, ErrUnknownAgent)
	}
	msg.SentAt = r.now().UTC().Format(time.RFC3339)
	if msg.To == Broadcast {
		for id := range r.agents {
			if id == msg.From {
				continue
			}
			r.boxes[id] = append(r.boxes[id], msg)
		}
		return nil
	}
	if _, ok := r.agents[msg.To]; !ok {
		return fmt.Errorf("recipient %s: %w", msg.To, ErrUnknownAgent)
	}
	r.boxes[msg.To] = append(r.boxes[msg.To], msg)
	return nil
}

// Drain empties and returns the agent's mailbox.
func (r *Registry) Drain(id string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	msgs := r.boxes[id]
	delete(r.boxes, id)
	return msgs, nil
}
