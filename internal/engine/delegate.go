package engine

import (
	"context"
	"fmt"

	"crewline/internal/domain"
)

// Enforcer validates delegation rules before a new work item enters the
// queue. Only managers may delegate, only on items assigned to them, and
// the resulting parent chain must stay acyclic and within MaxDepth links.
type Enforcer struct {
	Store    Store
	MaxDepth int
}

// ValidateNew checks a candidate item against the delegation rules.
// creator is nil for items submitted directly by an operator; those are
// root items and may not carry a parent.
func (f Enforcer) ValidateNew(ctx context.Context, item domain.WorkItem, creator *domain.Agent) error {
	if !domain.ValidOperationType(item.OperationType) {
		return fmt.Errorf("operation type %q not recognized", item.OperationType)
	}
	if item.IsRoot() {
		return nil
	}
	if creator == nil {
		return fmt.Errorf("delegated item requires an agent creator: %w", ErrUnauthorizedDelegation)
	}
	if !creator.Manager {
		return fmt.Errorf("agent %s is not a manager: %w", creator.ID, ErrUnauthorizedDelegation)
	}
	parent, err := f.Store.GetItem(ctx, *item.ParentID)
	if err != nil {
		return fmt.Errorf("parent %s: %w", *item.ParentID, ErrInvalidHierarchy)
	}
	if parent.AssignedAgent == nil || *parent.AssignedAgent != creator.ID {
		return fmt.Errorf("agent %s does not hold parent %s: %w", creator.ID, parent.ID, ErrUnauthorizedDelegation)
	}
	if parent.Status.IsTerminal() {
		return fmt.Errorf("parent %s is %s: %w", parent.ID, parent.Status, ErrInvalidHierarchy)
	}
	return f.checkChain(ctx, item.ID, parent)
}

// checkChain walks parent links from the candidate's parent to the root,
// rejecting cycles and chains longer than MaxDepth. The walk is bounded by
// MaxDepth+1 hops so a corrupt store cannot spin it forever.
func (f Enforcer) checkChain(ctx context.Context, newID string, parent domain.WorkItem) error {
	seen := map[string]bool{newID: true}
	depth := 1 // the new item -> parent link
	cur := parent
	for {
		if seen[cur.ID] {
			return fmt.Errorf("item %s appears twice in chain: %w", cur.ID, ErrCycle)
		}
		seen[cur.ID] = true
		if cur.IsRoot() {
			return nil
		}
		depth++
		if depth > f.MaxDepth {
			return fmt.Errorf("chain exceeds %d links: %w", f.MaxDepth, ErrDelegationDepthExceeded)
		}
		next, err := f.Store.GetItem(ctx, *cur.ParentID)
		if err != nil {
			return fmt.Errorf("parent chain at %s: %w", cur.ID, ErrInvalidHierarchy)
		}
		cur = next
	}
}
