package engine

import (
	"fmt"
	"sync"

	"crewline/internal/config"
	"crewline/internal/domain"
)

// PolicyEngine picks an execution tier for deployment-class work items by
// walking the configured preference list in order and taking the first tier
// whose constraints admit the item's declared requirements.
type PolicyEngine struct {
	mu    sync.RWMutex
	tiers []config.ResourceTier
}

func NewPolicyEngine(tiers []config.ResourceTier) *PolicyEngine {
	p := &PolicyEngine{}
	p.Reload(tiers)
	return p
}

// Reload swaps in a new tier list, e.g. after a config file change.
// In-flight selections finish against the old list.
func (p *PolicyEngine) Reload(tiers []config.ResourceTier) {
	cp := make([]config.ResourceTier, len(tiers))
	copy(cp, tiers)
	p.mu.Lock()
	p.tiers = cp
	p.mu.Unlock()
}

// Tiers returns a copy of the current preference list.
func (p *PolicyEngine) Tiers() []config.ResourceTier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]config.ResourceTier, len(p.tiers))
	copy(cp, p.tiers)
	return cp
}

// SelectResource returns the name of the first tier that admits the item.
// A tier with max_seconds 0 accepts any estimated duration. Items of other
// operation types need no tier and select the empty name.
func (p *PolicyEngine) SelectResource(item domain.WorkItem) (string, error) {
	if item.OperationType != config.DeploymentType {
		return "", nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, tier := range p.tiers {
		if item.Stateful && !tier.AllowStateful {
			continue
		}
		if tier.MaxSeconds > 0 && item.EstimatedSeconds > tier.MaxSeconds {
			continue
		}
		return tier.Name, nil
	}
	return "", fmt.Errorf("item %s (stateful=%t, estimated %ds): %w",
		item.ID, item.Stateful, item.EstimatedSeconds, ErrNoEligibleResource)
}
