package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/logging"
)

// monitorActor is the actor recorded on events written by the sweep.
const monitorActor = "monitor"

// storeAttempts bounds retries against a flaky store before a sweep gives
// up and reports ErrStoreUnavailable.
const storeAttempts = 3

// Monitor is the stall detector. Each sweep walks all non-terminal items
// once: in-progress items inactive past StallAfter are marked stalled, and
// stalled items inactive past a further EscalateAfter are escalated with
// exactly one open escalation and, while the re-delegation budget allows, a
// fresh management item so a manager can pick the work back up.
type Monitor struct {
	Store         Store
	StallAfter    time.Duration
	EscalateAfter time.Duration
	MaxDepth      int
	Now           func() time.Time
	Log           *logging.Logger
}

// SweepReport summarizes one pass of the stall detector.
type SweepReport struct {
	Scanned     int `json:"scanned"`
	Stalled     int `json:"stalled"`
	Escalated   int `json:"escalated"`
	Redelegated int `json:"redelegated"`
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Monitor) log() *logging.Logger {
	if m.Log != nil {
		return m.Log
	}
	return logging.Nop()
}

// Sweep runs one monitor pass. It is idempotent: running it twice in a row
// produces no further transitions, escalations, or re-delegation items.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var active []domain.WorkItem
	err := withRetry(ctx, storeAttempts, func() error {
		var err error
		active, err = m.Store.ListActiveItems(ctx)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("list active items: %w: %v", ErrStoreUnavailable, err)
	}
	report.Scanned = len(active)
	now := m.now().UTC()

	for _, item := range active {
		last, err := time.Parse(time.RFC3339, item.LastActivityAt)
		if err != nil {
			m.log().Warn("skipping item with bad activity timestamp", "item_id", item.ID, "value", item.LastActivityAt)
			continue
		}
		idle := now.Sub(last)
		switch item.Status {
		case domain.StatusInProgress:
			if idle >= m.StallAfter {
				if err := m.markStalled(ctx, item, idle); err != nil {
					return report, err
				}
				report.Stalled++
			}
		case domain.StatusStalled:
			if idle >= m.StallAfter+m.EscalateAfter {
				redelegated, err := m.escalate(ctx, item, idle)
				if err != nil {
					return report, err
				}
				report.Escalated++
				if redelegated {
					report.Redelegated++
				}
			}
		case domain.StatusEscalated:
			// Backfill only when no escalation was ever recorded, so an
			// operator resolving one by hand is not overridden next sweep.
			if err := m.backfillEscalation(ctx, item); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

func (m *Monitor) markStalled(ctx context.Context, item domain.WorkItem, idle time.Duration) error {
	prev := item.Status
	item.Status = domain.StatusStalled
	// Deliberately leave last_activity_at untouched: the escalation window
	// measures from the item's real last activity, not from the sweep that
	// noticed the stall.
	err := withRetry(ctx, storeAttempts, func() error {
		return m.Store.UpdateItem(ctx, item, "item.stall", monitorActor, map[string]any{
			"from":         prev,
			"idle_seconds": int(idle.Seconds()),
		})
	})
	if err != nil {
		return fmt.Errorf("mark stalled %s: %w: %v", item.ID, ErrStoreUnavailable, err)
	}
	m.log().Warn("work item stalled", "item_id", item.ID, "idle", idle.String())
	return nil
}

// escalate moves a stalled item to escalated, raises its escalation, and
// creates the re-delegation item. Reports whether a re-delegation item was
// created.
func (m *Monitor) escalate(ctx context.Context, item domain.WorkItem, idle time.Duration) (bool, error) {
	prev := item.Status
	item.Status = domain.StatusEscalated
	err := withRetry(ctx, storeAttempts, func() error {
		return m.Store.UpdateItem(ctx, item, "item.escalate", monitorActor, map[string]any{
			"from":         prev,
			"idle_seconds": int(idle.Seconds()),
		})
	})
	if err != nil {
		return false, fmt.Errorf("escalate %s: %w: %v", item.ID, ErrStoreUnavailable, err)
	}
	if err := m.ensureEscalation(ctx, item, "stalled past escalation window"); err != nil {
		return false, err
	}

	if item.RedelegationDepth >= m.MaxDepth {
		m.log().Error("re-delegation budget exhausted, operator attention required",
			"item_id", item.ID, "redelegation_depth", item.RedelegationDepth)
		return false, nil
	}
	redel := domain.WorkItem{
		ID:                uuid.NewString(),
		Title:             "Recover: " + item.Title,
		Description:       fmt.Sprintf("Work item %s escalated after stalling. Review, then re-delegate or close it.", item.ID),
		OperationType:     domain.OpManagement,
		Priority:          item.Priority,
		Status:            domain.StatusOpen,
		CreatedAt:         m.now().UTC().Format(time.RFC3339),
		LastActivityAt:    m.now().UTC().Format(time.RFC3339),
		RedelegationDepth: item.RedelegationDepth + 1,
	}
	err = withRetry(ctx, storeAttempts, func() error {
		return m.Store.CreateItem(ctx, redel, monitorActor)
	})
	if err != nil {
		return false, fmt.Errorf("create re-delegation item for %s: %w: %v", item.ID, ErrStoreUnavailable, err)
	}
	m.log().Info("re-delegation item created", "item_id", item.ID, "redelegation_item_id", redel.ID)
	return true, nil
}

// backfillEscalation raises an escalation for an escalated item that has
// none on record, which can happen when a crash lands between the status
// write and the escalation write. Items whose escalation an operator
// already resolved are left alone.
func (m *Monitor) backfillEscalation(ctx context.Context, item domain.WorkItem) error {
	var latest *domain.Escalation
	err := withRetry(ctx, storeAttempts, func() error {
		var err error
		latest, err = m.Store.LatestEscalation(ctx, item.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("lookup escalation for %s: %w: %v", item.ID, ErrStoreUnavailable, err)
	}
	if latest != nil {
		return nil
	}
	return m.ensureEscalation(ctx, item, "escalation missing after restart")
}

// ensureEscalation raises an escalation for the item unless one is already
// open. Severity is critical once the re-delegation budget is spent, since
// nobody will be handed the recovery work automatically.
func (m *Monitor) ensureEscalation(ctx context.Context, item domain.WorkItem, note string) error {
	var existing *domain.Escalation
	err := withRetry(ctx, storeAttempts, func() error {
		var err error
		existing, err = m.Store.UnresolvedEscalation(ctx, item.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("lookup escalation for %s: %w: %v", item.ID, ErrStoreUnavailable, err)
	}
	if existing != nil {
		return nil
	}
	severity := "warning"
	if item.RedelegationDepth >= m.MaxDepth {
		severity = "critical"
	}
	esc := domain.Escalation{
		ID:         uuid.NewString(),
		WorkItemID: item.ID,
		Reason:     domain.ReasonStalled,
		Severity:   severity,
		CreatedAt:  m.now().UTC().Format(time.RFC3339),
	}
	err = withRetry(ctx, storeAttempts, func() error {
		return m.Store.CreateEscalation(ctx, esc, monitorActor)
	})
	if err != nil {
		return fmt.Errorf("create escalation for %s: %w: %v", item.ID, ErrStoreUnavailable, err)
	}
	m.log().Warn("escalation raised", "item_id", item.ID, "escalation_id", esc.ID, "note", note)
	return nil
}

// withRetry runs fn up to attempts times with a short growing pause,
// stopping early on context cancellation.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return err
}
