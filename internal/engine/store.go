package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// Store is the ticket store the engine runs against. Implementations must
// make every mutation durable before returning; the engine treats a nil
// error as a committed write.
type Store interface {
	CreateItem(ctx context.Context, item domain.WorkItem, actorID string) error
	UpdateItem(ctx context.Context, item domain.WorkItem, evtType, actorID string, payload map[string]any) error
	GetItem(ctx context.Context, id string) (domain.WorkItem, error)
	ListOpenItems(ctx context.Context) ([]domain.WorkItem, error)
	ListActiveItems(ctx context.Context) ([]domain.WorkItem, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	CountByPriority(ctx context.Context) (map[string]int, error)

	CreateAgent(ctx context.Context, a domain.Agent) error
	UpdateAgent(ctx context.Context, a domain.Agent) error
	ListAgents(ctx context.Context) ([]domain.Agent, error)

	CreateEscalation(ctx context.Context, esc domain.Escalation, actorID string) error
	// UnresolvedEscalation returns nil when the item has no open escalation.
	UnresolvedEscalation(ctx context.Context, workItemID string) (*domain.Escalation, error)
	// LatestEscalation returns the newest escalation for the item, resolved
	// or not, or nil when the item never escalated.
	LatestEscalation(ctx context.Context, workItemID string) (*domain.Escalation, error)
	ResolveEscalation(ctx context.Context, id, actorID string) error
}

// SQLStore implements Store over the workspace SQLite database. Every write
// runs in a transaction that also appends the matching audit event, so the
// event log never drifts from table state.
type SQLStore struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s *SQLStore) CreateItem(ctx context.Context, item domain.WorkItem, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertWorkItem(ctx, tx, item); err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	payload := events.EventPayload{
		"title":          item.Title,
		"operation_type": item.OperationType,
		"priority":       item.Priority.String(),
	}
	if item.ParentID != nil {
		payload["parent_id"] = *item.ParentID
	}
	if err := s.Events.Append(ctx, tx, "item.create", "work_item", item.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateItem(ctx context.Context, item domain.WorkItem, evtType, actorID string, payload map[string]any) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateWorkItem(ctx, tx, item); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("work item %s: %w", item.ID, ErrNotFound)
		}
		return fmt.Errorf("update work item: %w", err)
	}
	if err := s.Events.Append(ctx, tx, evtType, "work_item", item.ID, actorID, events.EventPayload(payload)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	item, err := s.Repo.GetWorkItem(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return item, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return item, err
}

func (s *SQLStore) ListOpenItems(ctx context.Context) ([]domain.WorkItem, error) {
	return s.Repo.ListOpenWorkItems(ctx)
}

func (s *SQLStore) ListActiveItems(ctx context.Context) ([]domain.WorkItem, error) {
	return s.Repo.ListActiveWorkItems(ctx)
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	return s.Repo.CountWorkItemsByStatus(ctx)
}

func (s *SQLStore) CountByPriority(ctx context.Context) (map[string]int, error) {
	return s.Repo.CountWorkItemsByPriority(ctx)
}

func (s *SQLStore) CreateAgent(ctx context.Context, a domain.Agent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertAgent(ctx, tx, a); err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "agent.register", "agent", a.ID, a.ID, events.EventPayload{
		"role":    a.Role,
		"manager": a.Manager,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateAgent(ctx context.Context, a domain.Agent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateAgent(ctx, tx, a); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
		}
		return fmt.Errorf("update agent: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return s.Repo.ListAgents(ctx)
}

func (s *SQLStore) CreateEscalation(ctx context.Context, esc domain.Escalation, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertEscalation(ctx, tx, esc); err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "escalation.create", "escalation", esc.ID, actorID, events.EventPayload{
		"work_item_id": esc.WorkItemID,
		"reason":       esc.Reason,
		"severity":     esc.Severity,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) UnresolvedEscalation(ctx context.Context, workItemID string) (*domain.Escalation, error) {
	esc, err := s.Repo.UnresolvedEscalation(ctx, workItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

func (s *SQLStore) LatestEscalation(ctx context.Context, workItemID string) (*domain.Escalation, error) {
	esc, err := s.Repo.LatestEscalation(ctx, workItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

func (s *SQLStore) ResolveEscalation(ctx context.Context, id, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.ResolveEscalation(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("escalation %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "escalation.resolve", "escalation", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
