package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workItemColumns = `id,title,description,operation_type,priority,status,assigned_agent,parent_id,estimated_seconds,stateful,redelegation_depth,created_at,last_activity_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var description, assignedAgent, parentID sql.NullString
	var stateful int
	err := scan(&w.ID, &w.Title, &description, &w.OperationType, &w.Priority, &w.Status,
		&assignedAgent, &parentID, &w.EstimatedSeconds, &stateful, &w.RedelegationDepth, &w.CreatedAt, &w.LastActivityAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	if assignedAgent.Valid {
		w.AssignedAgent = &assignedAgent.String
	}
	if parentID.Valid {
		w.ParentID = &parentID.String
	}
	w.Stateful = stateful != 0
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Title, nullable(w.Description), w.OperationType, w.Priority, w.Status,
		nullableStringPtr(w.AssignedAgent), nullableStringPtr(w.ParentID),
		w.EstimatedSeconds, boolToInt(w.Stateful), w.RedelegationDepth, w.CreatedAt, w.LastActivityAt)
	return err
}

func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET title=?, description=?, operation_type=?, priority=?, status=?, assigned_agent=?, parent_id=?, estimated_seconds=?, stateful=?, redelegation_depth=?, last_activity_at=? WHERE id=?`,
		w.Title, nullable(w.Description), w.OperationType, w.Priority, w.Status,
		nullableStringPtr(w.AssignedAgent), nullableStringPtr(w.ParentID),
		w.EstimatedSeconds, boolToInt(w.Stateful), w.RedelegationDepth, w.LastActivityAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

type WorkItemFilters struct {
	Status        domain.Status
	OperationType domain.OperationType
	AssignedAgent string
	ParentID      string
	Limit         int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OperationType != "" {
		clauses = append(clauses, "operation_type=?")
		args = append(args, f.OperationType)
	}
	if f.AssignedAgent != "" {
		clauses = append(clauses, "assigned_agent=?")
		args = append(args, f.AssignedAgent)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY priority ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ListOpenWorkItems returns items eligible for assignment, priority first
// and oldest first within equal priority.
func (r Repo) ListOpenWorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	return r.ListWorkItems(ctx, WorkItemFilters{Status: domain.StatusOpen})
}

// ListActiveWorkItems returns all non-terminal items for the monitor sweep.
func (r Repo) ListActiveWorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE status NOT IN ('done','failed') ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkItemsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountWorkItemsByPriority(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT priority, count(*) FROM work_items WHERE status NOT IN ('done','failed') GROUP BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var priority domain.Priority
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		res[priority.String()] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
