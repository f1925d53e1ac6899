package repo

import (
	"context"
	"database/sql"
	"strings"

	"crewline/internal/domain"
)

const escalationColumns = `id,work_item_id,reason,severity,created_at,resolved`

func scanEscalation(scan func(dest ...any) error) (domain.Escalation, error) {
	var e domain.Escalation
	var resolved int
	err := scan(&e.ID, &e.WorkItemID, &e.Reason, &e.Severity, &e.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Resolved = resolved != 0
	return e, nil
}

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(`+escalationColumns+`) VALUES (?,?,?,?,?,?)`,
		e.ID, e.WorkItemID, e.Reason, e.Severity, e.CreatedAt, boolToInt(e.Resolved))
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id)
	return scanEscalation(row.Scan)
}

// UnresolvedEscalation returns the open escalation for a work item, if any.
// At most one unresolved escalation exists per item.
func (r Repo) UnresolvedEscalation(ctx context.Context, workItemID string) (domain.Escalation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE work_item_id=? AND resolved=0 LIMIT 1`, workItemID)
	return scanEscalation(row.Scan)
}

// LatestEscalation returns the newest escalation for a work item,
// resolved or not.
func (r Repo) LatestEscalation(ctx context.Context, workItemID string) (domain.Escalation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE work_item_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, workItemID)
	return scanEscalation(row.Scan)
}

func (r Repo) ResolveEscalation(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET resolved=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EscalationFilters struct {
	WorkItemID string
	Resolved   *bool
	Limit      int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.Escalation, error) {
	var clauses []string
	var args []any
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.Resolved != nil {
		clauses = append(clauses, "resolved=?")
		args = append(args, boolToInt(*f.Resolved))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
