package repo

import (
	"context"
	"database/sql"
	"strings"

	"crewline/internal/domain"
)

const agentColumns = `id,role,manager,capabilities,status,current_work_item_id,last_heartbeat_at,registered_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var manager int
	var capabilities string
	var current sql.NullString
	err := scan(&a.ID, &a.Role, &manager, &capabilities, &a.Status, &current, &a.LastHeartbeatAt, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Manager = manager != 0
	if current.Valid {
		a.CurrentWorkItemID = &current.String
	}
	a.Capabilities = decodeCapabilities(capabilities)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Role, boolToInt(a.Manager), encodeCapabilities(a.Capabilities), a.Status,
		nullableStringPtr(a.CurrentWorkItemID), a.LastHeartbeatAt, a.RegisteredAt)
	return err
}

func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET role=?, manager=?, capabilities=?, status=?, current_work_item_id=?, last_heartbeat_at=? WHERE id=?`,
		a.Role, boolToInt(a.Manager), encodeCapabilities(a.Capabilities), a.Status,
		nullableStringPtr(a.CurrentWorkItemID), a.LastHeartbeatAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Capabilities persist as a comma-joined list; the set is small and closed.
func encodeCapabilities(caps []domain.OperationType) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func decodeCapabilities(v string) []domain.OperationType {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	caps := make([]domain.OperationType, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			caps = append(caps, domain.OperationType(p))
		}
	}
	return caps
}
