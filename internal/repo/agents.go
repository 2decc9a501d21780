package repo

import (
	"context"
	"database/sql"
	"strings"

	"agora/internal/domain"
)

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,owner,name,metadata_ref,staked_amount,reputation_score,tasks_completed,tasks_failed,total_earned,registered_at,is_active)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Owner, a.Name, nullable(a.MetadataRef), a.StakedAmount, a.ReputationScore,
		a.TasksCompleted, a.TasksFailed, a.TotalEarned, a.RegisteredAt, boolToInt(a.IsActive))
	if err != nil {
		return err
	}
	return r.AddCapabilitiesTx(ctx, tx, a.ID, a.Capabilities)
}

// AddCapabilitiesTx indexes an agent under each capability. Duplicates are
// ignored so capability sets only ever grow.
func (r Repo) AddCapabilitiesTx(ctx context.Context, tx *sql.Tx, agentID string, capabilities []string) error {
	for _, c := range capabilities {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO agent_capabilities(agent_id,capability) VALUES (?,?)`, agentID, c); err != nil {
			return err
		}
	}
	return nil
}

const agentColumns = `id,owner,name,COALESCE(metadata_ref,''),staked_amount,reputation_score,tasks_completed,tasks_failed,total_earned,registered_at,is_active`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var active int
	err := scan(&a.ID, &a.Owner, &a.Name, &a.MetadataRef, &a.StakedAmount, &a.ReputationScore,
		&a.TasksCompleted, &a.TasksFailed, &a.TotalEarned, &a.RegisteredAt, &active)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.IsActive = active != 0
	return a, err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id).Scan)
	if err != nil {
		return a, err
	}
	a.Capabilities, err = r.AgentCapabilities(ctx, id)
	return a, err
}

func (r Repo) AgentCapabilities(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT capability FROM agent_capabilities WHERE agent_id=? ORDER BY capability`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (r Repo) AgentHasCapability(ctx context.Context, agentID, capability string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM agent_capabilities WHERE agent_id=? AND capability=? LIMIT 1`, agentID, capability).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// UpdateAgentTx persists the mutable fields of an agent record.
func (r Repo) UpdateAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET name=?, metadata_ref=?, staked_amount=?, reputation_score=?, tasks_completed=?, tasks_failed=?, total_earned=?, is_active=? WHERE id=?`,
		a.Name, nullable(a.MetadataRef), a.StakedAmount, a.ReputationScore,
		a.TasksCompleted, a.TasksFailed, a.TotalEarned, boolToInt(a.IsActive), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAgents(ctx context.Context, owner, capability string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var clauses []string
	var args []any
	if owner != "" {
		clauses = append(clauses, `owner=?`)
		args = append(args, owner)
	}
	if capability != "" {
		clauses = append(clauses, `id IN (SELECT agent_id FROM agent_capabilities WHERE capability=?)`)
		args = append(args, capability)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY registered_at`
	return r.listAgents(ctx, query, args...)
}

func (r Repo) ListAgentsByOwner(ctx context.Context, owner string) ([]domain.Agent, error) {
	return r.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner=? ORDER BY registered_at`, owner)
}

func (r Repo) listAgents(ctx context.Context, query string, args ...any) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Capabilities, err = r.AgentCapabilities(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// AgentIDsByCapability returns the capability index entry for one skill.
func (r Repo) AgentIDsByCapability(ctx context.Context, capability string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id FROM agent_capabilities WHERE capability=? ORDER BY agent_id`, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BestAgentForCapabilities returns the active agent holding at least one of
// the given capabilities that maximizes reputation, breaking ties by higher
// stake then earliest registration.
func (r Repo) BestAgentForCapabilities(ctx context.Context, capabilities []string) (domain.Agent, error) {
	if len(capabilities) == 0 {
		return domain.Agent{}, ErrNotFound
	}
	query := `SELECT DISTINCT ` + prefixedAgentColumns("a") + ` FROM agents a
JOIN agent_capabilities ac ON ac.agent_id=a.id
WHERE a.is_active=1 AND ac.capability IN (?` // first placeholder
	args := []any{capabilities[0]}
	for _, c := range capabilities[1:] {
		query += `,?`
		args = append(args, c)
	}
	query += `) ORDER BY a.reputation_score DESC, a.staked_amount DESC, a.registered_at ASC LIMIT 1`
	a, err := scanAgent(r.DB.QueryRowContext(ctx, query, args...).Scan)
	if err != nil {
		return a, err
	}
	a.Capabilities, err = r.AgentCapabilities(ctx, a.ID)
	return a, err
}

func prefixedAgentColumns(alias string) string {
	return alias + `.id,` + alias + `.owner,` + alias + `.name,COALESCE(` + alias + `.metadata_ref,''),` +
		alias + `.staked_amount,` + alias + `.reputation_score,` + alias + `.tasks_completed,` +
		alias + `.tasks_failed,` + alias + `.total_earned,` + alias + `.registered_at,` + alias + `.is_active`
}
