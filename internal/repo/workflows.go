package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,creator,name,description,total_budget,spent,status,created_at,deadline)
VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Creator, w.Name, nullable(w.Description), w.TotalBudget, w.Spent, w.Status, w.CreatedAt, w.Deadline)
	return err
}

const workflowColumns = `id,creator,name,COALESCE(description,''),total_budget,spent,status,created_at,deadline`

func scanWorkflow(scan func(dest ...any) error) (domain.Workflow, error) {
	var w domain.Workflow
	err := scan(&w.ID, &w.Creator, &w.Name, &w.Description, &w.TotalBudget, &w.Spent, &w.Status, &w.CreatedAt, &w.Deadline)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	w, err := scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id).Scan)
	if err != nil {
		return w, err
	}
	w.StepIDs, err = r.WorkflowStepIDs(ctx, id)
	return w, err
}

func (r Repo) UpdateWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET spent=?, status=? WHERE id=?`, w.Spent, w.Status, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListWorkflows(ctx context.Context, creator string) ([]domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if creator != "" {
		query += ` WHERE creator=?`
		args = append(args, creator)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) WorkflowStepIDs(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM workflow_steps WHERE workflow_id=? ORDER BY position`, workflowID)
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

// --- steps ---

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(id,workflow_id,position,name,capability,assigned_agent,reward,step_type,status,input_ref,output_ref,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.WorkflowID, position, s.Name, s.Capability, s.AssignedAgent, s.Reward, s.StepType,
		s.Status, nullable(s.InputRef), s.OutputRef, s.StartedAt, s.CompletedAt)
	if err != nil {
		return err
	}
	for _, dep := range s.Dependencies {
		if _, err := tx.ExecContext(ctx, `INSERT INTO step_dependencies(step_id,depends_on_id) VALUES (?,?)`, s.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

const stepColumns = `id,workflow_id,name,capability,assigned_agent,reward,step_type,status,COALESCE(input_ref,''),output_ref,started_at,completed_at`

func scanStep(scan func(dest ...any) error) (domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	err := scan(&s.ID, &s.WorkflowID, &s.Name, &s.Capability, &s.AssignedAgent, &s.Reward,
		&s.StepType, &s.Status, &s.InputRef, &s.OutputRef, &s.StartedAt, &s.CompletedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetStep(ctx context.Context, workflowID, stepID string) (domain.WorkflowStep, error) {
	s, err := scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id=? AND workflow_id=?`, stepID, workflowID).Scan)
	if err != nil {
		return s, err
	}
	s.Dependencies, err = r.StepDependencies(ctx, stepID)
	return s, err
}

func (r Repo) StepDependencies(ctx context.Context, stepID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM step_dependencies WHERE step_id=? ORDER BY depends_on_id`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (r Repo) UpdateStepTx(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_steps SET assigned_agent=?, status=?, output_ref=?, started_at=?, completed_at=? WHERE id=?`,
		s.AssignedAgent, s.Status, s.OutputRef, s.StartedAt, s.CompletedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSteps(ctx context.Context, workflowID string) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id=? ORDER BY position`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Dependencies, err = r.StepDependencies(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CountStepsTx reports total and non-terminal step counts inside tx, so the
// workflow-completion check sees the current mutation.
func (r Repo) CountStepsTx(ctx context.Context, tx *sql.Tx, workflowID string) (total, open int, err error) {
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN ('pending','running') THEN 1 ELSE 0 END),0)
FROM workflow_steps WHERE workflow_id=?`, workflowID).Scan(&total, &open)
	return total, open, err
}

// SumPaidStepsTx sums rewards of completed (settled) steps inside tx.
func (r Repo) SumPaidStepsTx(ctx context.Context, tx *sql.Tx, workflowID string) (int64, error) {
	var paid sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT SUM(reward) FROM workflow_steps WHERE workflow_id=? AND status='completed'`, workflowID).Scan(&paid)
	return paid.Int64, err
}
