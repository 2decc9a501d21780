package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,requester,assigned_agent,title,description_ref,reward,status,result_ref,requires_human_verification,created_at,deadline,submitted_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Requester, t.AssignedAgent, t.Title, nullable(t.DescriptionRef), t.Reward, t.Status,
		t.ResultRef, boolToInt(t.RequiresHumanVerification), t.CreatedAt, t.Deadline, t.SubmittedAt)
	if err != nil {
		return err
	}
	for _, c := range t.RequiredCapabilities {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_capabilities(task_id,capability) VALUES (?,?)`, t.ID, c); err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `id,requester,assigned_agent,title,COALESCE(description_ref,''),reward,status,result_ref,requires_human_verification,created_at,deadline,submitted_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var hv int
	err := scan(&t.ID, &t.Requester, &t.AssignedAgent, &t.Title, &t.DescriptionRef, &t.Reward,
		&t.Status, &t.ResultRef, &hv, &t.CreatedAt, &t.Deadline, &t.SubmittedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.RequiresHumanVerification = hv != 0
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
	if err != nil {
		return t, err
	}
	t.RequiredCapabilities, err = r.TaskCapabilities(ctx, id)
	return t, err
}

func (r Repo) TaskCapabilities(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT capability FROM task_capabilities WHERE task_id=? ORDER BY capability`, taskID)
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

// UpdateTaskTx persists the mutable fields of a task record.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_agent=?, status=?, result_ref=?, submitted_at=? WHERE id=?`,
		t.AssignedAgent, t.Status, t.ResultRef, t.SubmittedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, status, requester string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		conds []string
		args  []any
	)
	if status != "" {
		conds = append(conds, `status=?`)
		args = append(args, status)
	}
	if requester != "" {
		conds = append(conds, `requester=?`)
		args = append(args, requester)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].RequiredCapabilities, err = r.TaskCapabilities(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
