package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agora/internal/domain"
	"agora/internal/events"
	"agora/internal/ledger"
	"agora/internal/repo"
)

// CreateTaskOptions are parameters for posting a task.
type CreateTaskOptions struct {
	Requester                 string
	Title                     string
	DescriptionRef            string
	RequiredCapabilities      []string
	Reward                    int64
	Deadline                  time.Time
	RequiresHumanVerification bool
}

// CreateTask escrows the reward and opens the task for acceptance.
func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.Task, error) {
	if opts.Requester == "" {
		return domain.Task{}, EmptyInputError{Field: "requester"}
	}
	if opts.Title == "" {
		return domain.Task{}, EmptyInputError{Field: "title"}
	}
	if len(opts.RequiredCapabilities) == 0 {
		return domain.Task{}, EmptyInputError{Field: "required_capabilities"}
	}
	if opts.Reward < e.Config.Tasks.MinReward {
		return domain.Task{}, AmountTooLowError{What: "reward", Amount: opts.Reward, Min: e.Config.Tasks.MinReward}
	}
	if err := e.validateDeadline(opts.Deadline); err != nil {
		return domain.Task{}, err
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:                        uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Requester+"|"+opts.Title+"|"+now)).String(),
		Requester:                 opts.Requester,
		Title:                     opts.Title,
		DescriptionRef:            opts.DescriptionRef,
		RequiredCapabilities:      opts.RequiredCapabilities,
		Reward:                    opts.Reward,
		Status:                    domain.TaskOpen,
		RequiresHumanVerification: opts.RequiresHumanVerification,
		CreatedAt:                 now,
		Deadline:                  opts.Deadline.UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, opts.Requester, ledger.TaskEscrow, opts.Reward); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, opts.Requester, events.EventPayload{
		"title":  t.Title,
		"reward": t.Reward,
		"status": t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AcceptTask assigns an open task to a qualifying agent. Any qualifying
// agent may self-select; matching helpers are advisory only.
func (e Engine) AcceptTask(ctx context.Context, taskID, agentID, caller string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	a, err := e.ownedAgent(ctx, agentID, caller, "accept task with agent "+agentID)
	if err != nil {
		return t, err
	}
	if !a.IsActive {
		return t, AgentInactiveError{AgentID: a.ID}
	}
	if !hasAnyCapability(a.Capabilities, t.RequiredCapabilities) {
		return t, CapabilityMismatchError{AgentID: a.ID, Required: t.RequiredCapabilities}
	}
	if t.Status != domain.TaskOpen {
		return t, InvalidStateError{Entity: "task", ID: t.ID, Status: t.Status, Op: "accept"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t.AssignedAgent = &a.ID
	t.Status = domain.TaskAssigned
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.accepted", "task", t.ID, caller, events.EventPayload{
		"agent":  a.ID,
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// SubmitResult records the work result and starts the approval window.
func (e Engine) SubmitResult(ctx context.Context, taskID, caller, resultRef string) (domain.Task, error) {
	if resultRef == "" {
		return domain.Task{}, EmptyInputError{Field: "result_ref"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskAssigned {
		return t, InvalidStateError{Entity: "task", ID: t.ID, Status: t.Status, Op: "submit"}
	}
	if _, err := e.ownedAgent(ctx, *t.AssignedAgent, caller, "submit result for task "+t.ID); err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	t.ResultRef = &resultRef
	t.SubmittedAt = &now
	t.Status = domain.TaskSubmitted
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.submitted", "task", t.ID, caller, events.EventPayload{
		"result_ref": resultRef,
		"status":     t.Status,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// ApproveResult settles a submitted task in the agent's favor: payout minus
// platform fee to the agent owner, fee to the fee sink.
func (e Engine) ApproveResult(ctx context.Context, taskID, caller string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Requester != caller {
		return t, NotAuthorizedError{Principal: caller, Action: "approve result for task " + t.ID}
	}
	if t.Status != domain.TaskSubmitted {
		return t, InvalidStateError{Entity: "task", ID: t.ID, Status: t.Status, Op: "approve"}
	}
	return e.settleTaskSuccess(ctx, t, caller, "task.approved")
}

// AutoRelease settles a submitted task after the approval window lapses.
// Permissionless: anyone may trigger it once the clock condition holds, so
// an unresponsive requester cannot freeze an earned payout.
func (e Engine) AutoRelease(ctx context.Context, taskID, caller string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskSubmitted {
		return t, InvalidStateError{Entity: "task", ID: t.ID, Status: t.Status, Op: "auto-release"}
	}
	timeout, err := e.Config.AutoReleaseTimeout()
	if err != nil {
		return t, err
	}
	submitted, err := time.Parse(time.RFC3339, *t.SubmittedAt)
	if err != nil {
		return t, err
	}
	releaseAt := submitted.Add(timeout)
	if e.now().Before(releaseAt) {
		return t, TimeoutNotReachedError{ReleaseAt: releaseAt.UTC().Format(time.RFC3339)}
	}
	return e.settleTaskSuccess(ctx, t, caller, "task.auto_released")
}

func (e Engine) settleTaskSuccess(ctx context.Context, t domain.Task, caller, evtType string) (domain.Task, error) {
	a, err := e.Repo.GetAgent(ctx, *t.AssignedAgent)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	fee := e.feeFor(t.Reward)
	payout := t.Reward - fee
	if err := e.Ledger.Transfer(ctx, tx, ledger.TaskEscrow, a.Owner, payout); err != nil {
		return t, err
	}
	if err := e.Ledger.Transfer(ctx, tx, ledger.TaskEscrow, ledger.FeeSink, fee); err != nil {
		return t, err
	}
	if _, err := e.recordTaskTx(ctx, tx, a, true, payout); err != nil {
		return t, err
	}
	t.Status = domain.TaskCompleted
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", t.ID, caller, events.EventPayload{
		"agent":  a.ID,
		"payout": payout,
		"fee":    fee,
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// RejectResult moves a submitted task into dispute. No balances move until
// an arbiter rules.
func (e Engine) RejectResult(ctx context.Context, taskID, caller, reason string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Requester != caller {
		return t, NotAuthorizedError{Principal: caller, Action: "reject result for task " + t.ID}
	}
	if t.Status != domain.TaskSubmitted {
		return t, InvalidStateError{Entity: "task", ID: t.ID, Status: t.Status, Op: "reject"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t.Status = domain.TaskDisputed
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.rejected", "task", t.ID, caller, events.EventPayload{
		"reason": reason,
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// ResolveDispute settles a disputed task. In the agent's favor the
// settlement matches approval; in the requester's favor the full reward is
// refunded and the agent is slashed.
func (e Engine) ResolveDispute(ctx context.Context, taskID, caller string, favorAgent bool, reason string) (domain.Task, error) {
	if err := e.requireRole(ctx, caller, repo.RoleArbiter, "resolve dispute for task "+taskID); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskDisputed {
		return t, InvalidStateError{Entity: "task", ID: t.ID, Status: t.Status, Op: "resolve"}
	}
	if favorAgent {
		return e.settleTaskSuccess(ctx, t, caller, "task.dispute_resolved")
	}
	a, err := e.Repo.GetAgent(ctx, *t.AssignedAgent)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, ledger.TaskEscrow, t.Requester, t.Reward); err != nil {
		return t, err
	}
	a, err = e.recordTaskTx(ctx, tx, a, false, 0)
	if err != nil {
		return t, err
	}
	if _, err := e.slashTx(ctx, tx, a, caller, reason); err != nil {
		return t, err
	}
	t.Status = domain.TaskFailed
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.dispute_resolved", "task", t.ID, caller, events.EventPayload{
		"favor_agent": false,
		"refund":      t.Reward,
		"status":      t.Status,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// CancelTask refunds an open task in full.
func (e Engine) CancelTask(ctx context.Context, taskID, caller string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Requester != caller {
		return t, NotAuthorizedError{Principal: caller, Action: "cancel task " + t.ID}
	}
	if t.Status != domain.TaskOpen {
		return t, InvalidStateError{Entity: "task", ID: t.ID, Status: t.Status, Op: "cancel"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, ledger.TaskEscrow, t.Requester, t.Reward); err != nil {
		return t, err
	}
	t.Status = domain.TaskCancelled
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", "task", t.ID, caller, events.EventPayload{
		"refund": t.Reward,
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// BestAgentForTask suggests the highest-reputation active agent holding one
// of the task's required capabilities. Advisory: acceptance does not enforce
// the suggestion.
func (e Engine) BestAgentForTask(ctx context.Context, taskID string) (domain.Agent, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.BestAgentForCapabilities(ctx, t.RequiredCapabilities)
}

func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) ListTasks(ctx context.Context, status, requester string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, status, requester)
}

func hasAnyCapability(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
