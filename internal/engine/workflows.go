package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agora/internal/domain"
	"agora/internal/events"
	"agora/internal/ledger"
	"agora/internal/repo"
)

// CreateWorkflowOptions are parameters for opening a budgeted workflow.
type CreateWorkflowOptions struct {
	Creator     string
	Name        string
	Description string
	TotalBudget int64
	Deadline    time.Time
}

// CreateWorkflow escrows the whole budget up front. Steps added later spend
// against it; nothing beyond the budget can ever be committed.
func (e Engine) CreateWorkflow(ctx context.Context, opts CreateWorkflowOptions) (domain.Workflow, error) {
	if opts.Creator == "" {
		return domain.Workflow{}, EmptyInputError{Field: "creator"}
	}
	if opts.Name == "" {
		return domain.Workflow{}, EmptyInputError{Field: "name"}
	}
	if opts.TotalBudget <= 0 {
		return domain.Workflow{}, AmountTooLowError{What: "total budget", Amount: opts.TotalBudget, Min: 1}
	}
	if err := e.validateDeadline(opts.Deadline); err != nil {
		return domain.Workflow{}, err
	}
	now := e.nowRFC3339()
	w := domain.Workflow{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Creator+"|"+opts.Name+"|"+now)).String(),
		Creator:     opts.Creator,
		Name:        opts.Name,
		Description: opts.Description,
		TotalBudget: opts.TotalBudget,
		Spent:       0,
		Status:      domain.WorkflowDraft,
		CreatedAt:   now,
		Deadline:    opts.Deadline.UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, opts.Creator, ledger.WorkflowEscrow, opts.TotalBudget); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Repo.InsertWorkflowTx(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.created", "workflow", w.ID, opts.Creator, events.EventPayload{
		"name":   w.Name,
		"budget": w.TotalBudget,
		"status": w.Status,
	}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// AddStepOptions are parameters for appending a step to a workflow.
type AddStepOptions struct {
	WorkflowID   string
	Caller       string
	Name         string
	Capability   string
	Reward       int64
	StepType     string
	Dependencies []string
	InputRef     string
}

// AddStep appends a pending step and commits its reward against the budget.
// Dependencies must name steps already in the workflow, so the graph is
// acyclic by construction.
func (e Engine) AddStep(ctx context.Context, opts AddStepOptions) (domain.WorkflowStep, error) {
	if opts.Name == "" {
		return domain.WorkflowStep{}, EmptyInputError{Field: "name"}
	}
	if opts.Capability == "" {
		return domain.WorkflowStep{}, EmptyInputError{Field: "capability"}
	}
	if opts.Reward <= 0 {
		return domain.WorkflowStep{}, AmountTooLowError{What: "step reward", Amount: opts.Reward, Min: 1}
	}
	stepType := opts.StepType
	if stepType == "" {
		stepType = domain.StepSequential
	}
	if stepType != domain.StepSequential && stepType != domain.StepParallel {
		return domain.WorkflowStep{}, EmptyInputError{Field: "step_type (sequential or parallel)"}
	}
	w, err := e.creatorWorkflow(ctx, opts.WorkflowID, opts.Caller, "add step to workflow "+opts.WorkflowID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	if w.Status != domain.WorkflowDraft && w.Status != domain.WorkflowActive {
		return domain.WorkflowStep{}, InvalidStateError{Entity: "workflow", ID: w.ID, Status: w.Status, Op: "add step"}
	}
	if w.Spent+opts.Reward > w.TotalBudget {
		return domain.WorkflowStep{}, BudgetExceededError{WorkflowID: w.ID, Requested: opts.Reward, Remaining: w.TotalBudget - w.Spent}
	}
	existing := make(map[string]bool, len(w.StepIDs))
	for _, id := range w.StepIDs {
		existing[id] = true
	}
	for _, dep := range opts.Dependencies {
		if !existing[dep] {
			return domain.WorkflowStep{}, UnknownDependencyError{WorkflowID: w.ID, DependencyID: dep}
		}
	}
	position := len(w.StepIDs)
	s := domain.WorkflowStep{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(w.ID+"|step|"+fmt.Sprint(position))).String(),
		WorkflowID:   w.ID,
		Name:         opts.Name,
		Capability:   opts.Capability,
		Reward:       opts.Reward,
		StepType:     stepType,
		Dependencies: opts.Dependencies,
		Status:       domain.StepPending,
		InputRef:     opts.InputRef,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStepTx(ctx, tx, s, position); err != nil {
		return s, err
	}
	w.Spent += opts.Reward
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.step_added", "workflow", w.ID, opts.Caller, events.EventPayload{
		"step":   s.ID,
		"reward": s.Reward,
		"spent":  w.Spent,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// StartWorkflow moves a drafted workflow with at least one step to active.
func (e Engine) StartWorkflow(ctx context.Context, workflowID, caller string) (domain.Workflow, error) {
	w, err := e.creatorWorkflow(ctx, workflowID, caller, "start workflow "+workflowID)
	if err != nil {
		return w, err
	}
	if w.Status != domain.WorkflowDraft {
		return w, InvalidStateError{Entity: "workflow", ID: w.ID, Status: w.Status, Op: "start"}
	}
	if len(w.StepIDs) == 0 {
		return w, EmptyInputError{Field: "steps"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	w.Status = domain.WorkflowActive
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.started", "workflow", w.ID, caller, events.EventPayload{
		"steps":  len(w.StepIDs),
		"status": w.Status,
	}); err != nil {
		return w, err
	}
	return w, tx.Commit()
}

// ReadySteps returns the steps agents can claim right now: pending, with
// every dependency completed. There is no ordering beyond the dependency
// graph.
func (e Engine) ReadySteps(ctx context.Context, workflowID string) ([]domain.WorkflowStep, error) {
	steps, err := e.Repo.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
			return nil, err
		}
	}
	byID := make(map[string]domain.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	var ready []domain.WorkflowStep
	for _, s := range steps {
		if stepReady(s, byID) {
			ready = append(ready, s)
		}
	}
	return ready, nil
}

func stepReady(s domain.WorkflowStep, byID map[string]domain.WorkflowStep) bool {
	if s.Status != domain.StepPending {
		return false
	}
	for _, dep := range s.Dependencies {
		if byID[dep].Status != domain.StepCompleted {
			return false
		}
	}
	return true
}

// AcceptStep assigns a ready step to a qualifying agent.
func (e Engine) AcceptStep(ctx context.Context, workflowID, stepID, agentID, caller string) (domain.WorkflowStep, error) {
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	if w.Status != domain.WorkflowActive {
		return domain.WorkflowStep{}, InvalidStateError{Entity: "workflow", ID: w.ID, Status: w.Status, Op: "accept step"}
	}
	s, err := e.Repo.GetStep(ctx, workflowID, stepID)
	if err != nil {
		return s, err
	}
	a, err := e.ownedAgent(ctx, agentID, caller, "accept step with agent "+agentID)
	if err != nil {
		return s, err
	}
	if !a.IsActive {
		return s, AgentInactiveError{AgentID: a.ID}
	}
	if !hasAnyCapability(a.Capabilities, []string{s.Capability}) {
		return s, CapabilityMismatchError{AgentID: a.ID, Required: []string{s.Capability}}
	}
	if s.Status != domain.StepPending {
		return s, InvalidStateError{Entity: "step", ID: s.ID, Status: s.Status, Op: "accept"}
	}
	for _, dep := range s.Dependencies {
		d, err := e.Repo.GetStep(ctx, workflowID, dep)
		if err != nil {
			return s, err
		}
		if d.Status != domain.StepCompleted {
			return s, InvalidStateError{Entity: "step", ID: s.ID, Status: s.Status, Op: "accept", Reason: "dependency " + dep + " not completed"}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	s.AssignedAgent = &a.ID
	s.Status = domain.StepRunning
	s.StartedAt = &now
	if err := e.Repo.UpdateStepTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.step_accepted", "workflow", w.ID, caller, events.EventPayload{
		"step":   s.ID,
		"agent":  a.ID,
		"status": s.Status,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// CompleteStep settles a running step immediately: full reward to the agent
// owner, no fee, no approval round. The creator pre-approved the pay when the
// step was added. Completing the last open step completes the workflow and
// refunds the remaining escrow.
func (e Engine) CompleteStep(ctx context.Context, workflowID, stepID, caller, outputRef string) (domain.WorkflowStep, error) {
	if outputRef == "" {
		return domain.WorkflowStep{}, EmptyInputError{Field: "output_ref"}
	}
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	if w.Status != domain.WorkflowActive {
		return domain.WorkflowStep{}, InvalidStateError{Entity: "workflow", ID: w.ID, Status: w.Status, Op: "complete step"}
	}
	s, err := e.Repo.GetStep(ctx, workflowID, stepID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.StepRunning {
		return s, InvalidStateError{Entity: "step", ID: s.ID, Status: s.Status, Op: "complete"}
	}
	a, err := e.ownedAgent(ctx, *s.AssignedAgent, caller, "complete step "+s.ID)
	if err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, ledger.WorkflowEscrow, a.Owner, s.Reward); err != nil {
		return s, err
	}
	if _, err := e.recordTaskTx(ctx, tx, a, true, s.Reward); err != nil {
		return s, err
	}
	now := e.nowRFC3339()
	s.OutputRef = &outputRef
	s.CompletedAt = &now
	s.Status = domain.StepCompleted
	if err := e.Repo.UpdateStepTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.step_completed", "workflow", w.ID, caller, events.EventPayload{
		"step":   s.ID,
		"payout": s.Reward,
		"status": s.Status,
	}); err != nil {
		return s, err
	}
	if err := e.maybeCompleteWorkflowTx(ctx, tx, w, caller); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// FailStep resolves a running step against the agent, through the same
// arbitration pathway tasks use: counters and reputation record the failure
// and the agent is slashed. The step's reward stays in escrow and flows back
// to the creator at workflow completion or cancellation.
func (e Engine) FailStep(ctx context.Context, workflowID, stepID, caller, reason string) (domain.WorkflowStep, error) {
	if err := e.requireRole(ctx, caller, repo.RoleArbiter, "fail step "+stepID); err != nil {
		return domain.WorkflowStep{}, err
	}
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	s, err := e.Repo.GetStep(ctx, workflowID, stepID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.StepRunning {
		return s, InvalidStateError{Entity: "step", ID: s.ID, Status: s.Status, Op: "fail"}
	}
	a, err := e.Repo.GetAgent(ctx, *s.AssignedAgent)
	if err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	a, err = e.recordTaskTx(ctx, tx, a, false, 0)
	if err != nil {
		return s, err
	}
	if _, err := e.slashTx(ctx, tx, a, caller, reason); err != nil {
		return s, err
	}
	now := e.nowRFC3339()
	s.CompletedAt = &now
	s.Status = domain.StepFailed
	if err := e.Repo.UpdateStepTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.step_failed", "workflow", w.ID, caller, events.EventPayload{
		"step":   s.ID,
		"reason": reason,
		"status": s.Status,
	}); err != nil {
		return s, err
	}
	if err := e.maybeCompleteWorkflowTx(ctx, tx, w, caller); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// SkipStep retires a pending step the creator no longer wants done, for
// example one whose dependency failed and can never become ready.
func (e Engine) SkipStep(ctx context.Context, workflowID, stepID, caller string) (domain.WorkflowStep, error) {
	w, err := e.creatorWorkflow(ctx, workflowID, caller, "skip step "+stepID)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	s, err := e.Repo.GetStep(ctx, workflowID, stepID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.StepPending {
		return s, InvalidStateError{Entity: "step", ID: s.ID, Status: s.Status, Op: "skip"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	s.Status = domain.StepSkipped
	if err := e.Repo.UpdateStepTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.step_skipped", "workflow", w.ID, caller, events.EventPayload{
		"step":   s.ID,
		"status": s.Status,
	}); err != nil {
		return s, err
	}
	if err := e.maybeCompleteWorkflowTx(ctx, tx, w, caller); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// CancelWorkflow refunds everything still in escrow for this workflow to the
// creator: unspent budget headroom plus the rewards of steps that never
// settled. Remaining pending and running steps stop being claimable.
func (e Engine) CancelWorkflow(ctx context.Context, workflowID, caller string) (domain.Workflow, error) {
	w, err := e.creatorWorkflow(ctx, workflowID, caller, "cancel workflow "+workflowID)
	if err != nil {
		return w, err
	}
	if w.Status != domain.WorkflowDraft && w.Status != domain.WorkflowActive {
		return w, InvalidStateError{Entity: "workflow", ID: w.ID, Status: w.Status, Op: "cancel"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	paid, err := e.Repo.SumPaidStepsTx(ctx, tx, w.ID)
	if err != nil {
		return w, err
	}
	refund := w.TotalBudget - paid
	if refund > 0 {
		if err := e.Ledger.Transfer(ctx, tx, ledger.WorkflowEscrow, w.Creator, refund); err != nil {
			return w, err
		}
	}
	w.Status = domain.WorkflowCancelled
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.cancelled", "workflow", w.ID, caller, events.EventPayload{
		"refund": refund,
		"status": w.Status,
	}); err != nil {
		return w, err
	}
	return w, tx.Commit()
}

// maybeCompleteWorkflowTx closes the workflow once no step is pending or
// running, returning the unpaid remainder of the escrowed budget to the
// creator. Runs inside the caller's transaction so the step mutation that
// triggered the check is visible.
func (e Engine) maybeCompleteWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow, caller string) error {
	if w.Status != domain.WorkflowActive {
		return nil
	}
	_, open, err := e.Repo.CountStepsTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	paid, err := e.Repo.SumPaidStepsTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	refund := w.TotalBudget - paid
	if refund > 0 {
		if err := e.Ledger.Transfer(ctx, tx, ledger.WorkflowEscrow, w.Creator, refund); err != nil {
			return err
		}
	}
	w.Status = domain.WorkflowCompleted
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "workflow.completed", "workflow", w.ID, caller, events.EventPayload{
		"paid":   paid,
		"refund": refund,
		"status": w.Status,
	})
}

// creatorWorkflow loads a workflow and rejects callers other than its
// creator.
func (e Engine) creatorWorkflow(ctx context.Context, workflowID, caller, action string) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return w, err
	}
	if w.Creator != caller {
		return w, NotAuthorizedError{Principal: caller, Action: action}
	}
	return w, nil
}

// --- reads ---

func (e Engine) GetWorkflow(ctx context.Context, workflowID string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, workflowID)
}

func (e Engine) GetStep(ctx context.Context, workflowID, stepID string) (domain.WorkflowStep, error) {
	return e.Repo.GetStep(ctx, workflowID, stepID)
}

func (e Engine) ListWorkflows(ctx context.Context, creator string) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, creator)
}

func (e Engine) ListSteps(ctx context.Context, workflowID string) ([]domain.WorkflowStep, error) {
	return e.Repo.ListSteps(ctx, workflowID)
}
