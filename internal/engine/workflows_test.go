package engine_test

import (
	"errors"
	"testing"

	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/ledger"
	"agora/internal/repo"
)

func (env *testEnv) createWorkflow(t *testing.T, creator, name string, budget int64) domain.Workflow {
	t.Helper()
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.CreateWorkflowOptions{
		Creator:     creator,
		Name:        name,
		TotalBudget: budget,
		Deadline:    env.deadline(),
	})
	if err != nil {
		t.Fatalf("create workflow %s: %v", name, err)
	}
	return w
}

func (env *testEnv) addStep(t *testing.T, w domain.Workflow, name, capability string, reward int64, deps []string) domain.WorkflowStep {
	t.Helper()
	s, err := env.Engine.AddStep(env.Ctx, engine.AddStepOptions{
		WorkflowID:   w.ID,
		Caller:       w.Creator,
		Name:         name,
		Capability:   capability,
		Reward:       reward,
		Dependencies: deps,
	})
	if err != nil {
		t.Fatalf("add step %s: %v", name, err)
	}
	return s
}

func TestWorkflowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	supplyBefore := env.supply(t)

	w := env.createWorkflow(t, "carol", "release pipeline", 1000)
	if got := env.balance(t, ledger.WorkflowEscrow); got != 1000 {
		t.Fatalf("expected full budget in escrow, got %d", got)
	}
	fetch := env.addStep(t, w, "fetch", "go", 300, nil)
	build := env.addStep(t, w, "build", "go", 300, []string{fetch.ID})
	report := env.addStep(t, w, "report", "go", 200, []string{fetch.ID})

	w, err := env.Engine.StartWorkflow(env.Ctx, w.ID, "carol")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if w.Status != domain.WorkflowActive {
		t.Fatalf("expected active workflow, got %s", w.Status)
	}

	ready, err := env.Engine.ReadySteps(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != fetch.ID {
		t.Fatalf("expected only the root step ready, got %d", len(ready))
	}

	if _, err := env.Engine.AcceptStep(env.Ctx, w.ID, fetch.ID, agent.ID, "alice"); err != nil {
		t.Fatalf("accept fetch: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, w.ID, fetch.ID, "alice", "out://fetch"); err != nil {
		t.Fatalf("complete fetch: %v", err)
	}
	// full step reward, no fee
	if got := env.balance(t, "alice"); got != 350+300 {
		t.Fatalf("expected step payout 300, balance %d", got)
	}

	ready, err = env.Engine.ReadySteps(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected both dependents ready, got %d", len(ready))
	}

	for _, s := range []domain.WorkflowStep{build, report} {
		if _, err := env.Engine.AcceptStep(env.Ctx, w.ID, s.ID, agent.ID, "alice"); err != nil {
			t.Fatalf("accept %s: %v", s.Name, err)
		}
		if _, err := env.Engine.CompleteStep(env.Ctx, w.ID, s.ID, "alice", "out://"+s.Name); err != nil {
			t.Fatalf("complete %s: %v", s.Name, err)
		}
	}

	w, err = env.Engine.GetWorkflow(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed workflow, got %s", w.Status)
	}
	// unspent budget headroom refunded
	if got := env.balance(t, "carol"); got != 2000-1000+200 {
		t.Fatalf("expected refund of unspent 200, balance %d", got)
	}
	if got := env.balance(t, "alice"); got != 350+800 {
		t.Fatalf("expected all step rewards, balance %d", got)
	}
	if got := env.balance(t, ledger.WorkflowEscrow); got != 0 {
		t.Fatalf("expected empty workflow escrow, got %d", got)
	}
	if got := env.supply(t); got != supplyBefore {
		t.Fatalf("supply changed: %d -> %d", supplyBefore, got)
	}

	agent, _ = env.Engine.GetAgent(env.Ctx, agent.ID)
	if agent.TasksCompleted != 3 || agent.TotalEarned != 800 {
		t.Fatalf("unexpected counters: %+v", agent)
	}
	if agent.ReputationScore != 5300 {
		t.Fatalf("expected reputation 5300, got %d", agent.ReputationScore)
	}
}

func TestAddStepValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 2000)
	w := env.createWorkflow(t, "carol", "tight budget", 100)

	_, err := env.Engine.AddStep(env.Ctx, engine.AddStepOptions{
		WorkflowID: w.ID, Caller: "carol", Name: "big", Capability: "go", Reward: 150,
	})
	var bee engine.BudgetExceededError
	if !errors.As(err, &bee) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if bee.Remaining != 100 {
		t.Fatalf("expected remaining 100, got %d", bee.Remaining)
	}

	_, err = env.Engine.AddStep(env.Ctx, engine.AddStepOptions{
		WorkflowID: w.ID, Caller: "carol", Name: "orphan", Capability: "go", Reward: 50,
		Dependencies: []string{"no-such-step"},
	})
	var ude engine.UnknownDependencyError
	if !errors.As(err, &ude) {
		t.Fatalf("expected UnknownDependencyError, got %v", err)
	}

	_, err = env.Engine.AddStep(env.Ctx, engine.AddStepOptions{
		WorkflowID: w.ID, Caller: "carol", Name: "free", Capability: "go", Reward: 0,
	})
	var atl engine.AmountTooLowError
	if !errors.As(err, &atl) {
		t.Fatalf("expected AmountTooLowError, got %v", err)
	}

	_, err = env.Engine.AddStep(env.Ctx, engine.AddStepOptions{
		WorkflowID: w.ID, Caller: "mallory", Name: "sneaky", Capability: "go", Reward: 50,
	})
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError for non-creator, got %v", err)
	}
}

func TestStartWorkflowRequiresSteps(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 2000)
	w := env.createWorkflow(t, "carol", "empty", 100)
	_, err := env.Engine.StartWorkflow(env.Ctx, w.ID, "carol")
	var eie engine.EmptyInputError
	if !errors.As(err, &eie) {
		t.Fatalf("expected EmptyInputError for stepless start, got %v", err)
	}
	env.addStep(t, w, "only", "go", 50, nil)
	w, err = env.Engine.StartWorkflow(env.Ctx, w.ID, "carol")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// starting twice is invalid
	_, err = env.Engine.StartWorkflow(env.Ctx, w.ID, "carol")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on double start, got %v", err)
	}
}

func TestAcceptStepGatedByDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	w := env.createWorkflow(t, "carol", "pipeline", 600)
	first := env.addStep(t, w, "first", "go", 300, nil)
	second := env.addStep(t, w, "second", "go", 300, []string{first.ID})

	// workflow not started yet
	_, err := env.Engine.AcceptStep(env.Ctx, w.ID, first.ID, agent.ID, "alice")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError before start, got %v", err)
	}
	if _, err := env.Engine.StartWorkflow(env.Ctx, w.ID, "carol"); err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.AcceptStep(env.Ctx, w.ID, second.ID, agent.ID, "alice")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError while dependency pending, got %v", err)
	}

	if _, err := env.Engine.AcceptStep(env.Ctx, w.ID, first.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, w.ID, first.ID, "alice", "out://first"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptStep(env.Ctx, w.ID, second.ID, agent.ID, "alice"); err != nil {
		t.Fatalf("accept after dependency completed: %v", err)
	}
}

func TestFailStepSlashesAndSkipUnblocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 1000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 200)
	w := env.createWorkflow(t, "carol", "doomed", 600)
	first := env.addStep(t, w, "first", "go", 300, nil)
	second := env.addStep(t, w, "second", "go", 300, []string{first.ID})
	if _, err := env.Engine.StartWorkflow(env.Ctx, w.ID, "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptStep(env.Ctx, w.ID, first.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.FailStep(env.Ctx, w.ID, first.ID, "carol", "wrong output")
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError without arbiter role, got %v", err)
	}
	env.grant(t, "judge", repo.RoleArbiter)
	s, err := env.Engine.FailStep(env.Ctx, w.ID, first.ID, "judge", "wrong output")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if s.Status != domain.StepFailed {
		t.Fatalf("expected failed step, got %s", s.Status)
	}

	agent, _ = env.Engine.GetAgent(env.Ctx, agent.ID)
	if agent.TasksFailed != 1 {
		t.Fatalf("expected one failure, got %d", agent.TasksFailed)
	}
	if agent.ReputationScore != 5000-200-500 {
		t.Fatalf("expected reputation 4300, got %d", agent.ReputationScore)
	}
	if agent.StakedAmount != 180 {
		t.Fatalf("expected 10%% stake slash, got %d", agent.StakedAmount)
	}

	// dependent step can never become ready now
	ready, err := env.Engine.ReadySteps(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready steps, got %d", len(ready))
	}

	if _, err := env.Engine.SkipStep(env.Ctx, w.ID, second.ID, "carol"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	w, err = env.Engine.GetWorkflow(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.WorkflowCompleted {
		t.Fatalf("expected workflow completed after last open step retired, got %s", w.Status)
	}
	// nothing settled, everything flows back
	if got := env.balance(t, "carol"); got != 1000 {
		t.Fatalf("expected full budget back, got %d", got)
	}
}

func TestCancelWorkflowRefundsUnpaid(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "carol", 1000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	w := env.createWorkflow(t, "carol", "half done", 600)
	first := env.addStep(t, w, "first", "go", 300, nil)
	env.addStep(t, w, "second", "go", 300, []string{first.ID})
	if _, err := env.Engine.StartWorkflow(env.Ctx, w.ID, "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptStep(env.Ctx, w.ID, first.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, w.ID, first.ID, "alice", "out://first"); err != nil {
		t.Fatal(err)
	}

	w, err := env.Engine.CancelWorkflow(env.Ctx, w.ID, "carol")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if w.Status != domain.WorkflowCancelled {
		t.Fatalf("expected cancelled workflow, got %s", w.Status)
	}
	// budget minus the settled step
	if got := env.balance(t, "carol"); got != 1000-600+300 {
		t.Fatalf("expected refund 300, balance %d", got)
	}
	_, err = env.Engine.CancelWorkflow(env.Ctx, w.ID, "carol")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on double cancel, got %v", err)
	}
}

func TestCreateWorkflowEscrowRequiresFunds(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateWorkflow(env.Ctx, engine.CreateWorkflowOptions{
		Creator: "broke", Name: "dream", TotalBudget: 500, Deadline: env.deadline(),
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	workflows, err := env.Engine.ListWorkflows(env.Ctx, "broke")
	if err != nil {
		t.Fatal(err)
	}
	if len(workflows) != 0 {
		t.Fatalf("expected no workflow row after failed escrow, got %d", len(workflows))
	}
}
