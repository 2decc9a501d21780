package engine_test

import (
	"errors"
	"testing"
	"time"

	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/ledger"
	"agora/internal/repo"
)

func (env *testEnv) createTask(t *testing.T, requester, title string, caps []string, reward int64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		Requester:            requester,
		Title:                title,
		RequiredCapabilities: caps,
		Reward:               reward,
		Deadline:             env.deadline(),
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func TestTaskLifecycleWithApproval(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	supplyBefore := env.supply(t)

	task := env.createTask(t, "buyer", "port the parser", []string{"go"}, 1000)
	if task.Status != domain.TaskOpen {
		t.Fatalf("expected open task, got %s", task.Status)
	}
	if got := env.balance(t, ledger.TaskEscrow); got != 1000 {
		t.Fatalf("expected reward in escrow, got %d", got)
	}

	task, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if task.Status != domain.TaskAssigned || task.AssignedAgent == nil || *task.AssignedAgent != agent.ID {
		t.Fatalf("unexpected assignment: %+v", task)
	}

	task, err = env.Engine.SubmitResult(env.Ctx, task.ID, "alice", "ipfs://result")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != domain.TaskSubmitted || task.ResultRef == nil {
		t.Fatalf("unexpected submission: %+v", task)
	}

	task, err = env.Engine.ApproveResult(env.Ctx, task.ID, "buyer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s", task.Status)
	}

	// 2.5% platform fee on 1000
	if got := env.balance(t, "alice"); got != 350+975 {
		t.Fatalf("expected owner paid 975, balance %d", got)
	}
	if got := env.balance(t, ledger.FeeSink); got != 25 {
		t.Fatalf("expected fee sink 25, got %d", got)
	}
	if got := env.balance(t, ledger.TaskEscrow); got != 0 {
		t.Fatalf("expected empty task escrow, got %d", got)
	}
	if got := env.supply(t); got != supplyBefore {
		t.Fatalf("supply changed: %d -> %d", supplyBefore, got)
	}

	agent, err = env.Engine.GetAgent(env.Ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.TasksCompleted != 1 || agent.TotalEarned != 975 {
		t.Fatalf("unexpected counters: %+v", agent)
	}
	if agent.ReputationScore != 5100 {
		t.Fatalf("expected reputation 5100, got %d", agent.ReputationScore)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)

	_, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		Requester: "buyer", Title: "x", RequiredCapabilities: []string{"go"},
		Reward: 5, Deadline: env.deadline(),
	})
	var atl engine.AmountTooLowError
	if !errors.As(err, &atl) {
		t.Fatalf("expected AmountTooLowError for reward below minimum, got %v", err)
	}

	_, err = env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		Requester: "buyer", Title: "x",
		Reward: 100, Deadline: env.deadline(),
	})
	var eie engine.EmptyInputError
	if !errors.As(err, &eie) {
		t.Fatalf("expected EmptyInputError for missing capabilities, got %v", err)
	}

	_, err = env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		Requester: "buyer", Title: "x", RequiredCapabilities: []string{"go"},
		Reward: 100, Deadline: env.Clock.Add(-time.Hour),
	})
	var die engine.DeadlineInvalidError
	if !errors.As(err, &die) {
		t.Fatalf("expected DeadlineInvalidError for past deadline, got %v", err)
	}
}

func TestAcceptTaskRequiresCapabilityAndActiveAgent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"python"}, 150)
	task := env.createTask(t, "buyer", "port the parser", []string{"go"}, 100)

	_, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice")
	var cme engine.CapabilityMismatchError
	if !errors.As(err, &cme) {
		t.Fatalf("expected CapabilityMismatchError, got %v", err)
	}

	if _, err := env.Engine.UpdateAgent(env.Ctx, agent.ID, "alice", "", "", []string{"go"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeactivateAgent(env.Ctx, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice")
	var aie engine.AgentInactiveError
	if !errors.As(err, &aie) {
		t.Fatalf("expected AgentInactiveError, got %v", err)
	}

	if _, err := env.Engine.ReactivateAgent(env.Ctx, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice"); err != nil {
		t.Fatalf("accept after fixes: %v", err)
	}
}

func TestSubmitRequiresAssignedAgentOwner(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	task := env.createTask(t, "buyer", "port the parser", []string{"go"}, 100)

	// nothing submitted yet
	_, err := env.Engine.SubmitResult(env.Ctx, task.ID, "alice", "ref")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError before assignment, got %v", err)
	}

	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SubmitResult(env.Ctx, task.ID, "buyer", "ref")
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError for non-owner, got %v", err)
	}
	_, err = env.Engine.SubmitResult(env.Ctx, task.ID, "alice", "")
	var eie engine.EmptyInputError
	if !errors.As(err, &eie) {
		t.Fatalf("expected EmptyInputError for blank result ref, got %v", err)
	}
}

func TestAutoReleaseWindow(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	task := env.createTask(t, "buyer", "port the parser", []string{"go"}, 1000)
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, task.ID, "alice", "ref"); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.AutoRelease(env.Ctx, task.ID, "alice")
	var tne engine.TimeoutNotReachedError
	if !errors.As(err, &tne) {
		t.Fatalf("expected TimeoutNotReachedError inside window, got %v", err)
	}

	env.Clock = env.Clock.Add(169 * time.Hour)
	task, err = env.Engine.AutoRelease(env.Ctx, task.ID, "alice")
	if err != nil {
		t.Fatalf("auto-release after window: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s", task.Status)
	}
	if got := env.balance(t, "alice"); got != 350+975 {
		t.Fatalf("expected settlement payout, balance %d", got)
	}
}

func TestDisputeResolvedForRequester(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 200)
	task := env.createTask(t, "buyer", "port the parser", []string{"go"}, 1000)
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, task.ID, "alice", "ref"); err != nil {
		t.Fatal(err)
	}

	task, err := env.Engine.RejectResult(env.Ctx, task.ID, "buyer", "does not compile")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != domain.TaskDisputed {
		t.Fatalf("expected disputed task, got %s", task.Status)
	}
	// rejection alone moves no money
	if got := env.balance(t, ledger.TaskEscrow); got != 1000 {
		t.Fatalf("expected reward still in escrow, got %d", got)
	}

	_, err = env.Engine.ResolveDispute(env.Ctx, task.ID, "buyer", false, "self-serving")
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError without arbiter role, got %v", err)
	}

	env.grant(t, "judge", repo.RoleArbiter)
	task, err = env.Engine.ResolveDispute(env.Ctx, task.ID, "judge", false, "does not compile")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed task, got %s", task.Status)
	}
	if got := env.balance(t, "buyer"); got != 2000 {
		t.Fatalf("expected full refund to requester, got %d", got)
	}

	agent, err = env.Engine.GetAgent(env.Ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.TasksFailed != 1 {
		t.Fatalf("expected one failed task, got %d", agent.TasksFailed)
	}
	// failure delta plus slash delta
	if agent.ReputationScore != 5000-200-500 {
		t.Fatalf("expected reputation 4300, got %d", agent.ReputationScore)
	}
	if agent.StakedAmount != 180 {
		t.Fatalf("expected 10%% stake slash, got %d", agent.StakedAmount)
	}
	if got := env.balance(t, ledger.PenaltySink); got != 20 {
		t.Fatalf("expected penalty sink 20, got %d", got)
	}
}

func TestDisputeResolvedForAgent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 200)
	task := env.createTask(t, "buyer", "port the parser", []string{"go"}, 1000)
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, task.ID, "alice", "ref"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RejectResult(env.Ctx, task.ID, "buyer", "spite"); err != nil {
		t.Fatal(err)
	}
	env.grant(t, "judge", repo.RoleArbiter)
	task, err := env.Engine.ResolveDispute(env.Ctx, task.ID, "judge", true, "work is fine")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s", task.Status)
	}
	if got := env.balance(t, "alice"); got != 300+975 {
		t.Fatalf("expected payout to owner, balance %d", got)
	}
	agent, _ = env.Engine.GetAgent(env.Ctx, agent.ID)
	if agent.StakedAmount != 200 {
		t.Fatalf("agent vindicated, stake should be intact: %d", agent.StakedAmount)
	}
}

func TestCancelTaskRefundsWhileOpen(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 500)
	agent := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	task := env.createTask(t, "buyer", "port the parser", []string{"go"}, 1000)

	_, err := env.Engine.CancelTask(env.Ctx, task.ID, "alice")
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError for non-requester, got %v", err)
	}

	task, err = env.Engine.CancelTask(env.Ctx, task.ID, "buyer")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
	if got := env.balance(t, "buyer"); got != 2000 {
		t.Fatalf("expected full refund, got %d", got)
	}

	// once assigned, cancellation is off the table
	task2 := env.createTask(t, "buyer", "second task", []string{"go"}, 100)
	if _, err := env.Engine.AcceptTask(env.Ctx, task2.ID, agent.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CancelTask(env.Ctx, task2.ID, "buyer")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestBestAgentPrefersReputation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer", 2000)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	strong := env.registerAgent(t, "alice", "veteran", []string{"go"}, 150)
	weak := env.registerAgent(t, "bob", "rookie", []string{"go"}, 150)

	env.grant(t, "sheriff", repo.RoleSlasher)
	if _, err := env.Engine.SlashAgent(env.Ctx, weak.ID, "sheriff", "sloppy work"); err != nil {
		t.Fatal(err)
	}

	task := env.createTask(t, "buyer", "pick the best", []string{"go"}, 100)
	best, err := env.Engine.BestAgentForTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("best agent: %v", err)
	}
	if best.ID != strong.ID {
		t.Fatalf("expected %s, got %s", strong.ID, best.ID)
	}
}
