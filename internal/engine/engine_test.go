package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/ledger"
	"agora/internal/migrate"
	"agora/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("local")
	eng := engine.New(conn, cfg)
	env := &testEnv{Ctx: context.Background(), Clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	now := func() time.Time { return env.Clock }
	eng.Now = now
	eng.Events.Now = now
	eng.Ledger.Now = now
	env.Engine = eng
	return env
}

func (env *testEnv) fund(t *testing.T, principal string, amount int64) {
	t.Helper()
	if err := env.Engine.Deposit(env.Ctx, principal, amount); err != nil {
		t.Fatalf("deposit %s: %v", principal, err)
	}
}

func (env *testEnv) grant(t *testing.T, principal, role string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.GrantRoleTx(env.Ctx, tx, principal, role, "test"); err != nil {
		t.Fatalf("grant %s to %s: %v", role, principal, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) registerAgent(t *testing.T, owner, name string, caps []string, stake int64) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		Owner:        owner,
		Name:         name,
		Capabilities: caps,
		StakeAmount:  stake,
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", name, err)
	}
	return a
}

func (env *testEnv) balance(t *testing.T, principal string) int64 {
	t.Helper()
	b, err := env.Engine.Ledger.BalanceOf(env.Ctx, principal)
	if err != nil {
		t.Fatalf("balance of %s: %v", principal, err)
	}
	return b
}

func (env *testEnv) supply(t *testing.T) int64 {
	t.Helper()
	s, err := env.Engine.Ledger.TotalSupply(env.Ctx)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	return s
}

func (env *testEnv) deadline() time.Time {
	return env.Clock.Add(24 * time.Hour)
}

func TestRegisterAgentStakesCollateral(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	a := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	if !a.IsActive {
		t.Fatalf("expected active agent")
	}
	if a.StakedAmount != 150 {
		t.Fatalf("expected stake 150, got %d", a.StakedAmount)
	}
	if a.ReputationScore != 5000 {
		t.Fatalf("expected initial reputation 5000, got %d", a.ReputationScore)
	}
	if got := env.balance(t, "alice"); got != 850 {
		t.Fatalf("expected owner balance 850, got %d", got)
	}
	if got := env.balance(t, ledger.StakeEscrow); got != 150 {
		t.Fatalf("expected stake escrow 150, got %d", got)
	}
}

func TestRegisterAgentBelowMinimumStake(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		Owner:        "alice",
		Name:         "builder",
		Capabilities: []string{"go"},
		StakeAmount:  50,
	})
	var ise engine.InsufficientStakeError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InsufficientStakeError, got %v", err)
	}
	if ise.Have != 50 || ise.Min != 100 {
		t.Fatalf("unexpected error values: %+v", ise)
	}
}

func TestRegisterAgentUnfundedOwner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		Owner:        "broke",
		Name:         "builder",
		Capabilities: []string{"go"},
		StakeAmount:  150,
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	agents, err := env.Engine.AgentsByOwner(env.Ctx, "broke")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected no agent row after failed registration, got %d", len(agents))
	}
}

func TestWithdrawStakeKeepsActiveFloor(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	a := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)

	// would leave 50 on an active agent
	_, err := env.Engine.WithdrawStake(env.Ctx, a.ID, "alice", 100)
	var ise engine.InsufficientStakeError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InsufficientStakeError, got %v", err)
	}

	a, err = env.Engine.WithdrawStake(env.Ctx, a.ID, "alice", 50)
	if err != nil {
		t.Fatalf("withdraw to floor: %v", err)
	}
	if a.StakedAmount != 100 {
		t.Fatalf("expected stake 100, got %d", a.StakedAmount)
	}
	if got := env.balance(t, "alice"); got != 900 {
		t.Fatalf("expected owner balance 900, got %d", got)
	}
}

func TestDeactivatedAgentCanWithdrawEverything(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	a := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	a, err := env.Engine.DeactivateAgent(env.Ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if a.IsActive {
		t.Fatalf("expected inactive agent")
	}
	a, err = env.Engine.WithdrawStake(env.Ctx, a.ID, "alice", 150)
	if err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	if a.StakedAmount != 0 {
		t.Fatalf("expected zero stake, got %d", a.StakedAmount)
	}
	if got := env.balance(t, "alice"); got != 1000 {
		t.Fatalf("expected full owner balance back, got %d", got)
	}
	// reactivation needs the minimum back
	_, err = env.Engine.ReactivateAgent(env.Ctx, a.ID, "alice")
	var ise engine.InsufficientStakeError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InsufficientStakeError on reactivate, got %v", err)
	}
	if _, err := env.Engine.AddStake(env.Ctx, a.ID, "alice", 120); err != nil {
		t.Fatalf("restake: %v", err)
	}
	a, err = env.Engine.ReactivateAgent(env.Ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !a.IsActive {
		t.Fatalf("expected active agent after restake")
	}
}

func TestAgentOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	env.fund(t, "mallory", 1000)
	a := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	var nae engine.NotAuthorizedError
	if _, err := env.Engine.AddStake(env.Ctx, a.ID, "mallory", 10); !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError on stake, got %v", err)
	}
	if _, err := env.Engine.WithdrawStake(env.Ctx, a.ID, "mallory", 10); !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError on withdraw, got %v", err)
	}
	if _, err := env.Engine.DeactivateAgent(env.Ctx, a.ID, "mallory"); !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError on deactivate, got %v", err)
	}
}

func TestSlashAgentSeizesStakeAndReputation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	a := env.registerAgent(t, "alice", "builder", []string{"go"}, 200)

	_, err := env.Engine.SlashAgent(env.Ctx, a.ID, "vigilante", "no reason")
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError without slasher role, got %v", err)
	}

	env.grant(t, "sheriff", repo.RoleSlasher)
	a, err = env.Engine.SlashAgent(env.Ctx, a.ID, "sheriff", "missed deadline")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	// 10% of 200
	if a.StakedAmount != 180 {
		t.Fatalf("expected stake 180 after slash, got %d", a.StakedAmount)
	}
	if a.ReputationScore != 4500 {
		t.Fatalf("expected reputation 4500 after slash, got %d", a.ReputationScore)
	}
	if !a.IsActive {
		t.Fatalf("agent still above minimum should stay active")
	}
	if got := env.balance(t, ledger.PenaltySink); got != 20 {
		t.Fatalf("expected penalty sink 20, got %d", got)
	}
}

func TestSlashBelowMinimumDeactivates(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	a := env.registerAgent(t, "alice", "builder", []string{"go"}, 100)
	env.grant(t, "sheriff", repo.RoleSlasher)
	a, err := env.Engine.SlashAgent(env.Ctx, a.ID, "sheriff", "abandoned work")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if a.StakedAmount != 90 {
		t.Fatalf("expected stake 90, got %d", a.StakedAmount)
	}
	if a.IsActive {
		t.Fatalf("expected deactivation once stake dropped below minimum")
	}
}

func TestUpdateAgentAddsCapabilities(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	a := env.registerAgent(t, "alice", "builder", []string{"go"}, 150)
	a, err := env.Engine.UpdateAgent(env.Ctx, a.ID, "alice", "builder-2", "", []string{"rust"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if a.Name != "builder-2" {
		t.Fatalf("expected renamed agent, got %s", a.Name)
	}
	caps := map[string]bool{}
	for _, c := range a.Capabilities {
		caps[c] = true
	}
	if !caps["go"] || !caps["rust"] {
		t.Fatalf("expected both capabilities, got %v", a.Capabilities)
	}
}

func TestGrantRoleRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.GrantRole(env.Ctx, "nobody", "friend", repo.RoleArbiter)
	var nae engine.NotAuthorizedError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotAuthorizedError, got %v", err)
	}
	env.grant(t, "root", repo.RoleAdmin)
	if err := env.Engine.GrantRole(env.Ctx, "root", "judge", repo.RoleArbiter); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, err := env.Engine.Repo.HasRole(env.Ctx, "judge", repo.RoleArbiter)
	if err != nil || !ok {
		t.Fatalf("expected arbiter grant to persist: %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "root", "judge", repo.RoleArbiter); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, _ = env.Engine.Repo.HasRole(env.Ctx, "judge", repo.RoleArbiter)
	if ok {
		t.Fatalf("expected grant removed")
	}
}

func TestDepositEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 500)
	if got := env.balance(t, "alice"); got != 500 {
		t.Fatalf("expected 500, got %d", got)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='ledger.deposited' AND entity_id='alice'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one deposit event, got %d", count)
	}
}
