package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"agora/internal/domain"
	"agora/internal/events"
	"agora/internal/ledger"
	"agora/internal/repo"
)

// RegisterAgentOptions are parameters for registering an agent.
type RegisterAgentOptions struct {
	Owner        string
	Name         string
	MetadataRef  string
	Capabilities []string
	StakeAmount  int64
	Nonce        string
}

// AgentID derives the stable agent identifier from owner and registration
// nonce. Ids are deterministic and never reused: re-registering with the
// same nonce collides on the primary key.
func AgentID(owner, nonce string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(owner+"|"+nonce)).String()
}

// RegisterAgent stakes collateral and creates an active agent indexed under
// each capability.
func (e Engine) RegisterAgent(ctx context.Context, opts RegisterAgentOptions) (domain.Agent, error) {
	if opts.Owner == "" {
		return domain.Agent{}, EmptyInputError{Field: "owner"}
	}
	if opts.Name == "" {
		return domain.Agent{}, EmptyInputError{Field: "name"}
	}
	if len(opts.Capabilities) == 0 {
		return domain.Agent{}, EmptyInputError{Field: "capabilities"}
	}
	if opts.StakeAmount < e.Config.Stake.Min {
		return domain.Agent{}, InsufficientStakeError{Have: opts.StakeAmount, Min: e.Config.Stake.Min}
	}
	nonce := opts.Nonce
	if nonce == "" {
		nonce = uuid.New().String()
	}
	a := domain.Agent{
		ID:              AgentID(opts.Owner, nonce),
		Owner:           opts.Owner,
		Name:            opts.Name,
		MetadataRef:     opts.MetadataRef,
		Capabilities:    opts.Capabilities,
		StakedAmount:    opts.StakeAmount,
		ReputationScore: e.Config.Reputation.Initial,
		RegisteredAt:    e.nowRFC3339(),
		IsActive:        true,
	}
	if _, err := e.Repo.GetAgent(ctx, a.ID); err == nil {
		return domain.Agent{}, fmt.Errorf("agent %s already registered for this owner and nonce", a.ID)
	} else if !IsNotFound(err) {
		return domain.Agent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, opts.Owner, ledger.StakeEscrow, opts.StakeAmount); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", "agent", a.ID, opts.Owner, events.EventPayload{
		"name":  a.Name,
		"stake": a.StakedAmount,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// ownedAgent loads an agent and rejects callers other than its owner.
func (e Engine) ownedAgent(ctx context.Context, agentID, caller, action string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return a, err
	}
	if a.Owner != caller {
		return a, NotAuthorizedError{Principal: caller, Action: action}
	}
	return a, nil
}

func (e Engine) AddStake(ctx context.Context, agentID, caller string, amount int64) (domain.Agent, error) {
	a, err := e.ownedAgent(ctx, agentID, caller, "add stake to agent "+agentID)
	if err != nil {
		return a, err
	}
	if amount <= 0 {
		return a, AmountTooLowError{What: "stake amount", Amount: amount, Min: 1}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, caller, ledger.StakeEscrow, amount); err != nil {
		return a, err
	}
	a.StakedAmount += amount
	if err := e.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agent.stake_added", "agent", a.ID, caller, events.EventPayload{
		"amount": amount,
		"stake":  a.StakedAmount,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// WithdrawStake returns part of the stake to the owner. Withdrawing below
// the minimum is rejected; deactivate first to exit fully.
func (e Engine) WithdrawStake(ctx context.Context, agentID, caller string, amount int64) (domain.Agent, error) {
	a, err := e.ownedAgent(ctx, agentID, caller, "withdraw stake from agent "+agentID)
	if err != nil {
		return a, err
	}
	if amount <= 0 {
		return a, AmountTooLowError{What: "withdraw amount", Amount: amount, Min: 1}
	}
	remaining := a.StakedAmount - amount
	if remaining < 0 {
		return a, InsufficientStakeError{Have: a.StakedAmount, Min: amount}
	}
	if a.IsActive && remaining < e.Config.Stake.Min {
		return a, InsufficientStakeError{Have: remaining, Min: e.Config.Stake.Min}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Ledger.Transfer(ctx, tx, ledger.StakeEscrow, caller, amount); err != nil {
		return a, err
	}
	a.StakedAmount = remaining
	if err := e.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agent.stake_withdrawn", "agent", a.ID, caller, events.EventPayload{
		"amount": amount,
		"stake":  a.StakedAmount,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

func (e Engine) DeactivateAgent(ctx context.Context, agentID, caller string) (domain.Agent, error) {
	a, err := e.ownedAgent(ctx, agentID, caller, "deactivate agent "+agentID)
	if err != nil {
		return a, err
	}
	if !a.IsActive {
		return a, InvalidStateError{Entity: "agent", ID: a.ID, Status: "inactive", Op: "deactivate"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	a.IsActive = false
	if err := e.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agent.deactivated", "agent", a.ID, caller, nil); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

func (e Engine) ReactivateAgent(ctx context.Context, agentID, caller string) (domain.Agent, error) {
	a, err := e.ownedAgent(ctx, agentID, caller, "reactivate agent "+agentID)
	if err != nil {
		return a, err
	}
	if a.IsActive {
		return a, InvalidStateError{Entity: "agent", ID: a.ID, Status: "active", Op: "reactivate"}
	}
	if a.StakedAmount < e.Config.Stake.Min {
		return a, InsufficientStakeError{Have: a.StakedAmount, Min: e.Config.Stake.Min}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	a.IsActive = true
	if err := e.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "agent.reactivated", "agent", a.ID, caller, nil); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// UpdateAgent renames an agent or grows its capability set. Capabilities
// never shrink.
func (e Engine) UpdateAgent(ctx context.Context, agentID, caller, name, metadataRef string, addCapabilities []string) (domain.Agent, error) {
	a, err := e.ownedAgent(ctx, agentID, caller, "update agent "+agentID)
	if err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if name != "" {
		a.Name = name
	}
	if metadataRef != "" {
		a.MetadataRef = metadataRef
	}
	if err := e.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if len(addCapabilities) > 0 {
		if err := e.Repo.AddCapabilitiesTx(ctx, tx, a.ID, addCapabilities); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, "agent.updated", "agent", a.ID, caller, events.EventPayload{
		"added_capabilities": addCapabilities,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetAgent(ctx, a.ID)
}

// SlashAgent seizes a configured percentage of the agent's stake to the
// penalty sink and applies the slash reputation penalty. Callable only by a
// principal holding the slasher role; dispute resolution slashes internally
// without it.
func (e Engine) SlashAgent(ctx context.Context, agentID, caller, reason string) (domain.Agent, error) {
	if err := e.requireRole(ctx, caller, repo.RoleSlasher, "slash agent "+agentID); err != nil {
		return domain.Agent{}, err
	}
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	a, err = e.slashTx(ctx, tx, a, caller, reason)
	if err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// slashTx applies the slash inside an open transaction so dispute rulings
// settle and slash atomically.
func (e Engine) slashTx(ctx context.Context, tx *sql.Tx, a domain.Agent, caller, reason string) (domain.Agent, error) {
	penalty := a.StakedAmount * e.Config.Stake.SlashPercentBps / 10000
	if err := e.Ledger.Transfer(ctx, tx, ledger.StakeEscrow, ledger.PenaltySink, penalty); err != nil {
		return a, err
	}
	a.StakedAmount -= penalty
	a.ReputationScore = e.clampReputation(a.ReputationScore - e.Config.Reputation.SlashDelta)
	deactivated := false
	if a.StakedAmount < e.Config.Stake.Min && a.IsActive {
		a.IsActive = false
		deactivated = true
	}
	if err := e.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return a, err
	}
	return a, e.Events.Append(ctx, tx, "agent.slashed", "agent", a.ID, caller, events.EventPayload{
		"reason":      reason,
		"penalty":     penalty,
		"stake":       a.StakedAmount,
		"reputation":  a.ReputationScore,
		"deactivated": deactivated,
	})
}

// recordTaskTx adjusts counters and reputation after a settlement. Runs
// inside the settlement transaction on the already-loaded agent so later
// mutations in the same transaction see the updated struct.
func (e Engine) recordTaskTx(ctx context.Context, tx *sql.Tx, a domain.Agent, success bool, earned int64) (domain.Agent, error) {
	if success {
		a.TasksCompleted++
		a.TotalEarned += earned
		a.ReputationScore = e.clampReputation(a.ReputationScore + e.Config.Reputation.SuccessDelta)
	} else {
		a.TasksFailed++
		a.ReputationScore = e.clampReputation(a.ReputationScore - e.Config.Reputation.FailureDelta)
	}
	return a, e.Repo.UpdateAgentTx(ctx, tx, a)
}

// --- reads ---

func (e Engine) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, agentID)
}

func (e Engine) AgentsByOwner(ctx context.Context, owner string) ([]domain.Agent, error) {
	return e.Repo.ListAgentsByOwner(ctx, owner)
}

func (e Engine) AgentsByCapability(ctx context.Context, capability string) ([]string, error) {
	return e.Repo.AgentIDsByCapability(ctx, capability)
}
