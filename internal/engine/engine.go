package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"agora/internal/config"
	"agora/internal/events"
	"agora/internal/ledger"
	"agora/internal/repo"
)

// Engine is the marketplace core: agent registry, task escrow, and workflow
// orchestration over a single SQLite database. Each operation is one
// transaction; the substrate's serialization is what makes operations
// logically atomic, the engine only enforces preconditions.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Ledger{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// requireRole rejects principals without the given engine role.
func (e Engine) requireRole(ctx context.Context, principal, role, action string) error {
	ok, err := e.Repo.HasRole(ctx, principal, role)
	if err != nil {
		return err
	}
	if !ok {
		return NotAuthorizedError{Principal: principal, Action: action}
	}
	return nil
}

// GrantRole authorizes a principal for a privileged role. Caller must hold
// the admin role; the policy for who administers grants lives outside the
// engine.
func (e Engine) GrantRole(ctx context.Context, caller, principal, role string) error {
	if err := validRole(role); err != nil {
		return err
	}
	if err := e.requireRole(ctx, caller, repo.RoleAdmin, "grant role "+role); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.GrantRoleTx(ctx, tx, principal, role, caller); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", "role", principal, caller, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, caller, principal, role string) error {
	if err := validRole(role); err != nil {
		return err
	}
	if err := e.requireRole(ctx, caller, repo.RoleAdmin, "revoke role "+role); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRoleTx(ctx, tx, principal, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", "role", principal, caller, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

func validRole(role string) error {
	switch role {
	case repo.RoleSlasher, repo.RoleArbiter, repo.RoleAdmin:
		return nil
	}
	return EmptyInputError{Field: "role (slasher, arbiter, or admin)"}
}

// Deposit credits newly issued value to a principal. This is the wallet
// boundary: real deployments would replace it with a bridge from an external
// ledger.
func (e Engine) Deposit(ctx context.Context, principal string, amount int64) error {
	if principal == "" {
		return EmptyInputError{Field: "principal"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Ledger.Mint(ctx, tx, principal, amount); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "ledger.deposited", "account", principal, principal, events.EventPayload{"amount": amount}); err != nil {
		return err
	}
	return tx.Commit()
}

// validateDeadline requires a deadline strictly after now.
func (e Engine) validateDeadline(deadline time.Time) error {
	if !deadline.After(e.now()) {
		return DeadlineInvalidError{Deadline: deadline.UTC().Format(time.RFC3339)}
	}
	return nil
}

// feeFor computes the platform fee for a reward, rounded down.
func (e Engine) feeFor(reward int64) int64 {
	return reward * e.Config.Tasks.PlatformFeeBps / 10000
}

func (e Engine) clampReputation(score int) int {
	if score < 0 {
		return 0
	}
	if score > e.Config.Reputation.Max {
		return e.Config.Reputation.Max
	}
	return score
}

// IsNotFound reports whether err is the storage not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
