package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora/internal/domain"
)

// Engine-internal accounts. Escrowed value is parked here between the
// operation that locks it and the operation that settles or refunds it.
const (
	StakeEscrow    = "escrow:stake"
	TaskEscrow     = "escrow:task"
	WorkflowEscrow = "escrow:workflow"
	FeeSink        = "sink:fees"
	PenaltySink    = "sink:penalties"
)

// ErrInsufficientBalance is returned when a transfer would overdraw the
// source account. No state is changed when it is returned.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger moves value between principals atomically. Every mutating call is
// tx-scoped: the caller owns the transaction, so a transfer commits or rolls
// back together with the business mutation it funds.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Transfer moves amount from one principal to another inside tx. It fails
// with ErrInsufficientBalance before any write if the source cannot cover
// the amount.
func (l Ledger) Transfer(ctx context.Context, tx *sql.Tx, from, to string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative transfer amount %d", amount)
	}
	if amount == 0 || from == to {
		return nil
	}
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE principal=?`, from).Scan(&balance)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s has no account", ErrInsufficientBalance, from)
	}
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, from, balance, amount)
	}
	now := l.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-?, updated_at=? WHERE principal=?`, amount, now, from); err != nil {
		return err
	}
	return l.credit(ctx, tx, to, amount, now)
}

// Mint credits newly issued value to a principal. This is the deposit hook at
// the wallet boundary; the engine itself only ever calls Transfer.
func (l Ledger) Mint(ctx context.Context, tx *sql.Tx, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive, got %d", amount)
	}
	return l.credit(ctx, tx, to, amount, l.now().UTC().Format(time.RFC3339))
}

func (l Ledger) credit(ctx context.Context, tx *sql.Tx, to string, amount int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(principal,balance,updated_at) VALUES (?,?,?)
ON CONFLICT(principal) DO UPDATE SET balance=balance+excluded.balance, updated_at=excluded.updated_at`,
		to, amount, now)
	return err
}

// BalanceOf returns the current balance of a principal. Unknown principals
// hold zero.
func (l Ledger) BalanceOf(ctx context.Context, principal string) (int64, error) {
	var balance int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE principal=?`, principal).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// Account returns the full account row for a principal.
func (l Ledger) Account(ctx context.Context, principal string) (domain.Account, error) {
	var a domain.Account
	err := l.DB.QueryRowContext(ctx, `SELECT principal,balance,updated_at FROM accounts WHERE principal=?`, principal).
		Scan(&a.Principal, &a.Balance, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Account{Principal: principal}, nil
	}
	return a, err
}

// TotalSupply sums every account. Useful for conservation checks.
func (l Ledger) TotalSupply(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := l.DB.QueryRowContext(ctx, `SELECT SUM(balance) FROM accounts`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}
