// Package wallet is the cash balance capability. Balances live in the wallets
// table; a Service can be rebound to an open transaction so debits and credits
// commit or roll back together with the rest of a trade.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"market-core/pkg/db"
)

// ErrInvalidAmount is returned for negative or NaN amounts.
var ErrInvalidAmount = errors.New("amount must be a non-negative number")

// Provider is the minimal balance capability the trading core needs.
type Provider interface {
	GetBalance(ctx context.Context, player string) (float64, error)
	SetBalance(ctx context.Context, player string, amount float64) error
	AddBalance(ctx context.Context, player string, amount float64) error
	// RemoveBalance debits amount and reports false, without writing, when the
	// balance is insufficient.
	RemoveBalance(ctx context.Context, player string, amount float64) (bool, error)
	HasBalance(ctx context.Context, player string, amount float64) (bool, error)
}

// Ledger is a Provider that can join a caller's transaction.
type Ledger interface {
	Provider
	In(q db.Querier) Provider
}

// Service implements Ledger over the wallets table.
type Service struct {
	q               db.Querier
	startingBalance float64
	now             func() time.Time
}

// NewService binds the wallet to the database. startingBalance seeds wallets
// created by EnsureWallet.
func NewService(database *db.Database, startingBalance float64) *Service {
	return &Service{q: database.Q(), startingBalance: startingBalance, now: time.Now}
}

// In returns a copy of the service that runs on q.
func (s *Service) In(q db.Querier) Provider {
	cp := *s
	cp.q = q
	return &cp
}

// EnsureWallet creates the player's wallet with the starting balance if it
// does not exist yet. It reports whether a wallet was created.
func (s *Service) EnsureWallet(ctx context.Context, player string) (bool, error) {
	if player == "" {
		return false, db.ErrPlayerRequired
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO wallets (player_uuid, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(player_uuid) DO NOTHING
	`, player, s.startingBalance, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("ensure wallet: %w", err)
	}
	return db.RowsAffected(res) == 1, nil
}

// GetBalance returns the balance, 0 for players without a wallet.
func (s *Service) GetBalance(ctx context.Context, player string) (float64, error) {
	if player == "" {
		return 0, db.ErrPlayerRequired
	}
	var balance float64
	err := s.q.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE player_uuid = ?`, player).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query wallet: %w", err)
	}
	return balance, nil
}

// SetBalance overwrites the balance.
func (s *Service) SetBalance(ctx context.Context, player string, amount float64) error {
	if err := check(player, amount); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wallets (player_uuid, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(player_uuid) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`, player, amount, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// AddBalance credits amount, creating the wallet if needed.
func (s *Service) AddBalance(ctx context.Context, player string, amount float64) error {
	if err := check(player, amount); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wallets (player_uuid, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(player_uuid) DO UPDATE SET
			balance = wallets.balance + excluded.balance,
			updated_at = excluded.updated_at
	`, player, amount, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}

// RemoveBalance debits amount with a single conditional write, so a balance is
// never driven negative.
func (s *Service) RemoveBalance(ctx context.Context, player string, amount float64) (bool, error) {
	if err := check(player, amount); err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance - ?, updated_at = ?
		WHERE player_uuid = ? AND balance >= ?
	`, amount, s.now().UnixMilli(), player, amount)
	if err != nil {
		return false, fmt.Errorf("debit wallet: %w", err)
	}
	return db.RowsAffected(res) == 1, nil
}

// HasBalance reports whether the player can cover amount.
func (s *Service) HasBalance(ctx context.Context, player string, amount float64) (bool, error) {
	balance, err := s.GetBalance(ctx, player)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

func check(player string, amount float64) error {
	if player == "" {
		return db.ErrPlayerRequired
	}
	if !(amount >= 0) {
		return ErrInvalidAmount
	}
	return nil
}
