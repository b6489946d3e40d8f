// Package insurance holds the backstop fund that absorbs liquidation
// deficits. Deposits come in through the public API; debits happen only from
// inside the liquidation cascade.
package insurance

import (
	"sync"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

// Fund is a single critical section. balance == totalDeposits - totalPayouts
// and never goes negative.
type Fund struct {
	mu            sync.Mutex
	balance       hbar.Tinybar
	totalDeposits hbar.Tinybar
	totalPayouts  hbar.Tinybar
}

func NewFund() *Fund { return &Fund{} }

// Deposit credits the fund.
func (f *Fund) Deposit(amt hbar.Tinybar) error {
	if amt <= 0 {
		return errs.New(errs.Validation, "insurance deposit must be positive, got %s", amt)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amt
	f.totalDeposits += amt
	return nil
}

// Absorb pays out up to amt, capped at the current balance, and returns the
// amount actually absorbed. Only the liquidation engine calls this.
func (f *Fund) Absorb(amt hbar.Tinybar) hbar.Tinybar {
	if amt <= 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	absorbed := hbar.Min(amt, f.balance)
	f.balance -= absorbed
	f.totalPayouts += absorbed
	return absorbed
}

// Balance returns the current balance.
func (f *Fund) Balance() hbar.Tinybar {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// Totals returns lifetime deposits and payouts.
func (f *Fund) Totals() (deposits, payouts hbar.Tinybar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalDeposits, f.totalPayouts
}

// State is the persisted form of the fund.
type State struct {
	Balance       hbar.Tinybar `json:"balance"`
	TotalDeposits hbar.Tinybar `json:"totalDeposits"`
	TotalPayouts  hbar.Tinybar `json:"totalPayouts"`
}

func (f *Fund) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State{Balance: f.balance, TotalDeposits: f.totalDeposits, TotalPayouts: f.totalPayouts}
}

func (f *Fund) Restore(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = s.Balance
	f.totalDeposits = s.TotalDeposits
	f.totalPayouts = s.TotalPayouts
}
