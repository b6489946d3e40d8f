// Package margin is the per-account balance and collateral ledger. Every
// operation is total over the account set: touching an unknown account
// creates it at zero. Each account is its own critical section, finer than
// the per-market sections, so multi-account sweeps (ADL) lock accounts in
// id-sorted order and never deadlock.
package margin

import (
	"sort"
	"sync"

	"github.com/minjcho/hedgemark/pkg/engine/errs"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

// Account is one margin account. balanceHbar >= 0 and lockedHbar >= 0 at all
// times; locked never exceeds the sum of open-position margins plus resting
// order collateral.
type Account struct {
	mu      sync.Mutex
	ID      string       `json:"id"`
	Balance hbar.Tinybar `json:"balance"`
	Locked  hbar.Tinybar `json:"locked"`
}

// Ledger is the thread-safe account store.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	// CrossPnL, when set by the composition root, returns the summed
	// unrealized PnL of an account's OPEN CROSS-margin positions. ISOLATED
	// positions are excluded from effective equity by design.
	CrossPnL func(accountID string) hbar.Tinybar
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*Account)}
}

// get returns the account, creating it at zero if unknown.
func (l *Ledger) get(id string) *Account {
	l.mu.RLock()
	acc, ok := l.accounts[id]
	l.mu.RUnlock()
	if ok {
		return acc
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok = l.accounts[id]; ok {
		return acc
	}
	acc = &Account{ID: id}
	l.accounts[id] = acc
	return acc
}

// Deposit credits an account.
func (l *Ledger) Deposit(id string, amt hbar.Tinybar) error {
	if amt <= 0 {
		return errs.New(errs.Validation, "deposit must be positive, got %s", amt)
	}
	acc := l.get(id)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.Balance += amt
	return nil
}

// Withdraw debits an account. The remaining balance must cover what is
// locked.
func (l *Ledger) Withdraw(id string, amt hbar.Tinybar) error {
	if amt <= 0 {
		return errs.New(errs.Validation, "withdrawal must be positive, got %s", amt)
	}
	acc := l.get(id)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.Balance-amt < acc.Locked {
		return errs.New(errs.InsufficientFunds,
			"withdraw %s from %s: balance %s, locked %s", amt, id, acc.Balance, acc.Locked)
	}
	acc.Balance -= amt
	return nil
}

// Lock reserves collateral against the free balance.
func (l *Ledger) Lock(id string, amt hbar.Tinybar) error {
	if amt < 0 {
		return errs.New(errs.Validation, "lock amount cannot be negative")
	}
	if amt == 0 {
		return nil
	}
	acc := l.get(id)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.Balance-acc.Locked < amt {
		return errs.New(errs.InsufficientMargin,
			"lock %s for %s: free %s", amt, id, acc.Balance-acc.Locked)
	}
	acc.Locked += amt
	return nil
}

// Release frees previously locked collateral.
func (l *Ledger) Release(id string, amt hbar.Tinybar) error {
	if amt < 0 {
		return errs.New(errs.Validation, "release amount cannot be negative")
	}
	if amt == 0 {
		return nil
	}
	acc := l.get(id)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.Locked < amt {
		return errs.New(errs.Internal, "release %s for %s exceeds locked %s", amt, id, acc.Locked)
	}
	acc.Locked -= amt
	return nil
}

// Credit adds realized PnL or refunds to the free balance. Unlike Deposit it
// accepts zero (a no-op).
func (l *Ledger) Credit(id string, amt hbar.Tinybar) error {
	if amt < 0 {
		return errs.New(errs.Internal, "credit cannot be negative: %s", amt)
	}
	if amt == 0 {
		return nil
	}
	acc := l.get(id)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.Balance += amt
	return nil
}

// Debit removes value from the free balance, clamping at the locked floor.
// Returns the amount actually taken; the shortfall becomes a loss for the
// caller to absorb (liquidation tiers, funding).
func (l *Ledger) Debit(id string, amt hbar.Tinybar) (hbar.Tinybar, error) {
	if amt < 0 {
		return 0, errs.New(errs.Internal, "debit cannot be negative: %s", amt)
	}
	acc := l.get(id)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	free := acc.Balance - acc.Locked
	taken := hbar.Min(amt, free)
	if taken < 0 {
		taken = 0
	}
	acc.Balance -= taken
	return taken, nil
}

// Balance returns the account's total and locked amounts.
func (l *Ledger) Balance(id string) (balance, locked hbar.Tinybar) {
	acc := l.get(id)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.Balance, acc.Locked
}

// EffectiveEquity is balance plus the unrealized PnL of the account's OPEN
// CROSS positions. Equity may be negative when cross losses exceed the
// balance, which is exactly the liquidation trigger condition.
func (l *Ledger) EffectiveEquity(id string) hbar.Tinybar {
	balance, _ := l.Balance(id)
	if l.CrossPnL == nil {
		return balance
	}
	return balance + l.CrossPnL(id)
}

// TotalValue sums balance across all accounts. Locked collateral is part of
// balance, not additional value. Used by conservation checks.
func (l *Ledger) TotalValue() hbar.Tinybar {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	var total hbar.Tinybar
	for _, id := range ids {
		b, _ := l.Balance(id)
		total += b
	}
	return total
}

// AccountState is the persisted form of one account.
type AccountState struct {
	ID      string       `json:"id"`
	Balance hbar.Tinybar `json:"balance"`
	Locked  hbar.Tinybar `json:"locked"`
}

// Snapshot returns every account in id order.
func (l *Ledger) Snapshot() []AccountState {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	out := make([]AccountState, 0, len(ids))
	for _, id := range ids {
		b, lk := l.Balance(id)
		out = append(out, AccountState{ID: id, Balance: b, Locked: lk})
	}
	return out
}

// Restore replaces ledger contents from a snapshot.
func (l *Ledger) Restore(states []AccountState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*Account, len(states))
	for _, s := range states {
		l.accounts[s.ID] = &Account{ID: s.ID, Balance: s.Balance, Locked: s.Locked}
	}
}
