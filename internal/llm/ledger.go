package llm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transaction is one debit recorded by the ledger.
type Transaction struct {
	ID           string    `json:"id"`
	Tier         Tier      `json:"tier"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	At           time.Time `json:"at"`
}

// Reservation holds credits for an in-flight call until it is committed or released.
type Reservation struct {
	tier   Tier
	amount int64
	done   bool
}

// Ledger tracks the session's credits. Checking and holding credits happen in
// one critical section, so concurrent callers can never spend the same credit
// twice and the balance never goes negative.
type Ledger struct {
	mu      sync.Mutex
	balance int64
	held    int64
	txns    []Transaction
	now     func() time.Time
}

// NewLedger creates a ledger holding initial credits.
func NewLedger(initial int64) *Ledger {
	if initial < 0 {
		initial = 0
	}
	return &Ledger{balance: initial, now: time.Now}
}

// Reserve holds amount credits for a call on tier.
func (l *Ledger) Reserve(tier Tier, amount int64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount < 0 {
		return nil, fmt.Errorf("negative cost %d", amount)
	}
	if available := l.balance - l.held; available < amount {
		return nil, fmt.Errorf("%w: %s needs %d, %d available", ErrInsufficientCredits, tier, amount, available)
	}
	l.held += amount
	return &Reservation{tier: tier, amount: amount}, nil
}

// Commit turns a reservation into a debit. Committing twice is a no-op.
func (l *Ledger) Commit(r *Reservation) Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return Transaction{}
	}
	r.done = true
	l.held -= r.amount
	l.balance -= r.amount

	txn := Transaction{
		ID:           uuid.NewString(),
		Tier:         r.tier,
		Amount:       r.amount,
		BalanceAfter: l.balance,
		At:           l.now(),
	}
	if r.amount > 0 {
		l.txns = append(l.txns, txn)
	}
	return txn
}

// Release returns reserved credits without charging them.
func (l *Ledger) Release(r *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	l.held -= r.amount
}

// CanAfford reports whether amount could be reserved right now.
func (l *Ledger) CanAfford(amount int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance-l.held >= amount
}

// Balance returns the committed balance.
func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Available returns the balance minus credits held by in-flight calls.
func (l *Ledger) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance - l.held
}

// Transactions returns a copy of the debit history, oldest first.
func (l *Ledger) Transactions() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transaction, len(l.txns))
	copy(out, l.txns)
	return out
}
