package vault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"HedgeLedger/internal/fxmath"
)

var (
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	ErrBalanceBound        = errors.New("vault: balance bound exceeded")
)

// Vault is the custody collaborator the ledger engine works against. It holds
// hedger margin and the protocol yield pool, and answers the closure-safety
// question: would the system stay collateralized after a simulated margin
// outflow.
type Vault interface {
	Deposit(from uuid.UUID, amount int64) error
	Withdraw(to uuid.UUID, amount int64) error
	FeeCredit(amount int64) error
	Balance() int64
	YieldPool() int64
	DrawYield(amount int64) error
	SetRequiredMargin(required int64)
	CollateralizationIsHealthy(simulatedOutflow, simulatedMarginRelease int64) bool
}

// Accounting is the in-process Vault used in tests and single-node
// deployments. requiredMargin is maintained by the engine through
// SetRequiredMargin so health checks reflect open exposure.
type Accounting struct {
	balance        int64
	yieldPool      int64
	requiredMargin int64
}

func NewAccounting() *Accounting {
	return &Accounting{}
}

// NewAccountingWith seeds the vault with externally reconciled balances,
// used on warm restart.
func NewAccountingWith(balance, yieldPool int64) *Accounting {
	return &Accounting{balance: balance, yieldPool: yieldPool}
}

func (a *Accounting) Deposit(from uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("vault: deposit %d from %s", amount, from)
	}
	next, ok := fxmath.CheckedAdd(a.balance, amount, fxmath.MaxAggregate)
	if !ok {
		return ErrBalanceBound
	}
	a.balance = next
	return nil
}

func (a *Accounting) Withdraw(to uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("vault: withdraw %d to %s", amount, to)
	}
	if amount > a.balance {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, amount, a.balance)
	}
	a.balance -= amount
	return nil
}

// FeeCredit moves collected fees into the yield pool. The funds stay in the
// vault balance; the pool tracks the claimable share.
func (a *Accounting) FeeCredit(amount int64) error {
	if amount <= 0 {
		return nil
	}
	next, ok := fxmath.CheckedAdd(a.yieldPool, amount, fxmath.MaxAggregate)
	if !ok {
		return ErrBalanceBound
	}
	a.yieldPool = next
	return nil
}

func (a *Accounting) Balance() int64 {
	return a.balance
}

func (a *Accounting) YieldPool() int64 {
	return a.yieldPool
}

// DrawYield reduces the yield pool by a claimed share.
func (a *Accounting) DrawYield(amount int64) error {
	if amount <= 0 {
		return nil
	}
	if amount > a.yieldPool {
		return fmt.Errorf("%w: yield pool %d, draw %d", ErrInsufficientBalance, a.yieldPool, amount)
	}
	a.yieldPool -= amount
	return nil
}

// SetRequiredMargin records the margin the open book requires.
func (a *Accounting) SetRequiredMargin(required int64) {
	a.requiredMargin = required
}

// CollateralizationIsHealthy reports whether the vault would still cover the
// book's required margin after paying out simulatedOutflow while the book
// releases simulatedMarginRelease of its requirement.
func (a *Accounting) CollateralizationIsHealthy(simulatedOutflow, simulatedMarginRelease int64) bool {
	if simulatedOutflow < 0 || simulatedMarginRelease < 0 {
		return false
	}
	if simulatedOutflow > a.balance {
		return false
	}
	remaining := a.requiredMargin - simulatedMarginRelease
	if remaining < 0 {
		remaining = 0
	}
	return a.balance-simulatedOutflow >= remaining
}
