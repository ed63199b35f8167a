package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"HedgeLedger/internal/auth"
	"HedgeLedger/internal/event"
	"HedgeLedger/internal/fxmath"
	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/oracle"
	"HedgeLedger/internal/state"
	"HedgeLedger/internal/vault"
)

// Output carries one audit envelope from the engine to the persistence and
// projection workers.
type Output struct {
	Envelope *event.AuditEnvelope
}

// Engine is the single-writer ledger core. Every mutating operation runs
// under the operation guard: a mutex, a reentrancy flag, and a vault balance
// check against the value recorded when the previous operation released.
// Operations either commit completely or change nothing; a failed
// consistency sweep after commit is corruption and panics.
type Engine struct {
	mu   sync.Mutex
	busy bool

	paused   bool
	sequence int64

	hasher      *StateHasher
	aggregates  *ledger.AggregateLedger
	book        *state.PositionBook
	allocator   *state.FillAllocator
	commitments *state.CommitmentBook
	rewards     *state.RewardBook
	params      *state.ParamStore
	policy      *auth.Policy
	feed        *oracle.Feed
	vault       vault.Vault

	idempotency *IdempotencyChecker
	flows       *FlowSequencer
	metrics     *observability.Metrics

	now           func() int64
	expectedVault int64

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Config assembles an Engine. Clock is required: the engine never reads the
// wall clock directly so replay and tests stay deterministic.
type Config struct {
	Vault         vault.Vault
	Policy        *auth.Policy
	Params        state.CoreParams
	Clock         func() int64
	StartSequence int64
	DedupCapacity int
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics

	PersistChan    chan<- Output
	ProjectionChan chan<- Output
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Vault == nil {
		return nil, fmt.Errorf("engine requires a vault")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("engine requires a clock")
	}

	params, err := state.NewParamStoreWith(cfg.Params)
	if err != nil {
		return nil, err
	}

	policy := cfg.Policy
	if policy == nil {
		policy = auth.NewPolicy()
	}

	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	aggregates := ledger.NewAggregateLedger()
	book := state.NewPositionBook(aggregates)

	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		aggregates:     aggregates,
		book:           book,
		allocator:      state.NewFillAllocator(book),
		commitments:    state.NewCommitmentBook(cfg.Clock),
		rewards:        state.NewRewardBook(cfg.Clock),
		params:         params,
		policy:         policy,
		feed:           oracle.NewFeed(cfg.Clock),
		vault:          cfg.Vault,
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker),
		flows:          NewFlowSequencer(),
		metrics:        cfg.Metrics,
		now:            cfg.Clock,
		expectedVault:  cfg.Vault.Balance(),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}, nil
}

// guard acquires the operation lock. The vault balance must match what the
// previous operation left behind; a mismatch means something moved funds
// outside the ledger and the engine refuses to proceed.
func (e *Engine) guard() (func(), error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, ErrReentrancy
	}
	e.busy = true

	if bal := e.vault.Balance(); bal != e.expectedVault {
		e.busy = false
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrVaultDrift, bal, e.expectedVault)
	}

	return func() {
		e.expectedVault = e.vault.Balance()
		e.busy = false
		e.mu.Unlock()
	}, nil
}

func (e *Engine) requireRunning() error {
	if e.paused {
		return ErrPaused
	}
	return nil
}

func (e *Engine) freshRate() (int64, error) {
	rate, ok := e.feed.Rate()
	if !ok {
		return 0, ErrRateUnavailable
	}
	return rate, nil
}

// sweep verifies every aggregate against the per-position records after a
// mutation committed. A failure here is internal corruption.
func (e *Engine) sweep() {
	if err := e.book.CheckConsistency(); err != nil {
		panic(fmt.Sprintf("FATAL: ledger invariant violated: %v", err))
	}
	e.vault.SetRequiredMargin(e.aggregates.TotalMargin())
	e.publishGauges()
}

func (e *Engine) publishGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.TotalMargin.Set(float64(e.aggregates.TotalMargin()))
	e.metrics.TotalExposure.Set(float64(e.aggregates.TotalExposure()))
	e.metrics.FilledExposure.Set(float64(e.aggregates.TotalFilledExposure()))
	e.metrics.ActiveHedgers.Set(float64(e.aggregates.ActiveHedgers()))
	e.metrics.ActivePositions.Set(float64(len(e.book.ActiveIDs())))
	e.metrics.VaultBalance.Set(float64(e.vault.Balance()))
	e.metrics.YieldPool.Set(float64(e.vault.YieldPool()))
	e.metrics.PendingCommitments.Set(float64(e.commitments.PendingCount()))
	e.metrics.CoreSequence.Set(float64(e.sequence))
}

// emit appends one record to the audit chain and hands it to the workers.
// The persist send blocks (no envelope is ever lost); the projection send
// drops on a full channel because projections rebuild from the log.
func (e *Engine) emit(t event.Type, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: audit payload marshal: %v", err))
	}

	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, e.aggregates.CanonicalBytes())

	env := &event.AuditEnvelope{
		Sequence:  e.sequence,
		EventType: t,
		Timestamp: time.Unix(e.now(), 0).UTC(),
		Payload:   body,
		StateHash: hash,
		PrevHash:  prev,
	}
	e.sequence++

	out := Output{Envelope: env}
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("audit").Inc()
			}
		}
	}
}

func (e *Engine) emitFills(deltas []state.FillDelta) {
	for _, d := range deltas {
		e.emit(event.TypeFillChanged, event.FillChanged{
			PositionID: d.PositionID,
			OldFilled:  d.Old,
			NewFilled:  d.New,
		})
	}
}

func (e *Engine) applied(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) rejected(op, reason string) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}

// --- Position lifecycle ---

// OpenPosition creates a leveraged EUR/USD position. The caller funds margin
// plus the entry fee; the fee is charged on notional and credited to the
// yield pool.
func (e *Engine) OpenPosition(caller uuid.UUID, margin, leverage int64) (uint64, error) {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return 0, err
	}
	defer release()

	if err := e.requireRunning(); err != nil {
		e.rejected("open", "paused")
		return 0, err
	}
	if !e.policy.Allowed(auth.CapHedger, caller) {
		e.rejected("open", "unauthorized")
		return 0, ErrUnauthorized
	}

	p := e.params.Get()
	if leverage < 1 || leverage > p.MaxLeverage {
		e.rejected("open", "validation")
		return 0, fmt.Errorf("%w: %d (max %d)", state.ErrInvalidLeverage, leverage, p.MaxLeverage)
	}

	rate, err := e.freshRate()
	if err != nil {
		e.rejected("open", "stale_rate")
		return 0, err
	}

	if !fxmath.ValidAmount(margin) {
		e.rejected("open", "validation")
		return 0, fmt.Errorf("%w: margin %d", state.ErrInvalidAmount, margin)
	}

	notional := margin * leverage
	fee := fxmath.BpsOf(notional, p.EntryFeeBps)

	// Funds first: a failed deposit leaves no book state to roll back.
	if err := e.vault.Deposit(caller, margin+fee); err != nil {
		e.rejected("open", "vault")
		return 0, err
	}

	pos, err := e.book.Open(caller, margin, leverage, rate, e.now())
	if err != nil {
		// Return the funds taken above; the operation must be atomic.
		if werr := e.vault.Withdraw(caller, margin+fee); werr != nil {
			panic(fmt.Sprintf("FATAL: deposit rollback failed: %v", werr))
		}
		e.rejected("open", "state")
		return 0, err
	}

	if err := e.vault.FeeCredit(fee); err != nil {
		panic(fmt.Sprintf("FATAL: fee credit failed after open: %v", err))
	}
	e.rewards.Touch(caller)

	e.sweep()
	e.emit(event.TypePositionOpened, event.PositionOpened{
		PositionID:   pos.ID,
		Owner:        caller,
		Margin:       margin,
		Leverage:     leverage,
		PositionSize: pos.PositionSize,
		EntryRate:    rate,
		EntryFee:     fee,
	})
	e.applied("open", start)
	return pos.ID, nil
}

// ClosePosition settles a position at the live rate and returns the signed
// realized PnL plus the net payout. Filled volume is first re-allocated to
// the remaining book; the payout is margin plus unrealized PnL, floored at
// zero, minus the exit fee.
func (e *Engine) ClosePosition(caller uuid.UUID, positionID uint64) (pnl, net int64, err error) {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return 0, 0, err
	}
	defer release()

	if err := e.requireRunning(); err != nil {
		e.rejected("close", "paused")
		return 0, 0, err
	}

	pos, err := e.book.GetActive(positionID)
	if err != nil {
		e.rejected("close", "state")
		return 0, 0, err
	}
	if pos.Owner != caller {
		e.rejected("close", "unauthorized")
		return 0, 0, ErrNotOwner
	}

	rate, err := e.freshRate()
	if err != nil {
		e.rejected("close", "stale_rate")
		return 0, 0, err
	}

	pnl = pos.UnrealizedPnL(rate)
	payout := pos.Margin + pnl
	if payout < 0 {
		payout = 0
	}

	p := e.params.Get()
	fee := fxmath.BpsOf(payout, p.ExitFeeBps)
	net = payout - fee

	if !e.vault.CollateralizationIsHealthy(net, pos.Margin) {
		e.rejected("close", "closure_unsafe")
		return 0, 0, fmt.Errorf("%w: payout %d", ErrClosureUnsafe, net)
	}

	deltas, err := e.allocator.Unwind(positionID)
	if err != nil {
		e.rejected("close", "state")
		return 0, 0, err
	}
	if err := e.book.Deactivate(positionID); err != nil {
		panic(fmt.Sprintf("FATAL: deactivate after unwind: %v", err))
	}

	if net > 0 {
		if err := e.vault.Withdraw(caller, net); err != nil {
			panic(fmt.Sprintf("FATAL: close payout failed after health check: %v", err))
		}
	}
	if err := e.vault.FeeCredit(fee); err != nil {
		panic(fmt.Sprintf("FATAL: fee credit failed after close: %v", err))
	}

	e.sweep()
	e.emitFills(deltas)
	e.emit(event.TypePositionClosed, event.PositionClosed{
		PositionID: positionID,
		Owner:      caller,
		PnL:        pnl,
		Payout:     net,
		ExitRate:   rate,
		ExitFee:    fee,
	})
	e.applied("close", start)
	return pnl, net, nil
}

// AddMargin tops up a position's collateral.
func (e *Engine) AddMargin(caller uuid.UUID, positionID uint64, amount int64) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	if err := e.requireRunning(); err != nil {
		e.rejected("add_margin", "paused")
		return err
	}
	if !fxmath.ValidAmount(amount) {
		e.rejected("add_margin", "validation")
		return fmt.Errorf("%w: %d", state.ErrInvalidAmount, amount)
	}

	pos, err := e.book.GetActive(positionID)
	if err != nil {
		e.rejected("add_margin", "state")
		return err
	}
	if pos.Owner != caller {
		e.rejected("add_margin", "unauthorized")
		return ErrNotOwner
	}

	oldMargin := pos.Margin
	if err := e.vault.Deposit(caller, amount); err != nil {
		e.rejected("add_margin", "vault")
		return err
	}
	if err := e.book.AdjustMargin(positionID, amount, e.now()); err != nil {
		if werr := e.vault.Withdraw(caller, amount); werr != nil {
			panic(fmt.Sprintf("FATAL: deposit rollback failed: %v", werr))
		}
		e.rejected("add_margin", "state")
		return err
	}

	e.sweep()
	e.emit(event.TypeMarginAdded, event.MarginChanged{
		PositionID: positionID,
		Owner:      caller,
		OldMargin:  oldMargin,
		NewMargin:  pos.Margin,
	})
	e.applied("add_margin", start)
	return nil
}

// RemoveMargin withdraws collateral. The position must not be under
// liquidation pressure, must stay above the minimum margin ratio at the live
// rate after the withdrawal, and the vault must stay collateralized.
func (e *Engine) RemoveMargin(caller uuid.UUID, positionID uint64, amount int64) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	if err := e.requireRunning(); err != nil {
		e.rejected("remove_margin", "paused")
		return err
	}
	if !fxmath.ValidAmount(amount) {
		e.rejected("remove_margin", "validation")
		return fmt.Errorf("%w: %d", state.ErrInvalidAmount, amount)
	}

	pos, err := e.book.GetActive(positionID)
	if err != nil {
		e.rejected("remove_margin", "state")
		return err
	}
	if pos.Owner != caller {
		e.rejected("remove_margin", "unauthorized")
		return ErrNotOwner
	}

	if n := e.commitments.PendingFor(positionID); n > 0 {
		e.rejected("remove_margin", "liquidation_pending")
		return fmt.Errorf("%w: %d pending", state.ErrLiquidationPending, n)
	}
	if e.commitments.UnderCooldown(caller) {
		e.rejected("remove_margin", "cooldown")
		return fmt.Errorf("%w: owner %s", state.ErrCooldownActive, caller)
	}

	rate, err := e.freshRate()
	if err != nil {
		e.rejected("remove_margin", "stale_rate")
		return err
	}

	p := e.params.Get()
	remaining := pos.Margin - amount
	if remaining <= 0 {
		e.rejected("remove_margin", "validation")
		return fmt.Errorf("%w: remove %d of %d", state.ErrInvalidAmount, amount, pos.Margin)
	}

	ratio := fxmath.MarginRatioBps(remaining, pos.UnrealizedPnL(rate), pos.PositionSize)
	if ratio < p.MinMarginRatioBps {
		e.rejected("remove_margin", "margin_ratio")
		return fmt.Errorf("%w: %d bps < %d bps", state.ErrInsufficientMargin, ratio, p.MinMarginRatioBps)
	}

	fee := fxmath.BpsOf(amount, p.MarginFeeBps)
	net := amount - fee

	if !e.vault.CollateralizationIsHealthy(net, amount) {
		e.rejected("remove_margin", "closure_unsafe")
		return fmt.Errorf("%w: withdrawal %d", ErrClosureUnsafe, net)
	}

	if err := e.book.AdjustMargin(positionID, -amount, e.now()); err != nil {
		e.rejected("remove_margin", "state")
		return err
	}
	if net > 0 {
		if err := e.vault.Withdraw(caller, net); err != nil {
			panic(fmt.Sprintf("FATAL: margin withdrawal failed after health check: %v", err))
		}
	}
	if err := e.vault.FeeCredit(fee); err != nil {
		panic(fmt.Sprintf("FATAL: fee credit failed after remove margin: %v", err))
	}

	e.sweep()
	e.emit(event.TypeMarginRemoved, event.MarginChanged{
		PositionID: positionID,
		Owner:      caller,
		OldMargin:  remaining + amount,
		NewMargin:  remaining,
		Fee:        fee,
	})
	e.applied("remove_margin", start)
	return nil
}

// EmergencyClose force-settles a position. It works while paused and with a
// stale rate; if no rate was ever published the owner gets margin back with
// zero PnL. No exit fee is charged and the closure-safety check is skipped:
// this path must stay usable exactly when the vault is undercollateralized,
// so the payout is capped at the vault balance instead.
func (e *Engine) EmergencyClose(caller uuid.UUID, positionID uint64) (int64, error) {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return 0, err
	}
	defer release()

	if !e.policy.Allowed(auth.CapEmergency, caller) {
		e.rejected("emergency_close", "unauthorized")
		return 0, ErrUnauthorized
	}

	pos, err := e.book.GetActive(positionID)
	if err != nil {
		e.rejected("emergency_close", "state")
		return 0, err
	}

	var pnl int64
	rate, _ := e.feed.Rate() // stale is acceptable here
	if rate > 0 {
		pnl = pos.UnrealizedPnL(rate)
	}
	payout := pos.Margin + pnl
	if payout < 0 {
		payout = 0
	}
	if bal := e.vault.Balance(); payout > bal {
		payout = bal
	}

	owner := pos.Owner
	deltas, err := e.allocator.Unwind(positionID)
	if err != nil {
		e.rejected("emergency_close", "state")
		return 0, err
	}
	if err := e.book.Deactivate(positionID); err != nil {
		panic(fmt.Sprintf("FATAL: deactivate after unwind: %v", err))
	}
	if payout > 0 {
		if err := e.vault.Withdraw(owner, payout); err != nil {
			panic(fmt.Sprintf("FATAL: emergency payout failed within vault balance: %v", err))
		}
	}

	e.sweep()
	e.emitFills(deltas)
	e.emit(event.TypePositionClosed, event.PositionClosed{
		PositionID: positionID,
		Owner:      owner,
		PnL:        pnl,
		Payout:     payout,
		ExitRate:   rate,
		Emergency:  true,
	})
	e.applied("emergency_close", start)
	return payout, nil
}

// --- Liquidation ---

// CommitLiquidation fixes a liquidator's claim on a position before the
// execution math can be front-run. The position must exist, be active and
// belong to owner. The commitment only becomes executable after MinCommitAge;
// it also starts the owner's margin-withdrawal cooldown. Liquidation runs
// even while paused.
func (e *Engine) CommitLiquidation(caller, owner uuid.UUID, positionID uint64, salt [32]byte) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	if !e.policy.Allowed(auth.CapLiquidator, caller) {
		e.rejected("commit_liquidation", "unauthorized")
		return ErrUnauthorized
	}

	pos, err := e.book.GetActive(positionID)
	if err != nil {
		e.rejected("commit_liquidation", "state")
		return err
	}
	if pos.Owner != owner {
		e.rejected("commit_liquidation", "state")
		return fmt.Errorf("%w: position %d does not belong to claimed owner",
			state.ErrPositionNotFound, positionID)
	}

	key := state.ComputeCommitKey(owner, positionID, salt, caller)
	if err := e.commitments.Commit(owner, positionID, key, caller); err != nil {
		e.rejected("commit_liquidation", "state")
		return err
	}

	if e.metrics != nil {
		e.metrics.LiquidationsCommitted.Inc()
	}
	e.publishGauges()
	e.emit(event.TypeLiquidationCommitted, event.LiquidationCommitted{
		Owner:      owner,
		PositionID: positionID,
		Liquidator: caller,
		CommitKey:  hex.EncodeToString(key[:]),
	})
	e.applied("commit_liquidation", start)
	return nil
}

// ExecuteLiquidation reveals a commitment and liquidates the position if its
// margin ratio at the live rate is below the liquidation threshold. The
// liquidator earns the penalty fraction of margin; any remainder of
// margin + PnL is refunded to the owner.
func (e *Engine) ExecuteLiquidation(caller uuid.UUID, positionID uint64, salt [32]byte) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	if !e.policy.Allowed(auth.CapLiquidator, caller) {
		e.rejected("execute_liquidation", "unauthorized")
		return ErrUnauthorized
	}

	pos, err := e.book.GetActive(positionID)
	if err != nil {
		e.rejected("execute_liquidation", "state")
		return err
	}

	key := state.ComputeCommitKey(pos.Owner, positionID, salt, caller)
	if _, err := e.commitments.ValidateExecutable(key, caller); err != nil {
		e.rejected("execute_liquidation", "commitment")
		return err
	}

	rate, err := e.freshRate()
	if err != nil {
		e.rejected("execute_liquidation", "stale_rate")
		return err
	}

	p := e.params.Get()
	ratio := pos.MarginRatioBps(rate)
	if ratio >= p.LiquidationThresholdBps {
		e.rejected("execute_liquidation", "not_liquidatable")
		return fmt.Errorf("%w: ratio %d bps, threshold %d bps",
			state.ErrNotLiquidatable, ratio, p.LiquidationThresholdBps)
	}

	pnl := pos.UnrealizedPnL(rate)
	residual := pos.Margin + pnl
	if residual < 0 {
		residual = 0
	}
	reward := fxmath.BpsOf(pos.Margin, p.LiquidationPenaltyBps)
	if reward > residual {
		reward = residual
	}
	refund := residual - reward

	if !e.vault.CollateralizationIsHealthy(reward+refund, pos.Margin) {
		e.rejected("execute_liquidation", "closure_unsafe")
		return fmt.Errorf("%w: liquidation payout %d", ErrClosureUnsafe, reward+refund)
	}

	owner := pos.Owner
	deltas, err := e.allocator.Unwind(positionID)
	if err != nil {
		e.rejected("execute_liquidation", "state")
		return err
	}
	if err := e.book.Deactivate(positionID); err != nil {
		panic(fmt.Sprintf("FATAL: deactivate after unwind: %v", err))
	}
	e.commitments.Remove(key)

	if reward > 0 {
		if err := e.vault.Withdraw(caller, reward); err != nil {
			panic(fmt.Sprintf("FATAL: liquidator reward failed after health check: %v", err))
		}
	}
	if refund > 0 {
		if err := e.vault.Withdraw(owner, refund); err != nil {
			panic(fmt.Sprintf("FATAL: owner refund failed after health check: %v", err))
		}
	}

	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.Inc()
	}
	e.sweep()
	e.emitFills(deltas)
	e.emit(event.TypeLiquidationExecuted, event.LiquidationExecuted{
		Owner:          owner,
		PositionID:     positionID,
		Liquidator:     caller,
		MarginRatioBps: ratio,
		Reward:         reward,
		OwnerRefund:    refund,
		CommitKey:      hex.EncodeToString(key[:]),
	})
	e.applied("execute_liquidation", start)
	return nil
}

// CancelCommitment withdraws a pending commitment. Only its liquidator may
// cancel; the cooldown on the owner stays in force.
func (e *Engine) CancelCommitment(caller uuid.UUID, key state.CommitKey) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	if err := e.commitments.Cancel(key, caller); err != nil {
		e.rejected("cancel_commitment", "state")
		return err
	}

	if e.metrics != nil {
		e.metrics.LiquidationsCancelled.Inc()
	}
	e.publishGauges()
	e.emit(event.TypeLiquidationCancelled, event.LiquidationCancelled{
		Liquidator: caller,
		CommitKey:  hex.EncodeToString(key[:]),
	})
	e.applied("cancel_commitment", start)
	return nil
}

// ClearExpiredCommitments drops every commitment past expiry, freeing the
// per-position slots for fresh commits. Liquidator role only.
func (e *Engine) ClearExpiredCommitments(caller uuid.UUID) (int, error) {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return 0, err
	}
	defer release()

	if !e.policy.Allowed(auth.CapLiquidator, caller) {
		e.rejected("clear_expired", "unauthorized")
		return 0, ErrUnauthorized
	}

	expired := e.commitments.ClearExpired()
	for _, key := range expired {
		if e.metrics != nil {
			e.metrics.LiquidationsExpired.Inc()
		}
		e.emit(event.TypeLiquidationExpired, event.LiquidationExpired{
			ClearedBy: caller,
			CommitKey: hex.EncodeToString(key[:]),
		})
	}
	e.publishGauges()
	e.applied("clear_expired", start)
	return len(expired), nil
}

// --- Rewards ---

// ClaimRewards pays out the caller's accrued interest differential plus
// their exposure-weighted share of the yield pool.
func (e *Engine) ClaimRewards(caller uuid.UUID) (int64, error) {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return 0, err
	}
	defer release()

	if err := e.requireRunning(); err != nil {
		e.rejected("claim_rewards", "paused")
		return 0, err
	}

	p := e.params.Get()
	h := e.aggregates.Hedger(caller)
	interest, yieldShare, total := e.rewards.Accrued(
		caller,
		h.TotalExposure,
		e.aggregates.TotalExposure(),
		p.EURRateBps,
		p.USDRateBps,
		e.vault.YieldPool(),
	)
	if total == 0 {
		e.rewards.Touch(caller) // start the clock for first-time claimants
		e.applied("claim_rewards", start)
		return 0, nil
	}

	if !e.vault.CollateralizationIsHealthy(total, 0) {
		e.rejected("claim_rewards", "closure_unsafe")
		return 0, fmt.Errorf("%w: reward payout %d", ErrClosureUnsafe, total)
	}

	if err := e.vault.DrawYield(yieldShare); err != nil {
		e.rejected("claim_rewards", "vault")
		return 0, err
	}
	if err := e.vault.Withdraw(caller, total); err != nil {
		panic(fmt.Sprintf("FATAL: reward payout failed after health check: %v", err))
	}
	e.rewards.SetAnchor(caller, e.now())

	if e.metrics != nil {
		e.metrics.RewardsPaid.Add(float64(total))
		e.metrics.RewardsInterest.Add(float64(interest))
		e.metrics.RewardsYield.Add(float64(yieldShare))
	}
	e.publishGauges()
	e.emit(event.TypeRewardsClaimed, event.RewardsClaimed{
		Owner:        caller,
		InterestDiff: interest,
		YieldShare:   yieldShare,
		Total:        total,
	})
	e.applied("claim_rewards", start)
	return total, nil
}

// --- Governance ---

// UpdateParams replaces the full risk/fee parameter record.
func (e *Engine) UpdateParams(caller uuid.UUID, p state.CoreParams) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	if !e.policy.Allowed(auth.CapGovernance, caller) {
		e.rejected("update_params", "unauthorized")
		return ErrUnauthorized
	}
	if err := e.params.Update(p); err != nil {
		e.rejected("update_params", "validation")
		return err
	}

	e.emit(event.TypeParamsUpdated, paramsPayload(caller, e.params.Get()))
	e.applied("update_params", start)
	return nil
}

// Pause halts position lifecycle and reward operations. Liquidation and
// emergency closure keep working.
func (e *Engine) Pause(caller uuid.UUID) error {
	return e.setPaused(caller, true)
}

// Unpause resumes normal operation.
func (e *Engine) Unpause(caller uuid.UUID) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller uuid.UUID, paused bool) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	if !e.policy.Allowed(auth.CapGovernance, caller) && !e.policy.Allowed(auth.CapEmergency, caller) {
		e.rejected("pause", "unauthorized")
		return ErrUnauthorized
	}
	if e.paused == paused {
		if paused {
			return ErrPaused
		}
		return ErrNotPaused
	}

	e.paused = paused
	e.emit(event.TypePauseChanged, event.PauseChanged{Caller: caller, Paused: paused})
	e.applied("pause", start)
	return nil
}

// Paused reports the current pause flag.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// --- Inbound event processing ---

// ProcessEvent applies one NATS-delivered event: user mint/redeem flow, a
// rate update, or a governance parameter update. Flow events follow strict
// per-partition ordering; rate updates tolerate gaps and drop stale
// sequences silently.
func (e *Engine) ProcessEvent(evt event.Inbound) error {
	start := time.Now()
	release, err := e.guard()
	if err != nil {
		return err
	}
	defer release()

	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	isDuplicate := e.idempotency.IsDuplicate(eventType, idempotencyKey)

	if _, ok := evt.(*event.RateUpdate); !ok {
		partition := flowPartition(evt)
		if err := e.flows.Validate(partition, evt.SourceSequence(), isDuplicate); err != nil {
			e.rejected(eventType, "sequence")
			if e.metrics != nil {
				e.metrics.FlowSequenceGap.Inc()
			}
			return err
		}
	}
	if isDuplicate {
		e.rejected(eventType, "duplicate")
		return nil
	}

	switch ev := evt.(type) {
	case *event.UserMintFlow:
		err = e.applyMintFlow(ev)
	case *event.UserRedeemFlow:
		err = e.applyRedeemFlow(ev)
	case *event.RateUpdate:
		err = e.applyRateUpdate(ev)
	case *event.ParamUpdate:
		err = e.applyParamUpdate(ev)
	default:
		err = fmt.Errorf("unknown event type: %T", evt)
	}
	if err != nil {
		e.rejected(eventType, "apply")
		return err
	}

	e.idempotency.MarkProcessed(eventType, idempotencyKey)
	if e.metrics != nil {
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
	}
	e.applied(eventType, start)
	return nil
}

func flowPartition(evt event.Inbound) string {
	switch evt.(type) {
	case *event.UserMintFlow:
		return "flow:mint"
	case *event.UserRedeemFlow:
		return "flow:redeem"
	case *event.ParamUpdate:
		return "governance"
	default:
		return "global"
	}
}

func (e *Engine) applyMintFlow(ev *event.UserMintFlow) error {
	deltas, err := e.allocator.Increase(ev.Amount, 0)
	if err != nil {
		return fmt.Errorf("mint flow %s: %w", ev.FlowID, err)
	}
	e.sweep()
	e.emitFills(deltas)
	return nil
}

func (e *Engine) applyRedeemFlow(ev *event.UserRedeemFlow) error {
	deltas, err := e.allocator.Decrease(ev.Amount, 0)
	if err != nil {
		return fmt.Errorf("redeem flow %s: %w", ev.FlowID, err)
	}
	e.sweep()
	e.emitFills(deltas)
	return nil
}

func (e *Engine) applyRateUpdate(ev *event.RateUpdate) error {
	advanced, err := e.feed.Apply(ev.Rate, ev.RateSequence, ev.RateTimestamp)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		if advanced {
			e.metrics.RateUpdates.Inc()
			e.metrics.CurrentRate.Set(float64(ev.Rate))
		} else {
			e.metrics.RateStaleDropped.Inc()
		}
	}
	return nil
}

func (e *Engine) applyParamUpdate(ev *event.ParamUpdate) error {
	if !e.policy.Allowed(auth.CapGovernance, ev.Caller) {
		return ErrUnauthorized
	}
	if err := e.params.Update(state.CoreParams{
		MinMarginRatioBps:       ev.MinMarginRatioBps,
		LiquidationThresholdBps: ev.LiquidationThresholdBps,
		MaxLeverage:             ev.MaxLeverage,
		LiquidationPenaltyBps:   ev.LiquidationPenaltyBps,
		EntryFeeBps:             ev.EntryFeeBps,
		ExitFeeBps:              ev.ExitFeeBps,
		MarginFeeBps:            ev.MarginFeeBps,
		EURRateBps:              ev.EURRateBps,
		USDRateBps:              ev.USDRateBps,
	}); err != nil {
		return err
	}
	e.emit(event.TypeParamsUpdated, paramsPayload(ev.Caller, e.params.Get()))
	return nil
}

func paramsPayload(caller uuid.UUID, p state.CoreParams) event.ParamsUpdated {
	return event.ParamsUpdated{
		Caller:                  caller,
		MinMarginRatioBps:       p.MinMarginRatioBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		MaxLeverage:             p.MaxLeverage,
		LiquidationPenaltyBps:   p.LiquidationPenaltyBps,
		EntryFeeBps:             p.EntryFeeBps,
		ExitFeeBps:              p.ExitFeeBps,
		MarginFeeBps:            p.MarginFeeBps,
		EURRateBps:              p.EURRateBps,
		USDRateBps:              p.USDRateBps,
	}
}

// --- Read side ---

// Position returns a copy of the record, active or retired.
func (e *Engine) Position(id uint64) (state.HedgePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, err := e.book.Get(id)
	if err != nil {
		return state.HedgePosition{}, err
	}
	return *pos, nil
}

// HedgerBalance returns the caller's aggregate margin and exposure.
func (e *Engine) HedgerBalance(owner uuid.UUID) ledger.HedgerBalance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregates.Hedger(owner)
}

// Totals returns the protocol-wide aggregates.
func (e *Engine) Totals() (margin, exposure, filled, hedgers int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregates.TotalMargin(), e.aggregates.TotalExposure(),
		e.aggregates.TotalFilledExposure(), e.aggregates.ActiveHedgers()
}

// CurrentRate returns the latest accepted rate and its freshness.
func (e *Engine) CurrentRate() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feed.Rate()
}

// Params returns the live parameter record.
func (e *Engine) Params() state.CoreParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Get()
}

// Sequence returns the next audit sequence the engine will assign.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current audit chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// --- Snapshot & recovery ---

// SnapshotState is the serializable in-memory state for warm restart.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	TotalMargin     int64
	TotalExposure   int64
	TotalFilled     int64
	ActiveHedgers   int64
	NextPositionID  uint64
	Hedgers         map[uuid.UUID]ledger.HedgerBalance
	Positions       []state.HedgePosition
	Rate            int64
	RateTime        int64
	RateSequence    int64
	FlowPartitions  map[string]int64
	IdempotencyKeys []string
	Paused          bool
	Params          state.CoreParams
	Commitments     []state.Commitment
	CommitAttempts  map[uuid.UUID]int64
	RewardAnchors   map[uuid.UUID]int64
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := e.book.AllPositions()
	positions := make([]state.HedgePosition, 0, len(all))
	for _, pos := range all {
		positions = append(positions, *pos)
	}

	rate, _ := e.feed.Rate()
	commitments, attempts := e.commitments.Export()
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		TotalMargin:     e.aggregates.TotalMargin(),
		TotalExposure:   e.aggregates.TotalExposure(),
		TotalFilled:     e.aggregates.TotalFilledExposure(),
		ActiveHedgers:   e.aggregates.ActiveHedgers(),
		NextPositionID:  e.aggregates.PeekNextPositionID(),
		Hedgers:         e.aggregates.Snapshot(),
		Positions:       positions,
		Rate:            rate,
		RateTime:        e.feed.LastUpdate(),
		RateSequence:    e.feed.ExpectedSequence(),
		FlowPartitions:  e.flows.Partitions(),
		IdempotencyKeys: e.idempotency.Keys(),
		Paused:          e.paused,
		Params:          e.params.Get(),
		Commitments:     commitments,
		CommitAttempts:  attempts,
		RewardAnchors:   e.rewards.Export(),
	}
}

// RestoreFromSnapshot rebuilds in-memory state; audit events after the
// snapshot sequence are then replayed through ProcessEvent.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.paused = snap.Paused

	e.aggregates.Restore(
		snap.TotalMargin, snap.TotalExposure, snap.TotalFilled,
		snap.ActiveHedgers, snap.NextPositionID, snap.Hedgers,
	)
	for i := range snap.Positions {
		pos := snap.Positions[i]
		e.book.SetPosition(&pos)
	}

	if snap.Rate > 0 {
		// Replay through the feed so the sequence watermark is restored too.
		if _, err := e.feed.Apply(snap.Rate, snap.RateSequence-1, snap.RateTime); err != nil {
			panic(fmt.Sprintf("FATAL: snapshot rate restore: %v", err))
		}
	}
	for partition, seq := range snap.FlowPartitions {
		e.flows.Restore(partition, seq)
	}
	e.idempotency.Warm(snap.IdempotencyKeys)

	if snap.Params != (state.CoreParams{}) {
		if err := e.params.Update(snap.Params); err != nil {
			panic(fmt.Sprintf("FATAL: snapshot param restore: %v", err))
		}
	}
	for _, c := range snap.Commitments {
		e.commitments.Restore(c)
	}
	e.commitments.RestoreAttempts(snap.CommitAttempts)
	for owner, ts := range snap.RewardAnchors {
		e.rewards.SetAnchor(owner, ts)
	}

	e.vault.SetRequiredMargin(e.aggregates.TotalMargin())
}
