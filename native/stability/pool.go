package stability

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"nusd/core/events"
	"nusd/native/cdp"
	nativecommon "nusd/native/common"
)

// ErrUnknownPool is returned when no pool exists for a collateral type.
var ErrUnknownPool = errors.New("stability pool: unknown pool")

var (
	errNilState             = errors.New("stability pool: state not configured")
	errPoolExists           = errors.New("stability pool: pool already exists")
	errInvalidAmount        = errors.New("stability pool: amount must be positive")
	errInsufficientShares   = errors.New("stability pool: withdrawal exceeds depositor shares")
	errPanicActive          = errors.New("stability pool: panic mode active, liquidity must be restored")
	errPanicNotActive       = errors.New("stability pool: panic mode not active")
	errReserveNotWired      = errors.New("stability pool: centralized reserve not configured")
	errReserveExhausted     = errors.New("stability pool: reserve could not cover shortfall")
	errChargerNotWired      = errors.New("stability pool: interest charger not configured")
	errSplitsOutOfTolerance = errors.New("stability pool: reward splits must sum to 100%")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "stability"

// splitToleranceBps is the rounding slack allowed below a full 10000 bps when
// validating reward splits; the shortfall falls through to the pool share.
// Splits summing above 10000 bps would pay out more than was earned and are
// always rejected.
const splitToleranceBps = 10

// Pool is the per-collateral-type stability pool record. Deposits fund
// liquidations; seized collateral accumulates against depositor shares.
type Pool struct {
	CollateralType string
	// Deposits is the stable-token liquidity available to absorb debt.
	Deposits *big.Int
	// TotalShares is the sum of all depositor share units.
	TotalShares *big.Int
	// Shares maps depositors to their share units.
	Shares map[[20]byte]*big.Int
	// Collateral is the seized collateral owed to depositors.
	Collateral *big.Int
	// LiquidityRewards accumulates the liquidity channel of reward splits.
	LiquidityRewards *big.Int
	// PayoutBps, LiquidityBps and PoolBps configure the reward split.
	PayoutBps    uint64
	LiquidityBps uint64
	PoolBps      uint64
	// PanicMode is set when a liquidation exhausted the deposits and the
	// centralized reserve covered the shortfall. Cleared by governance.
	PanicMode bool
	// ReserveDrawn is the cumulative amount drawn from the reserve.
	ReserveDrawn *big.Int
}

// Clone returns a deep copy of the pool record.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Deposits != nil {
		clone.Deposits = new(big.Int).Set(p.Deposits)
	}
	if p.TotalShares != nil {
		clone.TotalShares = new(big.Int).Set(p.TotalShares)
	}
	if p.Collateral != nil {
		clone.Collateral = new(big.Int).Set(p.Collateral)
	}
	if p.LiquidityRewards != nil {
		clone.LiquidityRewards = new(big.Int).Set(p.LiquidityRewards)
	}
	if p.ReserveDrawn != nil {
		clone.ReserveDrawn = new(big.Int).Set(p.ReserveDrawn)
	}
	clone.Shares = make(map[[20]byte]*big.Int, len(p.Shares))
	for depositor, shares := range p.Shares {
		clone.Shares[depositor] = new(big.Int).Set(shares)
	}
	return &clone
}

func (p *Pool) ensureDefaults() {
	if p.Deposits == nil {
		p.Deposits = big.NewInt(0)
	}
	if p.TotalShares == nil {
		p.TotalShares = big.NewInt(0)
	}
	if p.Collateral == nil {
		p.Collateral = big.NewInt(0)
	}
	if p.LiquidityRewards == nil {
		p.LiquidityRewards = big.NewInt(0)
	}
	if p.ReserveDrawn == nil {
		p.ReserveDrawn = big.NewInt(0)
	}
	if p.Shares == nil {
		p.Shares = make(map[[20]byte]*big.Int)
	}
}

// Reserve is the centralized liquidity source read during panic mode. Draw
// may fulfil partially; it returns the amount actually drawn.
type Reserve interface {
	Draw(amount *big.Int) (*big.Int, error)
}

// Payout receives the payout channel of reward distributions.
type Payout interface {
	Distribute(amount *big.Int) error
}

// InterestCharger is the ledger surface the pool drives for periodic interest
// sweeps.
type InterestCharger interface {
	ChargeInterest(auth nativecommon.Authority, symbol string, afterID uint64, limit int) (*cdp.SweepResult, error)
}

type poolState interface {
	GetPool(symbol string) (*Pool, error)
	PutPool(symbol string, pool *Pool) error
	ListPools() ([]string, error)
}

// Engine orchestrates the stability pool state transitions: deposits,
// withdrawals, liquidation absorption and reward distribution.
type Engine struct {
	state      poolState
	emitter    events.Emitter
	pauses     nativecommon.PauseView
	reserve    Reserve
	payout     Payout
	charger    InterestCharger
	credential nativecommon.Authority
	now        func() int64
}

// NewEngine constructs a stability pool engine.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		now:     func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state poolState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetReserve wires the centralized reserve drawn during panic mode.
func (e *Engine) SetReserve(reserve Reserve) {
	if e == nil {
		return
	}
	e.reserve = reserve
}

// SetPayout wires the payout collaborator receiving its reward channel.
func (e *Engine) SetPayout(payout Payout) {
	if e == nil {
		return
	}
	e.payout = payout
}

// SetInterestCharger wires the ledger sweep the pool triggers periodically.
func (e *Engine) SetInterestCharger(charger InterestCharger) {
	if e == nil {
		return
	}
	e.charger = charger
}

// SetCredential configures the capability token the pool presents when
// triggering ledger sweeps.
func (e *Engine) SetCredential(credential nativecommon.Authority) {
	if e == nil {
		return
	}
	e.credential = credential
}

// SetClock overrides the wall clock, primarily for tests.
func (e *Engine) SetClock(now func() int64) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// CreatePool initializes the pool for a collateral type with the given reward
// splits. Governance only.
func (e *Engine) CreatePool(auth nativecommon.Authority, symbol string, payoutBps, liquidityBps, poolBps uint64) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return nil, ErrUnknownPool
	}
	if err := validateSplits(payoutBps, liquidityBps, poolBps); err != nil {
		return nil, err
	}
	existing, err := e.state.GetPool(trimmed)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errPoolExists
	}
	pool := &Pool{
		CollateralType: trimmed,
		PayoutBps:      payoutBps,
		LiquidityBps:   liquidityBps,
		PoolBps:        poolBps,
	}
	pool.ensureDefaults()
	if err := e.state.PutPool(trimmed, pool); err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// SetRewardSplits reconfigures the reward channels. Governance only.
func (e *Engine) SetRewardSplits(auth nativecommon.Authority, symbol string, payoutBps, liquidityBps, poolBps uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
		return err
	}
	if err := validateSplits(payoutBps, liquidityBps, poolBps); err != nil {
		return err
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return err
	}
	pool.PayoutBps = payoutBps
	pool.LiquidityBps = liquidityBps
	pool.PoolBps = poolBps
	return e.state.PutPool(pool.CollateralType, pool)
}

func validateSplits(payoutBps, liquidityBps, poolBps uint64) error {
	sum := payoutBps + liquidityBps + poolBps
	if sum < 10_000-splitToleranceBps || sum > 10_000 {
		return fmt.Errorf("%w: got %d bps", errSplitsOutOfTolerance, sum)
	}
	return nil
}

func (e *Engine) requirePool(symbol string) (*Pool, error) {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return nil, ErrUnknownPool
	}
	pool, err := e.state.GetPool(trimmed)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrUnknownPool
	}
	pool.ensureDefaults()
	return pool, nil
}

// Deposit adds stable-token liquidity and mints shares at the current share
// price.
func (e *Engine) Deposit(depositor [20]byte, symbol string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return nil, err
	}

	shares := new(big.Int).Set(amount)
	if pool.TotalShares.Sign() > 0 && pool.Deposits.Sign() > 0 {
		// shares = amount * totalShares / deposits, rounded down so the
		// pool never over-issues.
		shares.Mul(amount, pool.TotalShares)
		shares.Quo(shares, pool.Deposits)
	}
	if shares.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	pool.Deposits.Add(pool.Deposits, amount)
	pool.TotalShares.Add(pool.TotalShares, shares)
	held := pool.Shares[depositor]
	if held == nil {
		held = big.NewInt(0)
	}
	pool.Shares[depositor] = new(big.Int).Add(held, shares)
	if err := e.state.PutPool(pool.CollateralType, pool); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PoolDeposit{
		CollateralType: pool.CollateralType,
		Depositor:      depositor,
		Amount:         amount,
		Shares:         shares,
		Timestamp:      e.now(),
	})
	return shares, nil
}

// WithdrawResult reports the stable tokens and collateral released for the
// burned shares.
type WithdrawResult struct {
	Amount     *big.Int
	Collateral *big.Int
}

// Withdraw burns shares and pays out the proportional slice of deposits and
// accumulated collateral.
func (e *Engine) Withdraw(depositor [20]byte, symbol string, shares *big.Int) (*WithdrawResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return nil, err
	}
	held := pool.Shares[depositor]
	if held == nil || held.Cmp(shares) < 0 {
		return nil, errInsufficientShares
	}

	amount := new(big.Int).Mul(pool.Deposits, shares)
	amount.Quo(amount, pool.TotalShares)
	collateralOut := new(big.Int).Mul(pool.Collateral, shares)
	collateralOut.Quo(collateralOut, pool.TotalShares)

	pool.Deposits.Sub(pool.Deposits, amount)
	pool.Collateral.Sub(pool.Collateral, collateralOut)
	pool.TotalShares.Sub(pool.TotalShares, shares)
	remaining := new(big.Int).Sub(held, shares)
	if remaining.Sign() == 0 {
		delete(pool.Shares, depositor)
	} else {
		pool.Shares[depositor] = remaining
	}
	if err := e.state.PutPool(pool.CollateralType, pool); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PoolWithdraw{
		CollateralType: pool.CollateralType,
		Depositor:      depositor,
		Amount:         amount,
		Collateral:     collateralOut,
		Shares:         shares,
		Timestamp:      e.now(),
	})
	return &WithdrawResult{Amount: amount, Collateral: collateralOut}, nil
}

// Absorb funds a liquidation: debt is debited from the deposits and the
// seized collateral credited to the pool. When deposits cannot cover the debt
// the shortfall is drawn from the centralized reserve and panic mode
// activates; further absorptions are refused until governance clears it. The
// caller must present the liquidation capability.
func (e *Engine) Absorb(auth nativecommon.Authority, symbol string, debt, collateralSeized *big.Int) (*cdp.AbsorbResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapLiquidation); err != nil {
		return nil, err
	}
	if debt == nil || debt.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return nil, err
	}
	if pool.PanicMode {
		return nil, errPanicActive
	}

	covered := new(big.Int).Set(debt)
	shortfall := big.NewInt(0)
	drawn := big.NewInt(0)
	if covered.Cmp(pool.Deposits) > 0 {
		shortfall.Sub(covered, pool.Deposits)
		covered.Set(pool.Deposits)
		if e.reserve == nil {
			return nil, errReserveNotWired
		}
		drawn, err = e.reserve.Draw(shortfall)
		if err != nil {
			return nil, err
		}
		if drawn == nil || drawn.Cmp(shortfall) < 0 {
			return nil, fmt.Errorf("%w: needed %s, drew %s", errReserveExhausted, shortfall, drawn)
		}
		pool.PanicMode = true
		pool.ReserveDrawn.Add(pool.ReserveDrawn, drawn)
	}

	pool.Deposits.Sub(pool.Deposits, covered)
	if collateralSeized != nil && collateralSeized.Sign() > 0 {
		pool.Collateral.Add(pool.Collateral, collateralSeized)
	}
	if err := e.state.PutPool(pool.CollateralType, pool); err != nil {
		return nil, err
	}
	now := e.now()
	e.emitter.Emit(events.PoolAbsorbed{
		CollateralType: pool.CollateralType,
		Debt:           debt,
		Collateral:     collateralSeized,
		Shortfall:      shortfall,
		PanicMode:      pool.PanicMode,
		Timestamp:      now,
	})
	if pool.PanicMode {
		e.emitter.Emit(events.PanicModeChanged{
			CollateralType: pool.CollateralType,
			Active:         true,
			Drawn:          drawn,
			Timestamp:      now,
		})
	}
	return &cdp.AbsorbResult{Covered: covered, Drawn: drawn, PanicMode: pool.PanicMode}, nil
}

// ClearPanic resumes normal liquidations once liquidity has been restored.
// Governance only.
func (e *Engine) ClearPanic(auth nativecommon.Authority, symbol string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
		return err
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return err
	}
	if !pool.PanicMode {
		return errPanicNotActive
	}
	pool.PanicMode = false
	if err := e.state.PutPool(pool.CollateralType, pool); err != nil {
		return err
	}
	e.emitter.Emit(events.PanicModeChanged{
		CollateralType: pool.CollateralType,
		Active:         false,
		Drawn:          pool.ReserveDrawn,
		Timestamp:      e.now(),
	})
	return nil
}

// DistributeRewards splits incoming fees or liquidation premiums across the
// payout, liquidity and pool channels. Rounding remainders go to the pool so
// no dust is lost.
func (e *Engine) DistributeRewards(symbol string, amount *big.Int, source string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return err
	}

	payoutShare := splitShare(amount, pool.PayoutBps)
	liquidityShare := splitShare(amount, pool.LiquidityBps)
	if e.payout == nil {
		// Without a payout sink the payout leg folds back into the pool
		// share instead of vanishing.
		payoutShare = big.NewInt(0)
	}
	poolShare := new(big.Int).Sub(amount, payoutShare)
	poolShare.Sub(poolShare, liquidityShare)

	if payoutShare.Sign() > 0 {
		if err := e.payout.Distribute(payoutShare); err != nil {
			return err
		}
	}
	pool.LiquidityRewards.Add(pool.LiquidityRewards, liquidityShare)
	pool.Deposits.Add(pool.Deposits, poolShare)
	if err := e.state.PutPool(pool.CollateralType, pool); err != nil {
		return err
	}
	e.emitter.Emit(events.RewardDistributed{
		CollateralType: pool.CollateralType,
		Source:         source,
		Payout:         payoutShare,
		Liquidity:      liquidityShare,
		Pool:           poolShare,
		Timestamp:      e.now(),
	})
	return nil
}

// CreditCollateral adds collateral-denominated income, such as redemption
// fees, to the pool's collateral balance. Deposits stay stable-token only.
func (e *Engine) CreditCollateral(symbol string, amount *big.Int, source string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return err
	}
	pool.Collateral.Add(pool.Collateral, amount)
	if err := e.state.PutPool(pool.CollateralType, pool); err != nil {
		return err
	}
	e.emitter.Emit(events.CollateralCredited{
		CollateralType: pool.CollateralType,
		Source:         source,
		Amount:         amount,
		Timestamp:      e.now(),
	})
	return nil
}

func splitShare(amount *big.Int, bps uint64) *big.Int {
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, basisPoints)
}

// TriggerInterest drives one bounded interest sweep on the ledger, presenting
// the pool's capability token.
func (e *Engine) TriggerInterest(symbol string, afterID uint64, limit int) (*cdp.SweepResult, error) {
	if e == nil {
		return nil, errNilState
	}
	if e.charger == nil {
		return nil, errChargerNotWired
	}
	return e.charger.ChargeInterest(e.credential, symbol, afterID, limit)
}

// Get returns a copy of the pool record.
func (e *Engine) Get(symbol string) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// SharesOf returns the share units held by a depositor.
func (e *Engine) SharesOf(depositor [20]byte, symbol string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.requirePool(symbol)
	if err != nil {
		return nil, err
	}
	held := pool.Shares[depositor]
	if held == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(held), nil
}
