package cdp

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"nusd/core/events"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
)

var (
	errNilState               = errors.New("cdp engine: state not configured")
	errUnknownCollateral      = errors.New("cdp engine: unknown collateral type")
	errCollateralNotAccepted  = errors.New("cdp engine: collateral type not accepted")
	errInvalidAmount          = errors.New("cdp engine: amount must be positive")
	errInsufficientCollateral = errors.New("cdp engine: collateral ratio below minimum")
	errBelowMinimumDebt       = errors.New("cdp engine: debt below configured minimum")
	errDebtCeiling            = errors.New("cdp engine: debt ceiling exceeded")
	errPriceUnavailable       = errors.New("cdp engine: price unavailable")
	errUnknownCdp             = errors.New("cdp engine: unknown position")
	errNotOwner               = errors.New("cdp engine: caller does not own position")
	errCdpNotOpen             = errors.New("cdp engine: position not open")
	errCollateralShortfall    = errors.New("cdp engine: withdrawal exceeds position collateral")
	errAlreadyLinked          = errors.New("cdp engine: privileged record already linked")
	errNotLinked              = errors.New("cdp engine: position has no privileged link")
	errUnknownPrivileged      = errors.New("cdp engine: unknown privileged record")
	errNoLeftovers            = errors.New("cdp engine: no leftover collateral to retrieve")
	errInvariantViolation     = errors.New("cdp engine: invariant violation")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "cdp"

// PriceOracle supplies spot prices for collateral assets. A missing or
// non-positive quote fails the enclosing operation rather than falling back to
// a cached value.
type PriceOracle interface {
	Price(asset string) (*big.Rat, error)
}

type engineState interface {
	GetCollateral(symbol string) (*collateral.Type, error)
	PutCollateral(symbol string, record *collateral.Type) error
	ListCollateral() ([]string, error)
	GetCdp(id uint64) (*Cdp, error)
	PutCdp(record *Cdp) error
	NextCdpID() (uint64, error)
	ListCdps(symbol string) ([]*Cdp, error)
	GetPrivileged(id string) (*PrivilegedBorrower, error)
	PutPrivileged(record *PrivilegedBorrower) error
	GetRateHistory(symbol string) (*RateHistory, error)
	PutRateHistory(symbol string, history *RateHistory) error
	GetRedemptionState(symbol string) (*RedemptionState, error)
	PutRedemptionState(symbol string, st *RedemptionState) error
	GetMarked(symbol string) ([]uint64, error)
	PutMarked(symbol string, ids []uint64) error
	GetQuota(symbol string) (nativecommon.QuotaNow, error)
	PutQuota(symbol string, usage nativecommon.QuotaNow) error
}

// Engine orchestrates the primary state transitions for the position ledger:
// opening, adjusting and closing positions, interest sweeps, liquidation and
// redemption.
type Engine struct {
	state      engineState
	indexes    map[string]*RatioIndex
	emitter    events.Emitter
	pauses     nativecommon.PauseView
	oracle     PriceOracle
	pool       PoolFunder
	credential nativecommon.Authority
	quota      nativecommon.Quota
	pendingLow map[string]*big.Rat
	now        func() int64
}

// NewEngine constructs a position ledger engine.
func NewEngine() *Engine {
	return &Engine{
		indexes:    make(map[string]*RatioIndex),
		emitter:    events.NoopEmitter{},
		pendingLow: make(map[string]*big.Rat),
		now:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

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

// SetOracle wires the price source used when callers do not supply a price.
func (e *Engine) SetOracle(oracle PriceOracle) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetPoolFunder wires the stability pool consumed by liquidations.
func (e *Engine) SetPoolFunder(pool PoolFunder) {
	if e == nil {
		return
	}
	e.pool = pool
}

// SetCredential configures the capability token the engine presents to
// restricted collaborator entry points.
func (e *Engine) SetCredential(credential nativecommon.Authority) {
	if e == nil {
		return
	}
	e.credential = credential
}

// SetQuota configures the per-epoch mint throttles. A zero quota disables
// throttling.
func (e *Engine) SetQuota(q nativecommon.Quota) {
	if e == nil {
		return
	}
	e.quota = q
}

// SetClock overrides the wall clock, primarily for tests.
func (e *Engine) SetClock(now func() int64) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// RebuildIndexes reconstructs the in-memory ratio indexes from the persisted
// ledger. Call once on boot before serving operations.
func (e *Engine) RebuildIndexes() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	symbols, err := e.state.ListCollateral()
	if err != nil {
		return err
	}
	indexes := make(map[string]*RatioIndex, len(symbols))
	for _, symbol := range symbols {
		index := NewRatioIndex()
		positions, err := e.state.ListCdps(symbol)
		if err != nil {
			return err
		}
		for _, position := range positions {
			if position == nil || position.Status != StatusOpen {
				continue
			}
			position.ensureDefaults()
			index.Insert(rawRatio(position.Collateral, position.Debt), position.ID)
		}
		indexes[symbol] = index
	}
	e.indexes = indexes
	return nil
}

func (e *Engine) index(symbol string) *RatioIndex {
	if e.indexes == nil {
		e.indexes = make(map[string]*RatioIndex)
	}
	index, ok := e.indexes[symbol]
	if !ok {
		index = NewRatioIndex()
		e.indexes[symbol] = index
	}
	return index
}

// rawRatio returns the price-independent collateral/debt key used by the
// index. Price is uniform across a collateral type, so ordering by the raw
// ratio equals ordering by the live ratio at any price.
func rawRatio(collateralAmt, debt *big.Int) *big.Rat {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Rat)
	}
	if collateralAmt == nil {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(collateralAmt, debt)
}

func mcrRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), basisPoints)
}

func (e *Engine) resolvePrice(record *collateral.Type, supplied *big.Rat) (*big.Rat, error) {
	if supplied != nil {
		if supplied.Sign() <= 0 {
			return nil, errPriceUnavailable
		}
		return new(big.Rat).Set(supplied), nil
	}
	if e.oracle == nil {
		return nil, errPriceUnavailable
	}
	price, err := e.oracle.Price(record.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPriceUnavailable, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, errPriceUnavailable
	}
	return new(big.Rat).Set(price), nil
}

func (e *Engine) requireCollateral(symbol string) (*collateral.Type, error) {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return nil, errUnknownCollateral
	}
	record, err := e.state.GetCollateral(trimmed)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errUnknownCollateral
	}
	return record, nil
}

func (e *Engine) requireCdp(id uint64) (*Cdp, error) {
	record, err := e.state.GetCdp(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errUnknownCdp
	}
	record.ensureDefaults()
	return record, nil
}

// checkTotals aborts the enclosing call when the aggregate counters turn
// negative. The violation is emitted for operator attention, never repaired.
func (e *Engine) checkTotals(record *collateral.Type) error {
	if record.TotalCollateral.Sign() < 0 || record.TotalDebt.Sign() < 0 {
		e.emitter.Emit(events.InvariantViolation{
			Component: moduleName,
			Detail: fmt.Sprintf("negative aggregate for %s: collateral=%s debt=%s",
				record.Symbol, record.TotalCollateral, record.TotalDebt),
			Timestamp: e.now(),
		})
		return errInvariantViolation
	}
	return nil
}

// chargeInterest realizes pending interest on one position at the collateral
// type's current annual rate. The charge is added to the position debt and to
// the aggregate outstanding debt; re-keying the index is the caller's job.
func (e *Engine) chargeInterest(record *collateral.Type, position *Cdp, now int64) (*big.Int, *big.Rat) {
	rate := record.Rates.AnnualRate(record.TotalDebt, record.DebtCeiling)
	elapsed := now - position.LastAccrual
	charged := accrueSimple(position.Debt, rate, elapsed)
	position.LastAccrual = now
	if charged.Sign() > 0 {
		position.Debt.Add(position.Debt, charged)
		record.TotalDebt.Add(record.TotalDebt, charged)
	}
	return charged, rate
}

func (e *Engine) checkMintQuota(symbol string, minted *big.Int) error {
	if e.quota == (nativecommon.Quota{}) {
		return nil
	}
	epochSeconds := int64(e.quota.EpochSeconds)
	if epochSeconds <= 0 {
		epochSeconds = 1
	}
	addMint := uint64(0)
	if minted != nil && minted.Sign() > 0 {
		if !minted.IsUint64() {
			return nativecommon.ErrQuotaMintCapExceeded
		}
		addMint = minted.Uint64()
	}
	usage, err := e.state.GetQuota(symbol)
	if err != nil {
		return err
	}
	next, err := nativecommon.CheckQuota(e.quota, uint64(e.now()/epochSeconds), usage, 1, addMint)
	if err != nil {
		return err
	}
	return e.state.PutQuota(symbol, next)
}

// Open creates a position, mints debtOut of the stable token against the
// locked collateral and inserts the position into the ratio index. The caller
// receives the created position record.
func (e *Engine) Open(owner [20]byte, symbol string, collateralIn, debtOut *big.Int, price *big.Rat) (*Cdp, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	record, err := e.requireCollateral(symbol)
	if err != nil {
		return nil, err
	}
	if !record.Accepted {
		return nil, errCollateralNotAccepted
	}
	if record.Stops.Stopped(nativecommon.StopMint) {
		return nil, &nativecommon.StopError{Kind: nativecommon.StopMint}
	}
	if collateralIn == nil || collateralIn.Sign() <= 0 || debtOut == nil || debtOut.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if debtOut.Cmp(record.MinimumDebt) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", errBelowMinimumDebt, debtOut, record.MinimumDebt)
	}
	spot, err := e.resolvePrice(record, price)
	if err != nil {
		return nil, err
	}
	if record.DebtCeiling.Sign() > 0 {
		projected := new(big.Int).Add(record.TotalDebt, debtOut)
		if projected.Cmp(record.DebtCeiling) > 0 {
			return nil, errDebtCeiling
		}
	}
	if err := e.checkMintQuota(record.Symbol, debtOut); err != nil {
		return nil, err
	}

	raw := rawRatio(collateralIn, debtOut)
	live := new(big.Rat).Mul(raw, spot)
	required := mcrRat(record.MCRBps)
	if live.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: ratio %s below required %s",
			errInsufficientCollateral, live.FloatString(4), required.FloatString(4))
	}

	id, err := e.state.NextCdpID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	position := &Cdp{
		ID:             id,
		CollateralType: record.Symbol,
		Owner:          owner,
		Collateral:     new(big.Int).Set(collateralIn),
		Debt:           new(big.Int).Set(debtOut),
		LastAccrual:    now,
		Leftover:       big.NewInt(0),
		Status:         StatusOpen,
	}
	record.TotalCollateral.Add(record.TotalCollateral, collateralIn)
	record.TotalDebt.Add(record.TotalDebt, debtOut)
	if err := e.checkTotals(record); err != nil {
		return nil, err
	}
	if err := e.state.PutCdp(position); err != nil {
		return nil, err
	}
	if err := e.state.PutCollateral(record.Symbol, record); err != nil {
		return nil, err
	}
	e.index(record.Symbol).Insert(raw, id)
	e.emitter.Emit(events.CdpOpened{
		CollateralType: record.Symbol,
		CdpID:          id,
		Owner:          owner,
		Collateral:     position.Collateral,
		Debt:           position.Debt,
		Timestamp:      now,
	})
	return position.Clone(), nil
}

// Adjust applies a signed collateral and debt delta to a position. Pending
// interest is charged before the deltas are evaluated, and the minimum
// collateral ratio is enforced only for ratio-decreasing changes (added debt
// or removed collateral). A marked position that recovers above the minimum
// ratio returns to open status.
func (e *Engine) Adjust(owner [20]byte, id uint64, deltaCollateral, deltaDebt *big.Int, price *big.Rat) (*Cdp, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	position, err := e.requireCdp(id)
	if err != nil {
		return nil, err
	}
	if position.Owner != owner {
		return nil, errNotOwner
	}
	if !position.Status.Live() {
		return nil, errCdpNotOpen
	}
	record, err := e.requireCollateral(position.CollateralType)
	if err != nil {
		return nil, err
	}
	if deltaCollateral == nil {
		deltaCollateral = big.NewInt(0)
	}
	if deltaDebt == nil {
		deltaDebt = big.NewInt(0)
	}
	if deltaDebt.Sign() > 0 && record.Stops.Stopped(nativecommon.StopMint) {
		return nil, &nativecommon.StopError{Kind: nativecommon.StopMint}
	}
	spot, err := e.resolvePrice(record, price)
	if err != nil {
		return nil, err
	}

	now := e.now()
	e.chargeInterest(record, position, now)

	newCollateral := new(big.Int).Add(position.Collateral, deltaCollateral)
	if newCollateral.Sign() < 0 {
		return nil, errCollateralShortfall
	}
	newDebt := new(big.Int).Add(position.Debt, deltaDebt)
	if newDebt.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if newDebt.Sign() == 0 || newDebt.Cmp(record.MinimumDebt) < 0 {
		// Full repayment goes through Close, which also releases the
		// collateral.
		return nil, fmt.Errorf("%w: %s < %s", errBelowMinimumDebt, newDebt, record.MinimumDebt)
	}
	if deltaDebt.Sign() > 0 && record.DebtCeiling.Sign() > 0 {
		projected := new(big.Int).Add(record.TotalDebt, deltaDebt)
		if projected.Cmp(record.DebtCeiling) > 0 {
			return nil, errDebtCeiling
		}
	}
	if deltaDebt.Sign() > 0 {
		if err := e.checkMintQuota(record.Symbol, deltaDebt); err != nil {
			return nil, err
		}
	}

	raw := rawRatio(newCollateral, newDebt)
	live := new(big.Rat).Mul(raw, spot)
	required := mcrRat(record.MCRBps)
	if (deltaDebt.Sign() > 0 || deltaCollateral.Sign() < 0) && live.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: ratio %s below required %s",
			errInsufficientCollateral, live.FloatString(4), required.FloatString(4))
	}

	position.Collateral = newCollateral
	position.Debt = newDebt
	record.TotalCollateral.Add(record.TotalCollateral, deltaCollateral)
	record.TotalDebt.Add(record.TotalDebt, deltaDebt)
	if err := e.checkTotals(record); err != nil {
		return nil, err
	}

	recovered := false
	if position.Status == StatusMarked && live.Cmp(required) >= 0 {
		position.Status = StatusOpen
		position.NoticeDeadline = 0
		recovered = true
	}
	if err := e.state.PutCdp(position); err != nil {
		return nil, err
	}
	if err := e.state.PutCollateral(record.Symbol, record); err != nil {
		return nil, err
	}
	if recovered {
		if err := e.removeMarked(record.Symbol, position.ID); err != nil {
			return nil, err
		}
	}
	if position.Status == StatusOpen {
		e.index(record.Symbol).Insert(raw, position.ID)
	}
	e.emitter.Emit(events.CdpAdjusted{
		CollateralType: record.Symbol,
		CdpID:          position.ID,
		Collateral:     position.Collateral,
		Debt:           position.Debt,
		Timestamp:      now,
	})
	return position.Clone(), nil
}

// CloseResult reports the outcome of closing a position: the debt the caller
// must surrender for burning and the collateral released back to the owner.
type CloseResult struct {
	CollateralType string
	Repaid         *big.Int
	Returned       *big.Int
}

// Close repays the full outstanding debt of a position, including a final
// interest charge, and releases all collateral plus any retained leftovers to
// the owner.
func (e *Engine) Close(owner [20]byte, id uint64) (*CloseResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	position, err := e.requireCdp(id)
	if err != nil {
		return nil, err
	}
	if position.Owner != owner {
		return nil, errNotOwner
	}
	if !position.Status.Live() {
		return nil, errCdpNotOpen
	}
	record, err := e.requireCollateral(position.CollateralType)
	if err != nil {
		return nil, err
	}

	now := e.now()
	e.chargeInterest(record, position, now)

	repaid := new(big.Int).Set(position.Debt)
	returned := new(big.Int).Add(position.Collateral, position.Leftover)
	record.TotalDebt.Sub(record.TotalDebt, position.Debt)
	record.TotalCollateral.Sub(record.TotalCollateral, position.Collateral)
	if err := e.checkTotals(record); err != nil {
		return nil, err
	}

	wasMarked := position.Status == StatusMarked
	position.Debt = big.NewInt(0)
	position.Collateral = big.NewInt(0)
	position.Leftover = big.NewInt(0)
	position.Status = StatusClosed
	position.NoticeDeadline = 0
	if err := e.state.PutCdp(position); err != nil {
		return nil, err
	}
	if err := e.state.PutCollateral(record.Symbol, record); err != nil {
		return nil, err
	}
	if wasMarked {
		if err := e.removeMarked(record.Symbol, position.ID); err != nil {
			return nil, err
		}
	}
	e.index(record.Symbol).Remove(position.ID)
	if position.Privileged != "" {
		if err := e.clearLink(position.Privileged); err != nil {
			return nil, err
		}
	}
	e.emitter.Emit(events.CdpClosed{
		CollateralType: record.Symbol,
		CdpID:          position.ID,
		Returned:       returned,
		Timestamp:      now,
	})
	return &CloseResult{CollateralType: record.Symbol, Repaid: repaid, Returned: returned}, nil
}

// RetrieveLeftovers pays out collateral retained for the owner after a
// liquidation or full redemption.
func (e *Engine) RetrieveLeftovers(owner [20]byte, id uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	position, err := e.requireCdp(id)
	if err != nil {
		return nil, err
	}
	if position.Owner != owner {
		return nil, errNotOwner
	}
	if position.Leftover.Sign() <= 0 {
		return nil, errNoLeftovers
	}
	amount := new(big.Int).Set(position.Leftover)
	position.Leftover = big.NewInt(0)
	if err := e.state.PutCdp(position); err != nil {
		return nil, err
	}
	return amount, nil
}

// LinkPrivileged attaches a privileged-borrower record to a position. Both
// sides of the link must be free.
func (e *Engine) LinkPrivileged(owner [20]byte, id uint64, privilegedID string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	position, err := e.requireCdp(id)
	if err != nil {
		return err
	}
	if position.Owner != owner {
		return errNotOwner
	}
	if !position.Status.Live() {
		return errCdpNotOpen
	}
	if position.Privileged != "" {
		return errAlreadyLinked
	}
	record, err := e.state.GetPrivileged(strings.TrimSpace(privilegedID))
	if err != nil {
		return err
	}
	if record == nil {
		return errUnknownPrivileged
	}
	if record.LinkedCdp != 0 {
		return errAlreadyLinked
	}
	record.LinkedCdp = position.ID
	position.Privileged = record.ID
	if err := e.state.PutPrivileged(record); err != nil {
		return err
	}
	return e.state.PutCdp(position)
}

// UnlinkPrivileged detaches the privileged record from a position. Allowed
// for the position owner and for protocol-authorized callers.
func (e *Engine) UnlinkPrivileged(auth nativecommon.Authority, owner [20]byte, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	position, err := e.requireCdp(id)
	if err != nil {
		return err
	}
	if position.Owner != owner {
		if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
			return err
		}
	}
	if position.Privileged == "" {
		return errNotLinked
	}
	privilegedID := position.Privileged
	position.Privileged = ""
	if err := e.state.PutCdp(position); err != nil {
		return err
	}
	return e.clearLink(privilegedID)
}

// RegisterPrivileged stores a privileged-borrower record. Protocol-authorized
// callers only.
func (e *Engine) RegisterPrivileged(auth nativecommon.Authority, record *PrivilegedBorrower) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
		return err
	}
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return errUnknownPrivileged
	}
	clone := record.Clone()
	clone.ID = strings.TrimSpace(record.ID)
	clone.LinkedCdp = 0
	return e.state.PutPrivileged(clone)
}

func (e *Engine) clearLink(privilegedID string) error {
	record, err := e.state.GetPrivileged(privilegedID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	record.LinkedCdp = 0
	return e.state.PutPrivileged(record)
}

func (e *Engine) privilegedFor(position *Cdp) (*PrivilegedBorrower, error) {
	if position.Privileged == "" {
		return nil, nil
	}
	return e.state.GetPrivileged(position.Privileged)
}

// Get returns a copy of the position record.
func (e *Engine) Get(id uint64) (*Cdp, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	position, err := e.requireCdp(id)
	if err != nil {
		return nil, err
	}
	return position.Clone(), nil
}

// LowestRatio reports the lowest live collateral ratio among open positions
// of a collateral type. The second return is false when the index is empty.
func (e *Engine) LowestRatio(symbol string) (*big.Rat, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	record, err := e.requireCollateral(symbol)
	if err != nil {
		return nil, false, err
	}
	raw, _, ok := e.index(record.Symbol).Lowest()
	if !ok {
		return nil, false, nil
	}
	spot, err := e.resolvePrice(record, nil)
	if err != nil {
		return nil, false, err
	}
	return new(big.Rat).Mul(raw, spot), true, nil
}

// Reconcile recomputes the aggregate counters from the ledger and compares
// them to the stored totals. A mismatch is emitted as an invariant violation
// and returned as an error; the stored state is left untouched.
func (e *Engine) Reconcile(symbol string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	record, err := e.requireCollateral(symbol)
	if err != nil {
		return err
	}
	positions, err := e.state.ListCdps(record.Symbol)
	if err != nil {
		return err
	}
	sumCollateral := big.NewInt(0)
	sumDebt := big.NewInt(0)
	for _, position := range positions {
		if position == nil || !position.Status.Live() {
			continue
		}
		position.ensureDefaults()
		sumCollateral.Add(sumCollateral, position.Collateral)
		sumDebt.Add(sumDebt, position.Debt)
	}
	if sumCollateral.Cmp(record.TotalCollateral) != 0 || sumDebt.Cmp(record.TotalDebt) != 0 {
		e.emitter.Emit(events.InvariantViolation{
			Component: moduleName,
			Detail: fmt.Sprintf("aggregate mismatch for %s: collateral %s != %s or debt %s != %s",
				record.Symbol, record.TotalCollateral, sumCollateral, record.TotalDebt, sumDebt),
			Timestamp: e.now(),
		})
		return errInvariantViolation
	}
	return nil
}

func (e *Engine) removeMarked(symbol string, id uint64) error {
	marked, err := e.state.GetMarked(symbol)
	if err != nil {
		return err
	}
	for i, existing := range marked {
		if existing == id {
			marked = append(marked[:i], marked[i+1:]...)
			return e.state.PutMarked(symbol, marked)
		}
	}
	return nil
}

func (e *Engine) appendMarked(symbol string, id uint64) error {
	marked, err := e.state.GetMarked(symbol)
	if err != nil {
		return err
	}
	for _, existing := range marked {
		if existing == id {
			return nil
		}
	}
	marked = append(marked, id)
	sort.Slice(marked, func(i, j int) bool { return marked[i] < marked[j] })
	return e.state.PutMarked(symbol, marked)
}

// SweepResult reports a bounded interest sweep: the total interest charged,
// the identifier to resume from and whether the cycle completed.
type SweepResult struct {
	Charged *big.Int
	NextID  uint64
	Done    bool
}

// ChargeInterest runs a bounded interest sweep over the live positions of a
// collateral type, resuming after afterID. Restricted to the stability pool.
// On completion the lowest rate observed during the call is pushed into the
// rate history feeding the redemption fee floor.
func (e *Engine) ChargeInterest(auth nativecommon.Authority, symbol string, afterID uint64, limit int) (*SweepResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapStabilityPool); err != nil {
		return nil, err
	}
	record, err := e.requireCollateral(symbol)
	if err != nil {
		return nil, err
	}
	positions, err := e.state.ListCdps(record.Symbol)
	if err != nil {
		return nil, err
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })

	if limit <= 0 {
		limit = len(positions)
	}
	now := e.now()
	total := big.NewInt(0)
	// The low-water mark carries across continuation batches so that a cycle
	// split over several calls still records its true lowest rate.
	if afterID == 0 {
		delete(e.pendingLow, symbol)
	}
	lowest := e.pendingLow[symbol]
	processed := 0
	nextID := afterID
	done := true
	for _, position := range positions {
		if position == nil || position.ID <= afterID || !position.Status.Live() {
			continue
		}
		if processed >= limit {
			done = false
			break
		}
		position.ensureDefaults()
		charged, rate := e.chargeInterest(record, position, now)
		if lowest == nil || rate.Cmp(lowest) < 0 {
			lowest = rate
		}
		if charged.Sign() > 0 {
			total.Add(total, charged)
			if err := e.state.PutCdp(position); err != nil {
				return nil, err
			}
			if position.Status == StatusOpen {
				e.index(record.Symbol).Insert(rawRatio(position.Collateral, position.Debt), position.ID)
			}
		} else if err := e.state.PutCdp(position); err != nil {
			return nil, err
		}
		processed++
		nextID = position.ID
	}
	if err := e.checkTotals(record); err != nil {
		return nil, err
	}
	if err := e.state.PutCollateral(record.Symbol, record); err != nil {
		return nil, err
	}
	if !done && lowest != nil {
		e.pendingLow[symbol] = lowest
	}
	if done && lowest != nil {
		delete(e.pendingLow, symbol)
		history, err := e.state.GetRateHistory(record.Symbol)
		if err != nil {
			return nil, err
		}
		if history == nil {
			history = NewRateHistory()
		}
		history.Push(lowest)
		if err := e.state.PutRateHistory(record.Symbol, history); err != nil {
			return nil, err
		}
		e.emitter.Emit(events.InterestCharged{
			CollateralType: record.Symbol,
			Charged:        total,
			LowestRate:     lowest.FloatString(8),
			Timestamp:      now,
		})
	}
	return &SweepResult{Charged: total, NextID: nextID, Done: done}, nil
}
