package collateral

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"nusd/core/events"
	nativecommon "nusd/native/common"
)

var (
	errNilState          = errors.New("collateral registry: state not configured")
	errEmptySymbol       = errors.New("collateral registry: symbol must not be empty")
	errEmptyAsset        = errors.New("collateral registry: asset must not be empty")
	errAlreadyRegistered = errors.New("collateral registry: symbol already registered")
	errUnknownCollateral = errors.New("collateral registry: unknown collateral type")
	errMCRBelowPar       = errors.New("collateral registry: mcr must be at least 100%")
	errMCRUnsafe         = errors.New("collateral registry: mcr would leave open positions liquidatable")
	errFeeBounds         = errors.New("collateral registry: redemption fee bounds inverted")
	errPenaltyTooHigh    = errors.New("collateral registry: liquidation penalty exceeds cap")
	errDiscountTooHigh   = errors.New("collateral registry: pool discount exceeds penalty")
	errTipTooHigh        = errors.New("collateral registry: liquidation tip exceeds penalty")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "collateral"

// maxPenaltyBps caps the liquidation penalty at 50%.
const maxPenaltyBps = 5_000

type registryState interface {
	GetCollateral(symbol string) (*Type, error)
	PutCollateral(symbol string, record *Type) error
	ListCollateral() ([]string, error)
}

// RatioView reports the lowest live collateral ratio among open positions of a
// collateral type, used to vet MCR changes. The second return is false when no
// open positions exist.
type RatioView interface {
	LowestRatio(symbol string) (*big.Rat, bool, error)
}

// Registry orchestrates governance state transitions for the set of accepted
// collateral types. Mutating entries require the caller to present a
// governance capability token.
type Registry struct {
	state        registryState
	ratios       RatioView
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	mcrTolerance uint64
	now          func() int64
}

// NewRegistry constructs a collateral registry with the given MCR update
// tolerance in basis points.
func NewRegistry(mcrToleranceBps uint64) *Registry {
	return &Registry{
		emitter:      events.NoopEmitter{},
		mcrTolerance: mcrToleranceBps,
		now:          func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the registry to the external persistence layer.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetRatioView wires the live position ratio lookup used to vet MCR updates.
func (r *Registry) SetRatioView(v RatioView) {
	if r == nil {
		return
	}
	r.ratios = v
}

// SetEmitter configures the event emitter used by the registry.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) SetPauses(p nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = p
}

// SetClock overrides the wall clock, primarily for tests.
func (r *Registry) SetClock(now func() int64) {
	if r == nil || now == nil {
		return
	}
	r.now = now
}

// Register admits a new collateral type. The record's aggregate counters start
// at zero regardless of the input and the type is immediately accepted for new
// positions.
func (r *Registry) Register(auth nativecommon.Authority, cfg *Type) (*Type, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errUnknownCollateral
	}
	symbol := strings.TrimSpace(cfg.Symbol)
	if symbol == "" {
		return nil, errEmptySymbol
	}
	if strings.TrimSpace(cfg.Asset) == "" {
		return nil, errEmptyAsset
	}
	if err := validateParams(cfg); err != nil {
		return nil, err
	}
	existing, err := r.state.GetCollateral(symbol)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errAlreadyRegistered
	}

	record := cfg.Clone()
	record.Symbol = symbol
	record.Asset = strings.TrimSpace(cfg.Asset)
	record.TotalCollateral = big.NewInt(0)
	record.TotalDebt = big.NewInt(0)
	record.Stops = Stops{}
	record.Accepted = true
	record.ensureDefaults()
	if record.Rates == nil {
		record.Rates = DefaultRateModel.Clone()
	}
	if err := r.state.PutCollateral(symbol, record); err != nil {
		return nil, err
	}
	r.emitter.Emit(events.CollateralRegistered{
		CollateralType: symbol,
		Asset:          record.Asset,
		MCRBps:         record.MCRBps,
		Timestamp:      r.now(),
	})
	return record.Clone(), nil
}

// ParamUpdate carries the optional governance parameter changes applied by
// UpdateParams. Nil fields are left unchanged.
type ParamUpdate struct {
	MCRBps                *uint64
	LiquidationPenaltyBps *uint64
	PoolDiscountBps       *uint64
	LiquidationTipBps     *uint64
	Redemption            *RedemptionParams
	Rates                 *RateModel
	DebtCeiling           *big.Int
	MinimumDebt           *big.Int
	Accepted              *bool
}

// UpdateParams applies a governance parameter change to an existing collateral
// type. Raising the MCR is rejected when it would leave any currently open
// position below the new minimum plus the configured tolerance.
func (r *Registry) UpdateParams(auth nativecommon.Authority, symbol string, update ParamUpdate) (*Type, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	record, err := r.require(symbol)
	if err != nil {
		return nil, err
	}

	if update.MCRBps != nil && *update.MCRBps > record.MCRBps {
		if err := r.checkMCRHeadroom(record.Symbol, *update.MCRBps); err != nil {
			return nil, err
		}
	}
	if update.MCRBps != nil {
		record.MCRBps = *update.MCRBps
		r.emitParam(record.Symbol, "mcr_bps", fmt.Sprintf("%d", record.MCRBps))
	}
	if update.LiquidationPenaltyBps != nil {
		record.LiquidationPenaltyBps = *update.LiquidationPenaltyBps
		r.emitParam(record.Symbol, "liquidation_penalty_bps", fmt.Sprintf("%d", record.LiquidationPenaltyBps))
	}
	if update.PoolDiscountBps != nil {
		record.PoolDiscountBps = *update.PoolDiscountBps
		r.emitParam(record.Symbol, "pool_discount_bps", fmt.Sprintf("%d", record.PoolDiscountBps))
	}
	if update.LiquidationTipBps != nil {
		record.LiquidationTipBps = *update.LiquidationTipBps
		r.emitParam(record.Symbol, "liquidation_tip_bps", fmt.Sprintf("%d", record.LiquidationTipBps))
	}
	if update.Redemption != nil {
		record.Redemption = update.Redemption.Clone()
		r.emitParam(record.Symbol, "redemption", "updated")
	}
	if update.Rates != nil {
		record.Rates = update.Rates.Clone()
		r.emitParam(record.Symbol, "rates", "updated")
	}
	if update.DebtCeiling != nil {
		record.DebtCeiling = new(big.Int).Set(update.DebtCeiling)
		r.emitParam(record.Symbol, "debt_ceiling", record.DebtCeiling.String())
	}
	if update.MinimumDebt != nil {
		record.MinimumDebt = new(big.Int).Set(update.MinimumDebt)
		r.emitParam(record.Symbol, "minimum_debt", record.MinimumDebt.String())
	}
	if update.Accepted != nil {
		record.Accepted = *update.Accepted
		r.emitParam(record.Symbol, "accepted", fmt.Sprintf("%t", record.Accepted))
	}
	if err := validateParams(record); err != nil {
		return nil, err
	}
	if err := r.state.PutCollateral(record.Symbol, record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// SetStop toggles the halt flag for one operation kind on a collateral type.
func (r *Registry) SetStop(auth nativecommon.Authority, symbol string, kind nativecommon.StopKind, stopped bool) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if err := nativecommon.RequireCapability(auth, nativecommon.CapGovernance); err != nil {
		return err
	}
	record, err := r.require(symbol)
	if err != nil {
		return err
	}
	switch kind {
	case nativecommon.StopMint:
		record.Stops.Mint = stopped
	case nativecommon.StopLiquidate:
		record.Stops.Liquidate = stopped
	case nativecommon.StopRedeem:
		record.Stops.Redeem = stopped
	default:
		return fmt.Errorf("collateral registry: unknown stop kind %q", kind)
	}
	if err := r.state.PutCollateral(record.Symbol, record); err != nil {
		return err
	}
	r.emitter.Emit(events.StopChanged{
		CollateralType: record.Symbol,
		Operation:      string(kind),
		Stopped:        stopped,
		Timestamp:      r.now(),
	})
	return nil
}

// Get returns a copy of the collateral type record for the symbol.
func (r *Registry) Get(symbol string) (*Type, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	record, err := r.require(symbol)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// List returns the registered collateral symbols.
func (r *Registry) List() ([]string, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	return r.state.ListCollateral()
}

// IsStopped implements nativecommon.StopView over the registry records. Lookup
// failures report the operation as stopped so callers fail closed.
func (r *Registry) IsStopped(symbol string, kind nativecommon.StopKind) bool {
	if r == nil || r.state == nil {
		return true
	}
	record, err := r.state.GetCollateral(strings.TrimSpace(symbol))
	if err != nil || record == nil {
		return true
	}
	return record.Stops.Stopped(kind)
}

func (r *Registry) require(symbol string) (*Type, error) {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return nil, errEmptySymbol
	}
	record, err := r.state.GetCollateral(trimmed)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errUnknownCollateral
	}
	record.ensureDefaults()
	return record, nil
}

func (r *Registry) checkMCRHeadroom(symbol string, newBps uint64) error {
	if r.ratios == nil {
		return nil
	}
	lowest, ok, err := r.ratios.LowestRatio(symbol)
	if err != nil {
		return err
	}
	if !ok || lowest == nil {
		return nil
	}
	limit := new(big.Rat).SetFrac(big.NewInt(int64(newBps+r.mcrTolerance)), basisPoints)
	if lowest.Cmp(limit) < 0 {
		return errMCRUnsafe
	}
	return nil
}

func (r *Registry) emitParam(symbol, field, value string) {
	r.emitter.Emit(events.ParameterChanged{
		CollateralType: symbol,
		Field:          field,
		Value:          value,
		Timestamp:      r.now(),
	})
}

func validateParams(record *Type) error {
	if record.MCRBps < 10_000 {
		return errMCRBelowPar
	}
	if record.LiquidationPenaltyBps > maxPenaltyBps {
		return errPenaltyTooHigh
	}
	if record.PoolDiscountBps > record.LiquidationPenaltyBps {
		return errDiscountTooHigh
	}
	if record.LiquidationTipBps > record.LiquidationPenaltyBps {
		return errTipTooHigh
	}
	if record.Redemption.MinFeeBps > record.Redemption.MaxFeeBps {
		return errFeeBounds
	}
	return nil
}
