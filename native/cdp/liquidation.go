package cdp

import (
	"errors"
	"math/big"

	"nusd/core/events"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
)

var errPoolNotConfigured = errors.New("cdp engine: stability pool not configured")

// AbsorbResult reports how a liquidation's debt was funded by the pool.
type AbsorbResult struct {
	// Covered is the debt funded from pool deposits.
	Covered *big.Int
	// Drawn is the shortfall funded from the centralized reserve while in
	// panic mode.
	Drawn *big.Int
	// PanicMode reports whether the pool is in its degraded state after the
	// absorption.
	PanicMode bool
}

// PoolFunder is the stability pool surface consumed by liquidations. The
// caller presents a capability token proving it is the liquidation engine.
type PoolFunder interface {
	Absorb(auth nativecommon.Authority, collateralType string, debt, collateralSeized *big.Int) (*AbsorbResult, error)
}

// LiquidationResult reports one bounded liquidation pass.
type LiquidationResult struct {
	// Liquidated lists the resolved position identifiers in processing
	// order.
	Liquidated []uint64
	// Marked lists privileged positions whose notice period was started
	// during this pass.
	Marked []uint64
	// DebtCleared and CollateralSeized aggregate across the pass.
	DebtCleared      *big.Int
	CollateralSeized *big.Int
	// Tip is the caller's share of the seized collateral, carved out before
	// the pool absorption. The caller credits it to whoever triggered the
	// pass.
	Tip *big.Int
	// PanicMode reports whether any absorption fell back to the reserve.
	PanicMode bool
	// Done is false when the pass stopped at the position limit with unsafe
	// positions possibly remaining; calling again resumes the sweep.
	Done bool
}

// Liquidate resolves undercollateralized positions of a collateral type.
// With targets it processes only the listed identifiers; otherwise it sweeps
// the ratio index from the worst ratio upward, stopping at the first safe
// position. Positions that are already resolved or safe at the current price
// are skipped. At most limit positions are processed per call.
func (e *Engine) Liquidate(symbol string, targets []uint64, price *big.Rat, limit int) (*LiquidationResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.pool == nil {
		return nil, errPoolNotConfigured
	}
	record, err := e.requireCollateral(symbol)
	if err != nil {
		return nil, err
	}
	if record.Stops.Stopped(nativecommon.StopLiquidate) {
		return nil, &nativecommon.StopError{Kind: nativecommon.StopLiquidate}
	}
	spot, err := e.resolvePrice(record, price)
	if err != nil {
		return nil, err
	}

	result := &LiquidationResult{
		DebtCleared:      big.NewInt(0),
		CollateralSeized: big.NewInt(0),
		Tip:              big.NewInt(0),
		Done:             true,
	}
	now := e.now()
	required := mcrRat(record.MCRBps)

	candidates, err := e.liquidationCandidates(record.Symbol, targets, spot, required, now)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = len(candidates)
	}
	for i, id := range candidates {
		if i >= limit {
			result.Done = false
			break
		}
		if err := e.liquidateOne(record, id, spot, required, now, result); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutCollateral(record.Symbol, record); err != nil {
		return nil, err
	}
	return result, nil
}

// liquidationCandidates orders the positions a pass will consider: marked
// positions whose notice deadline has passed first, then either the explicit
// targets or the index scan from the lowest ratio up to the first safe entry.
func (e *Engine) liquidationCandidates(symbol string, targets []uint64, spot *big.Rat, required *big.Rat, now int64) ([]uint64, error) {
	seen := make(map[uint64]bool)
	var candidates []uint64
	marked, err := e.state.GetMarked(symbol)
	if err != nil {
		return nil, err
	}
	for _, id := range marked {
		position, err := e.state.GetCdp(id)
		if err != nil {
			return nil, err
		}
		if position == nil || position.Status != StatusMarked {
			continue
		}
		if position.NoticeDeadline > now {
			continue
		}
		if !seen[id] {
			seen[id] = true
			candidates = append(candidates, id)
		}
	}
	if len(targets) > 0 {
		for _, id := range targets {
			if !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
		return candidates, nil
	}
	e.index(symbol).Ascend(func(raw *big.Rat, id uint64) bool {
		live := new(big.Rat).Mul(raw, spot)
		if live.Cmp(required) >= 0 {
			return false
		}
		if !seen[id] {
			seen[id] = true
			candidates = append(candidates, id)
		}
		return true
	})
	return candidates, nil
}

func (e *Engine) liquidateOne(record *collateral.Type, id uint64, spot, required *big.Rat, now int64, result *LiquidationResult) error {
	position, err := e.state.GetCdp(id)
	if err != nil {
		return err
	}
	if position == nil || !position.Status.Live() {
		// Already resolved, nothing to seize twice.
		return nil
	}
	position.ensureDefaults()
	e.chargeInterest(record, position, now)

	raw := rawRatio(position.Collateral, position.Debt)
	live := new(big.Rat).Mul(raw, spot)
	if live.Cmp(required) >= 0 {
		if err := e.state.PutCdp(position); err != nil {
			return err
		}
		if position.Status == StatusOpen {
			e.index(record.Symbol).Insert(raw, position.ID)
		}
		return nil
	}

	privileged, err := e.privilegedFor(position)
	if err != nil {
		return err
	}
	if privileged != nil && privileged.NoticePeriodSeconds > 0 {
		if position.Status == StatusOpen {
			position.Status = StatusMarked
			position.NoticeDeadline = now + privileged.NoticePeriodSeconds
			if err := e.state.PutCdp(position); err != nil {
				return err
			}
			e.index(record.Symbol).Remove(position.ID)
			if err := e.appendMarked(record.Symbol, position.ID); err != nil {
				return err
			}
			result.Marked = append(result.Marked, position.ID)
			e.emitter.Emit(events.CdpMarked{
				CollateralType: record.Symbol,
				CdpID:          position.ID,
				Deadline:       position.NoticeDeadline,
				Timestamp:      now,
			})
			return nil
		}
		if position.NoticeDeadline > now {
			// Notice window still running.
			if err := e.state.PutCdp(position); err != nil {
				return err
			}
			return nil
		}
	}

	debt := new(big.Int).Set(position.Debt)
	seized := seizeAmount(debt, spot, record.LiquidationPenaltyBps, record.PoolDiscountBps)
	if seized.Cmp(position.Collateral) > 0 {
		seized = new(big.Int).Set(position.Collateral)
	}
	leftover := new(big.Int).Sub(position.Collateral, seized)

	tip := big.NewInt(0)
	if record.LiquidationTipBps > 0 {
		tip.Mul(seized, new(big.Int).SetUint64(record.LiquidationTipBps))
		tip.Quo(tip, basisPoints)
	}
	toPool := new(big.Int).Sub(seized, tip)

	absorbed, err := e.pool.Absorb(e.credential, record.Symbol, debt, toPool)
	if err != nil {
		return err
	}

	wasMarked := position.Status == StatusMarked
	record.TotalDebt.Sub(record.TotalDebt, debt)
	record.TotalCollateral.Sub(record.TotalCollateral, position.Collateral)
	if err := e.checkTotals(record); err != nil {
		return err
	}
	position.Debt = big.NewInt(0)
	position.Collateral = big.NewInt(0)
	position.Leftover.Add(position.Leftover, leftover)
	position.Status = StatusLiquidated
	position.NoticeDeadline = 0
	if err := e.state.PutCdp(position); err != nil {
		return err
	}
	e.index(record.Symbol).Remove(position.ID)
	if wasMarked {
		if err := e.removeMarked(record.Symbol, position.ID); err != nil {
			return err
		}
	}
	if privileged != nil {
		if err := e.clearLink(privileged.ID); err != nil {
			return err
		}
	}

	result.Liquidated = append(result.Liquidated, position.ID)
	result.DebtCleared.Add(result.DebtCleared, debt)
	result.CollateralSeized.Add(result.CollateralSeized, seized)
	result.Tip.Add(result.Tip, tip)
	if absorbed != nil && absorbed.PanicMode {
		result.PanicMode = true
	}
	e.emitter.Emit(events.CdpLiquidated{
		CollateralType: record.Symbol,
		CdpID:          position.ID,
		DebtCleared:    debt,
		Seized:         seized,
		Leftover:       leftover,
		PanicMode:      absorbed != nil && absorbed.PanicMode,
		Timestamp:      now,
	})
	return nil
}

// seizeAmount converts liquidated debt into collateral units: debt scaled by
// the liquidation penalty, divided by the price discounted in the pool's
// favour, rounded down.
func seizeAmount(debt *big.Int, spot *big.Rat, penaltyBps, discountBps uint64) *big.Int {
	if debt == nil || debt.Sign() <= 0 || spot == nil || spot.Sign() <= 0 {
		return big.NewInt(0)
	}
	multiplier := new(big.Rat).SetFrac(new(big.Int).SetUint64(10_000+penaltyBps), basisPoints)
	amount := new(big.Rat).SetInt(debt)
	amount.Mul(amount, multiplier)
	effective := new(big.Rat).Set(spot)
	if discountBps > 0 && discountBps < 10_000 {
		factor := new(big.Rat).SetFrac(new(big.Int).SetUint64(10_000-discountBps), basisPoints)
		effective.Mul(effective, factor)
	}
	amount.Quo(amount, effective)
	return ratFloor(amount)
}
