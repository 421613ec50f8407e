package cdp

import (
	"errors"
	"math/big"

	"nusd/core/events"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
)

var errFeeExceedsMax = errors.New("cdp engine: redemption fee exceeds caller maximum")

// decayCapMinutes bounds the decay exponent; after a day without redemptions
// the usage component is treated as fully decayed.
const decayCapMinutes = 1_440

// RedemptionState carries the usage-sensitive component of the redemption fee
// for one collateral type. The base rate spikes with redeemed volume and
// decays each minute by the configured half-life factor.
type RedemptionState struct {
	BaseRate   *big.Rat
	LastUpdate int64
}

// Clone returns a deep copy of the redemption fee state.
func (s *RedemptionState) Clone() *RedemptionState {
	if s == nil {
		return nil
	}
	clone := &RedemptionState{LastUpdate: s.LastUpdate}
	if s.BaseRate != nil {
		clone.BaseRate = new(big.Rat).Set(s.BaseRate)
	}
	return clone
}

func (s *RedemptionState) ensureDefaults() {
	if s.BaseRate == nil {
		s.BaseRate = new(big.Rat)
	}
}

// decayedBase applies the per-minute half-life decay to the stored base rate.
func decayedBase(s *RedemptionState, halfLifeK *big.Rat, now int64) *big.Rat {
	if s == nil || s.BaseRate == nil || s.BaseRate.Sign() <= 0 {
		return new(big.Rat)
	}
	if halfLifeK == nil || halfLifeK.Sign() <= 0 {
		return new(big.Rat).Set(s.BaseRate)
	}
	minutes := (now - s.LastUpdate) / 60
	if minutes <= 0 {
		return new(big.Rat).Set(s.BaseRate)
	}
	if minutes >= decayCapMinutes {
		return new(big.Rat)
	}
	return clampPrecision(new(big.Rat).Mul(s.BaseRate, ratPow(halfLifeK, minutes)))
}

// ratPow computes base^exp for a non-negative exponent, truncating precision
// between steps to keep operands bounded.
func ratPow(base *big.Rat, exp int64) *big.Rat {
	result := big.NewRat(1, 1)
	if base == nil || exp <= 0 {
		return result
	}
	factor := new(big.Rat).Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			result = clampPrecision(result.Mul(result, factor))
		}
		exp >>= 1
		if exp > 0 {
			factor = clampPrecision(new(big.Rat).Mul(factor, factor))
		}
	}
	return result
}

// redemptionFee computes the current fee fraction: the rate-history low-water
// mark plus the decayed usage component, clamped to the configured bounds.
func redemptionFee(record *collateral.Type, history *RateHistory, base *big.Rat) *big.Rat {
	fee := new(big.Rat).Set(base)
	if floor, ok := history.Lowest(); ok {
		fee.Add(fee, floor)
	}
	min := new(big.Rat).SetFrac(new(big.Int).SetUint64(record.Redemption.MinFeeBps), basisPoints)
	max := new(big.Rat).SetFrac(new(big.Int).SetUint64(record.Redemption.MaxFeeBps), basisPoints)
	if fee.Cmp(min) < 0 {
		return min
	}
	if fee.Cmp(max) > 0 {
		return max
	}
	return fee
}

// RedemptionResult reports one redemption call.
type RedemptionResult struct {
	// Redeemed is the stable-token amount actually cleared against debt.
	Redeemed *big.Int
	// CollateralOut is the collateral owed to the redeemer net of fee.
	CollateralOut *big.Int
	// Fee is the collateral retained as redemption fee, routed to reward
	// distribution by the caller.
	Fee *big.Int
	// FeeRate is the fee fraction that was applied.
	FeeRate *big.Rat
	// Touched lists the positions redeemed against, worst ratio first.
	Touched []uint64
	// Done is false when the position limit stopped the walk with amount
	// still unredeemed.
	Done bool
}

// Redeem exchanges up to amount of stable-token supply for collateral at face
// value, walking positions from the lowest ratio upward. Positions whose
// privileged record opts out of redemption are skipped. A position redeemed
// to zero debt closes and its remaining collateral stays retrievable by its
// owner. Fails with a fee error when the computed fee exceeds maxFeeBps.
func (e *Engine) Redeem(symbol string, amount *big.Int, price *big.Rat, maxFeeBps uint64, limit int) (*RedemptionResult, error) {
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
	if record.Stops.Stopped(nativecommon.StopRedeem) {
		return nil, &nativecommon.StopError{Kind: nativecommon.StopRedeem}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	spot, err := e.resolvePrice(record, price)
	if err != nil {
		return nil, err
	}

	now := e.now()
	history, err := e.state.GetRateHistory(record.Symbol)
	if err != nil {
		return nil, err
	}
	feeState, err := e.state.GetRedemptionState(record.Symbol)
	if err != nil {
		return nil, err
	}
	if feeState == nil {
		feeState = &RedemptionState{}
	}
	feeState.ensureDefaults()
	base := decayedBase(feeState, record.Redemption.HalfLifeK, now)
	fee := redemptionFee(record, history, base)
	maxFee := new(big.Rat).SetFrac(new(big.Int).SetUint64(maxFeeBps), basisPoints)
	if fee.Cmp(maxFee) > 0 {
		return nil, errFeeExceedsMax
	}

	// Spike the usage component against the pre-redemption supply so back to
	// back redemptions pay an increasing fee.
	if record.Redemption.SpikeK != nil && record.TotalDebt.Sign() > 0 {
		spike := new(big.Rat).SetFrac(amount, record.TotalDebt)
		spike.Mul(spike, record.Redemption.SpikeK)
		base.Add(base, spike)
	}
	feeState.BaseRate = clampPrecision(base)
	feeState.LastUpdate = now

	result := &RedemptionResult{
		Redeemed:      big.NewInt(0),
		CollateralOut: big.NewInt(0),
		Fee:           big.NewInt(0),
		FeeRate:       fee,
		Done:          true,
	}
	remaining := new(big.Int).Set(amount)
	gross := big.NewInt(0)
	processed := 0
	ids := e.index(record.Symbol).IDs()
	if limit <= 0 {
		limit = len(ids)
	}
	for _, id := range ids {
		if remaining.Sign() == 0 {
			break
		}
		if processed >= limit {
			result.Done = false
			break
		}
		redeemed, collateralOut, touched, err := e.redeemOne(record, id, remaining, spot, now)
		if err != nil {
			return nil, err
		}
		if !touched {
			continue
		}
		processed++
		remaining.Sub(remaining, redeemed)
		result.Redeemed.Add(result.Redeemed, redeemed)
		gross.Add(gross, collateralOut)
		result.Touched = append(result.Touched, id)
	}
	if err := e.checkTotals(record); err != nil {
		return nil, err
	}
	if err := e.state.PutCollateral(record.Symbol, record); err != nil {
		return nil, err
	}
	if err := e.state.PutRedemptionState(record.Symbol, feeState); err != nil {
		return nil, err
	}

	feeAmount := ratFloor(new(big.Rat).Mul(new(big.Rat).SetInt(gross), fee))
	result.Fee = feeAmount
	result.CollateralOut = new(big.Int).Sub(gross, feeAmount)
	return result, nil
}

// redeemOne clears up to remaining debt from one position, paying out the
// equivalent collateral at face value. Returns touched=false when the
// position was skipped.
func (e *Engine) redeemOne(record *collateral.Type, id uint64, remaining *big.Int, spot *big.Rat, now int64) (*big.Int, *big.Int, bool, error) {
	position, err := e.state.GetCdp(id)
	if err != nil {
		return nil, nil, false, err
	}
	if position == nil || position.Status != StatusOpen {
		return nil, nil, false, nil
	}
	position.ensureDefaults()
	privileged, err := e.privilegedFor(position)
	if err != nil {
		return nil, nil, false, err
	}
	if privileged != nil && privileged.RedemptionOptOut {
		return nil, nil, false, nil
	}

	e.chargeInterest(record, position, now)

	redeemed := new(big.Int).Set(remaining)
	if redeemed.Cmp(position.Debt) > 0 {
		redeemed.Set(position.Debt)
	}
	collateralOut := ratFloor(new(big.Rat).Quo(new(big.Rat).SetInt(redeemed), spot))
	if collateralOut.Cmp(position.Collateral) > 0 {
		collateralOut = new(big.Int).Set(position.Collateral)
	}

	position.Debt.Sub(position.Debt, redeemed)
	position.Collateral.Sub(position.Collateral, collateralOut)
	record.TotalDebt.Sub(record.TotalDebt, redeemed)
	record.TotalCollateral.Sub(record.TotalCollateral, collateralOut)

	fully := position.Debt.Sign() == 0
	if fully {
		// Remaining collateral belongs to the owner, not the redeemer.
		record.TotalCollateral.Sub(record.TotalCollateral, position.Collateral)
		position.Leftover.Add(position.Leftover, position.Collateral)
		position.Collateral = big.NewInt(0)
		position.Status = StatusClosed
		e.index(record.Symbol).Remove(position.ID)
		if privileged != nil {
			if err := e.clearLink(privileged.ID); err != nil {
				return nil, nil, false, err
			}
		}
	} else {
		e.index(record.Symbol).Insert(rawRatio(position.Collateral, position.Debt), position.ID)
	}
	if err := e.state.PutCdp(position); err != nil {
		return nil, nil, false, err
	}
	e.emitter.Emit(events.CdpRedeemed{
		CollateralType: record.Symbol,
		CdpID:          position.ID,
		DebtCleared:    redeemed,
		Collateral:     collateralOut,
		FullyRedeemed:  fully,
		Timestamp:      now,
	})
	return redeemed, collateralOut, true, nil
}
