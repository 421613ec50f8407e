package collateral

import (
	"math/big"

	"nusd/native/common"
)

// Stops captures the per-operation halt flags for a collateral type. Each
// flag is toggled independently by governance.
type Stops struct {
	Mint      bool
	Liquidate bool
	Redeem    bool
}

// Stopped reports whether the given operation kind is halted.
func (s Stops) Stopped(kind common.StopKind) bool {
	switch kind {
	case common.StopMint:
		return s.Mint
	case common.StopLiquidate:
		return s.Liquidate
	case common.StopRedeem:
		return s.Redeem
	}
	return false
}

// RedemptionParams shape the dynamic redemption fee curve for a collateral
// type. The base rate decays towards zero with HalfLifeK (a per-second decay
// factor < 1) and spikes with SpikeK times the redeemed fraction of the
// outstanding supply.
type RedemptionParams struct {
	MinFeeBps uint64
	MaxFeeBps uint64
	SpikeK    *big.Rat
	HalfLifeK *big.Rat
}

// Clone returns a deep copy of the redemption parameters.
func (p RedemptionParams) Clone() RedemptionParams {
	clone := RedemptionParams{MinFeeBps: p.MinFeeBps, MaxFeeBps: p.MaxFeeBps}
	if p.SpikeK != nil {
		clone.SpikeK = new(big.Rat).Set(p.SpikeK)
	}
	if p.HalfLifeK != nil {
		clone.HalfLifeK = new(big.Rat).Set(p.HalfLifeK)
	}
	return clone
}

// Type holds the full configuration and aggregate accounting for one accepted
// collateral type. Amount values are wei-denominated big integers, governance
// percentages are basis points.
type Type struct {
	// Symbol is the unique identifier of the collateral type.
	Symbol string
	// Asset references the accepted asset backing positions of this type.
	Asset string
	// MCRBps is the minimum collateral ratio in basis points (>= 10_000).
	MCRBps uint64
	// LiquidationPenaltyBps is charged on top of the debt during
	// liquidation, expressed in basis points.
	LiquidationPenaltyBps uint64
	// PoolDiscountBps further discounts the collateral handed to the
	// stability pool during liquidation.
	PoolDiscountBps uint64
	// LiquidationTipBps is carved out of the seized collateral for the
	// caller that triggered the liquidation.
	LiquidationTipBps uint64
	// Redemption shapes the dynamic redemption fee curve.
	Redemption RedemptionParams
	// Rates is the interest rate schedule applied to outstanding debt.
	Rates *RateModel
	// DebtCeiling caps the debt this type may back; utilisation against the
	// ceiling drives the rate schedule.
	DebtCeiling *big.Int
	// MinimumDebt is the smallest debt a position may carry, preventing
	// index spam from dust positions.
	MinimumDebt *big.Int
	// TotalCollateral is the reserve backing all open positions.
	TotalCollateral *big.Int
	// TotalDebt is the outstanding debt across all open positions.
	TotalDebt *big.Int
	// Stops holds the per-operation halt flags.
	Stops Stops
	// Accepted gates opening new positions against this type.
	Accepted bool
}

// Clone returns a deep copy of the collateral type record.
func (t *Type) Clone() *Type {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Redemption = t.Redemption.Clone()
	clone.Rates = t.Rates.Clone()
	if t.DebtCeiling != nil {
		clone.DebtCeiling = new(big.Int).Set(t.DebtCeiling)
	}
	if t.MinimumDebt != nil {
		clone.MinimumDebt = new(big.Int).Set(t.MinimumDebt)
	}
	if t.TotalCollateral != nil {
		clone.TotalCollateral = new(big.Int).Set(t.TotalCollateral)
	}
	if t.TotalDebt != nil {
		clone.TotalDebt = new(big.Int).Set(t.TotalDebt)
	}
	return &clone
}

func (t *Type) ensureDefaults() {
	if t.DebtCeiling == nil {
		t.DebtCeiling = big.NewInt(0)
	}
	if t.MinimumDebt == nil {
		t.MinimumDebt = big.NewInt(0)
	}
	if t.TotalCollateral == nil {
		t.TotalCollateral = big.NewInt(0)
	}
	if t.TotalDebt == nil {
		t.TotalDebt = big.NewInt(0)
	}
}
