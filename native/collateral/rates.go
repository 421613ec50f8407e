package collateral

import "math/big"

// RateModel encapsulates the parameters that shape how the borrow rate reacts
// to debt-ceiling utilisation.
type RateModel struct {
	// BaseRate is the minimum annual rate applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the rate increase per unit of utilisation up to the kink
	// point.
	Slope1 *big.Rat
	// Slope2 governs the additional rate increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the rate slope changes to
	// discourage minting near the ceiling.
	Kink *big.Rat
}

// Clone returns a deep copy of the rate model.
func (m *RateModel) Clone() *RateModel {
	if m == nil {
		return nil
	}
	clone := &RateModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	if m.BaseRate != nil {
		clone.BaseRate.Set(m.BaseRate)
	}
	if m.Slope1 != nil {
		clone.Slope1.Set(m.Slope1)
	}
	if m.Slope2 != nil {
		clone.Slope2.Set(m.Slope2)
	}
	if m.Kink != nil {
		clone.Kink.Set(m.Kink)
	}
	return clone
}

// NewRateModel constructs a rate model from floating point inputs.
//
// The parameters should be provided as decimals, e.g. a 2% base rate is
// expressed as 0.02 and an 80% kink utilisation is 0.8.
func NewRateModel(baseRate, slope1, slope2, kink float64) *RateModel {
	model := &RateModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	model.BaseRate.SetFloat64(baseRate)
	model.Slope1.SetFloat64(slope1)
	model.Slope2.SetFloat64(slope2)
	model.Kink.SetFloat64(kink)
	return model
}

// Utilisation computes the ceiling utilisation ratio U = totalDebt /
// debtCeiling. When no ceiling is configured the utilisation is defined as
// zero.
func (m *RateModel) Utilisation(totalDebt, debtCeiling *big.Int) *big.Rat {
	if totalDebt == nil || totalDebt.Sign() == 0 {
		return new(big.Rat)
	}
	if debtCeiling == nil || debtCeiling.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalDebt, debtCeiling)
}

// AnnualRate derives the dynamic annual borrow rate based on the current
// debt-ceiling utilisation.
func (m *RateModel) AnnualRate(totalDebt, debtCeiling *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	base := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(totalDebt, debtCeiling)
	if utilisation.Sign() == 0 {
		return base
	}

	rate := base
	kink := cloneRat(m.Kink)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		// Linear region before the kink.
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
	}

	// Rate at the kink using slope1.
	rate.Add(rate, new(big.Rat).Mul(slope1, kink))

	// Additional rate beyond the kink using slope2.
	excess := new(big.Rat).Sub(utilisation, kink)
	if excess.Sign() < 0 {
		excess.SetInt64(0)
	}
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultRateModel provides a reasonable starting configuration featuring a
// kinked rate curve with a modest base rate.
var DefaultRateModel = NewRateModel(0.02, 0.05, 0.6, 0.8)
