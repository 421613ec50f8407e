package cdp

import "math/big"

// secondsPerYear matches the Julian year used by the rate schedule.
const secondsPerYear = 31_556_926

// rateHistoryCap bounds the lowest-rate ring per collateral type.
const rateHistoryCap = 20

// RateHistory is a fixed-length ring of the lowest annual rates observed by
// recent interest sweeps. Its low-water mark floors the redemption fee so
// redemption arbitrage stays unattractive while rates are already low.
type RateHistory struct {
	Rates []*big.Rat
	Cap   int
}

// NewRateHistory returns an empty ring with the default capacity.
func NewRateHistory() *RateHistory {
	return &RateHistory{Cap: rateHistoryCap}
}

// Push records a sweep's lowest rate, evicting the oldest entry when full.
func (h *RateHistory) Push(rate *big.Rat) {
	if h == nil || rate == nil {
		return
	}
	if h.Cap <= 0 {
		h.Cap = rateHistoryCap
	}
	h.Rates = append(h.Rates, new(big.Rat).Set(rate))
	if len(h.Rates) > h.Cap {
		h.Rates = h.Rates[len(h.Rates)-h.Cap:]
	}
}

// Lowest returns the smallest recorded rate, or false when the ring is empty.
func (h *RateHistory) Lowest() (*big.Rat, bool) {
	if h == nil || len(h.Rates) == 0 {
		return nil, false
	}
	lowest := h.Rates[0]
	for _, rate := range h.Rates[1:] {
		if rate.Cmp(lowest) < 0 {
			lowest = rate
		}
	}
	return new(big.Rat).Set(lowest), true
}

// Clone returns a deep copy of the ring.
func (h *RateHistory) Clone() *RateHistory {
	if h == nil {
		return nil
	}
	clone := &RateHistory{Cap: h.Cap, Rates: make([]*big.Rat, len(h.Rates))}
	for i, rate := range h.Rates {
		clone.Rates[i] = new(big.Rat).Set(rate)
	}
	return clone
}

// accrueSimple computes the interest owed on debt over elapsed seconds at the
// given annual rate, rounded down to whole wei.
func accrueSimple(debt *big.Int, annualRate *big.Rat, elapsed int64) *big.Int {
	if debt == nil || debt.Sign() <= 0 || annualRate == nil || annualRate.Sign() <= 0 || elapsed <= 0 {
		return big.NewInt(0)
	}
	owed := new(big.Rat).SetInt(debt)
	owed.Mul(owed, annualRate)
	owed.Mul(owed, big.NewRat(elapsed, secondsPerYear))
	return ratFloor(owed)
}

// ratFloor truncates a non-negative rational to whole units.
func ratFloor(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(r.Num(), r.Denom())
}

var precisionUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// clampPrecision truncates a rational to 18 decimal places so iterated decay
// arithmetic keeps bounded operands.
func clampPrecision(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(precisionUnit))
	return new(big.Rat).SetFrac(ratFloor(scaled), precisionUnit)
}
