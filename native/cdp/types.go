package cdp

import "math/big"

// Status tracks the lifecycle of a position. Identifiers are never reused and
// a resolved position keeps its terminal status forever.
type Status uint8

const (
	// StatusOpen marks a live position backing outstanding debt.
	StatusOpen Status = iota
	// StatusMarked marks a privileged position inside its liquidation
	// notice period. Marked positions leave the ratio index until they
	// either recover or get liquidated.
	StatusMarked
	// StatusLiquidated marks a position resolved by the liquidation engine.
	StatusLiquidated
	// StatusClosed marks a position repaid or fully redeemed.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusMarked:
		return "marked"
	case StatusLiquidated:
		return "liquidated"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Live reports whether the position still backs outstanding debt.
func (s Status) Live() bool { return s == StatusOpen || s == StatusMarked }

// Cdp is one collateralized debt position. Collateral and debt are
// wei-denominated big integers.
type Cdp struct {
	ID             uint64
	CollateralType string
	Owner          [20]byte
	Collateral     *big.Int
	Debt           *big.Int
	// LastAccrual is the unix timestamp of the most recent interest charge.
	LastAccrual int64
	// Leftover holds collateral owed back to the owner after liquidation or
	// full redemption, retrievable at any later time.
	Leftover *big.Int
	Status   Status
	// Privileged references the linked privileged-borrower record, empty
	// when the position has no link.
	Privileged string
	// NoticeDeadline is the unix timestamp after which a marked position may
	// be liquidated. Zero while no notice period is running.
	NoticeDeadline int64
}

// Clone returns a deep copy of the position.
func (c *Cdp) Clone() *Cdp {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Collateral != nil {
		clone.Collateral = new(big.Int).Set(c.Collateral)
	}
	if c.Debt != nil {
		clone.Debt = new(big.Int).Set(c.Debt)
	}
	if c.Leftover != nil {
		clone.Leftover = new(big.Int).Set(c.Leftover)
	}
	return &clone
}

func (c *Cdp) ensureDefaults() {
	if c.Collateral == nil {
		c.Collateral = big.NewInt(0)
	}
	if c.Debt == nil {
		c.Debt = big.NewInt(0)
	}
	if c.Leftover == nil {
		c.Leftover = big.NewInt(0)
	}
}

// PrivilegedBorrower grants a borrower redemption opt-out and a liquidation
// notice period. A record links to at most one live position at a time.
type PrivilegedBorrower struct {
	ID string
	// LinkedCdp is the currently linked position identifier, zero when
	// unlinked.
	LinkedCdp uint64
	// RedemptionOptOut excludes the linked position from redemption walks.
	RedemptionOptOut bool
	// NoticePeriodSeconds delays liquidation of the linked position by the
	// given duration after it first turns unsafe. Zero disables the notice
	// period.
	NoticePeriodSeconds int64
}

// Clone returns a copy of the privileged borrower record.
func (p *PrivilegedBorrower) Clone() *PrivilegedBorrower {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
