package events

import (
	"math/big"
	"strconv"

	"nusd/core/types"
)

const (
	// TypeCdpOpened is emitted when a new position is created.
	TypeCdpOpened = "cdp.opened"
	// TypeCdpAdjusted is emitted when collateral or debt of a position changes.
	TypeCdpAdjusted = "cdp.adjusted"
	// TypeCdpClosed is emitted when a position is repaid in full and closed.
	TypeCdpClosed = "cdp.closed"
	// TypeCdpMarked is emitted when a privileged position enters its
	// liquidation notice period.
	TypeCdpMarked = "cdp.marked"
	// TypeCdpLiquidated is emitted when a position is resolved by the
	// liquidation engine.
	TypeCdpLiquidated = "cdp.liquidated"
	// TypeCdpRedeemed is emitted when a redemption touches a position.
	TypeCdpRedeemed = "cdp.redeemed"
	// TypeInterestCharged is emitted by the periodic interest sweep.
	TypeInterestCharged = "cdp.interest_charged"
	// TypeInvariantViolation flags an internal consistency failure for
	// operator attention. The enclosing call is aborted.
	TypeInvariantViolation = "core.invariant_violation"
)

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type CdpOpened struct {
	CollateralType string
	CdpID          uint64
	Owner          [20]byte
	Collateral     *big.Int
	Debt           *big.Int
	Timestamp      int64
}

func (CdpOpened) EventType() string { return TypeCdpOpened }

func (e CdpOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeCdpOpened,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"cdpId":          strconv.FormatUint(e.CdpID, 10),
			"collateral":     bigString(e.Collateral),
			"debt":           bigString(e.Debt),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type CdpAdjusted struct {
	CollateralType string
	CdpID          uint64
	Collateral     *big.Int
	Debt           *big.Int
	Timestamp      int64
}

func (CdpAdjusted) EventType() string { return TypeCdpAdjusted }

func (e CdpAdjusted) Event() *types.Event {
	return &types.Event{
		Type: TypeCdpAdjusted,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"cdpId":          strconv.FormatUint(e.CdpID, 10),
			"collateral":     bigString(e.Collateral),
			"debt":           bigString(e.Debt),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type CdpClosed struct {
	CollateralType string
	CdpID          uint64
	Returned       *big.Int
	Timestamp      int64
}

func (CdpClosed) EventType() string { return TypeCdpClosed }

func (e CdpClosed) Event() *types.Event {
	return &types.Event{
		Type: TypeCdpClosed,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"cdpId":          strconv.FormatUint(e.CdpID, 10),
			"returned":       bigString(e.Returned),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type CdpMarked struct {
	CollateralType string
	CdpID          uint64
	Deadline       int64
	Timestamp      int64
}

func (CdpMarked) EventType() string { return TypeCdpMarked }

func (e CdpMarked) Event() *types.Event {
	return &types.Event{
		Type: TypeCdpMarked,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"cdpId":          strconv.FormatUint(e.CdpID, 10),
			"deadline":       strconv.FormatInt(e.Deadline, 10),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type CdpLiquidated struct {
	CollateralType string
	CdpID          uint64
	DebtCleared    *big.Int
	Seized         *big.Int
	Leftover       *big.Int
	PanicMode      bool
	Timestamp      int64
}

func (CdpLiquidated) EventType() string { return TypeCdpLiquidated }

func (e CdpLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeCdpLiquidated,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"cdpId":          strconv.FormatUint(e.CdpID, 10),
			"debtCleared":    bigString(e.DebtCleared),
			"seized":         bigString(e.Seized),
			"leftover":       bigString(e.Leftover),
			"panicMode":      strconv.FormatBool(e.PanicMode),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type CdpRedeemed struct {
	CollateralType string
	CdpID          uint64
	DebtCleared    *big.Int
	Collateral     *big.Int
	FullyRedeemed  bool
	Timestamp      int64
}

func (CdpRedeemed) EventType() string { return TypeCdpRedeemed }

func (e CdpRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeCdpRedeemed,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"cdpId":          strconv.FormatUint(e.CdpID, 10),
			"debtCleared":    bigString(e.DebtCleared),
			"collateral":     bigString(e.Collateral),
			"fullyRedeemed":  strconv.FormatBool(e.FullyRedeemed),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type InterestCharged struct {
	CollateralType string
	Charged        *big.Int
	LowestRate     string
	Timestamp      int64
}

func (InterestCharged) EventType() string { return TypeInterestCharged }

func (e InterestCharged) Event() *types.Event {
	return &types.Event{
		Type: TypeInterestCharged,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"charged":        bigString(e.Charged),
			"lowestRate":     e.LowestRate,
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type InvariantViolation struct {
	Component string
	Detail    string
	Timestamp int64
}

func (InvariantViolation) EventType() string { return TypeInvariantViolation }

func (e InvariantViolation) Event() *types.Event {
	return &types.Event{
		Type: TypeInvariantViolation,
		Attributes: map[string]string{
			"component": e.Component,
			"detail":    e.Detail,
			"timestamp": strconv.FormatInt(e.Timestamp, 10),
		},
	}
}
