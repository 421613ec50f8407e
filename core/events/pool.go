package events

import (
	"math/big"
	"strconv"

	"nusd/core/types"
)

const (
	// TypePoolDeposit is emitted when stable tokens enter a stability pool.
	TypePoolDeposit = "pool.deposit"
	// TypePoolWithdraw is emitted when a depositor exits a stability pool.
	TypePoolWithdraw = "pool.withdraw"
	// TypePoolAbsorbed is emitted when a pool funds a liquidation.
	TypePoolAbsorbed = "pool.absorbed"
	// TypeRewardDistributed is emitted when fees or premiums are split
	// across the payout channels.
	TypeRewardDistributed = "pool.reward_distributed"
	// TypeCollateralCredited is emitted when collateral-denominated income
	// is added to a pool's collateral balance.
	TypeCollateralCredited = "pool.collateral_credited"
	// TypePanicModeChanged is emitted when panic mode activates or clears.
	TypePanicModeChanged = "pool.panic_mode_changed"
)

type PoolDeposit struct {
	CollateralType string
	Depositor      [20]byte
	Amount         *big.Int
	Shares         *big.Int
	Timestamp      int64
}

func (PoolDeposit) EventType() string { return TypePoolDeposit }

func (e PoolDeposit) Event() *types.Event {
	return &types.Event{
		Type: TypePoolDeposit,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"amount":         bigString(e.Amount),
			"shares":         bigString(e.Shares),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type PoolWithdraw struct {
	CollateralType string
	Depositor      [20]byte
	Amount         *big.Int
	Collateral     *big.Int
	Shares         *big.Int
	Timestamp      int64
}

func (PoolWithdraw) EventType() string { return TypePoolWithdraw }

func (e PoolWithdraw) Event() *types.Event {
	return &types.Event{
		Type: TypePoolWithdraw,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"amount":         bigString(e.Amount),
			"collateral":     bigString(e.Collateral),
			"shares":         bigString(e.Shares),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type PoolAbsorbed struct {
	CollateralType string
	Debt           *big.Int
	Collateral     *big.Int
	Shortfall      *big.Int
	PanicMode      bool
	Timestamp      int64
}

func (PoolAbsorbed) EventType() string { return TypePoolAbsorbed }

func (e PoolAbsorbed) Event() *types.Event {
	return &types.Event{
		Type: TypePoolAbsorbed,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"debt":           bigString(e.Debt),
			"collateral":     bigString(e.Collateral),
			"shortfall":      bigString(e.Shortfall),
			"panicMode":      strconv.FormatBool(e.PanicMode),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type RewardDistributed struct {
	CollateralType string
	Source         string
	Payout         *big.Int
	Liquidity      *big.Int
	Pool           *big.Int
	Timestamp      int64
}

func (RewardDistributed) EventType() string { return TypeRewardDistributed }

func (e RewardDistributed) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardDistributed,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"source":         e.Source,
			"payout":         bigString(e.Payout),
			"liquidity":      bigString(e.Liquidity),
			"pool":           bigString(e.Pool),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type CollateralCredited struct {
	CollateralType string
	Source         string
	Amount         *big.Int
	Timestamp      int64
}

func (CollateralCredited) EventType() string { return TypeCollateralCredited }

func (e CollateralCredited) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralCredited,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"source":         e.Source,
			"amount":         bigString(e.Amount),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type PanicModeChanged struct {
	CollateralType string
	Active         bool
	Drawn          *big.Int
	Timestamp      int64
}

func (PanicModeChanged) EventType() string { return TypePanicModeChanged }

func (e PanicModeChanged) Event() *types.Event {
	return &types.Event{
		Type: TypePanicModeChanged,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"active":         strconv.FormatBool(e.Active),
			"drawn":          bigString(e.Drawn),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}
