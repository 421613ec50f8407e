package common

import (
	"errors"
	"fmt"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StopKind identifies an operation that can be halted per collateral type.
type StopKind string

const (
	StopMint      StopKind = "mint"
	StopLiquidate StopKind = "liquidate"
	StopRedeem    StopKind = "redeem"
)

// StopError reports that an operation is administratively halted for a
// collateral type.
type StopError struct {
	Kind StopKind
}

func (e *StopError) Error() string {
	return fmt.Sprintf("operation stopped: %s", e.Kind)
}

// ErrOperationStopped matches any StopError via errors.Is.
var ErrOperationStopped = errors.New("operation stopped")

func (e *StopError) Is(target error) bool { return target == ErrOperationStopped }

// StopView exposes the per-collateral-type operational stop flags.
type StopView interface {
	IsStopped(collateralType string, kind StopKind) bool
}

// GuardStop rejects the call when the operation is stopped for the given
// collateral type.
func GuardStop(v StopView, collateralType string, kind StopKind) error {
	if v == nil {
		return nil
	}
	if v.IsStopped(collateralType, kind) {
		return &StopError{Kind: kind}
	}
	return nil
}
