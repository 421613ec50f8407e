package common

import "errors"

// Capability is a token proving a call originates from an authorized
// collaborator. Restricted entry points take an explicit Capability parameter
// instead of relying on ambient trust.
type Capability string

const (
	// CapLiquidation authorizes the liquidation engine to consume pool
	// liquidity.
	CapLiquidation Capability = "liquidation"
	// CapGovernance authorizes registry parameter mutation and operational
	// stop toggles.
	CapGovernance Capability = "governance"
	// CapStabilityPool authorizes the pool to trigger interest charges on
	// the ledger.
	CapStabilityPool Capability = "stability-pool"
)

var ErrUnauthorized = errors.New("caller lacks required capability")

// Authority validates capability tokens presented by internal callers.
type Authority interface {
	Allow(cap Capability) bool
}

// RequireCapability rejects the call unless the presented authority grants
// the capability. A nil authority denies everything, keeping miswired
// components fail-closed.
func RequireCapability(auth Authority, cap Capability) error {
	if auth == nil || !auth.Allow(cap) {
		return ErrUnauthorized
	}
	return nil
}

// StaticAuthority grants a fixed capability set. It is the usual wiring for
// in-process collaborators.
type StaticAuthority map[Capability]bool

func (a StaticAuthority) Allow(cap Capability) bool { return a[cap] }

// NewStaticAuthority builds an authority granting exactly the listed
// capabilities.
func NewStaticAuthority(caps ...Capability) StaticAuthority {
	authority := make(StaticAuthority, len(caps))
	for _, c := range caps {
		authority[c] = true
	}
	return authority
}
