package events

import (
	"strconv"

	"nusd/core/types"
)

const (
	// TypeCollateralRegistered is emitted when a new collateral type is added.
	TypeCollateralRegistered = "registry.collateral_registered"
	// TypeParameterChanged is emitted on any registry parameter mutation.
	TypeParameterChanged = "registry.parameter_changed"
	// TypeStopChanged is emitted when an operational stop flag is toggled.
	TypeStopChanged = "registry.stop_changed"
)

type CollateralRegistered struct {
	CollateralType string
	Asset          string
	MCRBps         uint64
	Timestamp      int64
}

func (CollateralRegistered) EventType() string { return TypeCollateralRegistered }

func (e CollateralRegistered) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralRegistered,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"asset":          e.Asset,
			"mcrBps":         strconv.FormatUint(e.MCRBps, 10),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type ParameterChanged struct {
	CollateralType string
	Field          string
	Value          string
	Timestamp      int64
}

func (ParameterChanged) EventType() string { return TypeParameterChanged }

func (e ParameterChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeParameterChanged,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"field":          e.Field,
			"value":          e.Value,
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type StopChanged struct {
	CollateralType string
	Operation      string
	Stopped        bool
	Timestamp      int64
}

func (StopChanged) EventType() string { return TypeStopChanged }

func (e StopChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeStopChanged,
		Attributes: map[string]string{
			"collateralType": e.CollateralType,
			"operation":      e.Operation,
			"stopped":        strconv.FormatBool(e.Stopped),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}
