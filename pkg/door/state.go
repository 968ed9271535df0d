// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package door

import "math"

// State is the door's externally visible state. The set is mutually
// exclusive: the door is always in exactly one.
type State string

const (
	// StatePending means the door has not been homed yet; position is
	// meaningless and travel commands are refused.
	StatePending State = "pending"

	// StateClosed means the door is idle at the home (zero) position.
	StateClosed State = "closed"

	// StateOpen means the door is idle at the configured open distance.
	StateOpen State = "open"

	// StateIntermediate means the door is idle but neither closed nor open
	// within the configured position tolerance.
	StateIntermediate State = "intermediate"

	// StateOpening and StateClosing are commanded travel states.
	StateOpening State = "opening"
	StateClosing State = "closing"

	// StateHoming means a firmware homing cycle is in progress.
	StateHoming State = "homing"

	// StateHalting means a stop sequence is in progress.
	StateHalting State = "halting"

	// StateAlarm means the controller reported an alarm; motion is blocked
	// until the alarm is cleared.
	StateAlarm State = "alarm"

	// StateFault means the link to the controller is unusable. Fault is
	// recoverable: it clears the next time any operation succeeds.
	StateFault State = "fault"
)

// Moving reports whether the state is a commanded motion state during which
// new travel commands are refused.
func (s State) Moving() bool {
	switch s {
	case StateOpening, StateClosing, StateHoming, StateHalting:
		return true
	}
	return false
}

// Status is the single externally visible door snapshot. It is comparable so
// the broadcaster can emit only on change.
type Status struct {
	State State `json:"state"`

	// PositionMM is the door position in mm relative to the home reference.
	// Always exactly 0 while the door is not homed.
	PositionMM float64 `json:"position_mm"`

	// PositionPercent is 0 at closed and 100 at fully open, clamped.
	PositionPercent float64 `json:"position_percent"`

	// FaultMessage is set while in the fault state.
	FaultMessage string `json:"fault_message,omitempty"`

	// AlarmCode is the firmware alarm code while in the alarm state.
	AlarmCode string `json:"alarm_code,omitempty"`
}

// round3 keeps reported positions stable across float noise so that
// change detection and serialization behave.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// percentOf computes the clamped position percentage for a travel distance.
func percentOf(positionMM, openDistance float64) float64 {
	if openDistance == 0 {
		return 0
	}
	pct := math.Abs(positionMM) / math.Abs(openDistance) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return math.Round(pct*10) / 10
}
