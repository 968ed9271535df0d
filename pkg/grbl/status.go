// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package grbl

import (
	"fmt"
	"strconv"
	"strings"
)

// Pure parsers for grblHAL status reports of the form
//
//	<State[:code]|MPos:a,b,c,...|FS:...|...>
//
// These do no I/O and are shared by the client and the door state machine.

// AxisIndex maps an axis letter to its coordinate index in MPos (X=0 ... C=5).
func AxisIndex(axis string) (int, error) {
	switch strings.ToUpper(axis) {
	case "X":
		return 0, nil
	case "Y":
		return 1, nil
	case "Z":
		return 2, nil
	case "A":
		return 3, nil
	case "B":
		return 4, nil
	case "C":
		return 5, nil
	default:
		return 0, fmt.Errorf("invalid axis %q (supported: X, Y, Z, A, B, C)", axis)
	}
}

// ParsePosition extracts the machine position of the given axis from a
// status report.
func ParsePosition(status, axis string) (float64, error) {
	idx, err := AxisIndex(axis)
	if err != nil {
		return 0, err
	}
	start := strings.Index(status, "MPos:")
	if start < 0 {
		return 0, fmt.Errorf("MPos not found in status %q", status)
	}
	coords := status[start+len("MPos:"):]
	if end := strings.IndexByte(coords, '|'); end >= 0 {
		coords = coords[:end]
	} else {
		coords = strings.TrimSuffix(coords, ">")
	}
	parts := strings.Split(coords, ",")
	if idx >= len(parts) {
		return 0, fmt.Errorf("axis index %d out of bounds in status %q", idx, status)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[idx]), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse position value %q: %w", parts[idx], err)
	}
	return v, nil
}

// ParseState extracts the machine state token, e.g. "Idle", "Run", "Hold:0"
// or "Alarm:1".
func ParseState(status string) (string, error) {
	start := strings.IndexByte(status, '<')
	end := strings.IndexByte(status, '|')
	if start < 0 || end < 0 || end <= start {
		return "", fmt.Errorf("failed to parse state from status %q", status)
	}
	return status[start+1 : end], nil
}

// ParseAlarm reports whether a status line carries an alarm state, and the
// alarm code when the firmware appended one ("Alarm:1" -> "1").
func ParseAlarm(status string) (bool, string) {
	state, err := ParseState(status)
	if err != nil {
		return false, ""
	}
	if !strings.HasPrefix(state, "Alarm") {
		return false, ""
	}
	if colon := strings.IndexByte(state, ':'); colon >= 0 {
		return true, state[colon+1:]
	}
	return true, ""
}

// FormatStatus builds a well-formed status report line. It is the inverse of
// the parsers above and exists mostly for simulators and test fixtures.
func FormatStatus(state string, mpos ...float64) string {
	coords := make([]string, len(mpos))
	for i, v := range mpos {
		coords[i] = strconv.FormatFloat(v, 'f', 3, 64)
	}
	return fmt.Sprintf("<%s|MPos:%s|FS:0,0>", state, strings.Join(coords, ","))
}
