// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package grbl

import (
	"strings"
	"testing"
)

// ============================================================
// Status Parsing Tests
// ============================================================

func TestParseState(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		expected string
	}{
		{"idle", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>", "Idle"},
		{"run", "<Run|MPos:12.500,0.000,0.000|FS:500,0>", "Run"},
		{"hold zero", "<Hold:0|MPos:50.000,0.000,0.000|FS:0,0>", "Hold:0"},
		{"hold one", "<Hold:1|MPos:50.000,0.000,0.000|FS:0,0>", "Hold:1"},
		{"alarm with code", "<Alarm:1|MPos:0.000,0.000,0.000|FS:0,0>", "Alarm:1"},
		{"home", "<Home|MPos:0.000,0.000,0.000|FS:0,0>", "Home"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := ParseState(tt.status)
			if err != nil {
				t.Fatalf("ParseState error: %v", err)
			}
			if state != tt.expected {
				t.Errorf("expected state %q, got %q", tt.expected, state)
			}
		})
	}
}

func TestParseState_Malformed(t *testing.T) {
	for _, status := range []string{"", "ok", "Idle|MPos:0>", "<Idle"} {
		if _, err := ParseState(status); err == nil {
			t.Errorf("expected error for %q", status)
		}
	}
}

func TestParsePosition(t *testing.T) {
	status := "<Idle|MPos:10.500,-2.000,300.125,4.000,5.000,6.000|FS:0,0>"
	tests := []struct {
		axis     string
		expected float64
	}{
		{"X", 10.5},
		{"Y", -2.0},
		{"Z", 300.125},
		{"A", 4.0},
		{"B", 5.0},
		{"C", 6.0},
		{"x", 10.5}, // case-insensitive
	}

	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			pos, err := ParsePosition(status, tt.axis)
			if err != nil {
				t.Fatalf("ParsePosition error: %v", err)
			}
			if pos != tt.expected {
				t.Errorf("axis %s: expected %v, got %v", tt.axis, tt.expected, pos)
			}
		})
	}
}

func TestParsePosition_MPosLastField(t *testing.T) {
	// MPos at the end of the report, closed by '>' instead of '|'.
	status := "<Idle|MPos:42.000,0.000,0.000>"
	pos, err := ParsePosition(status, "X")
	if err != nil {
		t.Fatalf("ParsePosition error: %v", err)
	}
	if pos != 42.0 {
		t.Errorf("expected 42.0, got %v", pos)
	}
}

func TestParsePosition_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status string
		axis   string
	}{
		{"no MPos", "<Idle|WPos:0.000,0.000,0.000>", "X"},
		{"axis out of bounds", "<Idle|MPos:0.000,0.000,0.000>", "C"},
		{"bad axis", "<Idle|MPos:0.000,0.000,0.000>", "Q"},
		{"not a number", "<Idle|MPos:abc,0.000,0.000>", "X"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePosition(tt.status, tt.axis); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseAlarm(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		wantAlarm bool
		wantCode  string
	}{
		{"alarm with code", "<Alarm:1|MPos:0.000,0.000,0.000|FS:0,0>", true, "1"},
		{"alarm without code", "<Alarm|MPos:0.000,0.000,0.000|FS:0,0>", true, ""},
		{"idle", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>", false, ""},
		{"hold", "<Hold:0|MPos:0.000,0.000,0.000|FS:0,0>", false, ""},
		{"garbage", "not a status", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alarm, code := ParseAlarm(tt.status)
			if alarm != tt.wantAlarm {
				t.Errorf("alarm: expected %v, got %v", tt.wantAlarm, alarm)
			}
			if code != tt.wantCode {
				t.Errorf("code: expected %q, got %q", tt.wantCode, code)
			}
		})
	}
}

// ============================================================
// Round-trip Tests
// ============================================================

func TestFormatStatus_RoundTrip(t *testing.T) {
	coords := []float64{50.0, -12.5, 0.001, 7, 8, 9}
	status := FormatStatus("Idle", coords...)

	state, err := ParseState(status)
	if err != nil {
		t.Fatalf("ParseState error: %v", err)
	}
	if state != "Idle" {
		t.Errorf("expected Idle, got %q", state)
	}

	for i, axis := range []string{"X", "Y", "Z", "A", "B", "C"} {
		pos, err := ParsePosition(status, axis)
		if err != nil {
			t.Fatalf("ParsePosition(%s) error: %v", axis, err)
		}
		if pos != coords[i] {
			t.Errorf("axis %s: expected %v, got %v", axis, coords[i], pos)
		}
	}
}

func TestFormatStatus_AlarmRoundTrip(t *testing.T) {
	status := FormatStatus("Alarm:9", 0, 0, 0)
	alarm, code := ParseAlarm(status)
	if !alarm || code != "9" {
		t.Errorf("expected alarm=true code=9, got alarm=%v code=%q", alarm, code)
	}
}

// ============================================================
// Fuzz Tests
// ============================================================

func FuzzParseStatus(f *testing.F) {
	f.Add("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	f.Add("<Alarm:1|MPos:1.0,2.0,3.0>")
	f.Add("<Hold:0|MPos:-5,0,0|FS:0,0|Pn:P>")
	f.Add("garbage")
	f.Add("<|>")

	f.Fuzz(func(t *testing.T, status string) {
		// Must never panic, regardless of input.
		state, err := ParseState(status)
		if err == nil && strings.ContainsAny(state, "<>") {
			t.Errorf("state %q contains framing characters", state)
		}
		_, _ = ParsePosition(status, "X")
		alarm, code := ParseAlarm(status)
		if !alarm && code != "" {
			t.Errorf("code %q reported without alarm", code)
		}
	})
}
