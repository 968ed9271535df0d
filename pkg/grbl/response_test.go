// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package grbl

import (
	"errors"
	"testing"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line     string
		expected lineKind
	}{
		{"[MSG:Reset to continue]", lineMessage},
		{"GrblHAL 1.1f ['$' or '$HELP' for help]", lineBanner},
		{"Grbl 1.1h ['$' for help]", lineBanner},
		{"ALARM:1", lineAlarm},
		{"<Idle|MPos:0.000,0.000,0.000|FS:0,0>", lineStatus},
		{"ok", lineAck},
		{"error:20", lineAck},
		{"$120=1000.000", lineUnknown},
		{"[MSG:unterminated", lineUnknown},
		{"something else", lineUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if got := classifyLine(tt.line); got != tt.expected {
				t.Errorf("classifyLine(%q) = %v, expected %v", tt.line, got, tt.expected)
			}
		})
	}
}

func TestSortLines_AckAndStatus(t *testing.T) {
	r := sortLines([]string{
		"[MSG:Caution: Unlocked]",
		"<Idle|MPos:1.000,0.000,0.000|FS:0,0>",
		"ok",
	})
	if r.ack != "ok" {
		t.Errorf("expected ack ok, got %q", r.ack)
	}
	if r.status != "<Idle|MPos:1.000,0.000,0.000|FS:0,0>" {
		t.Errorf("unexpected status %q", r.status)
	}
}

func TestSortLines_ErrorAck(t *testing.T) {
	r := sortLines([]string{"error:9"})
	err := ackError(r.ack)
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if ce.Response != "error:9" {
		t.Errorf("unexpected response %q", ce.Response)
	}
}

func TestSortLines_AsyncChatterDiscarded(t *testing.T) {
	// Banners and ALARM notices never count as acks or status reports.
	r := sortLines([]string{
		"GrblHAL 1.1f ['$' or '$HELP' for help]",
		"ALARM:1",
		"[MSG:Reset to continue]",
	})
	if r.ack != "" || r.status != "" {
		t.Errorf("expected empty response, got ack=%q status=%q", r.ack, r.status)
	}
	if err := ackError(r.ack); !errors.Is(err, ErrNoAckInResponse) {
		t.Errorf("expected ErrNoAckInResponse, got %v", err)
	}
}

func TestAckError_OK(t *testing.T) {
	if err := ackError("ok"); err != nil {
		t.Errorf("expected nil for ok, got %v", err)
	}
}

func TestIsLinkError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"link error", &LinkError{Op: "send", Err: errors.New("broken pipe")}, true},
		{"not connected", ErrNotConnected, true},
		{"wrapped not connected", errors.Join(errors.New("op failed"), ErrNotConnected), true},
		{"command error", &CommandError{Response: "error:20"}, false},
		{"timeout error", &TimeoutError{Op: "homing", Elapsed: "60s"}, false},
		{"plain error", errors.New("whatever"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLinkError(tt.err); got != tt.expected {
				t.Errorf("IsLinkError = %v, expected %v", got, tt.expected)
			}
		})
	}
}
