// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package door

import (
	"context"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// ============================================================
// Status folding
// ============================================================

func TestMonitorClassifiesIdlePositions(t *testing.T) {
	cases := []struct {
		name    string
		status  string
		homeRef float64
		want    State
		wantPos float64
	}{
		{"at home", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>", 0, StateClosed, 0},
		{"within tolerance of home", "<Idle|MPos:0.050,0.000,0.000|FS:0,0>", 0, StateClosed, 0.05},
		{"fully open", "<Idle|MPos:1000.000,0.000,0.000|FS:0,0>", 0, StateOpen, 1000},
		{"open within tolerance", "<Idle|MPos:999.950,0.000,0.000|FS:0,0>", 0, StateOpen, 999.95},
		{"between", "<Idle|MPos:500.000,0.000,0.000|FS:0,0>", 0, StateIntermediate, 500},
		{"offset reference", "<Idle|MPos:1050.000,0.000,0.000|FS:0,0>", 50, StateOpen, 1000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeCNC(tc.status)
			c := newTestController(fake, noDial(t))
			c.setHomed(true, tc.homeRef)

			c.pollOnce()

			st := c.Status()
			if st.State != tc.want {
				t.Errorf("state = %v, want %v", st.State, tc.want)
			}
			if st.PositionMM != tc.wantPos {
				t.Errorf("position = %v, want %v", st.PositionMM, tc.wantPos)
			}
		})
	}
}

func TestMonitorReportsZeroPositionWhenNotHomed(t *testing.T) {
	fake := newFakeCNC("<Idle|MPos:1234.000,0.000,0.000|FS:0,0>")
	c := newTestController(fake, noDial(t))

	c.pollOnce()

	st := c.Status()
	if st.State != StatePending {
		t.Errorf("state = %v, want %v", st.State, StatePending)
	}
	if st.PositionMM != 0 {
		t.Errorf("position = %v, want exactly 0 while not homed", st.PositionMM)
	}
	if st.PositionPercent != 0 {
		t.Errorf("percent = %v, want 0 while not homed", st.PositionPercent)
	}
}

func TestMonitorDetectsAlarm(t *testing.T) {
	fake := newFakeCNC("<Alarm:1|MPos:0.000,0.000,0.000|FS:0,0>")
	c := newTestController(fake, noDial(t))
	c.setHomed(true, 0)
	c.setState(StateOpen)

	c.pollOnce()

	st := c.Status()
	if st.State != StateAlarm {
		t.Errorf("state = %v, want %v", st.State, StateAlarm)
	}
	if st.AlarmCode != "1" {
		t.Errorf("alarm code = %q, want \"1\"", st.AlarmCode)
	}
}

func TestMonitorAlarmWithoutCode(t *testing.T) {
	fake := newFakeCNC("<Alarm|MPos:0.000,0.000,0.000|FS:0,0>")
	c := newTestController(fake, noDial(t))

	c.pollOnce()

	st := c.Status()
	if st.State != StateAlarm || st.AlarmCode != "" {
		t.Errorf("got %+v, want alarm with empty code", st)
	}
}

func TestMonitorKeepsCommandedStateWhileRunning(t *testing.T) {
	fake := newFakeCNC("<Run|MPos:300.000,0.000,0.000|FS:6000,0>")
	c := newTestController(fake, noDial(t))
	c.setHomed(true, 0)
	c.setState(StateOpening)

	c.pollOnce()

	st := c.Status()
	if st.State != StateOpening {
		t.Errorf("state = %v, want %v (firmware Run carries no direction)", st.State, StateOpening)
	}
	if st.PositionMM != 300 {
		t.Errorf("position = %v, want 300", st.PositionMM)
	}
}

func TestMonitorDiscardsOneSampleAfterCommand(t *testing.T) {
	fake := newFakeCNC(
		"<Idle|MPos:0.000,0.000,0.000|FS:0,0>",
		"<Run|MPos:10.000,0.000,0.000|FS:6000,0>",
	)
	c := newTestController(fake, noDial(t))
	c.setHomed(true, 0)
	c.setState(StateOpening)
	c.discardNext.Store(true)

	// First tick consumes the stale pre-command sample without applying it.
	c.pollOnce()
	if st := c.Status().State; st != StateOpening {
		t.Fatalf("stale sample rolled the state back to %v", st)
	}

	// Second tick applies normally.
	c.pollOnce()
	st := c.Status()
	if st.State != StateOpening || st.PositionMM != 10 {
		t.Errorf("got %+v, want opening at 10", st)
	}
}

func TestMonitorSkipsWhileHomingAndFaulted(t *testing.T) {
	for _, state := range []State{StateHoming, StateFault} {
		fake := newFakeCNC("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
		c := newTestController(fake, noDial(t))
		c.setState(state)

		c.pollOnce()

		if n := len(fake.callLog()); n != 0 {
			t.Errorf("state %v: poll issued %d queries, want 0", state, n)
		}
	}
}

func TestMonitorToleratesPollFailure(t *testing.T) {
	fake := newFakeCNC()
	c := newTestController(fake, noDial(t))
	c.setHomed(true, 0)
	c.setState(StateOpen)

	c.pollOnce()

	if st := c.Status().State; st != StateOpen {
		t.Errorf("a failed poll must not change state, got %v", st)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	fake := newFakeCNC("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	c := newTestController(fake, noDial(t))
	c.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// ============================================================
// Auto-home
// ============================================================

func TestAutoHomeRunsOnce(t *testing.T) {
	fake := newFakeCNC("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	cfg := testConfig()
	cfg.AutoHome = true
	c := New(fake, cfg, noDial(t))
	c.unlockDelay = 0

	c.pollOnce()

	waitFor(t, time.Second, func() bool {
		return c.Status().State == StateClosed
	})
	if !hasCall(fake.callLog(), "home X") {
		t.Fatalf("expected a homing cycle, got %v", fake.callLog())
	}

	// Force pending again; the latch must prevent a second cycle.
	c.setHomed(false, 0)
	c.setState(StatePending)
	c.discardNext.Store(false)
	c.pollOnce()
	time.Sleep(20 * time.Millisecond)

	homes := 0
	for _, call := range fake.callLog() {
		if call == "home X" {
			homes++
		}
	}
	if homes != 1 {
		t.Errorf("homing cycles = %d, want 1", homes)
	}
}

func TestAutoHomeDisabledByDefault(t *testing.T) {
	fake := newFakeCNC("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	c := newTestController(fake, noDial(t))

	c.pollOnce()
	time.Sleep(20 * time.Millisecond)

	if hasCall(fake.callLog(), "home X") {
		t.Error("auto-home must be off unless configured")
	}
}
