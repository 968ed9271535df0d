// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package door

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/dosa/pkg/grbl"
)

// Run is the background position monitor. It polls the controller on every
// tick and folds the report into the door snapshot, publishing changes to
// subscribers. It returns when ctx is cancelled.
//
// The monitor never reconnects: recovery is on demand, driven by commands.
// A failed poll is logged and the tick skipped.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

// pollOnce performs one monitor tick.
func (c *Controller) pollOnce() {
	switch c.Status().State {
	case StateHoming:
		// The homing cycle owns the link and can block for a minute;
		// polling would only time out against it.
		return
	case StateFault:
		// Recovery is command driven.
		return
	}

	raw, err := c.client().QueryStatus()
	if err != nil {
		log.Debug().Err(err).Msg("status poll failed")
		return
	}

	// A command may have been accepted between the query and this point;
	// the sample would predate the command and roll back the state.
	if c.discardNext.CompareAndSwap(true, false) {
		return
	}

	c.applyStatusLine(raw)
	c.maybeAutoHome()
}

// applyStatusLine folds one raw status report into the door snapshot.
func (c *Controller) applyStatusLine(raw string) {
	if alarm, code := grbl.ParseAlarm(raw); alarm {
		c.setAlarm(code)
		return
	}

	cfg := c.Config()

	mpos, err := grbl.ParsePosition(raw, cfg.Axis)
	if err != nil {
		log.Debug().Err(err).Str("status", raw).Msg("unparseable status report")
		return
	}
	pos := c.relative(mpos)

	state, err := grbl.ParseState(raw)
	if err != nil {
		log.Debug().Err(err).Str("status", raw).Msg("unparseable status report")
		return
	}

	c.mu.Lock()
	c.status.PositionMM = round3(pos)
	c.status.PositionPercent = percentOf(pos, cfg.OpenTarget())

	switch {
	case state == "Idle":
		if c.isHomed() {
			c.status.State = classifyIdle(pos, cfg)
		} else {
			c.status.State = StatePending
		}
		c.status.AlarmCode = ""
	case state == "Home":
		c.status.State = StateHoming
	case state == "Run", strings.HasPrefix(state, "Hold"), strings.HasPrefix(state, "Jog"):
		// Commanded motion states stand; the firmware tells us nothing
		// about direction we do not already know.
	}

	c.publishLocked()
	c.mu.Unlock()
}

// maybeAutoHome runs the one-shot startup homing cycle the first time the
// door is seen pending, if configured.
func (c *Controller) maybeAutoHome() {
	if !c.Config().AutoHome {
		return
	}
	if c.Status().State != StatePending {
		return
	}
	if !c.autoHomed.CompareAndSwap(false, true) {
		return
	}
	log.Info().Msg("auto-homing door")
	go func() {
		if err := c.Home(); err != nil {
			log.Error().Err(err).Msg("auto-home failed")
		}
	}()
}
