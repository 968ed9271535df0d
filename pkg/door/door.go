// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package door implements the door state machine on top of the grbl
// protocol client. A Controller owns the connection, tracks position
// relative to a captured home reference, guards every motion command with
// the current state, and recovers from link failures by reconnecting and
// retrying the failed command exactly once. Firmware command rejections are
// never treated as link failures and never trigger a reconnect.
package door

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/dosa/pkg/config"
	"github.com/Thermoquad/dosa/pkg/grbl"
)

// CNC is the slice of the grbl client the state machine drives.
// *grbl.Client satisfies it; tests substitute a scripted fake.
type CNC interface {
	QueryStatus() (string, error)
	FeedHold() error
	SoftReset() error
	QueueFlush() error
	MoveAbsolute(axis string, pos, feed float64) error
	Jog(axis string, dist, feed float64) error
	ZeroAxis(axis string) error
	Unlock() error
	HomeAxis(axis string) error
	QuerySettings() (grbl.Settings, error)
	SetSetting(key, value string) error
	AxisAcceleration(axis string) (float64, error)
	Close() error
}

// Dialer opens a fresh connection to the controller. The Controller uses it
// for the reconnect-and-retry-once recovery path.
type Dialer func(target grbl.Target) (CNC, error)

// DialGrbl is the production Dialer.
func DialGrbl(target grbl.Target) (CNC, error) {
	return grbl.Dial(target)
}

const (
	// unlockSettle is how long the controller needs after a soft reset
	// before it accepts an unlock command.
	unlockSettle = 500 * time.Millisecond

	// statusTimeout caps external status queries end to end, including a
	// possible reconnect attempt.
	statusTimeout = 3 * time.Second

	// stopPollInterval and stopPollBudget bound the wait for the feed hold
	// to finish decelerating before the motion queue is flushed.
	stopPollInterval = 100 * time.Millisecond
	stopPollBudget   = 5 * time.Second

	// defaultPollInterval is the background position monitor tick.
	defaultPollInterval = 200 * time.Millisecond
)

// Controller is the door state machine. All methods are safe for concurrent
// use; motion commands are serialized by the underlying client.
type Controller struct {
	dial  Dialer
	bcast *Broadcaster

	mu     sync.Mutex
	status Status

	cfgMu sync.RWMutex
	cfg   config.Door

	cncMu sync.RWMutex
	cnc   CNC

	// homed and homeRef track the position reference. homeRef is the
	// machine position captured when homing or zeroing completed; reported
	// position is machine position minus homeRef, forced to 0 while not
	// homed.
	homeMu  sync.Mutex
	homed   bool
	homeRef float64

	// discardNext makes the monitor skip exactly one sample after a
	// state-changing command, so a stale pre-command status line cannot
	// overwrite the commanded state.
	discardNext atomic.Bool

	// autoHomed latches the one-shot startup auto-home.
	autoHomed atomic.Bool

	pollInterval time.Duration

	// unlockDelay and stopPoll are overridable so tests run fast.
	unlockDelay  time.Duration
	stopInterval time.Duration
	stopBudget   time.Duration
}

// New builds a Controller around an already open connection. The initial
// state is Pending: nothing is assumed about where the door is until it has
// been homed or zeroed.
func New(cnc CNC, cfg config.Door, dial Dialer) *Controller {
	return &Controller{
		dial:         dial,
		bcast:        NewBroadcaster(),
		status:       Status{State: StatePending},
		cfg:          cfg,
		cnc:          cnc,
		pollInterval: defaultPollInterval,
		unlockDelay:  unlockSettle,
		stopInterval: stopPollInterval,
		stopBudget:   stopPollBudget,
	}
}

// NewFault builds a Controller that starts in the fault state with a
// disconnected client. The first successful operation (after an on-demand
// reconnect) clears the fault.
func NewFault(msg string, cfg config.Door, dial Dialer) *Controller {
	c := New(grbl.Disconnected(), cfg, dial)
	c.status = Status{State: StateFault, FaultMessage: msg}
	return c
}

// Subscribe registers a status subscriber. See Broadcaster.Subscribe.
func (c *Controller) Subscribe(buffer int) (<-chan Status, func()) {
	return c.bcast.Subscribe(buffer)
}

// Status returns the current door snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Config returns the current door configuration.
func (c *Controller) Config() config.Door {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// UpdateConfig swaps in a new door configuration and pushes the homing
// pulloff to the controller as $27. A failed push is logged but does not
// reject the update; the value is re-pushed on the next connect.
func (c *Controller) UpdateConfig(cfg config.Door) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfgMu.Lock()
	prev := c.cfg
	c.cfg = cfg
	c.cfgMu.Unlock()

	if cfg.LimitOffset != prev.LimitOffset {
		err := c.withReconnect("set pulloff", func(cnc CNC) error {
			return cnc.SetSetting("$27", fmt.Sprintf("%.3f", cfg.LimitOffset))
		})
		if err != nil {
			log.Warn().Err(err).Msg("could not push homing pulloff to controller")
		}
	}
	return nil
}

// Close shuts the underlying connection.
func (c *Controller) Close() error {
	c.cncMu.Lock()
	defer c.cncMu.Unlock()
	return c.cnc.Close()
}

func (c *Controller) client() CNC {
	c.cncMu.RLock()
	defer c.cncMu.RUnlock()
	return c.cnc
}

// ----------------------------------------------------------------
// State bookkeeping
// ----------------------------------------------------------------

// publishLocked is called with c.mu held. Publish never blocks, so there
// is no lock cycle: the broadcaster takes only its own mutex.
func (c *Controller) publishLocked() {
	c.bcast.Publish(c.status)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.status.State = s
	if s != StateAlarm {
		c.status.AlarmCode = ""
	}
	if s != StateFault {
		c.status.FaultMessage = ""
	}
	c.publishLocked()
	c.mu.Unlock()
}

func (c *Controller) setFault(msg string) {
	log.Error().Str("reason", msg).Msg("door entering fault state")
	c.mu.Lock()
	c.status.State = StateFault
	c.status.FaultMessage = msg
	c.status.AlarmCode = ""
	c.publishLocked()
	c.mu.Unlock()
}

func (c *Controller) setAlarm(code string) {
	c.mu.Lock()
	changed := c.status.State != StateAlarm || c.status.AlarmCode != code
	c.status.State = StateAlarm
	c.status.AlarmCode = code
	c.status.FaultMessage = ""
	if changed {
		c.publishLocked()
	}
	c.mu.Unlock()
}

// clearFaultOnSuccess leaves the fault state once an operation has gone
// through. The door has to be re-homed, so it lands in Pending.
func (c *Controller) clearFaultOnSuccess() {
	c.mu.Lock()
	if c.status.State == StateFault {
		c.status.State = StatePending
		c.status.FaultMessage = ""
		c.publishLocked()
	}
	c.mu.Unlock()
}

func (c *Controller) setPosition(mm float64, cfg config.Door) {
	c.mu.Lock()
	c.status.PositionMM = round3(mm)
	c.status.PositionPercent = percentOf(mm, cfg.OpenTarget())
	c.publishLocked()
	c.mu.Unlock()
}

func (c *Controller) isHomed() bool {
	c.homeMu.Lock()
	defer c.homeMu.Unlock()
	return c.homed
}

func (c *Controller) setHomed(homed bool, ref float64) {
	c.homeMu.Lock()
	c.homed = homed
	c.homeRef = ref
	c.homeMu.Unlock()
}

// relative converts a machine position to the door-relative position.
// Returns exactly 0 while the door is not homed.
func (c *Controller) relative(mpos float64) float64 {
	c.homeMu.Lock()
	defer c.homeMu.Unlock()
	if !c.homed {
		return 0
	}
	return mpos - c.homeRef
}

// classifyIdle maps an idle position onto Closed, Open or Intermediate
// using the configured tolerance.
func classifyIdle(pos float64, cfg config.Door) State {
	tol := cfg.PositionTolerance
	switch {
	case math.Abs(pos) <= tol:
		return StateClosed
	case math.Abs(pos-cfg.OpenTarget()) <= tol:
		return StateOpen
	default:
		return StateIntermediate
	}
}

// ----------------------------------------------------------------
// Reconnect policy
// ----------------------------------------------------------------

// withReconnect runs fn against the current connection. On a link failure
// it dials a fresh connection, swaps it in, and retries fn exactly once.
// Firmware command errors pass straight through. A failed reconnect or a
// link failure on the retry puts the door in the fault state.
func (c *Controller) withReconnect(op string, fn func(cnc CNC) error) error {
	err := fn(c.client())
	if err == nil {
		c.clearFaultOnSuccess()
		return nil
	}
	if !grbl.IsLinkError(err) {
		return err
	}

	log.Warn().Err(err).Str("op", op).Msg("link failure, reconnecting")
	if rerr := c.reconnect(); rerr != nil {
		c.setFault(rerr.Error())
		return fmt.Errorf("%s: reconnect failed: %w", op, rerr)
	}

	if err := fn(c.client()); err != nil {
		if grbl.IsLinkError(err) {
			c.setFault(err.Error())
		}
		return fmt.Errorf("%s: retry after reconnect failed: %w", op, err)
	}
	c.clearFaultOnSuccess()
	return nil
}

// reconnect dials a fresh connection, validates the stop delay against the
// controller's acceleration, and swaps it in. The home reference does not
// survive a reconnect: the controller may have rebooted, so the door must
// be re-homed.
func (c *Controller) reconnect() error {
	cfg := c.Config()

	cnc, err := c.dial(cfg.Connection.Target())
	if err != nil {
		return err
	}
	if err := ValidateStopDelay(cnc, cfg); err != nil {
		cnc.Close()
		return err
	}

	c.cncMu.Lock()
	old := c.cnc
	c.cnc = cnc
	c.cncMu.Unlock()
	old.Close()

	c.setHomed(false, 0)
	c.setPosition(0, cfg)
	log.Info().Stringer("target", cfg.Connection.Target()).Msg("reconnected to controller")
	return nil
}

// ValidateStopDelay checks that the configured stop delay budget covers the
// worst-case feed-hold deceleration time, derived from the controller's
// acceleration setting for the door axis, with a 20% margin.
func ValidateStopDelay(cnc CNC, cfg config.Door) error {
	accel, err := cnc.AxisAcceleration(cfg.Axis)
	if err != nil {
		return fmt.Errorf("reading axis acceleration: %w", err)
	}
	if accel <= 0 {
		return fmt.Errorf("controller reports non-positive acceleration %v for axis %s", accel, cfg.Axis)
	}

	maxSpeed := math.Max(cfg.OpenSpeed, cfg.CloseSpeed) / 60.0 // mm/sec
	decelMS := maxSpeed / accel * 1000
	required := int(math.Ceil(decelMS * 1.2))
	if cfg.StopDelayMS < required {
		return fmt.Errorf(
			"stop_delay_ms %d is below the %d ms needed to decelerate from %.0f mm/min at %.1f mm/sec^2",
			cfg.StopDelayMS, required, math.Max(cfg.OpenSpeed, cfg.CloseSpeed), accel)
	}
	return nil
}

// ----------------------------------------------------------------
// Operations
// ----------------------------------------------------------------

// guardTravel rejects travel commands in states where they make no sense.
// Returns the state the guard saw so callers can special-case reversal.
func (c *Controller) guardTravel() (State, error) {
	st := c.Status()
	switch st.State {
	case StateHoming:
		return st.State, errors.New("door is homing; wait for the cycle to finish")
	case StateHalting:
		return st.State, errors.New("door is stopping; wait for the stop to finish")
	case StateAlarm:
		return st.State, fmt.Errorf("controller is in alarm %s; clear the alarm first", st.AlarmCode)
	case StateFault:
		return st.State, fmt.Errorf("system is in fault state: %s", st.FaultMessage)
	}
	return st.State, nil
}

// Open moves the door to the fully open position. If the door is currently
// closing, the close is stopped first. Requires the door to be homed.
func (c *Controller) Open() error {
	st, err := c.guardTravel()
	if err != nil {
		return err
	}
	switch st {
	case StateOpen:
		return errors.New("door is already open")
	case StateOpening:
		return errors.New("door is already opening")
	case StateClosing:
		if err := c.Stop(); err != nil {
			return fmt.Errorf("stopping close before open: %w", err)
		}
	}
	if !c.isHomed() {
		return errors.New("door has not been homed; home it first")
	}

	cfg := c.Config()
	target := c.absolute(cfg.OpenTarget())
	err = c.withReconnect("open", func(cnc CNC) error {
		return cnc.MoveAbsolute(cfg.Axis, target, cfg.OpenSpeed)
	})
	if err != nil {
		return err
	}

	c.discardNext.Store(true)
	c.setState(StateOpening)
	log.Info().Float64("target", target).Msg("door opening")
	return nil
}

// CloseDoor moves the door to the closed position. If the door is currently
// opening, the open is stopped first. Named to leave Close for the io.Closer
// convention.
func (c *Controller) CloseDoor() error {
	st, err := c.guardTravel()
	if err != nil {
		return err
	}
	switch st {
	case StateClosed:
		return errors.New("door is already closed")
	case StateClosing:
		return errors.New("door is already closing")
	case StateOpening:
		if err := c.Stop(); err != nil {
			return fmt.Errorf("stopping open before close: %w", err)
		}
	}
	if !c.isHomed() {
		return errors.New("door has not been homed; home it first")
	}

	cfg := c.Config()
	target := c.absolute(0)
	err = c.withReconnect("close", func(cnc CNC) error {
		return cnc.MoveAbsolute(cfg.Axis, target, cfg.CloseSpeed)
	})
	if err != nil {
		return err
	}

	c.discardNext.Store(true)
	c.setState(StateClosing)
	log.Info().Float64("target", target).Msg("door closing")
	return nil
}

// MoveToPercent moves the door to a fraction of its travel, 0 meaning
// closed and 100 fully open. The feed rate follows the travel direction:
// opening moves use the open speed, closing moves the close speed. Unlike
// Open and CloseDoor it does not stop a move in progress; it is refused
// until the door is stationary.
func (c *Controller) MoveToPercent(percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("percent must be between 0 and 100, got %v", percent)
	}
	st, err := c.guardTravel()
	if err != nil {
		return err
	}
	switch st {
	case StateOpening, StateClosing:
		return errors.New("door is moving; stop it before moving to a position")
	}
	if !c.isHomed() {
		return errors.New("door has not been homed; home it first")
	}

	cfg := c.Config()
	rel := cfg.OpenTarget() * percent / 100
	cur := c.Status().PositionMM

	if math.Abs(rel-cur) <= cfg.PositionTolerance {
		return nil
	}

	feed := cfg.CloseSpeed
	next := StateClosing
	if math.Abs(rel) > math.Abs(cur) {
		feed = cfg.OpenSpeed
		next = StateOpening
	}

	target := c.absolute(rel)
	err = c.withReconnect("move", func(cnc CNC) error {
		return cnc.MoveAbsolute(cfg.Axis, target, feed)
	})
	if err != nil {
		return err
	}

	c.discardNext.Store(true)
	c.setState(next)
	log.Info().Float64("percent", percent).Float64("target", target).Msg("door moving")
	return nil
}

// Jog nudges the door by a signed relative distance in mm, positive toward
// open. feed <= 0 selects the configured open speed. Jogging is permitted
// before homing so the door can be positioned for a manual zero, but not
// while the door is moving.
func (c *Controller) Jog(distance, feed float64) error {
	st, err := c.guardTravel()
	if err != nil {
		return err
	}
	switch st {
	case StateOpening, StateClosing:
		return errors.New("door is moving; stop it before jogging")
	}

	cfg := c.Config()
	if feed <= 0 {
		feed = cfg.OpenSpeed
	}
	signed := distance * cfg.DirectionSign()
	return c.withReconnect("jog", func(cnc CNC) error {
		return cnc.Jog(cfg.Axis, signed, feed)
	})
}

// Home runs the full homing cycle: clear any alarm, run the firmware homing
// cycle, zero the work offset, capture the machine position as the new home
// reference, and report the door closed.
func (c *Controller) Home() error {
	if c.Status().State == StateHoming {
		return errors.New("door is already homing")
	}

	if err := c.clearAlarmSequence(); err != nil {
		return fmt.Errorf("clearing alarm before homing: %w", err)
	}

	c.setState(StateHoming)
	cfg := c.Config()

	err := c.withReconnect("home", func(cnc CNC) error {
		return cnc.HomeAxis(cfg.Axis)
	})
	if err != nil {
		c.leaveHoming()
		return err
	}

	if err := c.captureHomeReference(cfg); err != nil {
		c.leaveHoming()
		return err
	}

	c.discardNext.Store(true)
	c.setPosition(0, cfg)
	c.setState(StateClosed)
	log.Info().Msg("homing complete, door closed")
	return nil
}

// Zero adopts the door's current physical position as closed without moving
// it. The work offset is zeroed and the machine position captured as the
// home reference.
func (c *Controller) Zero() error {
	if c.Status().State.Moving() {
		return errors.New("cannot zero while the door is moving")
	}

	if err := c.clearAlarmSequence(); err != nil {
		return fmt.Errorf("clearing alarm before zeroing: %w", err)
	}

	cfg := c.Config()
	if err := c.captureHomeReference(cfg); err != nil {
		return err
	}

	c.discardNext.Store(true)
	c.setPosition(0, cfg)
	c.setState(StateClosed)
	log.Info().Msg("position zeroed, door closed")
	return nil
}

// captureHomeReference zeroes the firmware work offset and records the raw
// machine position so relative positions survive status reports in machine
// coordinates.
func (c *Controller) captureHomeReference(cfg config.Door) error {
	err := c.withReconnect("zero offset", func(cnc CNC) error {
		return cnc.ZeroAxis(cfg.Axis)
	})
	if err != nil {
		return err
	}

	var raw string
	err = c.withReconnect("capture home reference", func(cnc CNC) error {
		var qerr error
		raw, qerr = cnc.QueryStatus()
		return qerr
	})
	if err != nil {
		return err
	}

	mpos, err := grbl.ParsePosition(raw, cfg.Axis)
	if err != nil {
		return fmt.Errorf("capturing home reference: %w", err)
	}
	c.setHomed(true, mpos)
	return nil
}

// leaveHoming backs out of the homing state after a failed cycle so the
// monitor resumes polling and reclassifies the door.
func (c *Controller) leaveHoming() {
	c.mu.Lock()
	if c.status.State == StateHoming {
		c.status.State = StatePending
		c.publishLocked()
	}
	c.mu.Unlock()
}

// ClearAlarm recovers from the alarm state: soft reset, settle, unlock,
// then re-query. If the alarm persists the state stays Alarm with the
// refreshed code. Clearing invalidates the home reference, so the door
// lands in Pending. Calling it outside the alarm state is a no-op.
func (c *Controller) ClearAlarm() error {
	if c.Status().State != StateAlarm {
		return nil
	}

	if err := c.clearAlarmSequence(); err != nil {
		return err
	}

	var raw string
	err := c.withReconnect("verify alarm clear", func(cnc CNC) error {
		var qerr error
		raw, qerr = cnc.QueryStatus()
		return qerr
	})
	if err != nil {
		return err
	}

	if alarm, code := grbl.ParseAlarm(raw); alarm {
		c.setAlarm(code)
		return fmt.Errorf("alarm %s persists after reset and unlock", code)
	}

	c.setHomed(false, 0)
	c.discardNext.Store(true)
	c.setPosition(0, c.Config())
	c.setState(StatePending)
	log.Info().Msg("alarm cleared, door pending re-home")
	return nil
}

// clearAlarmSequence is the raw recovery sequence: soft reset, wait for the
// controller to come back, unlock. An unlock rejection on an already
// unlocked controller is not an error.
func (c *Controller) clearAlarmSequence() error {
	err := c.withReconnect("soft reset", func(cnc CNC) error {
		return cnc.SoftReset()
	})
	if err != nil {
		return err
	}

	time.Sleep(c.unlockDelay)

	err = c.withReconnect("unlock", func(cnc CNC) error {
		return cnc.Unlock()
	})
	var cmdErr *grbl.CommandError
	if errors.As(err, &cmdErr) {
		log.Debug().Str("response", cmdErr.Response).Msg("unlock rejected, controller already unlocked")
		return nil
	}
	return err
}

// Stop halts motion: feed hold, wait for deceleration to finish, flush the
// motion queue, then reclassify the door from a fresh status report. Safe to
// call at any time, including when nothing is moving.
func (c *Controller) Stop() error {
	c.setState(StateHalting)

	err := c.withReconnect("feed hold", func(cnc CNC) error {
		return cnc.FeedHold()
	})
	if err != nil {
		return err
	}

	c.waitForHold()

	err = c.withReconnect("queue flush", func(cnc CNC) error {
		return cnc.QueueFlush()
	})
	if err != nil {
		return err
	}

	c.discardNext.Store(true)
	if err := c.reclassify(); err != nil {
		log.Warn().Err(err).Msg("could not verify position after stop")
		if c.isHomed() {
			c.setState(StateIntermediate)
		} else {
			c.setState(StatePending)
		}
	}
	log.Info().Msg("door stopped")
	return nil
}

// waitForHold polls until the controller reports the hold complete (Hold:0)
// or idle, bounded by the stop budget. Timing out is logged and tolerated:
// the queue flush that follows is still safe once deceleration has had the
// configured stop delay.
func (c *Controller) waitForHold() {
	deadline := time.Now().Add(c.stopBudget)
	for time.Now().Before(deadline) {
		time.Sleep(c.stopInterval)
		raw, err := c.client().QueryStatus()
		if err != nil {
			continue
		}
		state, err := grbl.ParseState(raw)
		if err != nil {
			continue
		}
		if state == "Hold:0" || state == "Idle" {
			return
		}
	}
	log.Warn().Dur("budget", c.stopBudget).Msg("hold did not settle within budget")
}

// reclassify queries the controller and rebuilds the door snapshot from the
// reported position.
func (c *Controller) reclassify() error {
	var raw string
	err := c.withReconnect("status query", func(cnc CNC) error {
		var qerr error
		raw, qerr = cnc.QueryStatus()
		return qerr
	})
	if err != nil {
		return err
	}
	c.applyStatusLine(raw)
	return nil
}

// absolute converts a door-relative target into the machine coordinate the
// controller expects, offset by the captured home reference.
func (c *Controller) absolute(rel float64) float64 {
	c.homeMu.Lock()
	defer c.homeMu.Unlock()
	return c.homeRef + rel
}

// RawStatus returns the controller's raw status report. The whole exchange,
// including a possible reconnect, is capped by an outer timeout; exceeding
// it is treated as a link failure and faults the door.
func (c *Controller) RawStatus() (string, error) {
	type result struct {
		raw string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var raw string
		err := c.withReconnect("raw status", func(cnc CNC) error {
			var qerr error
			raw, qerr = cnc.QueryStatus()
			return qerr
		})
		ch <- result{raw, err}
	}()

	select {
	case r := <-ch:
		return r.raw, r.err
	case <-time.After(statusTimeout):
		c.setFault("status query timed out")
		return "", &grbl.TimeoutError{Op: "status query", Elapsed: statusTimeout.String()}
	}
}

// Settings returns the controller's full settings dump.
func (c *Controller) Settings() (grbl.Settings, error) {
	var s grbl.Settings
	err := c.withReconnect("query settings", func(cnc CNC) error {
		var qerr error
		s, qerr = cnc.QuerySettings()
		return qerr
	})
	return s, err
}

// Setting returns a single controller setting value.
func (c *Controller) Setting(key string) (string, error) {
	s, err := c.Settings()
	if err != nil {
		return "", err
	}
	v, ok := s.Get(key)
	if !ok {
		return "", fmt.Errorf("controller has no setting %s", key)
	}
	return v, nil
}

// SetSetting writes a single controller setting.
func (c *Controller) SetSetting(key, value string) error {
	return c.withReconnect("set setting", func(cnc CNC) error {
		return cnc.SetSetting(key, value)
	})
}
