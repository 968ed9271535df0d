// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

/*
Package grbl is a client for grblHAL-class motion controllers speaking the
line-oriented ASCII protocol over TCP or serial.

The protocol has no request IDs: commands are newline-terminated lines, and
the firmware interleaves asynchronous output ([MSG:...] lines, ALARM notices,
boot banners, status pushes) with command acknowledgements. The client owns
the single physical link, serializes every exchange behind one mutex, drains
trailing asynchronous lines after each reply, and classifies failures as
link-level (reconnectable) or firmware-level (not).
*/
package grbl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Realtime commands: single unframed bytes that bypass the line queue.
const (
	RTFeedHold   byte = 0x21 // '!' controlled deceleration per $12x
	RTSoftReset  byte = 0x18 // Ctrl-X, immediate halt and controller reset
	RTQueueFlush byte = 0x19 // Ctrl-Y, clear pending commands without alarm
)

const (
	defaultFirstLineTimeout = 1 * time.Second
	trailingLineTimeout     = 50 * time.Millisecond
	settingsLineTimeout     = 2 * time.Second
	settingsMaxLines        = 200
	homingTimeout           = 60 * time.Second
)

// link is the tagged connection variant: a usable stream, or nothing. The
// disconnected variant stands in for the link while the system is in fault
// state, so the client never carries a nil that callers could trip over.
type link interface {
	writeLine(line string) error
	writeByte(b byte) error
	readLine(timeout time.Duration) (string, error)
	close() error
}

// noLink is the disconnected variant.
type noLink struct{}

func (noLink) writeLine(string) error { return ErrNotConnected }
func (noLink) writeByte(byte) error   { return ErrNotConnected }
func (noLink) readLine(time.Duration) (string, error) {
	return "", ErrNotConnected
}
func (noLink) close() error { return nil }

// streamLink is the connected variant. The bufio reader persists across
// reads so bytes it has buffered past a returned line survive to the next
// read. A read that times out mid-line discards the partial line; the tail
// arrives as a fragment that the response classifier tolerates.
type streamLink struct {
	conn Conn
	br   *bufio.Reader
}

func newStreamLink(conn Conn) *streamLink {
	return &streamLink{conn: conn, br: bufio.NewReader(conn)}
}

func (l *streamLink) writeLine(line string) error {
	if _, err := l.conn.Write([]byte(line + "\n")); err != nil {
		return &LinkError{Op: "send", Err: err}
	}
	return nil
}

func (l *streamLink) writeByte(b byte) error {
	if _, err := l.conn.Write([]byte{b}); err != nil {
		return &LinkError{Op: "send realtime", Err: err}
	}
	return nil
}

// readLine reads one line under the given timeout. A timed-out read reports
// os.ErrDeadlineExceeded; EOF means the peer closed the connection.
func (l *streamLink) readLine(timeout time.Duration) (string, error) {
	if err := l.conn.SetReadTimeout(timeout); err != nil {
		return "", &LinkError{Op: "set read timeout", Err: err}
	}
	line, err := l.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimLine(line), nil
}

func (l *streamLink) close() error { return l.conn.Close() }

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// Client talks to one motion controller over one physical link. All methods
// are safe for concurrent use; each command/reply exchange is serialized
// behind a single mutex because the underlying stream cannot tolerate two
// concurrent logical operations.
type Client struct {
	mu     sync.Mutex
	link   link
	target Target

	firstLineTimeout time.Duration
}

// Dial connects to the controller and returns a ready client.
func Dial(target Target) (*Client, error) {
	log.Info().Str("target", target.String()).Msg("connecting to motion controller")
	conn, err := dialConn(target)
	if err != nil {
		return nil, &LinkError{Op: "connect", Err: err}
	}
	return NewClientFromConn(conn, target), nil
}

// NewClientFromConn wraps an already-open connection. Used by Dial and by
// tests that script the controller side.
func NewClientFromConn(conn Conn, target Target) *Client {
	return &Client{
		link:             newStreamLink(conn),
		target:           target,
		firstLineTimeout: defaultFirstLineTimeout,
	}
}

// Disconnected returns a client in the disconnected state. Every operation
// fails with ErrNotConnected until the owner replaces it, which lets the rest
// of the system run in a well-defined degraded mode.
func Disconnected() *Client {
	return &Client{link: noLink{}, firstLineTimeout: defaultFirstLineTimeout}
}

// Connected reports whether the client holds a usable link.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.link.(*streamLink)
	return ok
}

// Close shuts the link down and leaves the client disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.link.close()
	if _, connected := c.link.(*streamLink); connected {
		log.Debug().Str("target", c.target.String()).Msg("link closed")
	}
	c.link = noLink{}
	return err
}

// collectLines reads the first reply line under the first-line timeout, then
// keeps draining under the short trailing timeout until the firmware goes
// quiet. The drain mops up asynchronous trailer lines (status pushes, boot
// banners) that would otherwise desynchronize the next exchange.
func (c *Client) collectLines(op string) ([]string, error) {
	first, err := c.link.readLine(c.firstLineTimeout)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LinkError{Op: op, Err: errors.New("connection closed")}
		}
		return nil, &LinkError{Op: op, Err: err}
	}
	lines := []string{}
	if first != "" {
		lines = append(lines, first)
	}
	for {
		line, err := c.link.readLine(trailingLineTimeout)
		if err != nil {
			// Timeout, EOF or read error all mean no more data is coming
			// for this exchange.
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// exchange writes one command line and demultiplexes the reply.
func (c *Client) exchange(cmd string) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debug().Str("cmd", cmd).Msg("sending controller command")
	if err := c.link.writeLine(cmd); err != nil {
		return response{}, err
	}
	lines, err := c.collectLines(cmd)
	if err != nil {
		return response{}, err
	}
	return sortLines(lines), nil
}

// SendCommand sends a line command and waits for its acknowledgement.
func (c *Client) SendCommand(cmd string) error {
	r, err := c.exchange(cmd)
	if err != nil {
		return err
	}
	return ackError(r.ack)
}

// QueryStatus sends "?" and returns the raw status report line.
func (c *Client) QueryStatus() (string, error) {
	r, err := c.exchange("?")
	if err != nil {
		return "", err
	}
	if r.status == "" {
		return "", ErrNoStatusInResponse
	}
	return r.status, nil
}

// SendRealtime writes a single unframed realtime byte.
func (c *Client) SendRealtime(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debug().Str("byte", fmt.Sprintf("0x%02X", b)).Msg("sending realtime command")
	return c.link.writeByte(b)
}

// FeedHold pauses motion with controlled deceleration per the configured
// acceleration. Safe for emergency stops.
func (c *Client) FeedHold() error { return c.SendRealtime(RTFeedHold) }

// SoftReset halts immediately, ignoring acceleration, and resets the
// controller. Use FeedHold first when the motor may be moving.
func (c *Client) SoftReset() error { return c.SendRealtime(RTSoftReset) }

// QueueFlush clears pending commands without raising an alarm.
func (c *Client) QueueFlush() error { return c.SendRealtime(RTQueueFlush) }

// MoveAbsolute commands a linear move to an absolute position at the given
// feed rate (mm/min).
func (c *Client) MoveAbsolute(axis string, pos, feed float64) error {
	return c.SendCommand(fmt.Sprintf("G90 G1 %s%sF%s", axis, ftoa(pos), ftoa(feed)))
}

// Jog commands a relative move using the grblHAL jog interface, which leaves
// the G90/G91 modal state untouched.
func (c *Client) Jog(axis string, dist, feed float64) error {
	return c.SendCommand(fmt.Sprintf("$J=G91 %s%sF%s", axis, ftoa(dist), ftoa(feed)))
}

// ZeroAxis redefines the current position as zero on the given axis.
func (c *Client) ZeroAxis(axis string) error {
	return c.SendCommand(fmt.Sprintf("G92 %s0", axis))
}

// Unlock clears the firmware alarm lock ($X).
func (c *Client) Unlock() error {
	return c.SendCommand("$X")
}

// HomeAxis runs the firmware homing cycle and blocks until it physically
// completes. Unlike every other command this can take tens of seconds, so it
// reads under a long ceiling, ignoring interleaved status and MSG lines. A
// terminal "ok" is success; a status report in an Alarm state is failure.
func (c *Client) HomeAxis(axis string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := "$H" + axis
	log.Debug().Str("cmd", cmd).Msg("starting homing cycle")
	if err := c.link.writeLine(cmd); err != nil {
		return err
	}
	deadline := time.Now().Add(homingTimeout)
	for {
		if time.Now().After(deadline) {
			return &TimeoutError{Op: "homing", Elapsed: homingTimeout.String()}
		}
		line, err := c.link.readLine(time.Second)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue // cycle still running, keep waiting
			}
			if errors.Is(err, io.EOF) {
				return &LinkError{Op: cmd, Err: errors.New("connection closed")}
			}
			return &LinkError{Op: cmd, Err: err}
		}
		if line == "" {
			continue
		}
		switch classifyLine(line) {
		case lineAck:
			return ackError(line)
		case lineStatus:
			if alarm, code := ParseAlarm(line); alarm {
				return fmt.Errorf("homing failed: controller entered alarm state %s", code)
			}
		case lineAlarm:
			log.Warn().Str("notice", line).Msg("alarm notice during homing")
		default:
			// MSG lines, banners and mid-cycle chatter.
		}
	}
}

// QuerySettings sends "$$" and parses the settings dump into an ordered
// collection. Reads until the terminal "ok", with a per-line timeout and a
// safety cap on the number of lines.
func (c *Client) QuerySettings() (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.link.writeLine("$$"); err != nil {
		return nil, err
	}
	var settings Settings
	for {
		line, err := c.link.readLine(settingsLineTimeout)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, &TimeoutError{Op: "settings query", Elapsed: settingsLineTimeout.String()}
			}
			if errors.Is(err, io.EOF) {
				return nil, &LinkError{Op: "$$", Err: errors.New("connection closed")}
			}
			return nil, &LinkError{Op: "$$", Err: err}
		}
		if line == "" {
			continue
		}
		if line == "ok" {
			settings.sortNumeric()
			return settings, nil
		}
		s, err := parseSettingLine(line)
		if err != nil {
			log.Debug().Str("line", line).Msg("skipping non-setting line in $$ dump")
			continue
		}
		settings = append(settings, s)
		if len(settings) >= settingsMaxLines {
			return nil, fmt.Errorf("settings dump exceeded %d lines safety cap", settingsMaxLines)
		}
	}
}

// SetSetting writes one controller setting; key is the literal "$N" token.
func (c *Client) SetSetting(key, value string) error {
	return c.SendCommand(fmt.Sprintf("%s=%s", key, value))
}

// AxisAcceleration returns the axis acceleration in mm/sec² from the $12x
// settings group.
func (c *Client) AxisAcceleration(axis string) (float64, error) {
	key, err := accelerationSetting(axis)
	if err != nil {
		return 0, err
	}
	settings, err := c.QuerySettings()
	if err != nil {
		return 0, err
	}
	raw, ok := settings.Get(key)
	if !ok {
		return 0, fmt.Errorf("acceleration setting %s not found in controller response", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse acceleration value %q: %w", raw, err)
	}
	return v, nil
}

// ftoa renders a coordinate or feed value the way gcode senders do: shortest
// decimal form, no exponent.
func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
