// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package grbl

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"go.bug.st/serial"
)

// Target describes where the motion controller lives: a TCP endpoint or a
// local serial port.
type Target struct {
	// Kind is "tcp" or "serial".
	Kind string

	// Addr is the host:port for TCP targets.
	Addr string

	// Path and Baud describe serial targets.
	Path string
	Baud int
}

func (t Target) String() string {
	if t.Kind == "serial" {
		return fmt.Sprintf("%s @ %d baud", t.Path, t.Baud)
	}
	return t.Addr
}

// Conn is a stream link to the controller with per-read timeouts. Both
// transports share go.bug.st/serial's timeout semantics: the timeout applies
// to each Read call and a timed-out read reports os.ErrDeadlineExceeded.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

type tcpConn struct {
	net.Conn
	readTimeout time.Duration
}

func (c *tcpConn) SetReadTimeout(d time.Duration) error {
	c.readTimeout = d
	return nil
}

func (c *tcpConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, os.ErrDeadlineExceeded
		}
	}
	return n, err
}

type serialConn struct {
	port serial.Port
}

func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	// go.bug.st/serial reports a timed-out read as (0, nil).
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }
func (c *serialConn) Close() error                { return c.port.Close() }

func (c *serialConn) SetReadTimeout(d time.Duration) error {
	return c.port.SetReadTimeout(d)
}

// openConn opens the raw link without retry.
func openConn(t Target) (Conn, error) {
	switch t.Kind {
	case "serial":
		mode := &serial.Mode{
			BaudRate: t.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(t.Path, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", t.Path, err)
		}
		return &serialConn{port: port}, nil
	case "tcp", "":
		conn, err := net.DialTimeout("tcp", t.Addr, 3*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", t.Addr, err)
		}
		return &tcpConn{Conn: conn}, nil
	default:
		return nil, fmt.Errorf("unknown connection kind %q", t.Kind)
	}
}

// dialConn opens the link with exponential backoff. grblHAL's telnet daemon
// drops the first SYN while a client slot is being reclaimed, so a couple of
// quick retries avoid spurious startup failures.
func dialConn(t Target) (Conn, error) {
	var conn Conn
	op := func() error {
		var err error
		conn, err = openConn(t)
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return nil, err
	}
	// Let the link stabilize before the first exchange.
	time.Sleep(50 * time.Millisecond)
	return conn, nil
}
