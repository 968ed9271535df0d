// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config holds the service configuration and its on-disk
// persistence. The file lives at ~/.config/dosa/config.yaml and is created
// with defaults on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/dosa/pkg/grbl"
)

// Connection describes how to reach the motion controller.
type Connection struct {
	// Kind is "tcp" or "serial".
	Kind string `yaml:"type"`

	// TCP fields.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// Serial fields.
	Path     string `yaml:"path,omitempty"`
	BaudRate int    `yaml:"baud_rate,omitempty"`
}

// Target converts the configured connection into a grbl dial target.
func (c Connection) Target() grbl.Target {
	if c.Kind == "serial" {
		return grbl.Target{Kind: "serial", Path: c.Path, Baud: c.BaudRate}
	}
	return grbl.Target{Kind: "tcp", Addr: fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

// Door is the door geometry and motion configuration.
type Door struct {
	// OpenDistance is how far the door travels to fully open, in mm.
	OpenDistance float64 `yaml:"open_distance"`

	// OpenSpeed and CloseSpeed are feed rates in mm/min.
	OpenSpeed  float64 `yaml:"open_speed"`
	CloseSpeed float64 `yaml:"close_speed"`

	// Axis is the controller axis driving the door (X, Y, Z, A, B or C).
	Axis string `yaml:"cnc_axis"`

	// OpenDirection is "right" (positive travel) or "left" (negative).
	OpenDirection string `yaml:"open_direction"`

	// LimitOffset is the homing pulloff distance in mm, pushed to the
	// controller as $27. Homing completion relies on the firmware-side
	// pulloff; the service never issues a post-home offset move.
	LimitOffset float64 `yaml:"limit_offset_mm"`

	// PositionTolerance is the band, in mm, within which the door counts
	// as exactly at the closed or open position. Interacts with mechanical
	// backlash, so it is configuration rather than a constant.
	PositionTolerance float64 `yaml:"position_tolerance_mm"`

	// StopDelayMS is the minimum time budget for a feed-hold deceleration.
	// Validated against the controller's acceleration setting on connect.
	StopDelayMS int `yaml:"stop_delay_ms"`

	// AutoHome makes the door home itself once when it first reaches the
	// pending state after startup.
	AutoHome bool `yaml:"auto_home"`

	Connection Connection `yaml:"cnc_connection"`
}

// DirectionSign returns +1 for rightward opening, -1 for leftward.
func (d Door) DirectionSign() float64 {
	if strings.EqualFold(d.OpenDirection, "left") {
		return -1
	}
	return 1
}

// OpenTarget is the signed absolute position of the fully open door.
func (d Door) OpenTarget() float64 {
	return d.OpenDistance * d.DirectionSign()
}

// Validate rejects configurations the state machine cannot operate with.
func (d Door) Validate() error {
	if _, err := grbl.AxisIndex(d.Axis); err != nil {
		return err
	}
	if d.OpenDistance <= 0 {
		return fmt.Errorf("open_distance must be positive, got %v", d.OpenDistance)
	}
	if d.OpenSpeed <= 0 || d.CloseSpeed <= 0 {
		return fmt.Errorf("open_speed and close_speed must be positive")
	}
	switch strings.ToLower(d.OpenDirection) {
	case "left", "right":
	default:
		return fmt.Errorf("open_direction must be \"left\" or \"right\", got %q", d.OpenDirection)
	}
	if d.PositionTolerance <= 0 {
		return fmt.Errorf("position_tolerance_mm must be positive, got %v", d.PositionTolerance)
	}
	return nil
}

// Server is the WebSocket control surface bind address.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Log is the logging configuration.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// Config is the whole service configuration.
type Config struct {
	Door   Door   `yaml:"door"`
	Server Server `yaml:"websocket"`
	Log    Log    `yaml:"log"`

	// EventLogDB is the SQLite file recording door state transitions.
	// Empty disables the event log.
	EventLogDB string `yaml:"event_log_db,omitempty"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Door: Door{
			OpenDistance:      1000,
			OpenSpeed:         6000,
			CloseSpeed:        4000,
			Axis:              "X",
			OpenDirection:     "right",
			LimitOffset:       5,
			PositionTolerance: 0.1,
			StopDelayMS:       1500,
			Connection: Connection{
				Kind: "tcp",
				Host: "192.168.1.100",
				Port: 23,
			},
		},
		Server: Server{Host: "0.0.0.0", Port: 8766},
		Log:    Log{Level: "info", Format: "console"},
	}
}

// Manager loads the config at startup and persists updates.
type Manager struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// DefaultPath returns the XDG-compliant config location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return filepath.Join(dir, "dosa", "config.yaml"), nil
}

// NewManager loads (or creates) the config file at path.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &m.cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("loaded configuration")
	case os.IsNotExist(err):
		log.Info().Str("path", path).Msg("config file not found, creating default")
		m.cfg = Default()
		if err := m.save(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := m.cfg.Door.Validate(); err != nil {
		return nil, fmt.Errorf("invalid door configuration: %w", err)
	}
	return m, nil
}

// Config returns a copy of the whole configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Door returns a copy of the door configuration.
func (m *Manager) Door() Door {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Door
}

// SetDoor replaces and persists the door configuration.
func (m *Manager) SetDoor(d Door) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Door = d
	return m.save()
}

func (m *Manager) save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(m.cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	log.Debug().Str("path", m.path).Msg("saved configuration")
	return nil
}
