// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewManager_CreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dosa", "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	cfg := m.Config()
	if cfg.Door.Axis != "X" || cfg.Door.OpenDistance != 1000 {
		t.Errorf("unexpected default door config: %+v", cfg.Door)
	}
	if cfg.Server.Port != 8766 {
		t.Errorf("unexpected default server port: %d", cfg.Server.Port)
	}
}

func TestNewManager_ReloadsPersistedChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := m.Door()
	d.OpenDistance = 750
	d.OpenDirection = "left"
	if err := m.SetDoor(d); err != nil {
		t.Fatalf("SetDoor error: %v", err)
	}

	m2, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	d2 := m2.Door()
	if d2.OpenDistance != 750 || d2.OpenDirection != "left" {
		t.Errorf("persisted change lost: %+v", d2)
	}
}

func TestSetDoor_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := m.Door()
	d.Axis = "Q"
	if err := m.SetDoor(d); err == nil {
		t.Error("expected error for invalid axis")
	}
}

func TestDoor_DirectionSign(t *testing.T) {
	d := Door{OpenDirection: "right", OpenDistance: 100}
	if d.DirectionSign() != 1 || d.OpenTarget() != 100 {
		t.Errorf("right: sign=%v target=%v", d.DirectionSign(), d.OpenTarget())
	}
	d.OpenDirection = "LEFT"
	if d.DirectionSign() != -1 || d.OpenTarget() != -100 {
		t.Errorf("left: sign=%v target=%v", d.DirectionSign(), d.OpenTarget())
	}
}

func TestDoor_Validate(t *testing.T) {
	valid := Default().Door
	if err := valid.Validate(); err != nil {
		t.Fatalf("default door config must validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Door)
	}{
		{"bad axis", func(d *Door) { d.Axis = "W" }},
		{"zero distance", func(d *Door) { d.OpenDistance = 0 }},
		{"negative speed", func(d *Door) { d.OpenSpeed = -1 }},
		{"bad direction", func(d *Door) { d.OpenDirection = "up" }},
		{"zero tolerance", func(d *Door) { d.PositionTolerance = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if err := d.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConnection_Target(t *testing.T) {
	tcp := Connection{Kind: "tcp", Host: "10.0.0.5", Port: 23}
	if got := tcp.Target().Addr; got != "10.0.0.5:23" {
		t.Errorf("unexpected tcp addr %q", got)
	}
	ser := Connection{Kind: "serial", Path: "/dev/ttyUSB0", BaudRate: 115200}
	tgt := ser.Target()
	if tgt.Kind != "serial" || tgt.Path != "/dev/ttyUSB0" || tgt.Baud != 115200 {
		t.Errorf("unexpected serial target %+v", tgt)
	}
}
