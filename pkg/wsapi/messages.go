// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package wsapi is the WebSocket control surface. Clients send type-tagged
// JSON commands and receive type-tagged JSON replies; every client also
// receives a status broadcast whenever the door snapshot changes.
package wsapi

import (
	"encoding/json"
	"fmt"

	"github.com/Thermoquad/dosa/pkg/config"
	"github.com/Thermoquad/dosa/pkg/door"
	"github.com/Thermoquad/dosa/pkg/grbl"
)

// Command names accepted from clients.
const (
	CmdOpen           = "open"
	CmdClose          = "close"
	CmdMove           = "move"
	CmdJog            = "jog"
	CmdHome           = "home"
	CmdZero           = "zero"
	CmdClearAlarm     = "clear_alarm"
	CmdStop           = "stop"
	CmdStatus         = "status"
	CmdRawStatus      = "raw_status"
	CmdGetConfig      = "get_config"
	CmdSetConfig      = "set_config"
	CmdGetCncSettings = "get_cnc_settings"
	CmdGetCncSetting  = "get_cnc_setting"
	CmdSetCncSetting  = "set_cnc_setting"
	CmdNoop           = "noop"
)

// Request is the envelope every client message arrives in. Fields beyond
// Type are consumed only by the commands that need them.
type Request struct {
	Type string `json:"type"`

	// Move.
	Percent *float64 `json:"percent,omitempty"`

	// Jog.
	Distance *float64 `json:"distance,omitempty"`
	Feed     *float64 `json:"feed,omitempty"`

	// Controller settings.
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	// SetConfig.
	Config *config.Door `json:"config,omitempty"`
}

// ParseRequest decodes one client message.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("malformed request: %w", err)
	}
	if req.Type == "" {
		return Request{}, fmt.Errorf("request has no type")
	}
	return req, nil
}

// StatusMessage is broadcast on every door state change and sent in reply
// to a status command.
type StatusMessage struct {
	Type    string      `json:"type"` // always "status"
	Version string      `json:"version"`
	Door    door.Status `json:"door"`
}

// ResponseMessage acknowledges a command.
type ResponseMessage struct {
	Type    string `json:"type"` // always "response"
	Command string `json:"command"`
	Success bool   `json:"success"`

	// Message carries the error text when Success is false.
	Message string `json:"message,omitempty"`

	// Config is attached to get_config and set_config replies.
	Config *config.Door `json:"config,omitempty"`

	// RawStatus is attached to raw_status replies.
	RawStatus string `json:"raw_status,omitempty"`
}

// CncSettingsMessage replies to get_cnc_settings with the full dump in
// numeric key order.
type CncSettingsMessage struct {
	Type     string        `json:"type"` // always "cnc_settings"
	Settings grbl.Settings `json:"settings"`
}

// CncSettingMessage replies to get_cnc_setting and set_cnc_setting.
type CncSettingMessage struct {
	Type  string `json:"type"` // always "cnc_setting"
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ErrorMessage reports a malformed or unknown request.
type ErrorMessage struct {
	Type    string `json:"type"` // always "error"
	Message string `json:"message"`
}

func newStatus(version string, st door.Status) StatusMessage {
	return StatusMessage{Type: "status", Version: version, Door: st}
}

func ack(command string) ResponseMessage {
	return ResponseMessage{Type: "response", Command: command, Success: true}
}

func nack(command string, err error) ResponseMessage {
	return ResponseMessage{Type: "response", Command: command, Success: false, Message: err.Error()}
}
