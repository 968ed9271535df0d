// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/dosa/pkg/wsapi"
)

var serverURL string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "ws://127.0.0.1:8766/", "Daemon WebSocket URL")
}

// daemonClient is a WebSocket client for a running dosa daemon. The daemon
// interleaves status broadcasts with command replies, so readers filter by
// message type.
type daemonClient struct {
	conn *websocket.Conn
}

// dialDaemon connects to the daemon named by the --server flag.
func dialDaemon() (*daemonClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", serverURL, err)
	}
	return &daemonClient{conn: conn}, nil
}

func (c *daemonClient) Close() error {
	return c.conn.Close()
}

func (c *daemonClient) send(req wsapi.Request) error {
	return c.conn.WriteJSON(req)
}

// next reads one message and returns its type tag plus the raw payload.
func (c *daemonClient) next(timeout time.Duration) (string, json.RawMessage, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("malformed message from daemon: %w", err)
	}
	return envelope.Type, data, nil
}

// awaitResponse reads until a response or error message arrives, skipping
// status broadcasts.
func (c *daemonClient) awaitResponse(timeout time.Duration) (wsapi.ResponseMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wsapi.ResponseMessage{}, fmt.Errorf("timed out waiting for the daemon's reply")
		}

		kind, data, err := c.next(remaining)
		if err != nil {
			return wsapi.ResponseMessage{}, err
		}
		switch kind {
		case "response":
			var reply wsapi.ResponseMessage
			if err := json.Unmarshal(data, &reply); err != nil {
				return wsapi.ResponseMessage{}, err
			}
			return reply, nil
		case "error":
			var wsErr wsapi.ErrorMessage
			if err := json.Unmarshal(data, &wsErr); err != nil {
				return wsapi.ResponseMessage{}, err
			}
			return wsapi.ResponseMessage{}, fmt.Errorf("daemon: %s", wsErr.Message)
		default:
			// Status broadcasts and settings replies for other requests.
		}
	}
}

// awaitStatus reads until a status message arrives.
func (c *daemonClient) awaitStatus(timeout time.Duration) (wsapi.StatusMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wsapi.StatusMessage{}, fmt.Errorf("timed out waiting for a status message")
		}

		kind, data, err := c.next(remaining)
		if err != nil {
			return wsapi.StatusMessage{}, err
		}
		if kind != "status" {
			continue
		}
		var st wsapi.StatusMessage
		if err := json.Unmarshal(data, &st); err != nil {
			return wsapi.StatusMessage{}, err
		}
		return st, nil
	}
}

// runCommand is the shared body of the one-shot door commands: connect,
// send one request, report the outcome.
func runCommand(req wsapi.Request, timeout time.Duration) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.send(req); err != nil {
		return err
	}
	reply, err := client.awaitResponse(timeout)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("%s failed: %s", req.Type, reply.Message)
	}
	fmt.Printf("%s: ok\n", req.Type)
	return nil
}
