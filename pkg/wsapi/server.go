// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/dosa/pkg/config"
	"github.com/Thermoquad/dosa/pkg/door"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// sendQueue is the per-client outbound buffer. A client that cannot
	// drain it gets disconnected rather than stalling the broadcaster.
	sendQueue = 32
)

// Server is the WebSocket control surface. It serves one endpoint; every
// connected client can issue commands and receives door status broadcasts.
type Server struct {
	version  string
	ctrl     *door.Controller
	cfg      *config.Manager
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan any
	once sync.Once
	done chan struct{}
}

// NewServer builds the control surface around a door controller and the
// configuration manager used to persist config changes.
func NewServer(version string, ctrl *door.Controller, cfg *config.Manager) *Server {
	return &Server{
		version: version,
		ctrl:    ctrl,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The service runs on a trusted local network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run pumps door status changes to every connected client until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) {
	updates, cancel := s.ctrl.Subscribe(sendQueue)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			s.broadcast(newStatus(s.version, st))
		}
	}
}

func (s *Server) broadcast(msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.enqueue(msg)
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan any, sendQueue),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	// A fresh client gets the current status straight away.
	c.enqueue(newStatus(s.version, s.ctrl.Status()))

	go c.writePump()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	log.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		req, err := ParseRequest(data)
		if err != nil {
			c.enqueue(ErrorMessage{Type: "error", Message: err.Error()})
			continue
		}

		log.Debug().Str("command", req.Type).Msg("command received")
		c.enqueue(s.handle(req))
	}
}

// handle executes one command and builds its reply. Commands run on the
// client's read loop, so a client sees its own commands handled in order.
func (s *Server) handle(req Request) any {
	switch req.Type {
	case CmdOpen:
		return result(req.Type, s.ctrl.Open())

	case CmdClose:
		return result(req.Type, s.ctrl.CloseDoor())

	case CmdMove:
		if req.Percent == nil {
			return nack(req.Type, fmt.Errorf("move requires a percent field"))
		}
		return result(req.Type, s.ctrl.MoveToPercent(*req.Percent))

	case CmdJog:
		if req.Distance == nil {
			return nack(req.Type, fmt.Errorf("jog requires a distance field"))
		}
		feed := 0.0
		if req.Feed != nil {
			feed = *req.Feed
		}
		return result(req.Type, s.ctrl.Jog(*req.Distance, feed))

	case CmdHome:
		return result(req.Type, s.ctrl.Home())

	case CmdZero:
		return result(req.Type, s.ctrl.Zero())

	case CmdClearAlarm:
		return result(req.Type, s.ctrl.ClearAlarm())

	case CmdStop:
		return result(req.Type, s.ctrl.Stop())

	case CmdStatus:
		return newStatus(s.version, s.ctrl.Status())

	case CmdRawStatus:
		raw, err := s.ctrl.RawStatus()
		if err != nil {
			return nack(req.Type, err)
		}
		reply := ack(req.Type)
		reply.RawStatus = raw
		return reply

	case CmdGetConfig:
		cfg := s.ctrl.Config()
		reply := ack(req.Type)
		reply.Config = &cfg
		return reply

	case CmdSetConfig:
		if req.Config == nil {
			return nack(req.Type, fmt.Errorf("set_config requires a config field"))
		}
		if err := s.cfg.SetDoor(*req.Config); err != nil {
			return nack(req.Type, err)
		}
		if err := s.ctrl.UpdateConfig(*req.Config); err != nil {
			return nack(req.Type, err)
		}
		cfg := s.ctrl.Config()
		reply := ack(req.Type)
		reply.Config = &cfg
		return reply

	case CmdGetCncSettings:
		settings, err := s.ctrl.Settings()
		if err != nil {
			return nack(req.Type, err)
		}
		return CncSettingsMessage{Type: "cnc_settings", Settings: settings}

	case CmdGetCncSetting:
		if req.Key == "" {
			return nack(req.Type, fmt.Errorf("get_cnc_setting requires a key field"))
		}
		value, err := s.ctrl.Setting(req.Key)
		if err != nil {
			return nack(req.Type, err)
		}
		return CncSettingMessage{Type: "cnc_setting", Key: req.Key, Value: value}

	case CmdSetCncSetting:
		if req.Key == "" {
			return nack(req.Type, fmt.Errorf("set_cnc_setting requires a key field"))
		}
		if err := s.ctrl.SetSetting(req.Key, req.Value); err != nil {
			return nack(req.Type, err)
		}
		return CncSettingMessage{Type: "cnc_setting", Key: req.Key, Value: req.Value}

	case CmdNoop:
		return ack(req.Type)

	default:
		return ErrorMessage{Type: "error", Message: fmt.Sprintf("unknown command %q", req.Type)}
	}
}

func result(command string, err error) ResponseMessage {
	if err != nil {
		return nack(command, err)
	}
	return ack(command)
}

// enqueue queues a message for the client, dropping the client if its
// queue is full.
func (c *client) enqueue(msg any) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Warn().Msg("client send queue full, dropping connection")
		c.close()
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Error().Err(err).Msg("could not encode message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
