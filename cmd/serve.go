// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/dosa/pkg/config"
	"github.com/Thermoquad/dosa/pkg/door"
	"github.com/Thermoquad/dosa/pkg/eventlog"
	"github.com/Thermoquad/dosa/pkg/wsapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the door daemon",
	Long: `Connect to the motion controller and serve the WebSocket control
surface.

If the controller cannot be reached at startup the daemon still comes up,
in the fault state; the first successful command reconnects and clears the
fault.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	mgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := mgr.Config()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := connectController(mgr.Door())
	defer ctrl.Close()
	go ctrl.Run(ctx)

	if cfg.EventLogDB != "" {
		events, err := eventlog.Open(cfg.EventLogDB)
		if err != nil {
			return err
		}
		defer events.Close()
		updates, cancel := ctrl.Subscribe(64)
		defer cancel()
		go events.Run(ctx, updates)
		log.Info().Str("path", cfg.EventLogDB).Msg("event log enabled")
	}

	server := wsapi.NewServer(Version, ctrl, mgr)
	go server.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Server.Addr()).Str("version", Version).Msg("dosa listening")
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	log.Info().Msg("shutting down")
	return nil
}

// connectController dials the motion controller and builds the door state
// machine around it. A controller that cannot be reached or fails safety
// validation produces a fault-state door rather than a dead daemon.
func connectController(cfg config.Door) *door.Controller {
	target := cfg.Connection.Target()

	cnc, err := door.DialGrbl(target)
	if err != nil {
		log.Error().Err(err).Stringer("target", target).Msg("controller unreachable, starting in fault state")
		return door.NewFault(err.Error(), cfg, door.DialGrbl)
	}

	if err := door.ValidateStopDelay(cnc, cfg); err != nil {
		log.Error().Err(err).Msg("stop delay validation failed, starting in fault state")
		cnc.Close()
		return door.NewFault(err.Error(), cfg, door.DialGrbl)
	}

	// Keep the firmware's homing pulloff in step with the configuration.
	if err := cnc.SetSetting("$27", fmt.Sprintf("%.3f", cfg.LimitOffset)); err != nil {
		log.Warn().Err(err).Msg("could not push homing pulloff to controller")
	}

	log.Info().Stringer("target", target).Msg("connected to controller")
	return door.New(cnc, cfg, door.DialGrbl)
}
