// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/dosa/pkg/config"
)

// Version is the service version reported in status messages.
const Version = "1.2.0"

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "dosa",
	Short: "Motorized door controller",
	Long: `Dosa drives a motorized door through a grblHAL motion controller over
TCP or serial, tracks the door position against a homed reference, and
exposes a WebSocket control surface for clients.

The serve command runs the daemon. The remaining commands are one-shot
clients that talk to a running daemon:

  dosa serve                 Run the door daemon
  dosa open / close / stop   Drive the door
  dosa home / zero           Establish the position reference
  dosa status                Print the current door status
  dosa control               Interactive terminal UI

Configuration lives at ~/.config/dosa/config.yaml and is created with
defaults on first run.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/dosa/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json (overrides config)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig opens the configuration manager, honoring the --config flag.
func loadConfig() (*config.Manager, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, err
	}
	setupLogging(mgr.Config().Log)
	return mgr, nil
}

// setupLogging configures zerolog from the config, with flag overrides.
func setupLogging(cfg config.Log) {
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	format := cfg.Format
	if logFormat != "" {
		format = logFormat
	}
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
