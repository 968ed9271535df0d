// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/dosa/pkg/eventlog"
	"github.com/Thermoquad/dosa/pkg/wsapi"
)

// commandTimeout covers ordinary commands; homing gets a larger budget
// because the firmware cycle can take up to a minute.
const (
	commandTimeout = 15 * time.Second
	homingTimeout  = 2 * time.Minute
)

var (
	jogDistance float64
	jogFeed     float64
	movePercent float64
	eventCount  int
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open the door",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(wsapi.Request{Type: wsapi.CmdOpen}, commandTimeout)
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the door",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(wsapi.Request{Type: wsapi.CmdClose}, commandTimeout)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the door where it is",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(wsapi.Request{Type: wsapi.CmdStop}, commandTimeout)
	},
}

var homeCmd = &cobra.Command{
	Use:   "home",
	Short: "Run the homing cycle",
	Long: `Run the firmware homing cycle and adopt the home switch position as
closed. The cycle can take up to a minute.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(wsapi.Request{Type: wsapi.CmdHome}, homingTimeout)
	},
}

var zeroCmd = &cobra.Command{
	Use:   "zero",
	Short: "Adopt the current position as closed",
	Long: `Mark the door's current physical position as closed without moving it.
Use jog to put the door where you want the reference first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(wsapi.Request{Type: wsapi.CmdZero}, commandTimeout)
	},
}

var clearAlarmCmd = &cobra.Command{
	Use:   "clear-alarm",
	Short: "Clear a controller alarm",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(wsapi.Request{Type: wsapi.CmdClearAlarm}, commandTimeout)
	},
}

var jogCmd = &cobra.Command{
	Use:   "jog",
	Short: "Nudge the door by a relative distance",
	Long: `Move the door by a signed distance in mm, positive toward open.
Useful for positioning the door before zeroing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := wsapi.Request{Type: wsapi.CmdJog, Distance: &jogDistance}
		if jogFeed > 0 {
			req.Feed = &jogFeed
		}
		return runCommand(req, commandTimeout)
	},
}

var moveCmd = &cobra.Command{
	Use:   "move",
	Short: "Move the door to a percentage of its travel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(wsapi.Request{Type: wsapi.CmdMove, Percent: &movePercent}, commandTimeout)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current door status",
	RunE:  runStatus,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print recent door state transitions",
	Long: `Read the transition history from the event log database configured as
event_log_db. Runs against the database directly, not the daemon.`,
	RunE: runEvents,
}

func init() {
	jogCmd.Flags().Float64VarP(&jogDistance, "distance", "d", 0, "Distance in mm, positive toward open")
	jogCmd.Flags().Float64VarP(&jogFeed, "feed", "f", 0, "Feed rate in mm/min (default: open speed)")
	jogCmd.MarkFlagRequired("distance")

	moveCmd.Flags().Float64VarP(&movePercent, "percent", "P", 0, "Target position, 0 (closed) to 100 (open)")
	moveCmd.MarkFlagRequired("percent")

	eventsCmd.Flags().IntVarP(&eventCount, "count", "n", 20, "Number of transitions to print")

	rootCmd.AddCommand(openCmd, closeCmd, stopCmd, homeCmd, zeroCmd,
		clearAlarmCmd, jogCmd, moveCmd, statusCmd, eventsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	// The daemon greets every client with the current status.
	st, err := client.awaitStatus(commandTimeout)
	if err != nil {
		return err
	}

	fmt.Printf("State:    %s\n", st.Door.State)
	fmt.Printf("Position: %.3f mm (%.1f%%)\n", st.Door.PositionMM, st.Door.PositionPercent)
	if st.Door.AlarmCode != "" {
		fmt.Printf("Alarm:    %s\n", st.Door.AlarmCode)
	}
	if st.Door.FaultMessage != "" {
		fmt.Printf("Fault:    %s\n", st.Door.FaultMessage)
	}
	fmt.Printf("Daemon:   dosa %s\n", st.Version)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	mgr, err := loadConfig()
	if err != nil {
		return err
	}
	path := mgr.Config().EventLogDB
	if path == "" {
		return fmt.Errorf("no event_log_db configured")
	}

	events, err := eventlog.Open(path)
	if err != nil {
		return err
	}
	defer events.Close()

	entries, err := events.Recent(eventCount)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No transitions recorded.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-12s  %8.3f mm", e.At.Local().Format("2006-01-02 15:04:05"), e.State, e.PositionMM)
		if e.AlarmCode != "" {
			line += "  alarm=" + e.AlarmCode
		}
		if e.FaultMessage != "" {
			line += "  fault=" + e.FaultMessage
		}
		fmt.Println(line)
	}
	return nil
}
