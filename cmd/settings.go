// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/dosa/pkg/wsapi"
)

var cncSettingsCmd = &cobra.Command{
	Use:   "cnc-settings",
	Short: "Inspect and change motion controller settings",
	Long: `Read or write grblHAL settings ($-settings) through the daemon.

Without arguments, dumps all settings in numeric order.`,
	RunE: runSettingsDump,
}

var cncSettingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read one controller setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSettingRoundTrip(wsapi.Request{Type: wsapi.CmdGetCncSetting, Key: args[0]})
	},
}

var cncSettingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one controller setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSettingRoundTrip(wsapi.Request{Type: wsapi.CmdSetCncSetting, Key: args[0], Value: args[1]})
	},
}

func init() {
	cncSettingsCmd.AddCommand(cncSettingsGetCmd, cncSettingsSetCmd)
	rootCmd.AddCommand(cncSettingsCmd)
}

// awaitTyped reads daemon messages until one of the wanted type arrives,
// surfacing command failures along the way.
func awaitTyped(client *daemonClient, want string, timeout time.Duration, out any) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out waiting for a %s message", want)
		}

		kind, data, err := client.next(remaining)
		if err != nil {
			return err
		}
		switch kind {
		case want:
			return json.Unmarshal(data, out)
		case "response":
			var reply wsapi.ResponseMessage
			if err := json.Unmarshal(data, &reply); err != nil {
				return err
			}
			if !reply.Success {
				return fmt.Errorf("%s failed: %s", reply.Command, reply.Message)
			}
		case "error":
			var wsErr wsapi.ErrorMessage
			if err := json.Unmarshal(data, &wsErr); err != nil {
				return err
			}
			return fmt.Errorf("daemon: %s", wsErr.Message)
		}
	}
}

func runSettingsDump(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.send(wsapi.Request{Type: wsapi.CmdGetCncSettings}); err != nil {
		return err
	}

	var dump wsapi.CncSettingsMessage
	if err := awaitTyped(client, "cnc_settings", commandTimeout, &dump); err != nil {
		return err
	}
	for _, s := range dump.Settings {
		fmt.Printf("%s=%s\n", s.Key, s.Value)
	}
	return nil
}

func runSettingRoundTrip(req wsapi.Request) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.send(req); err != nil {
		return err
	}

	var setting wsapi.CncSettingMessage
	if err := awaitTyped(client, "cnc_setting", commandTimeout, &setting); err != nil {
		return err
	}
	fmt.Printf("%s=%s\n", setting.Key, setting.Value)
	return nil
}
