// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Dosa - Motorized Door Controller
//
// A service that drives a motorized door through a grblHAL motion
// controller and exposes it over a WebSocket control surface.

package main

import (
	"os"

	"github.com/Thermoquad/dosa/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
