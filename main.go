// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// derv - DERV sensor network hub, unit and controller tools

package main

import (
	"os"

	"github.com/Thermoquad/derv/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
