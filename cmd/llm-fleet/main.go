// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/hpcfleet/llm-fleet/lib/cmd"
	"github.com/hpcfleet/llm-fleet/lib/config"
	"github.com/hpcfleet/llm-fleet/lib/rotator"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"rotator":         rotator.Command,
		"check-service":   rotator.CheckServiceCommand,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
