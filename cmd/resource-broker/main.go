// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/resourcebroker.git/lib/cmd"
	"git.arvados.org/resourcebroker.git/lib/config"
	"git.arvados.org/resourcebroker.git/lib/resourcebroker"
)

var handler = cmd.Multi(map[string]cmd.Handler{
	"version":   cmd.Version,
	"-version":  cmd.Version,
	"--version": cmd.Version,

	"server":          resourcebroker.Command,
	"config-check":    config.CheckCommand,
	"config-dump":     config.DumpCommand,
	"config-defaults": config.DumpDefaultsCommand,
})

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
