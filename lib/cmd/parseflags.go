// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into flags. None of the resource-broker
// subcommands take positional arguments, so any left over are an
// error.
//
// If ok is false the caller should return exitCode right away: 0
// after printing -help output, 2 after a usage error.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, stderr io.Writer) (ok bool, exitCode int) {
	flags.Init(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	err := flags.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		flags.SetOutput(stderr)
		fmt.Fprintf(stderr, "Usage of %s:\n", prog)
		flags.PrintDefaults()
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	} else if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", flags.Args())
		return false, 2
	}
	return true, 0
}
