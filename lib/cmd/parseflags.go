// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses a subcommand's options. None of our subcommands
// take positional arguments, so any left over are a usage error.
//
// If ok is false the caller should exit with exitCode: 0 after
// printing help for -help, 2 for a usage error.
func ParseFlags(f *flag.FlagSet, prog string, args []string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		fmt.Fprintf(stderr, "Usage: %s [options]\n\nOptions:\n", prog)
		f.SetOutput(stderr)
		f.PrintDefaults()
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	case f.NArg() > 0:
		fmt.Fprintf(stderr, "%s: unexpected arguments %q (try -help)\n", prog, f.Args())
		return false, 2
	}
	return true, 0
}
