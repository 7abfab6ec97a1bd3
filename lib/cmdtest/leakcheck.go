// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck tests for output being leaked to os.Stdout and os.Stderr
// that should be sent elsewhere (e.g., the stdout and stderr streams
// passed to a cmd.Handler).
//
// It redirects os.Stdout and os.Stderr to unlinked temp files, and
// returns a func, which the caller is expected to defer, that
// restores os.* and checks that nothing was written.
//
// Example:
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... run a command that shouldn't print to os.Stdout or os.Stderr
//	}
func LeakCheck(c *check.C) func() {
	tmpfiles := map[string]*os.File{"stdout": nil, "stderr": nil}
	for name := range tmpfiles {
		f, err := os.CreateTemp(c.MkDir(), name)
		c.Assert(err, check.IsNil)
		c.Assert(os.Remove(f.Name()), check.IsNil)
		tmpfiles[name] = f
	}

	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = tmpfiles["stdout"], tmpfiles["stderr"]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr

		for name, f := range tmpfiles {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			f.Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", name))
		}
	}
}
