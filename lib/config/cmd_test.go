// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	"github.com/hpcfleet/llm-fleet/lib/cmdtest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("llm-fleet config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*llm-fleet config-dump: flag provided but not defined: -badarg \(try -help\)\n`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("llm-fleet config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `-: Nodes.Pool is empty\n`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := testConfigYAML + `
UnknownKey: foobar
ManagementToken: secret
`
	code := DumpCommand.RunCommand("llm-fleet config-dump", []string{"-config=-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n  DS-R1:\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n      Port: 29500\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n      Memory: 50 GiB\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := `
Scheduler:
  Owner: llmsvc
Nodes:
  Pool: [compute01, compute04]
  AddressPrefix: "10.21.22."
  AddressOffset: 200
Rotation:
  Order: [DS-R1]
Models:
  DS-R1:
    ArtifactPath: /models/ds.gguf
`
	code := CheckCommand.RunCommand("llm-fleet config-check", []string{"-config=-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheckUnknownKeys(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := withPatch(c, `
UnknownKey: foobar
Rotation:
  PollIdel: 10s
`)
	code := CheckCommand.RunCommand("llm-fleet config-check", []string{"-config=-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, `unrecognized config key "Rotation.PollIdel"`+"\n"+`unrecognized config key "UnknownKey"`+"\n")
	// Skywork is defined but not in the rotation order
	c.Check(stderr.String(), check.Matches, `(?ms).*Skywork.*`)
}

func (s *CommandSuite) TestDefaults(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("llm-fleet config-defaults", nil, bytes.NewBuffer(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, string(DefaultYAML))
}
