// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CLISuite{})

type CLISuite struct {
	cli   *CLI
	calls [][]string
}

func (s *CLISuite) SetUpTest(c *check.C) {
	s.calls = nil
	s.cli = NewCLI(ctxlog.TestLogger(c), time.Minute, []string{"--account=llm"})
}

// stub returns a stubCommand func that records each invocation and
// runs the command returned by fn.
func (s *CLISuite) stub(c *check.C, fn func(prog string, args []string) *exec.Cmd) func(string, ...string) *exec.Cmd {
	return func(prog string, args ...string) *exec.Cmd {
		c.Logf("stubCommand: %q %q", prog, args)
		s.calls = append(s.calls, append([]string{prog}, args...))
		return fn(prog, args)
	}
}

func output(s string) *exec.Cmd {
	return exec.Command("printf", "%s", s)
}

func failure(stderr string) *exec.Cmd {
	return exec.Command("bash", "-c", fmt.Sprintf("printf >&2 '%%s\\n' %q; false", stderr))
}

func (s *CLISuite) TestSubmit(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(prog string, args []string) *exec.Cmd {
		return exec.Command("bash", "-c", `grep -q "^#SBATCH -J DS" && echo 4321`)
	})
	id, err := s.cli.Submit(context.Background(), []byte("#!/bin/bash\n#SBATCH -J DS\n"), []string{"--nodelist=compute01"})
	c.Check(err, check.IsNil)
	c.Check(id, check.Equals, "4321")
	c.Check(s.calls, check.DeepEquals, [][]string{{"sbatch", "--parsable", "--account=llm", "--nodelist=compute01"}})
}

func (s *CLISuite) TestSubmitFailure(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(string, []string) *exec.Cmd {
		return failure("sbatch: error: Batch job submission failed: Requested node configuration is not available")
	})
	_, err := s.cli.Submit(context.Background(), []byte("#!/bin/bash\n"), nil)
	c.Check(err, check.ErrorMatches, `sbatch .*Requested node configuration is not available.*`)
}

func (s *CLISuite) TestListRunning(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(string, []string) *exec.Cmd {
		return output("100|DS|liugu|R|compute01\n101|QwQ|liugu|PD|\n")
	})
	jobs, err := s.cli.ListRunning(context.Background(), "liugu")
	c.Check(err, check.IsNil)
	c.Check(jobs, check.HasLen, 2)
	c.Check(s.calls, check.DeepEquals, [][]string{{"squeue", "--noheader", "--user=liugu", "--format=%i|%j|%u|%t|%N"}})
}

func (s *CLISuite) TestListPending(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(string, []string) *exec.Cmd {
		return output("200|train|alice|PD|compute01\n")
	})
	jobs, err := s.cli.ListPending(context.Background())
	c.Check(err, check.IsNil)
	c.Check(jobs, check.DeepEquals, []Job{{ID: "200", Name: "train", User: "alice", State: JobPending, Node: "compute01"}})
	c.Check(s.calls, check.DeepEquals, [][]string{{"squeue", "--noheader", "--states=PD", "--format=%i|%j|%u|%t|%n"}})
}

func (s *CLISuite) TestQueryFailure(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(string, []string) *exec.Cmd {
		return failure("slurm_load_jobs error: Unable to contact slurm controller")
	})
	jobs, err := s.cli.ListRunning(context.Background(), "liugu")
	c.Check(jobs, check.IsNil)
	c.Check(err, check.ErrorMatches, `squeue .*Unable to contact slurm controller.*`)
}

func (s *CLISuite) TestCancel(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(prog string, args []string) *exec.Cmd {
		switch args[0] {
		case "1":
			return output("")
		case "2":
			return failure("scancel: error: Kill job error on job id 2: Job/step already completing or completed")
		default:
			return failure("scancel: error: Kill job error on job id 3: Access/permission denied")
		}
	})
	c.Check(s.cli.Cancel(context.Background(), "1"), check.IsNil)
	c.Check(s.cli.Cancel(context.Background(), "2"), check.IsNil)
	c.Check(s.cli.Cancel(context.Background(), "3"), check.ErrorMatches, `scancel .*permission denied.*`)
}

func (s *CLISuite) TestNodeState(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(prog string, args []string) *exec.Cmd {
		if args[3] == "compute01" {
			return output("NodeName=compute01 CPUAlloc=0 AllocMem=0 State=IDLE\n")
		}
		return failure("Node " + args[3] + " not found")
	})
	ni, err := s.cli.NodeState(context.Background(), "compute01")
	c.Check(err, check.IsNil)
	c.Check(ni.Idle(), check.Equals, true)
	_, err = s.cli.NodeState(context.Background(), "compute99")
	c.Check(err, check.ErrorMatches, `scontrol .*not found.*`)
	c.Check(s.calls[0], check.DeepEquals, []string{"scontrol", "--oneliner", "show", "node", "compute01"})
}

func (s *CLISuite) TestJobHistory(c *check.C) {
	s.cli.stubCommand = s.stub(c, func(string, []string) *exec.Cmd {
		return output("555|2024-03-01T08:00:00|RUNNING\n")
	})
	recs, err := s.cli.JobHistory(context.Background(), "555")
	c.Check(err, check.IsNil)
	c.Check(recs, check.HasLen, 1)
	c.Check(s.calls, check.DeepEquals, [][]string{{"sacct", "--jobs=555", "--noheader", "--parsable2", "--format=JobID,Start,State"}})
}
