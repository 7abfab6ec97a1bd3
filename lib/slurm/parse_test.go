// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"time"

	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ParseSuite{})

type ParseSuite struct{}

func (s *ParseSuite) TestParseSqueue(c *check.C) {
	out := []byte(`12345|DS|liugu|R|compute01
12346|Qwen2.5|liugu|PD|
this line is garbage
12347|QwQ|liugu|CG|compute05|extra
abc|QwQ|liugu|R|compute05
12348||liugu|R|compute04
12349|train job|alice|PD|compute[04-05]
12350|QwQ|liugu|PD|(Resources)

`)
	jobs := parseSqueue(out, ctxlog.TestLogger(c))
	c.Check(jobs, check.DeepEquals, []Job{
		{ID: "12345", Name: "DS", User: "liugu", State: JobRunning, Node: "compute01"},
		{ID: "12346", Name: "Qwen2.5", User: "liugu", State: JobPending, Node: ""},
		{ID: "12349", Name: "train job", User: "alice", State: JobPending, Node: "compute[04-05]"},
		{ID: "12350", Name: "QwQ", User: "liugu", State: JobPending, Node: ""},
	})
}

func (s *ParseSuite) TestJobState(c *check.C) {
	c.Check(jobState("R"), check.Equals, JobRunning)
	c.Check(jobState("PD"), check.Equals, JobPending)
	c.Check(jobState("CF"), check.Equals, JobPending)
	c.Check(jobState("CG"), check.Equals, JobUnknown)
	c.Check(jobState("S"), check.Equals, JobUnknown)
}

func (s *ParseSuite) TestParseNodeInfo(c *check.C) {
	ni, err := parseNodeInfo([]byte(`NodeName=compute01 Arch=x86_64 CoresPerSocket=12 CPUAlloc=0 CPUTot=48 CPULoad=0.10 AvailableFeatures=(null) ActiveFeatures=(null) Gres=gpu:2 NodeAddr=compute01 NodeHostName=compute01 Version=20.11.8 OS=Linux 5.4.0-42-generic #46-Ubuntu SMP RealMemory=256000 AllocMem=0 FreeMem=240000 Sockets=2 State=IDLE ThreadsPerCore=2`))
	c.Assert(err, check.IsNil)
	c.Check(ni.Name, check.Equals, "compute01")
	c.Check(ni.State, check.Equals, "IDLE")
	c.Check(ni.Flags, check.HasLen, 0)
	c.Check(ni.Idle(), check.Equals, true)

	ni, err = parseNodeInfo([]byte(`NodeName=compute04 CPUAlloc=12 AllocMem=51200 State=MIXED`))
	c.Assert(err, check.IsNil)
	c.Check(ni.CPUAlloc, check.Equals, 12)
	c.Check(ni.AllocMem, check.Equals, int64(51200))
	c.Check(ni.Idle(), check.Equals, false)

	ni, err = parseNodeInfo([]byte(`NodeName=compute05 CPUAlloc=0 AllocMem=0 State=IDLE+DRAIN`))
	c.Assert(err, check.IsNil)
	c.Check(ni.State, check.Equals, "IDLE")
	c.Check(ni.Flags, check.DeepEquals, []string{"DRAIN"})
	c.Check(ni.Idle(), check.Equals, false)

	ni, err = parseNodeInfo([]byte(`NodeName=compute05 CPUAlloc=0 AllocMem=0 State=IDLE*`))
	c.Assert(err, check.IsNil)
	c.Check(ni.Idle(), check.Equals, false)

	ni, err = parseNodeInfo([]byte(`NodeName=compute05 CPUAlloc=0 AllocMem=0 State=IDLE+POWER`))
	c.Assert(err, check.IsNil)
	c.Check(ni.Idle(), check.Equals, true)

	_, err = parseNodeInfo([]byte(`NodeName=compute05 CPUAlloc=0 State=IDLE`))
	c.Check(err, check.ErrorMatches, `no AllocMem field.*`)
	_, err = parseNodeInfo([]byte(`NodeName=compute05 CPUAlloc=x AllocMem=0 State=IDLE`))
	c.Check(err, check.ErrorMatches, `invalid CPUAlloc "x".*`)
	_, err = parseNodeInfo([]byte(``))
	c.Check(err, check.ErrorMatches, `no State field.*`)
}

func (s *ParseSuite) TestParseSacct(c *check.C) {
	recs := parseSacct([]byte(`12345|2024-03-01T08:00:00|RUNNING
12345.batch|2024-03-01T08:00:01|RUNNING
12346|Unknown|PENDING
12347|2024-03-01T09:00:00|CANCELLED by 1001
bogus
`), ctxlog.TestLogger(c))
	c.Assert(recs, check.HasLen, 3)
	c.Check(recs[0], check.DeepEquals, HistoryRecord{
		JobID: "12345",
		Start: time.Date(2024, 3, 1, 8, 0, 0, 0, time.Local),
		State: "RUNNING",
	})
	c.Check(recs[1].JobID, check.Equals, "12345.batch")
	c.Check(recs[2].State, check.Equals, "CANCELLED")
}

func (s *ParseSuite) TestParseSbatch(c *check.C) {
	for _, trial := range []struct {
		out string
		id  string
		err string
	}{
		{"12345\n", "12345", ""},
		{"12345;cluster1\n", "12345", ""},
		{"Submitted batch job 777\n", "777", ""},
		{"sbatch: warning: something\n4242\n", "4242", ""},
		{"", "", `sbatch output did not include a job ID`},
		{"Submitted batch job\n", "", `sbatch output did not include a job ID: .*`},
	} {
		id, err := parseSbatch([]byte(trial.out))
		if trial.err != "" {
			c.Check(err, check.ErrorMatches, trial.err)
			continue
		}
		c.Check(err, check.IsNil)
		c.Check(id, check.Equals, trial.id)
	}
}

func (s *ParseSuite) TestExpandHostlist(c *check.C) {
	c.Check(ExpandHostlist("compute01"), check.DeepEquals, []string{"compute01"})
	c.Check(ExpandHostlist("compute[01,04-05]"), check.DeepEquals, []string{"compute01", "compute04", "compute05"})
	c.Check(ExpandHostlist("compute[01-02],gpu7"), check.DeepEquals, []string{"compute01", "compute02", "gpu7"})
	c.Check(ExpandHostlist("node[9-11]"), check.DeepEquals, []string{"node9", "node10", "node11"})
	c.Check(ExpandHostlist("node[x]"), check.DeepEquals, []string{"nodex"})
	c.Check(ExpandHostlist(""), check.HasLen, 0)

	j := Job{Node: "compute[04-05]"}
	c.Check(j.TargetsNode("compute05"), check.Equals, true)
	c.Check(j.TargetsNode("compute01"), check.Equals, false)
	c.Check(Job{}.TargetsNode("compute01"), check.Equals, false)
}
