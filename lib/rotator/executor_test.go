// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hpcfleet/llm-fleet/lib/slurm/slurmtest"
	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExecutorSuite{})

type ExecutorSuite struct {
	cfg   *fleet.Config
	stub  *slurmtest.Stub
	store *Store
	ex    *Executor
	now   time.Time
}

func (s *ExecutorSuite) SetUpTest(c *check.C) {
	s.cfg = testConfig(c)
	s.stub = &slurmtest.Stub{Owner: "llmsvc"}
	for _, node := range s.cfg.Nodes.Pool {
		s.stub.AddNode(node)
	}
	models := s.cfg.RotationModels()
	var names []string
	for _, m := range models {
		names = append(names, m.Name)
	}
	s.store = NewStore(names)
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ex = newExecutor(s.stub, s.store, &s.cfg.Nodes, models, ctxlog.TestLogger(c), newMetrics(nil), func() time.Time { return s.now })
}

func (s *ExecutorSuite) TestStart(c *check.C) {
	s.ex.Execute(context.Background(), []Action{{Type: ActionStart, Model: "DS-R1", Node: "compute04", Reason: "rotation candidate"}})
	subs := s.stub.Submissions()
	c.Assert(subs, check.HasLen, 1)
	c.Check(subs[0].Name, check.Equals, "DS")
	c.Check(subs[0].Node, check.Equals, "compute04")
	c.Check(strings.Contains(subs[0].Script, "--host 10.21.22.204 "), check.Equals, true)
	ms, _ := s.store.Get("DS-R1")
	c.Check(ms, check.DeepEquals, ModelState{Available: true, Node: "compute04", JobID: subs[0].JobID, LastRotation: s.now})
	c.Check(counterValue(c, s.ex.metrics.actions, "start", "ok"), check.Equals, 1.0)
	c.Check(s.stub.Idle()["compute04"], check.Equals, false)
}

func (s *ExecutorSuite) TestStartFailure(c *check.C) {
	s.stub.SetFail("Submit", errors.New("sbatch: error: Batch job submission failed: Invalid partition name specified"))
	s.ex.Execute(context.Background(), []Action{{Type: ActionStart, Model: "DS-R1", Node: "compute04"}})
	ms, _ := s.store.Get("DS-R1")
	c.Check(ms, check.DeepEquals, ModelState{})
	c.Check(counterValue(c, s.ex.metrics.actions, "start", "fail"), check.Equals, 1.0)
	c.Check(counterValue(c, s.ex.metrics.actions, "start", "ok"), check.Equals, 0.0)
}

func (s *ExecutorSuite) TestStartBadNode(c *check.C) {
	err := s.ex.Start(context.Background(), Action{Type: ActionStart, Model: "DS-R1", Node: "login"})
	c.Check(err, check.ErrorMatches, `cannot derive address for node "login".*`)
	err = s.ex.Start(context.Background(), Action{Type: ActionStart, Model: "Skywork", Node: "compute04"})
	c.Check(err, check.ErrorMatches, `unknown model "Skywork"`)
	c.Check(s.stub.Calls(), check.HasLen, 0)
}

func (s *ExecutorSuite) TestStop(c *check.C) {
	t0 := s.now.Add(-time.Hour)
	s.stub.AddJob("500", "DS", "compute04", "running", t0)
	s.store.Launched("DS-R1", "compute04", "500", t0)
	s.ex.Execute(context.Background(), []Action{{Type: ActionStop, Model: "DS-R1", Node: "compute04", JobID: "500"}})
	c.Check(s.stub.Cancelled(), check.DeepEquals, []string{"500"})
	ms, _ := s.store.Get("DS-R1")
	c.Check(ms, check.DeepEquals, ModelState{LastRotation: t0})
	c.Check(s.stub.Idle()["compute04"], check.Equals, true)
	c.Check(counterValue(c, s.ex.metrics.actions, "stop", "ok"), check.Equals, 1.0)
}

func (s *ExecutorSuite) TestStopFailure(c *check.C) {
	t0 := s.now.Add(-time.Hour)
	s.store.Launched("DS-R1", "compute04", "500", t0)
	s.stub.SetFail("Cancel", errors.New("scancel: error: Kill job error on job id 500: Access/permission denied"))
	s.ex.Execute(context.Background(), []Action{{Type: ActionStop, Model: "DS-R1", Node: "compute04", JobID: "500"}})
	ms, _ := s.store.Get("DS-R1")
	c.Check(ms, check.DeepEquals, ModelState{Available: true, Node: "compute04", JobID: "500", LastRotation: t0})
	c.Check(counterValue(c, s.ex.metrics.actions, "stop", "fail"), check.Equals, 1.0)

	c.Check(s.ex.Stop(context.Background(), Action{Type: ActionStop, Model: "DS-R1"}), check.ErrorMatches, `no job ID .*`)
}

func (s *ExecutorSuite) TestStopsFirst(c *check.C) {
	s.stub.AddJob("500", "DS", "compute04", "running", s.now)
	s.ex.Execute(context.Background(), []Action{
		{Type: ActionStart, Model: "Qwen2.5-32B", Node: "compute01"},
		{Type: ActionStop, Model: "DS-R1", Node: "compute04", JobID: "500"},
		{Type: ActionStart, Model: "QwQ-32B", Node: "compute05"},
	})
	c.Check(s.stub.Calls(), check.DeepEquals, []string{"Cancel", "Submit", "Submit"})
	var names []string
	for _, sub := range s.stub.Submissions() {
		names = append(names, sub.Name)
	}
	c.Check(names, check.DeepEquals, []string{"Qwen2.5", "QwQ"})
}
