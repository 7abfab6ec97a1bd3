// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"
	"errors"

	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/hpcfleet/llm-fleet/lib/slurm/slurmtest"
	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&NodeProberSuite{})

type NodeProberSuite struct{}

func (s *NodeProberSuite) TestProbe(c *check.C) {
	stub := &slurmtest.Stub{}
	stub.AddNode("compute01")
	stub.SetNode(slurm.NodeInfo{Name: "compute02", State: "MIXED", CPUAlloc: 4, AllocMem: 1024})
	stub.SetNode(slurm.NodeInfo{Name: "compute03", State: "IDLE", Flags: []string{"DRAIN"}})
	stub.SetNode(slurm.NodeInfo{Name: "compute04", State: "IDLE", AllocMem: 10})
	np := &NodeProber{Gateway: stub, Logger: ctxlog.TestLogger(c)}
	ctx := context.Background()
	c.Check(np.Probe(ctx, "compute01"), check.Equals, true)
	c.Check(np.Probe(ctx, "compute02"), check.Equals, false)
	c.Check(np.Probe(ctx, "compute03"), check.Equals, false)
	c.Check(np.Probe(ctx, "compute04"), check.Equals, false)
	c.Check(np.Probe(ctx, "nonexistent"), check.Equals, false)

	stub.SetFail("NodeState", errors.New("scontrol: timeout"))
	c.Check(np.Probe(ctx, "compute01"), check.Equals, false)
}

func (s *NodeProberSuite) TestFindAvailable(c *check.C) {
	stub := &slurmtest.Stub{}
	for _, n := range []string{"compute01", "compute04", "compute05"} {
		stub.AddNode(n)
	}
	stub.SetNode(slurm.NodeInfo{Name: "compute04", State: "ALLOCATED", CPUAlloc: 12})
	np := &NodeProber{Gateway: stub, Logger: ctxlog.TestLogger(c)}
	avail := np.FindAvailable(context.Background(), []string{"compute05", "compute04", "compute01"}, map[string]bool{"compute01": true})
	c.Check(avail, check.DeepEquals, []string{"compute05"})
	// excluded node was not queried
	c.Check(stub.Calls(), check.DeepEquals, []string{"NodeState", "NodeState"})
}
