// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StoreSuite{})

type StoreSuite struct{}

func (s *StoreSuite) TestNewStore(c *check.C) {
	st := NewStore([]string{"QwQ-32B", "DS-R1"})
	c.Check(st.Names(), check.DeepEquals, []string{"DS-R1", "QwQ-32B"})
	c.Check(st.Snapshot(), check.DeepEquals, map[string]ModelState{
		"DS-R1":   {},
		"QwQ-32B": {},
	})
	c.Check(st.Available(), check.Equals, 0)
	_, ok := st.Get("Skywork")
	c.Check(ok, check.Equals, false)
}

func (s *StoreSuite) TestLaunchedStopped(c *check.C) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewStore([]string{"DS-R1"})
	st.Checked("DS-R1", true, t0)
	st.Launched("DS-R1", "compute04", "1234", t0)
	ms, _ := st.Get("DS-R1")
	c.Check(ms, check.DeepEquals, ModelState{
		Available:    true,
		Node:         "compute04",
		JobID:        "1234",
		LastRotation: t0,
	})
	c.Check(st.Available(), check.Equals, 1)

	st.Checked("DS-R1", true, t0.Add(time.Minute))
	st.Stopped("DS-R1")
	ms, _ = st.Get("DS-R1")
	c.Check(ms, check.DeepEquals, ModelState{
		LastHealthCheck: t0.Add(time.Minute),
		LastRotation:    t0,
	})
}

func (s *StoreSuite) TestReconcileKeepsTimes(c *check.C) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewStore([]string{"DS-R1", "QwQ-32B"})
	st.Launched("DS-R1", "compute01", "1000", t0)
	st.Checked("DS-R1", true, t0.Add(time.Minute))

	changed := st.Reconcile(map[string]ModelState{
		// Times in the argument are ignored.
		"DS-R1":   {Available: true, Node: "compute01", JobID: "1000", LastRotation: t0.Add(time.Hour)},
		"QwQ-32B": {Available: true, Node: "compute05", JobID: "1001"},
		"Skywork": {Available: true, Node: "compute04", JobID: "1002"},
	})
	c.Check(changed, check.DeepEquals, []string{"QwQ-32B"})
	ms, _ := st.Get("DS-R1")
	c.Check(ms.LastRotation, check.Equals, t0)
	c.Check(ms.Serving, check.Equals, true)
	_, ok := st.Get("Skywork")
	c.Check(ok, check.Equals, false)

	changed = st.Reconcile(map[string]ModelState{
		"DS-R1": {},
	})
	c.Check(changed, check.DeepEquals, []string{"DS-R1"})
	ms, _ = st.Get("DS-R1")
	c.Check(ms, check.DeepEquals, ModelState{
		LastHealthCheck: t0.Add(time.Minute),
		LastRotation:    t0,
	})
	c.Check(st.Available(), check.Equals, 1)
}

func (s *StoreSuite) TestSnapshotIsCopy(c *check.C) {
	st := NewStore([]string{"DS-R1"})
	snap := st.Snapshot()
	snap["DS-R1"] = ModelState{Available: true}
	ms, _ := st.Get("DS-R1")
	c.Check(ms.Available, check.Equals, false)
}
