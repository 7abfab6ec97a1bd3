// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"time"

	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
)

type ActionType string

const (
	ActionStart ActionType = "start"
	ActionStop  ActionType = "stop"
)

// Action is a change the policy wants the executor to make.
type Action struct {
	Type  ActionType
	Model string
	// Node to start on (start) or the node being vacated (stop).
	Node string
	// Job to cancel (stop only).
	JobID  string
	Reason string
}

// PolicyInput is everything Decide needs to know about the current
// cycle.
type PolicyInput struct {
	Rotation fleet.RotationConfig
	// Enabled models in rotation order.
	Models []fleet.Model
	// Model states as of the end of the previous cycle.
	States map[string]ModelState
	// Our own jobs, keyed by job name.
	Running map[string]slurm.Job
	// Other users' pending jobs.
	Pending []slurm.Job
	// Known start times of running jobs, keyed by job ID.
	JobStarts map[string]time.Time
	// Free nodes in preference order. Only consulted when fewer
	// than MaxConcurrent models are available.
	FreeNodes []string
	Now       time.Time
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	// New state for every model in the input.
	Reconciled map[string]ModelState
	// The model whose turn it is.
	Candidate string
	// Stops come before starts.
	Actions []Action
	// Models that should have been started but had no free node.
	Starved []string
}

// YieldChecks returns the IDs of jobs whose start time Decide will
// need: jobs of available models whose node is wanted by a pending
// job.
func YieldChecks(states map[string]ModelState, pending []slurm.Job) []string {
	var ids []string
	for _, ms := range states {
		if !ms.Available || ms.Node == "" || ms.JobID == "" {
			continue
		}
		if nodeWanted(ms.Node, pending) != nil {
			ids = append(ids, ms.JobID)
		}
	}
	return ids
}

func nodeWanted(node string, pending []slurm.Job) *slurm.Job {
	for i := range pending {
		if pending[i].TargetsNode(node) {
			return &pending[i]
		}
	}
	return nil
}

// Decide decides what to do this cycle. It has no side effects.
func Decide(in PolicyInput) Decision {
	var dec Decision

	// Yield nodes that have been held for a long time and are
	// wanted by someone else.
	yieldAfter := in.Rotation.YieldAfter.Duration()
	for _, m := range in.Models {
		ms := in.States[m.Name]
		if !ms.Available || ms.Node == "" || ms.JobID == "" {
			continue
		}
		start, ok := in.JobStarts[ms.JobID]
		if !ok || in.Now.Sub(start) < yieldAfter {
			continue
		}
		if pj := nodeWanted(ms.Node, in.Pending); pj != nil {
			dec.Actions = append(dec.Actions, Action{
				Type:   ActionStop,
				Model:  m.Name,
				Node:   ms.Node,
				JobID:  ms.JobID,
				Reason: "yield to pending job " + pj.ID,
			})
		}
	}

	// The candidate is the first model whose last start is at least
	// one rotation interval ago.
	interval := in.Rotation.Interval.Duration()
	for _, m := range in.Models {
		last := in.States[m.Name].LastRotation
		if last.IsZero() || in.Now.Sub(last) >= interval {
			dec.Candidate = m.Name
			break
		}
	}
	if dec.Candidate == "" && len(in.Models) > 0 {
		dec.Candidate = in.Models[0].Name
	}

	dec.Reconciled = Reconcile(in.Models, in.States, in.Running)

	available := 0
	used := map[string]bool{}
	for _, ms := range dec.Reconciled {
		if ms.Available {
			available++
		}
		if ms.JobID != "" && ms.Node != "" {
			used[ms.Node] = true
		}
	}

	// Launch order: the candidate, then everything else in
	// rotation order.
	var launch []fleet.Model
	for _, m := range in.Models {
		if m.Name == dec.Candidate {
			launch = append([]fleet.Model{m}, launch...)
		} else {
			launch = append(launch, m)
		}
	}
	free := 0
	for _, m := range launch {
		if available >= in.Rotation.MaxConcurrent {
			break
		}
		if ms := dec.Reconciled[m.Name]; ms.Available || ms.JobID != "" {
			// Already has a job, possibly one that is
			// suspended or completing.
			continue
		}
		for free < len(in.FreeNodes) && used[in.FreeNodes[free]] {
			free++
		}
		if free >= len(in.FreeNodes) {
			dec.Starved = append(dec.Starved, m.Name)
			break
		}
		node := in.FreeNodes[free]
		used[node] = true
		available++
		reason := "fill"
		if m.Name == dec.Candidate {
			reason = "rotation candidate"
		}
		dec.Actions = append(dec.Actions, Action{
			Type:   ActionStart,
			Model:  m.Name,
			Node:   node,
			Reason: reason,
		})
	}
	return dec
}

// Reconcile derives each model's scheduler-related state from the
// job list. A model whose job is running or pending is available on
// the job's node. A model whose job is in any other state keeps the
// job ID and node but is unavailable. A model with no job is
// unavailable. Times recorded in states are preserved.
func Reconcile(models []fleet.Model, states map[string]ModelState, jobs map[string]slurm.Job) map[string]ModelState {
	out := make(map[string]ModelState, len(models))
	for _, m := range models {
		ms := states[m.Name]
		if j, ok := Match(jobs, m.ShortName); ok {
			// A pending job has no allocated node yet; keep
			// the node we asked for.
			if j.Node != "" || ms.JobID != j.ID {
				ms.Node = j.Node
			}
			ms.JobID = j.ID
			ms.Available = j.State == slurm.JobRunning || j.State == slurm.JobPending
		} else {
			ms.JobID = ""
			ms.Node = ""
			ms.Available = false
		}
		if !ms.Available {
			ms.Serving = false
		}
		out[m.Name] = ms
	}
	return out
}
