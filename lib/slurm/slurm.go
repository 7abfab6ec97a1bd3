// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm runs SLURM command line programs (sbatch, squeue,
// scancel, scontrol, sacct) and parses their output into typed
// records.
package slurm

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// JobState is the coarse state of a job in the SLURM queue.
type JobState string

const (
	JobRunning JobState = "running"
	JobPending JobState = "pending"
	JobUnknown JobState = "unknown"
)

// ErrNoJobID is returned by Submit when sbatch succeeds but its output
// does not contain a job ID.
var ErrNoJobID = errors.New("sbatch output did not include a job ID")

// Gateway is the subset of scheduler operations the rotator needs.
//
// Implementations must be safe to call from multiple goroutines, but
// callers should not rely on calls running concurrently.
type Gateway interface {
	// Submit submits a batch script and returns the new job ID.
	Submit(ctx context.Context, script []byte, args []string) (string, error)
	// ListRunning returns all jobs owned by the given user, in
	// any state.
	ListRunning(ctx context.Context, owner string) ([]Job, error)
	// ListPending returns pending jobs owned by any user. The
	// Node field of each job is the node list the job
	// explicitly requested, if any.
	ListPending(ctx context.Context) ([]Job, error)
	// Cancel cancels the given job. Cancelling a job that has
	// already finished is not an error.
	Cancel(ctx context.Context, jobID string) error
	// NodeState returns allocation info for a node.
	NodeState(ctx context.Context, node string) (NodeInfo, error)
	// JobHistory returns accounting records for a job.
	JobHistory(ctx context.Context, jobID string) ([]HistoryRecord, error)
}

// Job is one row of squeue output.
type Job struct {
	ID    string
	Name  string
	User  string
	State JobState
	// Allocated node (running jobs) or requested node list
	// (pending jobs), possibly a hostlist expression like
	// "compute[01,04-05]". Empty if unknown.
	Node string
}

// TargetsNode returns true if the job's node list includes the given
// node.
func (j Job) TargetsNode(node string) bool {
	if j.Node == "" || node == "" {
		return false
	}
	for _, n := range ExpandHostlist(j.Node) {
		if n == node {
			return true
		}
	}
	return false
}

// NodeInfo is the subset of "scontrol show node" output that
// determines whether a node is free.
type NodeInfo struct {
	Name string
	// Base state, e.g. "IDLE", "MIXED", "ALLOCATED".
	State string
	// State flags, e.g. "DRAIN", "NOT_RESPONDING".
	Flags    []string
	CPUAlloc int
	AllocMem int64
}

// Idle returns true if SLURM reports the node idle, usable, and with
// nothing allocated.
func (ni NodeInfo) Idle() bool {
	if ni.State != "IDLE" || ni.CPUAlloc != 0 || ni.AllocMem != 0 {
		return false
	}
	for _, f := range ni.Flags {
		switch f {
		case "DRAIN", "DRAINING", "DRAINED", "DOWN", "FAIL", "FAILING", "NOT_RESPONDING", "MAINT", "RESERVED", "POWERED_DOWN", "POWERING_DOWN":
			return false
		}
	}
	return true
}

// HistoryRecord is one row of sacct output.
type HistoryRecord struct {
	JobID string
	Start time.Time
	State string
}

var hostlistRange = regexp.MustCompile(`^([^\[]*)\[([^\]]*)\](.*)$`)

// ExpandHostlist expands a SLURM hostlist expression like
// "compute[01,04-05],gpu1" into individual host names. Malformed
// ranges are returned unexpanded.
func ExpandHostlist(expr string) []string {
	var hosts []string
	for _, part := range splitHostlist(expr) {
		m := hostlistRange.FindStringSubmatch(part)
		if m == nil {
			hosts = append(hosts, part)
			continue
		}
		prefix, ranges, suffix := m[1], m[2], m[3]
		for _, rng := range strings.Split(ranges, ",") {
			lo, hi, found := strings.Cut(rng, "-")
			if !found {
				hi = lo
			}
			first, err1 := strconv.Atoi(lo)
			last, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || last < first {
				hosts = append(hosts, prefix+rng+suffix)
				continue
			}
			for i := first; i <= last; i++ {
				num := strconv.Itoa(i)
				for len(num) < len(lo) {
					num = "0" + num
				}
				hosts = append(hosts, prefix+num+suffix)
			}
		}
	}
	return hosts
}

// splitHostlist splits on commas that are not inside brackets.
func splitHostlist(expr string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range expr {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				if i > start {
					parts = append(parts, expr[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(expr) {
		parts = append(parts, expr[start:])
	}
	return parts
}
