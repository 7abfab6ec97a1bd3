// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurmtest provides an in-memory slurm.Gateway for tests.
package slurmtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpcfleet/llm-fleet/lib/slurm"
)

// Submission records one call to Submit.
type Submission struct {
	JobID  string
	Name   string
	Node   string
	Script string
	Args   []string
}

// Stub is a deterministic in-memory scheduler. Submitted jobs start
// running immediately on the node given by --nodelist, and the node
// becomes allocated until the job is cancelled.
//
// The zero value is usable; fields may be set directly before the
// stub is handed to the code under test.
type Stub struct {
	// User that owns submitted jobs.
	Owner string
	// Time source for job start times. Defaults to time.Now.
	Now func() time.Time

	// Errors to return from the named method ("Submit",
	// "ListRunning", "ListPending", "Cancel", "NodeState",
	// "JobHistory"). An entry stays in effect until removed.
	Fail map[string]error

	nodes     map[string]slurm.NodeInfo
	jobs      []slurm.Job
	pending   []slurm.Job
	history   map[string][]slurm.HistoryRecord
	nextJobID int

	submissions []Submission
	cancelled   []string
	calls       []string
	mtx         sync.Mutex
}

func (stub *Stub) now() time.Time {
	if stub.Now != nil {
		return stub.Now()
	}
	return time.Now()
}

func (stub *Stub) init() {
	if stub.nodes == nil {
		stub.nodes = map[string]slurm.NodeInfo{}
	}
	if stub.history == nil {
		stub.history = map[string][]slurm.HistoryRecord{}
	}
	if stub.nextJobID == 0 {
		stub.nextJobID = 1000
	}
}

// called with mtx held
func (stub *Stub) enter(method string) error {
	stub.init()
	stub.calls = append(stub.calls, method)
	return stub.Fail[method]
}

// SetFail makes the named method return err (or stop failing, if err
// is nil).
func (stub *Stub) SetFail(method string, err error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err == nil {
		delete(stub.Fail, method)
		return
	}
	if stub.Fail == nil {
		stub.Fail = map[string]error{}
	}
	stub.Fail[method] = err
}

// AddNode adds an idle node.
func (stub *Stub) AddNode(name string) {
	stub.SetNode(slurm.NodeInfo{Name: name, State: "IDLE"})
}

// SetNode adds or replaces a node.
func (stub *Stub) SetNode(ni slurm.NodeInfo) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.init()
	stub.nodes[ni.Name] = ni
}

// AddJob adds a job owned by Owner that has been running on the given
// node since the given time. The node becomes allocated.
func (stub *Stub) AddJob(id, name, node string, state slurm.JobState, start time.Time) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.init()
	stub.jobs = append(stub.jobs, slurm.Job{ID: id, Name: name, User: stub.Owner, State: state, Node: node})
	if state == slurm.JobRunning {
		stub.history[id] = []slurm.HistoryRecord{{JobID: id, Start: start, State: "RUNNING"}}
		stub.allocate(node)
	}
}

// AddPending adds a pending job, e.g., one submitted by another user
// that asks for a specific node.
func (stub *Stub) AddPending(id, name, user, node string) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.pending = append(stub.pending, slurm.Job{ID: id, Name: name, User: user, State: slurm.JobPending, Node: node})
}

// Vanish removes a job from the queue without a Cancel call, as if
// it had reached its time limit.
func (stub *Stub) Vanish(id string) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.remove(id)
}

// Submissions returns all successful Submit calls so far.
func (stub *Stub) Submissions() []Submission {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	return append([]Submission(nil), stub.submissions...)
}

// Cancelled returns the IDs of all successfully cancelled jobs.
func (stub *Stub) Cancelled() []string {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	return append([]string(nil), stub.cancelled...)
}

// Calls returns the names of all methods called so far.
func (stub *Stub) Calls() []string {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	return append([]string(nil), stub.calls...)
}

// ResetCalls clears the list returned by Calls.
func (stub *Stub) ResetCalls() {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.calls = nil
}

// called with mtx held
func (stub *Stub) allocate(node string) {
	if ni, ok := stub.nodes[node]; ok {
		ni.State, ni.CPUAlloc, ni.AllocMem = "ALLOCATED", 12, 51200
		stub.nodes[node] = ni
	}
}

// called with mtx held
func (stub *Stub) remove(id string) bool {
	for i, j := range stub.jobs {
		if j.ID != id {
			continue
		}
		stub.jobs = append(stub.jobs[:i:i], stub.jobs[i+1:]...)
		if ni, ok := stub.nodes[j.Node]; ok && j.Node != "" {
			ni.State, ni.CPUAlloc, ni.AllocMem = "IDLE", 0, 0
			stub.nodes[j.Node] = ni
		}
		if recs := stub.history[id]; len(recs) > 0 {
			stub.history[id] = []slurm.HistoryRecord{{JobID: id, Start: recs[0].Start, State: "CANCELLED"}}
		}
		return true
	}
	return false
}

func argValue(args []string, prefix string) string {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

func (stub *Stub) Submit(ctx context.Context, script []byte, args []string) (string, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.enter("Submit"); err != nil {
		return "", err
	}
	name := argValue(args, "--job-name=")
	node := argValue(args, "--nodelist=")
	if name == "" {
		return "", fmt.Errorf("stub: no --job-name in %q", args)
	}
	id := strconv.Itoa(stub.nextJobID)
	stub.nextJobID++
	stub.jobs = append(stub.jobs, slurm.Job{ID: id, Name: name, User: stub.Owner, State: slurm.JobRunning, Node: node})
	stub.history[id] = []slurm.HistoryRecord{{JobID: id, Start: stub.now(), State: "RUNNING"}}
	stub.allocate(node)
	stub.submissions = append(stub.submissions, Submission{
		JobID:  id,
		Name:   name,
		Node:   node,
		Script: string(script),
		Args:   append([]string(nil), args...),
	})
	return id, nil
}

func (stub *Stub) ListRunning(ctx context.Context, owner string) ([]slurm.Job, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.enter("ListRunning"); err != nil {
		return nil, err
	}
	var jobs []slurm.Job
	for _, j := range stub.jobs {
		if j.User == owner {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (stub *Stub) ListPending(ctx context.Context) ([]slurm.Job, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.enter("ListPending"); err != nil {
		return nil, err
	}
	return append([]slurm.Job(nil), stub.pending...), nil
}

func (stub *Stub) Cancel(ctx context.Context, jobID string) error {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.enter("Cancel"); err != nil {
		return err
	}
	stub.remove(jobID)
	stub.cancelled = append(stub.cancelled, jobID)
	return nil
}

func (stub *Stub) NodeState(ctx context.Context, node string) (slurm.NodeInfo, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.enter("NodeState"); err != nil {
		return slurm.NodeInfo{Name: node}, err
	}
	ni, ok := stub.nodes[node]
	if !ok {
		return slurm.NodeInfo{Name: node}, fmt.Errorf("Node %s not found", node)
	}
	return ni, nil
}

func (stub *Stub) JobHistory(ctx context.Context, jobID string) ([]slurm.HistoryRecord, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.enter("JobHistory"); err != nil {
		return nil, err
	}
	return append([]slurm.HistoryRecord(nil), stub.history[jobID]...), nil
}

// Idle returns whether each node is currently idle.
func (stub *Stub) Idle() map[string]bool {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	idle := map[string]bool{}
	for name, ni := range stub.nodes {
		idle[name] = ni.Idle()
	}
	return idle
}

var _ slurm.Gateway = (*Stub)(nil)
