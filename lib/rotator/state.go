// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"sort"
	"sync"
	"time"
)

// ModelState is what the rotator believes about one model.
type ModelState struct {
	Available bool
	Node      string
	JobID     string
	// Time and result of the last health probe.
	LastHealthCheck time.Time
	Serving         bool
	// Time of the last successful launch. Zero if the model has
	// never been launched by this process.
	LastRotation time.Time
}

// Store holds a ModelState for each enabled model. The control loop
// is the only writer; other goroutines (HTTP handlers) read
// snapshots.
type Store struct {
	mtx    sync.Mutex
	states map[string]ModelState
}

// NewStore returns a Store with an empty entry for each of the named
// models.
func NewStore(names []string) *Store {
	st := &Store{states: make(map[string]ModelState, len(names))}
	for _, name := range names {
		st.states[name] = ModelState{}
	}
	return st
}

// Snapshot returns a copy of all model states.
func (st *Store) Snapshot() map[string]ModelState {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	snap := make(map[string]ModelState, len(st.states))
	for name, ms := range st.states {
		snap[name] = ms
	}
	return snap
}

// Get returns the state of a single model.
func (st *Store) Get(name string) (ModelState, bool) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	ms, ok := st.states[name]
	return ms, ok
}

// Names returns the known model names in sorted order.
func (st *Store) Names() []string {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	var names []string
	for name := range st.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reconcile applies the scheduler-derived fields (Available, Node,
// JobID) of the given states. LastRotation and LastHealthCheck are
// never taken from the argument. A model that is no longer available
// is no longer serving. Unknown model names are ignored.
//
// Reconcile returns the names of models whose state changed.
func (st *Store) Reconcile(reconciled map[string]ModelState) []string {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	var changed []string
	for name, want := range reconciled {
		cur, ok := st.states[name]
		if !ok {
			continue
		}
		next := cur
		next.Available = want.Available
		next.Node = want.Node
		next.JobID = want.JobID
		if !next.Available {
			next.Serving = false
		}
		if next != cur {
			st.states[name] = next
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// Launched records a successful job submission.
func (st *Store) Launched(name, node, jobID string, t time.Time) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	ms := st.states[name]
	ms.Available = true
	ms.Node = node
	ms.JobID = jobID
	ms.LastRotation = t
	ms.LastHealthCheck = time.Time{}
	ms.Serving = false
	st.states[name] = ms
}

// Stopped records a successful cancellation.
func (st *Store) Stopped(name string) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	ms := st.states[name]
	ms.Available = false
	ms.Node = ""
	ms.JobID = ""
	ms.Serving = false
	st.states[name] = ms
}

// Checked records the result of a health probe.
func (st *Store) Checked(name string, serving bool, t time.Time) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	ms, ok := st.states[name]
	if !ok {
		return
	}
	ms.Serving = serving
	ms.LastHealthCheck = t
	st.states[name] = ms
}

// Available returns the number of available models.
func (st *Store) Available() int {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	n := 0
	for _, ms := range st.states {
		if ms.Available {
			n++
		}
	}
	return n
}
