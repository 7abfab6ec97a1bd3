// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru"
	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/sirupsen/logrus"
)

// Inspector reports the scheduler's view of jobs.
type Inspector struct {
	gateway slurm.Gateway
	logger  logrus.FieldLogger
	starts  *lru.TwoQueueCache
}

// NewInspector returns an Inspector that remembers the start times
// of up to cacheSize jobs.
func NewInspector(gw slurm.Gateway, logger logrus.FieldLogger, cacheSize int) (*Inspector, error) {
	if cacheSize < 1 {
		cacheSize = 64
	}
	starts, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating start time cache: %w", err)
	}
	return &Inspector{gateway: gw, logger: logger, starts: starts}, nil
}

// Running returns the given user's jobs in any state, keyed by job
// name. If two jobs have the same name, a running or pending job is
// preferred over one in another state, otherwise the first one
// listed wins.
func (in *Inspector) Running(ctx context.Context, owner string) (map[string]slurm.Job, error) {
	jobs, err := in.gateway.ListRunning(ctx, owner)
	if err != nil {
		return nil, err
	}
	running := make(map[string]slurm.Job, len(jobs))
	for _, j := range jobs {
		if prev, dup := running[j.Name]; dup && (live(prev) || !live(j)) {
			in.logger.WithFields(logrus.Fields{
				"JobName": j.Name,
				"JobID":   j.ID,
				"Using":   prev.ID,
			}).Warn("ignoring job with duplicate name")
			continue
		}
		running[j.Name] = j
	}
	return running, nil
}

func live(j slurm.Job) bool {
	return j.State == slurm.JobRunning || j.State == slurm.JobPending
}

// Pending returns pending jobs that belong to users other than
// owner, i.e., queued work that might be waiting for our nodes.
func (in *Inspector) Pending(ctx context.Context, owner string) ([]slurm.Job, error) {
	jobs, err := in.gateway.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	var pending []slurm.Job
	for _, j := range jobs {
		if j.User == owner || j.State != slurm.JobPending {
			continue
		}
		pending = append(pending, j)
	}
	return pending, nil
}

// StartTime returns the time the given job started running, or false
// if that is not (yet) known.
func (in *Inspector) StartTime(ctx context.Context, jobID string) (time.Time, bool) {
	if v, ok := in.starts.Get(jobID); ok {
		return v.(time.Time), true
	}
	recs, err := in.gateway.JobHistory(ctx, jobID)
	if err != nil {
		in.logger.WithError(err).WithField("JobID", jobID).Warn("error querying job history")
		return time.Time{}, false
	}
	for _, rec := range recs {
		if rec.State == "RUNNING" && !rec.Start.IsZero() {
			in.starts.Add(jobID, rec.Start)
			return rec.Start, true
		}
	}
	return time.Time{}, false
}

// Match returns the job whose name starts with shortName. If more
// than one matches, the one whose name sorts first wins.
func Match(jobs map[string]slurm.Job, shortName string) (slurm.Job, bool) {
	if shortName == "" {
		return slurm.Job{}, false
	}
	var names []string
	for name := range jobs {
		if strings.HasPrefix(name, shortName) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return slurm.Job{}, false
	}
	sort.Strings(names)
	return jobs[names[0]], true
}
