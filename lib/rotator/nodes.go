// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/sirupsen/logrus"
)

// NodeProber decides whether compute nodes are free to take a model.
type NodeProber struct {
	Gateway slurm.Gateway
	Logger  logrus.FieldLogger
}

// Probe returns true if the scheduler reports the node idle with
// nothing allocated. A failed query counts as "not available".
func (np *NodeProber) Probe(ctx context.Context, node string) bool {
	logger := np.Logger.WithField("Node", node)
	ni, err := np.Gateway.NodeState(ctx, node)
	if err != nil {
		logger.WithError(err).Warn("error querying node state")
		return false
	}
	idle := ni.Idle()
	logger.WithFields(logrus.Fields{
		"State":    ni.State,
		"Flags":    ni.Flags,
		"CPUAlloc": ni.CPUAlloc,
		"AllocMem": humanize.IBytes(uint64(ni.AllocMem) << 20),
		"Idle":     idle,
	}).Debug("probed node")
	return idle
}

// FindAvailable probes the nodes in pool order, skipping (without
// querying) the ones in exclude, and returns the available ones.
func (np *NodeProber) FindAvailable(ctx context.Context, pool []string, exclude map[string]bool) []string {
	var avail []string
	for _, node := range pool {
		if exclude[node] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if np.Probe(ctx, node) {
			avail = append(avail, node)
		}
	}
	return avail
}
