// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// ErrNoFreeNode is logged when the policy wants to start a model but
// every node is busy.
var ErrNoFreeNode = errors.New("no free node")

// Executor carries out policy actions through the scheduler and
// records their effects in the Store.
type Executor struct {
	gateway slurm.Gateway
	store   *Store
	nodes   *fleet.NodesConfig
	models  map[string]fleet.Model
	logger  logrus.FieldLogger
	metrics *metrics
	now     func() time.Time
}

func newExecutor(gw slurm.Gateway, store *Store, nodes *fleet.NodesConfig, models []fleet.Model, logger logrus.FieldLogger, m *metrics, now func() time.Time) *Executor {
	byName := make(map[string]fleet.Model, len(models))
	for _, model := range models {
		byName[model.Name] = model
	}
	return &Executor{
		gateway: gw,
		store:   store,
		nodes:   nodes,
		models:  byName,
		logger:  logger,
		metrics: m,
		now:     now,
	}
}

// Execute runs all stop actions, then all start actions. A failed
// action is logged and does not prevent the others.
func (ex *Executor) Execute(ctx context.Context, actions []Action) {
	for _, pass := range []ActionType{ActionStop, ActionStart} {
		for _, act := range actions {
			if act.Type != pass {
				continue
			}
			var err error
			switch act.Type {
			case ActionStop:
				err = ex.Stop(ctx, act)
			case ActionStart:
				err = ex.Start(ctx, act)
			}
			result := "ok"
			if err != nil {
				result = "fail"
			}
			ex.metrics.actions.WithLabelValues(string(act.Type), result).Inc()
		}
	}
}

// Start submits a job that runs the action's model on the action's
// node.
func (ex *Executor) Start(ctx context.Context, act Action) error {
	logger := ex.logger.WithFields(logrus.Fields{
		"Model":  act.Model,
		"Node":   act.Node,
		"Reason": act.Reason,
	})
	model, ok := ex.models[act.Model]
	if !ok {
		err := fmt.Errorf("unknown model %q", act.Model)
		logger.WithError(err).Error("cannot start model")
		return err
	}
	addr, err := ex.nodes.NodeAddress(act.Node)
	if err != nil {
		logger.WithError(err).Error("cannot start model")
		return err
	}
	script, err := launchScript(model, act.Node, addr)
	if err != nil {
		logger.WithError(err).Error("cannot start model")
		return err
	}
	jobID, err := ex.gateway.Submit(ctx, script, sbatchArgs(model, act.Node))
	if err != nil {
		logger.WithError(err).Error("error submitting job")
		return err
	}
	ex.store.Launched(act.Model, act.Node, jobID, ex.now())
	logger.WithFields(logrus.Fields{
		"JobID":   jobID,
		"Address": addr,
		"Port":    model.Launch.Port,
	}).Info("started model")
	return nil
}

// Stop cancels the action's job.
func (ex *Executor) Stop(ctx context.Context, act Action) error {
	logger := ex.logger.WithFields(logrus.Fields{
		"Model":  act.Model,
		"Node":   act.Node,
		"JobID":  act.JobID,
		"Reason": act.Reason,
	})
	if act.JobID == "" {
		err := fmt.Errorf("no job ID for model %q", act.Model)
		logger.WithError(err).Error("cannot stop model")
		return err
	}
	if err := ex.gateway.Cancel(ctx, act.JobID); err != nil {
		logger.WithError(err).Error("error cancelling job")
		return err
	}
	ex.store.Stopped(act.Model)
	logger.Info("stopped model")
	return nil
}
