// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Loop is the control loop: each cycle it inspects the scheduler,
// decides what to change, changes it, and checks the health of the
// running models.
type Loop struct {
	config    *fleet.Config
	models    []fleet.Model
	logger    logrus.FieldLogger
	store     *Store
	inspector *Inspector
	nodes     *NodeProber
	health    healthChecker
	executor  *Executor
	metrics   *metrics
	now       func() time.Time
	wakeup    chan struct{}
	cycle     int

	mtx       sync.Mutex
	lastCycle time.Time
	lastErr   error
}

// NewLoop returns a Loop for the models enabled in cfg. Metrics are
// registered with reg, if it is not nil.
func NewLoop(cfg *fleet.Config, gw slurm.Gateway, logger logrus.FieldLogger, reg *prometheus.Registry) (*Loop, error) {
	models := cfg.RotationModels()
	if len(models) == 0 {
		return nil, fmt.Errorf("no enabled models in rotation order")
	}
	var names []string
	for _, m := range models {
		names = append(names, m.Name)
	}
	inspector, err := NewInspector(gw, logger, cfg.Rotation.JobStartCacheSize)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		config:    cfg,
		models:    models,
		logger:    logger,
		store:     NewStore(names),
		inspector: inspector,
		nodes:     &NodeProber{Gateway: gw, Logger: logger},
		health:    NewHealthProber(cfg.HealthCheck, &cfg.Nodes, logger),
		metrics:   newMetrics(reg),
		now:       time.Now,
		wakeup:    make(chan struct{}, 1),
	}
	// The executor records rotation times with the loop's clock.
	l.executor = newExecutor(gw, l.store, &cfg.Nodes, models, logger, l.metrics, func() time.Time { return l.now() })
	return l, nil
}

// Store returns the loop's model state store.
func (l *Loop) Store() *Store {
	return l.store
}

// LastCycle returns the start time and outcome of the most recent
// cycle. The time is zero if no cycle has run yet.
func (l *Loop) LastCycle() (time.Time, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lastCycle, l.lastErr
}

// Wake makes a sleeping Run start its next cycle immediately.
func (l *Loop) Wake() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// NextInterval returns the time to wait before the next cycle, given
// the number of available models.
func NextInterval(available int, rc fleet.RotationConfig) time.Duration {
	switch {
	case available <= 0:
		return rc.PollIdle.Duration()
	case available >= rc.MaxConcurrent:
		return rc.PollFull.Duration()
	default:
		return rc.PollPartial.Duration()
	}
}

// Run runs cycles until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	// Buffered so a SIGUSR1 that arrives during a cycle ends the
	// following sleep.
	sigUSR1 := make(chan os.Signal, 1)
	signal.Notify(sigUSR1, syscall.SIGUSR1)
	defer signal.Stop(sigUSR1)

	l.logger.WithFields(logrus.Fields{
		"Models":        len(l.models),
		"Nodes":         l.config.Nodes.Pool,
		"MaxConcurrent": l.config.Rotation.MaxConcurrent,
	}).Info("starting control loop: will cycle periodically and on SIGUSR1")

	for ctx.Err() == nil {
		var wait time.Duration
		if err := l.RunCycle(ctx); err != nil {
			l.logger.WithError(err).WithField("Cycle", l.cycle).Error("cycle failed")
			wait = l.config.Rotation.ErrorBackoff.Duration()
		} else {
			wait = NextInterval(l.store.Available(), l.config.Rotation)
		}
		l.metrics.pollInterval.Set(wait.Seconds())
		l.logger.WithField("Wait", wait.String()).Debug("waiting for next cycle")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-sigUSR1:
			l.logger.Info("received SIGUSR1, starting next cycle now")
			timer.Stop()
		case <-l.wakeup:
			timer.Stop()
		}
	}
}

// RunCycle runs a single cycle. A panic during the cycle is
// recovered and returned as an error.
func (l *Loop) RunCycle(ctx context.Context) (err error) {
	l.cycle++
	logger := l.logger.WithField("Cycle", l.cycle)
	t0 := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.WithField("Stack", string(debug.Stack())).Error("panic in cycle")
			err = fmt.Errorf("panic: %v", p)
		}
		result := "ok"
		if err != nil {
			result = "fail"
		}
		l.metrics.cycles.WithLabelValues(result).Inc()
		l.metrics.cycleDuration.Observe(time.Since(t0).Seconds())
		l.mtx.Lock()
		l.lastCycle, l.lastErr = t0, err
		l.mtx.Unlock()
	}()

	owner := l.config.Scheduler.Owner
	running, err := l.inspector.Running(ctx, owner)
	if err != nil {
		return fmt.Errorf("error listing jobs: %w", err)
	}
	pending, err := l.inspector.Pending(ctx, owner)
	if err != nil {
		logger.WithError(err).Warn("error listing pending jobs, not yielding any nodes this cycle")
		pending = nil
	}

	states := l.store.Snapshot()
	starts := map[string]time.Time{}
	for _, id := range YieldChecks(states, pending) {
		if t, ok := l.inspector.StartTime(ctx, id); ok {
			starts[id] = t
		}
	}

	var free []string
	busy := map[string]bool{}
	available := 0
	for _, ms := range Reconcile(l.models, states, running) {
		if ms.Available {
			available++
		}
		if ms.JobID != "" && ms.Node != "" {
			busy[ms.Node] = true
		}
	}
	if available < l.config.Rotation.MaxConcurrent {
		free = l.nodes.FindAvailable(ctx, l.config.Nodes.Pool, busy)
	}

	dec := Decide(PolicyInput{
		Rotation:  l.config.Rotation,
		Models:    l.models,
		States:    states,
		Running:   running,
		Pending:   pending,
		JobStarts: starts,
		FreeNodes: free,
		Now:       l.now(),
	})
	for _, name := range l.store.Reconcile(dec.Reconciled) {
		ms := dec.Reconciled[name]
		logger.WithFields(logrus.Fields{
			"Model":     name,
			"Available": ms.Available,
			"Node":      ms.Node,
			"JobID":     ms.JobID,
		}).Info("model state changed")
	}
	logger.WithFields(logrus.Fields{
		"Candidate": dec.Candidate,
		"Available": available,
		"FreeNodes": free,
		"Actions":   len(dec.Actions),
	}).Debug("decided")
	if len(dec.Starved) > 0 {
		l.metrics.starvedCycles.Inc()
		for _, name := range dec.Starved {
			logger.WithError(ErrNoFreeNode).WithField("Model", name).Info("cannot act this cycle")
		}
	}

	l.executor.Execute(ctx, dec.Actions)
	l.checkHealth(ctx)
	l.metrics.updateStates(l.store.Snapshot())
	return nil
}

func (l *Loop) checkHealth(ctx context.Context) {
	states := l.store.Snapshot()
	for _, m := range l.models {
		ms := states[m.Name]
		if !ms.Available || ms.Node == "" {
			continue
		}
		serving := l.health.Check(ctx, ms.Node, m)
		if serving != ms.Serving {
			l.logger.WithFields(logrus.Fields{
				"Model":   m.Name,
				"Node":    ms.Node,
				"Serving": serving,
			}).Info("model serving status changed")
		}
		l.store.Checked(m.Name, serving, l.now())
	}
}
