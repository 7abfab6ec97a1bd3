// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rotator keeps a rotating set of model servers running on a
// SLURM cluster.
package rotator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/hpcfleet/llm-fleet/lib/cmd"
	"github.com/hpcfleet/llm-fleet/lib/service"
	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	"github.com/hpcfleet/llm-fleet/sdk/go/health"
	"github.com/hpcfleet/llm-fleet/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
)

var Command cmd.Handler = service.Command("llm-fleet-rotator", newHandler)

func newHandler(ctx context.Context, cfg *fleet.Config, reg *prometheus.Registry) service.Handler {
	sbatchArgs, err := shlex.Split(cfg.Scheduler.SbatchArguments)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("cannot parse Scheduler.SbatchArguments: %w", err))
	}
	gw := slurm.NewCLI(ctxlog.FromContext(ctx), cfg.Scheduler.CommandTimeout.Duration(), sbatchArgs)
	disp, err := newDispatcher(ctx, cfg, gw, reg)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	return disp
}

type dispatcher struct {
	Config   *fleet.Config
	Context  context.Context
	Gateway  slurm.Gateway
	Registry *prometheus.Registry

	logger      logrus.FieldLogger
	loop        *Loop
	httpHandler http.Handler

	startOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

func newDispatcher(ctx context.Context, cfg *fleet.Config, gw slurm.Gateway, reg *prometheus.Registry) (*dispatcher, error) {
	disp := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Gateway:  gw,
		Registry: reg,
		logger:   ctxlog.FromContext(ctx),
		stop:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	loop, err := NewLoop(cfg, gw, disp.logger, reg)
	if err != nil {
		return nil, err
	}
	disp.loop = loop
	disp.initHTTP()
	return disp, nil
}

// Start implements service.OneShot. It starts the control loop. Start
// can be called multiple times with no ill effect.
func (disp *dispatcher) Start() {
	disp.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(disp.Context)
		go func() {
			select {
			case <-disp.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		go func() {
			defer close(disp.stopped)
			defer cancel()
			disp.loop.Run(ctx)
		}()
	})
}

// RunOnce implements service.OneShot.
func (disp *dispatcher) RunOnce(ctx context.Context) error {
	err := disp.loop.RunCycle(ctx)
	if err != nil {
		return err
	}
	snap := disp.loop.Store().Snapshot()
	for _, name := range disp.loop.Store().Names() {
		ms := snap[name]
		disp.logger.WithFields(logrus.Fields{
			"Model":     name,
			"Available": ms.Available,
			"Node":      ms.Node,
			"JobID":     ms.JobID,
			"Serving":   ms.Serving,
		}).Info("model state")
	}
	return nil
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	select {
	case <-disp.stopped:
		return errors.New("stopped")
	default:
		return nil
	}
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the control loop and waits for it to finish. Used by
// tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

// checkScheduler reports an error if the most recent cycle failed,
// or no cycle has completed within the longest poll interval.
func (disp *dispatcher) checkScheduler() error {
	t, err := disp.loop.LastCycle()
	if t.IsZero() {
		return errors.New("no cycle has run yet")
	} else if err != nil {
		return fmt.Errorf("last cycle at %s failed: %w", t.Format(time.RFC3339), err)
	}
	rc := disp.Config.Rotation
	limit := rc.PollFull.Duration()
	for _, d := range []fleet.Duration{rc.PollIdle, rc.PollPartial, rc.ErrorBackoff} {
		if d.Duration() > limit {
			limit = d.Duration()
		}
	}
	if since := time.Since(t); since > limit*2 {
		return fmt.Errorf("last cycle was %s ago", since.Round(time.Second))
	}
	return nil
}

func (disp *dispatcher) initHTTP() {
	token := disp.Config.ManagementToken
	if token == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.HandlerFunc("GET", "/metrics.json", disp.serveMetricsJSON)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: health.Routes{
			"ping":      disp.CheckHealth,
			"scheduler": disp.checkScheduler,
		},
	})
	mux.HandlerFunc("GET", "/api/check-service", disp.serveCheckService)
	mux.HandlerFunc("GET", "/api/models", disp.serveModels)
	disp.httpHandler = health.RequireToken(token, mux)
}

// serveMetricsJSON responds with the current metrics as a JSON array
// of metric families.
func (disp *dispatcher) serveMetricsJSON(w http.ResponseWriter, r *http.Request) {
	mfs, err := disp.Registry.Gather()
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte{'['})
	for i, mf := range mfs {
		if i > 0 {
			w.Write([]byte{','})
		}
		buf, err := protojson.Marshal(mf)
		if err != nil {
			httpserver.Logger(r).WithError(err).Warn("error encoding metric family")
			buf = []byte("null")
		}
		w.Write(buf)
	}
	w.Write([]byte{']'})
}

func (disp *dispatcher) serveCheckService(w http.ResponseWriter, r *http.Request) {
	st, err := CheckService(r.Context(), disp.Gateway, disp.Config)
	if err != nil {
		httpserver.Logger(r).WithError(err).Warn("check-service failed")
		httpserver.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

type modelStatus struct {
	Name  string
	Order int
	ModelState
}

func (disp *dispatcher) serveModels(w http.ResponseWriter, r *http.Request) {
	snap := disp.loop.Store().Snapshot()
	var models []modelStatus
	for i, m := range disp.loop.models {
		models = append(models, modelStatus{Name: m.Name, Order: i, ModelState: snap[m.Name]})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"models": models})
}
