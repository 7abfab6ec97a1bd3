// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	actions        *prometheus.CounterVec
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Summary
	modelAvailable *prometheus.GaugeVec
	modelServing   *prometheus.GaugeVec
	available      prometheus.Gauge
	pollInterval   prometheus.Gauge
	starvedCycles  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "actions_total",
			Help:      "Number of start/stop actions attempted, by outcome.",
		}, []string{"action", "result"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "cycles_total",
			Help:      "Number of control loop cycles, by outcome.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one control loop cycle.",
		}),
		modelAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "model_available",
			Help:      "1 if the model has a running or pending job.",
		}, []string{"model"}),
		modelServing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "model_serving",
			Help:      "1 if the model's last health check succeeded.",
		}, []string{"model"}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "models_available",
			Help:      "Number of available models.",
		}),
		pollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "poll_interval_seconds",
			Help:      "Delay before the next control loop cycle.",
		}),
		starvedCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmfleet",
			Subsystem: "rotator",
			Name:      "starved_cycles_total",
			Help:      "Number of cycles that wanted to start a model but found no free node.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.actions, m.cycles, m.cycleDuration, m.modelAvailable, m.modelServing, m.available, m.pollInterval, m.starvedCycles)
	}
	return m
}

func (m *metrics) updateStates(states map[string]ModelState) {
	n := 0
	for name, ms := range states {
		m.modelAvailable.WithLabelValues(name).Set(b2f(ms.Available))
		m.modelServing.WithLabelValues(name).Set(b2f(ms.Serving))
		if ms.Available {
			n++
		}
	}
	m.available.Set(float64(n))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
