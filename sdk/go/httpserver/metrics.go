// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument returns a new http.Handler that passes requests through
// to next, and tracks the number and duration of those requests in
// registry.
//
// If registry is nil, a new registry is created.
func Instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "llmfleet",
		Subsystem: "management",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	reqCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmfleet",
		Subsystem: "management",
		Name:      "requests_total",
		Help:      "Number of requests, by response code.",
	}, []string{"code", "method"})
	registry.MustRegister(reqDuration, reqCount)
	return promhttp.InstrumentHandlerCounter(reqCount, promhttp.InstrumentHandlerDuration(reqDuration, next))
}
