// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	"github.com/hpcfleet/llm-fleet/sdk/go/httpserver"
)

// ErrorHandler returns a Handler for a service that could not be set
// up, e.g., because of a config problem found by newHandler. It logs
// err, reports err from CheckHealth, answers every request with 503,
// and is already Done, so the service exits with status 1.
func ErrorHandler(ctx context.Context, err error) Handler {
	ctxlog.FromContext(ctx).WithError(err).Error("service failed to start")
	return errorHandler{err}
}

type errorHandler struct {
	err error
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.Error(w, "service failed to start: "+eh.err.Error(), http.StatusServiceUnavailable)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

func (eh errorHandler) Done() <-chan struct{} {
	return closedChannel
}

var closedChannel = func() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}()
