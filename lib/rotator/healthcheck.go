// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

type healthChecker interface {
	Check(ctx context.Context, node string, model fleet.Model) bool
}

// HealthProber asks a model server whether it is ready to serve.
type HealthProber struct {
	client        *retryablehttp.Client
	nodes         *fleet.NodesConfig
	path          string
	healthyStatus string
	logger        logrus.FieldLogger
}

// NewHealthProber returns a HealthProber that uses the given health
// check settings and derives server addresses from nodes.
func NewHealthProber(hc fleet.HealthCheckConfig, nodes *fleet.NodesConfig, logger logrus.FieldLogger) *HealthProber {
	client := retryablehttp.NewClient()
	client.RetryMax = hc.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = hc.Timeout.Duration()
	client.Logger = leveledLogger{logger}
	return &HealthProber{
		client:        client,
		nodes:         nodes,
		path:          hc.Path,
		healthyStatus: hc.HealthyStatus,
		logger:        logger,
	}
}

// URL returns the health check URL for a model running on the given
// node.
func (hp *HealthProber) URL(node string, model fleet.Model) (string, error) {
	addr, err := hp.nodes.NodeAddress(node)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(addr, strconv.Itoa(model.Launch.Port)), hp.path), nil
}

// Check returns true if the model server on the given node responds
// with a JSON object whose "status" field is the healthy status.
// Any error results in false.
func (hp *HealthProber) Check(ctx context.Context, node string, model fleet.Model) bool {
	logger := hp.logger.WithFields(logrus.Fields{"Model": model.Name, "Node": node})
	url, err := hp.URL(node, model)
	if err != nil {
		logger.WithError(err).Warn("cannot check health")
		return false
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.WithError(err).Warn("cannot check health")
		return false
	}
	resp, err := hp.client.Do(req)
	if err != nil {
		logger.WithError(err).Info("health check failed")
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		logger.WithError(err).Info("health check failed")
		return false
	}
	if err := json.Unmarshal(buf, &body); err != nil {
		logger.WithError(err).WithField("StatusCode", resp.StatusCode).Info("health check response is not a JSON object")
		return false
	}
	healthy := body.Status == hp.healthyStatus
	logger.WithFields(logrus.Fields{
		"StatusCode": resp.StatusCode,
		"Status":     body.Status,
		"Healthy":    healthy,
	}).Debug("health check")
	return healthy
}

// leveledLogger adapts a logrus logger to retryablehttp.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) with(keysAndValues []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
