// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const DefaultConfigFile = "/etc/llm-fleet/config.yml"

type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	// Token required for /metrics, /_health/*, and
	// /api/check-service. If empty, the management API is
	// disabled.
	ManagementToken string
	// Address of the management HTTP server, like
	// "localhost:9005". Empty means no HTTP server.
	Listen string

	Scheduler      SchedulerConfig
	Nodes          NodesConfig
	Rotation       RotationConfig
	HealthCheck    HealthCheckConfig
	LaunchDefaults LaunchParams
	Models         map[string]Model
}

type SchedulerConfig struct {
	// SLURM user that owns the model jobs.
	Owner string
	// Upper bound on the run time of a single scheduler command
	// (squeue, sbatch, ...).
	CommandTimeout Duration
	// Extra arguments passed to every sbatch invocation,
	// shell-quoted, e.g. "--account=llm --qos=normal".
	SbatchArguments string
}

type NodesConfig struct {
	// Compute nodes the rotator may use, in preference order.
	Pool []string
	// Explicit bind address for each node. Nodes not listed
	// here get AddressPrefix + (AddressOffset + N), where N is
	// the trailing number in the node name.
	Addresses     map[string]string
	AddressPrefix string
	AddressOffset int
}

type RotationConfig struct {
	// Model names in priority order.
	Order         []string
	Interval      Duration
	MaxConcurrent int
	// A model that has been running this long yields its node
	// to a pending job that asks for the node.
	YieldAfter Duration

	// Poll intervals when 0, 1, and MaxConcurrent models are
	// available.
	PollIdle    Duration
	PollPartial Duration
	PollFull    Duration
	// Wait time after a failed cycle.
	ErrorBackoff Duration

	JobStartCacheSize int
}

type HealthCheckConfig struct {
	Path          string
	HealthyStatus string
	Timeout       Duration
	Retries       int
}

// LaunchParams are the values embedded in a model's batch script.
// Zero-valued fields in a model's Launch section are filled in from
// LaunchDefaults.
type LaunchParams struct {
	Partition string
	TimeLimit string
	Nodes     int
	Tasks     int
	Memory    ByteSize
	GPUs      int
	LogDir    string

	// Shell command run before the server starts, e.g.
	// "source /opt/venv/bin/activate".
	Activate        string
	ServerCommand   string
	GPULayers       int
	Port            int
	Threads         int
	Parallel        int
	ContextLength   int
	ExtraServerArgs string
}

type Model struct {
	Name string `json:"-"`
	// Job name used for the model's batch jobs. Defaults to the
	// part of the model name before the first "-".
	ShortName    string
	Enabled      *bool
	ArtifactPath string
	Launch       LaunchParams
}

// IsEnabled returns true unless the model is explicitly disabled.
func (m Model) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// DefaultShortName returns the job name prefix conventionally used
// for the named model: "DS-R1" => "DS".
func DefaultShortName(name string) string {
	return strings.SplitN(name, "-", 2)[0]
}

// RotationModels returns the enabled models in rotation order.
func (cfg *Config) RotationModels() []Model {
	var models []Model
	for _, name := range cfg.Rotation.Order {
		m, ok := cfg.Models[name]
		if !ok || !m.IsEnabled() {
			continue
		}
		m.Name = name
		models = append(models, m)
	}
	return models
}

var trailingNumber = regexp.MustCompile(`[0-9]+$`)

// NodeAddress returns the address a model server on the given node
// should bind to and be reached at.
func (nc *NodesConfig) NodeAddress(node string) (string, error) {
	if addr, ok := nc.Addresses[node]; ok {
		return addr, nil
	}
	num := trailingNumber.FindString(node)
	if num == "" || nc.AddressPrefix == "" {
		return "", fmt.Errorf("cannot derive address for node %q: no entry in Nodes.Addresses", node)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return "", fmt.Errorf("cannot derive address for node %q: %w", node, err)
	}
	return nc.AddressPrefix + strconv.Itoa(nc.AddressOffset+n), nil
}
