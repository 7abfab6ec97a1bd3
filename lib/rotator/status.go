// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/hpcfleet/llm-fleet/lib/cmd"
	"github.com/hpcfleet/llm-fleet/lib/config"
	"github.com/hpcfleet/llm-fleet/lib/slurm"
	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
)

// ServiceStatus is the response to a check-service request: the
// model servers that are currently running, and where to reach them.
type ServiceStatus struct {
	Running  bool      `json:"running"`
	Count    int       `json:"count"`
	Services []Service `json:"services"`
}

type Service struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
	Node    string `json:"node"`
	API     string `json:"api"`
}

// CheckService lists the owner's running jobs and returns the API
// endpoint of each one.
func CheckService(ctx context.Context, gw slurm.Gateway, cfg *fleet.Config) (ServiceStatus, error) {
	jobs, err := gw.ListRunning(ctx, cfg.Scheduler.Owner)
	if err != nil {
		return ServiceStatus{}, err
	}
	st := ServiceStatus{Services: []Service{}}
	for _, j := range jobs {
		if j.State != slurm.JobRunning {
			continue
		}
		svc := Service{JobID: j.ID, JobName: j.Name, Node: j.Node}
		port := cfg.LaunchDefaults.Port
		for _, m := range cfg.RotationModels() {
			if strings.HasPrefix(j.Name, m.ShortName) {
				port = m.Launch.Port
				break
			}
		}
		if addr, err := cfg.Nodes.NodeAddress(j.Node); err == nil {
			svc.API = "http://" + net.JoinHostPort(addr, strconv.Itoa(port))
		}
		st.Services = append(st.Services, svc)
	}
	sort.Slice(st.Services, func(i, j int) bool {
		return st.Services[i].JobName < st.Services[j].JobName
	})
	st.Count = len(st.Services)
	st.Running = st.Count > 0
	return st, nil
}

// CheckServiceCommand prints the current ServiceStatus as JSON.
var CheckServiceCommand cmd.Handler = cmd.HandlerFunc(checkService)

func checkService(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	sbatchArgs, err := shlex.Split(cfg.Scheduler.SbatchArguments)
	if err != nil {
		return 1
	}
	gw := slurm.NewCLI(logger, cfg.Scheduler.CommandTimeout.Duration(), sbatchArgs)
	return writeStatus(context.Background(), gw, cfg, stdout, stderr)
}

func writeStatus(ctx context.Context, gw slurm.Gateway, cfg *fleet.Config, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	st, err := CheckService(ctx, gw, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error checking service: %s\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}
