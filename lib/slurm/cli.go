// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CLI is a Gateway that runs the SLURM command line tools.
type CLI struct {
	logger  logrus.FieldLogger
	timeout time.Duration
	// Arguments added to every sbatch command line.
	sbatchArgs []string

	// Only one command runs at a time, so the management API
	// can't add bursts of load on top of the rotator's polling.
	runSemaphore chan bool

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running slurm command line
	// programs.
	stubCommand func(string, ...string) *exec.Cmd
}

// NewCLI returns a CLI that gives each command up to timeout to
// finish (zero means no limit).
func NewCLI(logger logrus.FieldLogger, timeout time.Duration, sbatchArgs []string) *CLI {
	return &CLI{
		logger:       logger,
		timeout:      timeout,
		sbatchArgs:   sbatchArgs,
		runSemaphore: make(chan bool, 1),
	}
}

func (cli *CLI) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := cli.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

func (cli *CLI) run(ctx context.Context, stdin []byte, prog string, args ...string) ([]byte, error) {
	cli.runSemaphore <- true
	defer func() { <-cli.runSemaphore }()
	if cli.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cli.timeout)
		defer cancel()
	}
	cmd := cli.command(ctx, prog, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	t0 := time.Now()
	out, err := cmd.Output()
	cli.logger.WithFields(logrus.Fields{
		"Command":  prog,
		"Args":     args,
		"Duration": time.Since(t0).Seconds(),
	}).Debug("command finished")
	if err != nil {
		return out, fmt.Errorf("%s %q: %w", prog, args, errWithStderr(err))
	}
	return out, nil
}

func (cli *CLI) Submit(ctx context.Context, script []byte, args []string) (string, error) {
	sbArgs := append([]string{"--parsable"}, cli.sbatchArgs...)
	sbArgs = append(sbArgs, args...)
	cli.logger.Infof("sbatch %q", sbArgs)
	out, err := cli.run(ctx, script, "sbatch", sbArgs...)
	if err != nil {
		return "", err
	}
	return parseSbatch(out)
}

func (cli *CLI) ListRunning(ctx context.Context, owner string) ([]Job, error) {
	out, err := cli.run(ctx, nil, "squeue", "--noheader", "--user="+owner, "--format="+squeueRunningFormat)
	if err != nil {
		return nil, err
	}
	return parseSqueue(out, cli.logger), nil
}

func (cli *CLI) ListPending(ctx context.Context) ([]Job, error) {
	out, err := cli.run(ctx, nil, "squeue", "--noheader", "--states=PD", "--format="+squeuePendingFormat)
	if err != nil {
		return nil, err
	}
	return parseSqueue(out, cli.logger), nil
}

func (cli *CLI) Cancel(ctx context.Context, jobID string) error {
	cli.logger.Infof("scancel %s", jobID)
	_, err := cli.run(ctx, nil, "scancel", jobID)
	if err != nil && (strings.Contains(err.Error(), "already completing or completed") ||
		strings.Contains(err.Error(), "Invalid job id specified")) {
		return nil
	}
	return err
}

func (cli *CLI) NodeState(ctx context.Context, node string) (NodeInfo, error) {
	out, err := cli.run(ctx, nil, "scontrol", "--oneliner", "show", "node", node)
	if err != nil {
		return NodeInfo{Name: node}, err
	}
	return parseNodeInfo(out)
}

func (cli *CLI) JobHistory(ctx context.Context, jobID string) ([]HistoryRecord, error) {
	out, err := cli.run(ctx, nil, "sacct", "--jobs="+jobID, "--noheader", "--parsable2", "--format="+sacctFormat)
	if err != nil {
		return nil, err
	}
	return parseSacct(out, cli.logger), nil
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, bytes.TrimSpace(err.Stderr))
	}
	return err
}
