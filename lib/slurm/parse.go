// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// squeue output formats. Fields are separated by "|" so job names
// with spaces don't shift the columns.
const (
	squeueRunningFormat = "%i|%j|%u|%t|%N"
	squeuePendingFormat = "%i|%j|%u|%t|%n"
	sacctFormat         = "JobID,Start,State"
	sacctTimeLayout     = "2006-01-02T15:04:05"
)

var jobIDPattern = regexp.MustCompile(`^[0-9]+([_+][0-9A-Za-z\[\]\-,.]+)?$`)

func jobState(st string) JobState {
	switch st {
	case "R":
		return JobRunning
	case "PD", "CF":
		return JobPending
	default:
		return JobUnknown
	}
}

// parseSqueue parses squeue output produced with one of the squeue
// formats above and no header. Rows that don't have the expected
// shape are logged and skipped.
func parseSqueue(out []byte, logger logrus.FieldLogger) []Job {
	var jobs []Job
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 5 {
			logger.WithField("Line", line).Warn("skipping squeue row with wrong number of fields")
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if !jobIDPattern.MatchString(fields[0]) || fields[1] == "" || fields[3] == "" {
			logger.WithField("Line", line).Warn("skipping malformed squeue row")
			continue
		}
		node := fields[4]
		if node == "(null)" || strings.HasPrefix(node, "(") {
			node = ""
		}
		jobs = append(jobs, Job{
			ID:    fields[0],
			Name:  fields[1],
			User:  fields[2],
			State: jobState(fields[3]),
			Node:  node,
		})
	}
	return jobs
}

// parseNodeInfo parses "scontrol show node -o NAME" output, which is
// a single line of Key=Value pairs. Values may contain spaces (e.g.,
// "OS=Linux 5.4.0-42-generic #46"), so a token without "=" is
// appended to the previous value.
func parseNodeInfo(out []byte) (NodeInfo, error) {
	kv := map[string]string{}
	var lastKey string
	for _, tok := range strings.Fields(string(out)) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" {
			if lastKey != "" {
				kv[lastKey] += " " + tok
			}
			continue
		}
		kv[k] = v
		lastKey = k
	}
	ni := NodeInfo{Name: kv["NodeName"]}
	state, ok := kv["State"]
	if !ok || state == "" {
		return ni, fmt.Errorf("no State field in scontrol output %q", out)
	}
	parts := strings.Split(state, "+")
	ni.State = strings.TrimRight(parts[0], "*~#!%$@^-")
	ni.Flags = parts[1:]
	if strings.HasSuffix(parts[0], "*") {
		ni.Flags = append(ni.Flags, "NOT_RESPONDING")
	}
	cpu, ok := kv["CPUAlloc"]
	if !ok {
		return ni, fmt.Errorf("no CPUAlloc field in scontrol output %q", out)
	}
	n, err := strconv.Atoi(cpu)
	if err != nil {
		return ni, fmt.Errorf("invalid CPUAlloc %q: %w", cpu, err)
	}
	ni.CPUAlloc = n
	mem, ok := kv["AllocMem"]
	if !ok {
		return ni, fmt.Errorf("no AllocMem field in scontrol output %q", out)
	}
	m, err := strconv.ParseInt(mem, 10, 64)
	if err != nil {
		return ni, fmt.Errorf("invalid AllocMem %q: %w", mem, err)
	}
	ni.AllocMem = m
	return ni, nil
}

// parseSacct parses "sacct -n -P --format=JobID,Start,State" output.
// Records without a usable start time (e.g., "Unknown" for jobs that
// haven't started) are skipped.
func parseSacct(out []byte, logger logrus.FieldLogger) []HistoryRecord {
	var recs []HistoryRecord
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			logger.WithField("Line", line).Warn("skipping sacct row with wrong number of fields")
			continue
		}
		start, err := time.ParseInLocation(sacctTimeLayout, strings.TrimSpace(fields[1]), time.Local)
		if err != nil {
			logger.WithField("Line", line).Debug("skipping sacct row without start time")
			continue
		}
		// State can be "CANCELLED by 1234"
		state := strings.Fields(fields[2])
		if len(state) == 0 {
			logger.WithField("Line", line).Warn("skipping sacct row without state")
			continue
		}
		recs = append(recs, HistoryRecord{
			JobID: strings.TrimSpace(fields[0]),
			Start: start,
			State: state[0],
		})
	}
	return recs
}

// parseSbatch returns the job ID from sbatch output. With --parsable
// the output is "12345" or "12345;clustername"; without it, it's
// "Submitted batch job 12345".
func parseSbatch(out []byte) (string, error) {
	line := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(line, '\n'); i >= 0 {
		line = line[i+1:]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ErrNoJobID
	}
	id, _, _ := strings.Cut(fields[len(fields)-1], ";")
	if !jobIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrNoJobID, out)
	}
	return id, nil
}
