// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rotator

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/google/shlex"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
)

var scriptTemplate = template.Must(template.New("launch").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
# {{.Model}} on {{.Node}}
mkdir -p {{quote .LogDir}}
{{if .Activate}}{{.Activate}}
{{end}}exec {{quote .ServerCommand}} \
    -m {{quote .ArtifactPath}} \
    -ngl {{.GPULayers}} \
{{- range .ExtraArgs}}
    {{quote .}} \
{{- end}}
    --host {{.Address}} \
    --port {{.Port}} \
    -np {{.Parallel}} \
    -t {{.Threads}} \
    -c {{.ContextLength}}
`))

type scriptParams struct {
	fleet.LaunchParams
	Model        string
	Node         string
	Address      string
	ArtifactPath string
	ExtraArgs    []string
}

// launchScript returns the batch script that runs the given model's
// server on the given node, listening on addr.
func launchScript(model fleet.Model, node, addr string) ([]byte, error) {
	extra, err := shlex.Split(model.Launch.ExtraServerArgs)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ExtraServerArgs for %s: %w", model.Name, err)
	}
	var buf bytes.Buffer
	err = scriptTemplate.Execute(&buf, scriptParams{
		LaunchParams: model.Launch,
		Model:        model.Name,
		Node:         node,
		Address:      addr,
		ArtifactPath: model.ArtifactPath,
		ExtraArgs:    extra,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sbatchArgs returns the sbatch options for launching the given
// model on the given node.
func sbatchArgs(model fleet.Model, node string) []string {
	lp := model.Launch
	args := []string{"--job-name=" + model.ShortName}
	if lp.Partition != "" {
		args = append(args, "--partition="+lp.Partition)
	}
	if lp.TimeLimit != "" {
		args = append(args, "--time="+lp.TimeLimit)
	}
	if lp.Nodes > 0 {
		args = append(args, fmt.Sprintf("--nodes=%d", lp.Nodes))
	}
	if lp.Tasks > 0 {
		args = append(args, fmt.Sprintf("--ntasks=%d", lp.Tasks))
	}
	if lp.Memory > 0 {
		args = append(args, fmt.Sprintf("--mem=%d", lp.Memory.Mebibytes()))
	}
	args = append(args, "--nodelist="+node)
	if lp.GPUs > 0 {
		args = append(args, fmt.Sprintf("--gres=gpu:%d", lp.GPUs))
	}
	if lp.LogDir != "" {
		prefix := path.Join(lp.LogDir, model.ShortName)
		args = append(args, "--output="+prefix+"_%j.out", "--error="+prefix+"_%j.err")
	}
	return args
}

func shellQuote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
