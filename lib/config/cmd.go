// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/hpcfleet/llm-fleet/lib/cmd"
	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
)

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

var CheckCommand checkCommand

type checkCommand struct{}

// RunCommand loads the config file and reports problems, including
// keys that are not recognized (typically typos). It returns 1 if
// there are any problems.
func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	var logbuf bytes.Buffer
	loader := NewLoader(stdin, ctxlog.New(&logbuf, "text", "info"))
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	}
	buf, err := loader.read()
	if err != nil {
		return 1
	}
	cfg, err := loader.LoadBytes(buf)
	if err != nil {
		return 1
	}
	var given, loaded map[string]interface{}
	if err = yaml.Unmarshal(buf, &given); err != nil {
		return 1
	}
	j, err := json.Marshal(cfg)
	if err != nil {
		return 1
	}
	if err = json.Unmarshal(j, &loaded); err != nil {
		return 1
	}
	extra := extraKeys("", given, loaded)
	for _, k := range extra {
		fmt.Fprintf(stdout, "unrecognized config key %q\n", k)
	}
	stderr.Write(logbuf.Bytes())
	if len(extra) > 0 || logbuf.Len() > 0 {
		return 1
	}
	return 0
}

// extraKeys returns the keys that appear in given but not in
// loaded, with their paths, e.g., "Rotation.PollIdel".
func extraKeys(prefix string, given, loaded map[string]interface{}) []string {
	var extra []string
	for k, v := range given {
		lv, ok := loaded[k]
		if !ok {
			extra = append(extra, prefix+k)
			continue
		}
		gm, ok1 := v.(map[string]interface{})
		lm, ok2 := lv.(map[string]interface{})
		if ok1 && ok2 {
			extra = append(extra, extraKeys(prefix+k+".", gm, lm)...)
		}
	}
	sort.Strings(extra)
	return extra
}

var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}
