// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/google/shlex"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

type Loader struct {
	// Config file path. "-" means read from stdin.
	Path string

	stdin  io.Reader
	logger logrus.FieldLogger
}

// NewLoader returns a new Loader with Path set to the default config
// file location.
//
// stdin is used only if Path is "-".
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Path:   fleet.DefaultConfigFile,
		stdin:  stdin,
		logger: logger,
	}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/llm-fleet/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", fleet.DefaultConfigFile, "Config `file` (\"-\" for stdin)")
}

func (ldr *Loader) read() ([]byte, error) {
	if ldr.Path == "-" {
		return io.ReadAll(ldr.stdin)
	}
	buf, err := os.ReadFile(ldr.Path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return buf, nil
}

// Load reads, decodes, and checks the config file.
func (ldr *Loader) Load() (*fleet.Config, error) {
	buf, err := ldr.read()
	if err != nil {
		return nil, err
	}
	cfg, err := ldr.LoadBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ldr.Path, err)
	}
	return cfg, nil
}

// LoadBytes decodes the given YAML on top of the built-in defaults,
// fills in per-model defaults, and checks the result.
func (ldr *Loader) LoadBytes(buf []byte) (*fleet.Config, error) {
	var cfg fleet.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	for name, m := range cfg.Models {
		m.Name = name
		if m.ShortName == "" {
			m.ShortName = fleet.DefaultShortName(name)
		}
		err = mergo.Merge(&m.Launch, cfg.LaunchDefaults)
		if err != nil {
			return nil, fmt.Errorf("applying launch defaults to %s: %w", name, err)
		}
		cfg.Models[name] = m
	}
	err = checkConfig(&cfg)
	if err != nil {
		return nil, err
	}
	ldr.logWarnings(&cfg)
	return &cfg, nil
}

func checkConfig(cfg *fleet.Config) error {
	if len(cfg.Nodes.Pool) == 0 {
		return errors.New("Nodes.Pool is empty")
	}
	seen := map[string]bool{}
	for _, node := range cfg.Nodes.Pool {
		if seen[node] {
			return fmt.Errorf("node %q appears more than once in Nodes.Pool", node)
		}
		seen[node] = true
		if _, err := cfg.Nodes.NodeAddress(node); err != nil {
			return err
		}
	}
	if cfg.Rotation.MaxConcurrent < 1 {
		return fmt.Errorf("Rotation.MaxConcurrent must be at least 1 (got %d)", cfg.Rotation.MaxConcurrent)
	}
	if cfg.Scheduler.Owner == "" {
		return errors.New("Scheduler.Owner is empty")
	}
	if _, err := shlex.Split(cfg.Scheduler.SbatchArguments); err != nil {
		return fmt.Errorf("cannot parse Scheduler.SbatchArguments: %w", err)
	}
	seen = map[string]bool{}
	for _, name := range cfg.Rotation.Order {
		if _, ok := cfg.Models[name]; !ok {
			return fmt.Errorf("Rotation.Order refers to undefined model %q", name)
		}
		if seen[name] {
			return fmt.Errorf("model %q appears more than once in Rotation.Order", name)
		}
		seen[name] = true
	}
	models := cfg.RotationModels()
	if len(models) == 0 {
		return errors.New("no enabled models in Rotation.Order")
	}
	for i, m := range models {
		if m.ArtifactPath == "" {
			return fmt.Errorf("model %q has no ArtifactPath", m.Name)
		}
		if m.Launch.Port < 1 || m.Launch.Port > 65535 {
			return fmt.Errorf("model %q has invalid port %d", m.Name, m.Launch.Port)
		}
		if _, err := shlex.Split(m.Launch.ExtraServerArgs); err != nil {
			return fmt.Errorf("cannot parse ExtraServerArgs for model %q: %w", m.Name, err)
		}
		if strings.ContainsAny(m.ShortName, " \t\n,") {
			return fmt.Errorf("model %q has invalid ShortName %q", m.Name, m.ShortName)
		}
		// Jobs are matched to models by name prefix, so
		// one model's job name can't be a prefix of
		// another's.
		for _, other := range models[i+1:] {
			if strings.HasPrefix(m.ShortName, other.ShortName) || strings.HasPrefix(other.ShortName, m.ShortName) {
				return fmt.Errorf("models %q and %q have conflicting ShortNames %q and %q", m.Name, other.Name, m.ShortName, other.ShortName)
			}
		}
	}
	return nil
}

func (ldr *Loader) logWarnings(cfg *fleet.Config) {
	if ldr.logger == nil {
		return
	}
	var unused []string
	inOrder := map[string]bool{}
	for _, name := range cfg.Rotation.Order {
		inOrder[name] = true
	}
	for name := range cfg.Models {
		if !inOrder[name] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	for _, name := range unused {
		ldr.logger.Warnf("model %q is not listed in Rotation.Order and will never be started", name)
	}
	if len(cfg.RotationModels()) > len(cfg.Nodes.Pool) {
		ldr.logger.Debugf("%d enabled models share %d nodes", len(cfg.RotationModels()), len(cfg.Nodes.Pool))
	}
	if cfg.Rotation.MaxConcurrent > len(cfg.Nodes.Pool) {
		ldr.logger.Warnf("Rotation.MaxConcurrent (%d) is more than the number of nodes (%d)", cfg.Rotation.MaxConcurrent, len(cfg.Nodes.Pool))
	}
}
