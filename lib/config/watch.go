// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"context"
	"io"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// Watch calls fn each time the config file at path changes to a valid
// config that differs from prevcfg. It returns when ctx is cancelled
// or the watcher fails.
func Watch(ctx context.Context, logger logrus.FieldLogger, path string, prevcfg *fleet.Config, fn func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(path)
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("fsnotify watcher reported error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// Editors often replace the file instead
				// of writing it in place; keep watching
				// the new one.
				watcher.Remove(path)
				if err := watcher.Add(path); err != nil {
					logger.WithError(err).Warn("config file disappeared; ignoring until it comes back")
				}
			}
			loader := NewLoader(&bytes.Buffer{}, &logrus.Logger{Out: io.Discard})
			loader.Path = path
			cfg, err := loader.Load()
			if err != nil {
				logger.WithError(err).Warn("error reloading config file after change detected; ignoring new config for now")
			} else if reflect.DeepEqual(cfg, prevcfg) {
				logger.Debug("config file changed but is still DeepEqual to the existing config")
			} else {
				logger.Info("config file changed")
				fn()
				prevcfg = cfg
			}
		}
	}
}
