// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&WatchSuite{})

type WatchSuite struct{}

func (s *WatchSuite) TestWatch(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte(testConfigYAML), 0644), check.IsNil)
	ldr := NewLoader(nil, ctxlog.TestLogger(c))
	ldr.Path = path
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, ctxlog.TestLogger(c), path, cfg, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		err := os.WriteFile(path, []byte(testConfigYAML+fmt.Sprintf("ManagementToken: tok%d\n", i)), 0644)
		c.Assert(err, check.IsNil)
		select {
		case <-changed:
			cancel()
			<-done
			return
		case <-deadline:
			c.Fatal("timed out waiting for change notification")
		case <-time.After(100 * time.Millisecond):
		}
	}
}
