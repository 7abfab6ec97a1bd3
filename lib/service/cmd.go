// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/hpcfleet/llm-fleet/lib/cmd"
	"github.com/hpcfleet/llm-fleet/lib/config"
	"github.com/hpcfleet/llm-fleet/sdk/go/ctxlog"
	"github.com/hpcfleet/llm-fleet/sdk/go/fleet"
	"github.com/hpcfleet/llm-fleet/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// OneShot is implemented by handlers that can do a single unit of
// work and exit (the -once flag). A OneShot handler does not start
// its background work until Start is called.
type OneShot interface {
	RunOnce(context.Context) error
	Start()
}

type NewHandlerFunc func(_ context.Context, _ *fleet.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, calls
// newHandler with the resulting config, and (if Listen is configured)
// brings up an http server with the returned handler.
//
// The service stops when it receives SIGTERM or SIGINT, when the
// handler's Done channel closes, or when the config file changes.
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	onceFlag := flags.Bool("once", false, "Do one unit of work and exit instead of running as a service")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx, cancel := signal.NotifyContext(c.ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	reg := prometheus.NewRegistry()
	// llmfleet_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmfleet",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	if *onceFlag {
		oh, ok := handler.(OneShot)
		if !ok {
			err = fmt.Errorf("%s does not support -once", c.svcName)
			return 2
		}
		err = oh.RunOnce(ctx)
		if err != nil {
			return 1
		}
		return 0
	} else if oh, ok := handler.(OneShot); ok {
		oh.Start()
	}

	if loader.Path != "-" {
		go config.Watch(ctx, logger, loader.Path, cfg, func() {
			logger.Info("config file changed, shutting down so the new config can take effect")
			cancel()
		})
	}

	var srv *http.Server
	if cfg.Listen != "" {
		var ln net.Listener
		ln, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return 1
		}
		h := httpserver.AddRequestIDs(
			httpserver.LogRequests(logger,
				httpserver.Instrument(reg, handler)))
		srv = &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("http server failed")
				cancel()
			}
		}()
		logger.WithFields(logrus.Fields{
			"Listen":  ln.Addr().String(),
			"Version": cmd.Version.String(),
		}).Info("listening")
	} else {
		logger.WithField("Version", cmd.Version.String()).Info("started (management API disabled, Listen is empty)")
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-handler.Done():
		// Don't set err here: the handler has already
		// logged its reason for stopping.
		if ctx.Err() == nil {
			exitCode = 1
		}
	}
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}
	return exitCode
}
