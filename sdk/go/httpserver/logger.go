// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var (
	requestTimeContextKey = contextKey{"requestTime"}
	loggerContextKey      = contextKey{"logger"}
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger. Health checks and metrics scrapes are logged
// at debug level, everything else at info level.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseTimer{ResponseWriter: WrapResponseWriter(wrapped)}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
		})
		ctx := req.Context()
		ctx = context.WithValue(ctx, &requestTimeContextKey, time.Now())
		ctx = context.WithValue(ctx, &loggerContextKey, lgr)
		req = req.WithContext(ctx)

		logf := lgr.Info
		if quiet(req.URL.Path) {
			logf = lgr.Debug
		}
		logf("request")
		defer logResponse(w, req, lgr)
		h.ServeHTTP(w, req)
	})
}

func quiet(path string) bool {
	return strings.HasPrefix(path, "/_health/") || strings.HasPrefix(path, "/metrics")
}

// Logger returns the request-scoped logger installed by LogRequests,
// or the standard logger if there isn't one.
func Logger(req *http.Request) logrus.FieldLogger {
	if lgr, ok := req.Context().Value(&loggerContextKey).(logrus.FieldLogger); ok {
		return lgr
	}
	return logrus.StandardLogger()
}

func logResponse(w *responseTimer, req *http.Request, lgr logrus.FieldLogger) {
	if tStart, ok := req.Context().Value(&requestTimeContextKey).(time.Time); ok {
		tDone := time.Now()
		writeTime := w.writeTime
		if !w.wrote {
			writeTime = tDone
		}
		lgr = lgr.WithFields(logrus.Fields{
			"timeTotal":     seconds(tDone.Sub(tStart)),
			"timeToStatus":  seconds(writeTime.Sub(tStart)),
			"timeWriteBody": seconds(tDone.Sub(writeTime)),
		})
	}
	respCode := w.WroteStatus()
	if respCode == 0 {
		respCode = http.StatusOK
	}
	lgr = lgr.WithFields(logrus.Fields{
		"respStatusCode": respCode,
		"respStatus":     http.StatusText(respCode),
		"respBytes":      w.WroteBodyBytes(),
	})
	if respCode >= 500 {
		lgr.Warn("response")
	} else if quiet(req.URL.Path) && respCode < 400 {
		lgr.Debug("response")
	} else {
		lgr.Info("response")
	}
}

// seconds rounds d to microseconds and returns it as a number of
// seconds.
func seconds(d time.Duration) float64 {
	return d.Round(time.Microsecond).Seconds()
}

type responseTimer struct {
	ResponseWriter
	wrote     bool
	writeTime time.Time
}

func (rt *responseTimer) WriteHeader(code int) {
	if !rt.wrote {
		rt.wrote = true
		rt.writeTime = time.Now()
	}
	rt.ResponseWriter.WriteHeader(code)
}

func (rt *responseTimer) Write(p []byte) (int, error) {
	if !rt.wrote {
		rt.wrote = true
		rt.writeTime = time.Now()
	}
	return rt.ResponseWriter.Write(p)
}
