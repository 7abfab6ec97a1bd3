// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves the management health-check API.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes maps check names to health-check functions.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// A request for {Prefix}all runs every check and reports each result
// under "checks".
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	router    *httprouter.Router

	// Management token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Health checks, keyed by name. If "ping" is not listed
	// here, it will be added automatically and will always
	// return a "healthy" response.
	Routes Routes

	// If non-nil, Log is called after handling each
	// authenticated request. The error argument is nil if the
	// request was served, even if the health check itself failed.
	Log func(*http.Request, error)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	h.router = httprouter.New()
	h.router.RedirectTrailingSlash = false
	h.router.Handler(http.MethodGet, prefix+":check", RequireToken(h.Token, http.HandlerFunc(h.serveCheck)))
}

var errNotFound = errors.New(http.StatusText(http.StatusNotFound))

type result struct {
	Health string            `json:"health"`
	Error  string            `json:"error,omitempty"`
	Checks map[string]result `json:"checks,omitempty"`
}

func run(fn Func) result {
	if err := fn(); err != nil {
		return result{Health: "ERROR", Error: err.Error()}
	}
	return result{Health: "OK"}
}

func (h *Handler) lookup(name string) (Func, bool) {
	if fn, ok := h.Routes[name]; ok {
		return fn, true
	}
	if name == "ping" {
		return func() error { return nil }, true
	}
	return nil, false
}

func (h *Handler) serveCheck(w http.ResponseWriter, r *http.Request) {
	var err error
	defer func() {
		if h.Log != nil {
			h.Log(r, err)
		}
	}()
	name := httprouter.ParamsFromContext(r.Context()).ByName("check")
	var res result
	if name == "all" {
		var names []string
		for name := range h.Routes {
			names = append(names, name)
		}
		sort.Strings(names)
		res = result{Health: "OK", Checks: map[string]result{}}
		for _, name := range names {
			res.Checks[name] = run(h.Routes[name])
			if res.Checks[name].Health != "OK" {
				res.Health = "ERROR"
			}
		}
	} else if fn, ok := h.lookup(name); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		err = errNotFound
		return
	} else {
		res = run(fn)
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(res)
}

// RequireToken returns a handler that passes requests with the header
// "Authorization: Bearer {token}" to next, and responds 401 or 403 to
// all others. If token is empty, it responds 404 to all requests.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
		} else if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
		} else if ah != "Bearer "+token {
			http.Error(w, "authorization error", http.StatusForbidden)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}
