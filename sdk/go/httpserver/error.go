// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Errors    []string `json:"errors"`
	RequestID string   `json:"request_id,omitempty"`
}

// Error sends a JSON error response like {"errors":["msg"]}. If
// AddRequestIDs has already set an X-Request-Id response header, the
// ID is included so a client can find the matching log entry.
func Error(w http.ResponseWriter, msg string, code int) {
	resp := errorResponse{
		Errors:    []string{msg},
		RequestID: w.Header().Get("X-Request-Id"),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
