// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// healthHandler responds to authenticated requests for
// /_health/{check} with {"health":"OK"} or, with status 503,
// {"health":"ERROR","error":"error text"}.
type healthHandler struct {
	// If empty, all requests get 404.
	token  string
	checks map[string]func() error
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.checks[httprouter.ParamsFromContext(r.Context()).ByName("check")]
	switch ah := r.Header.Get("Authorization"); {
	case h.token == "":
		http.Error(w, "disabled", http.StatusNotFound)
	case ah == "":
		http.Error(w, "authorization required", http.StatusUnauthorized)
	case ah != "Bearer "+h.token:
		http.Error(w, "authorization error", http.StatusForbidden)
	case !ok:
		http.Error(w, "no such health check", http.StatusNotFound)
	default:
		w.Header().Set("Content-Type", "application/json")
		if err := fn(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  err.Error(),
			})
			return
		}
		w.Write(healthyBody)
	}
}

// interceptHealthReqs answers GET /_health/ping using checkHealth,
// and passes all other requests to next.
func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/:check", &healthHandler{
		token:  mgtToken,
		checks: map[string]func() error{"ping": checkHealth},
	})
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	mux.NotFound = next
	return mux
}
