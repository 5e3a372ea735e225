// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument returns a new http.Handler that passes requests through
// to next, and tracks request counts and durations in registry.
//
// If registry is nil, a new registry is created.
func Instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resourcebroker",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of API requests.",
		Buckets:   []float64{.005, .025, .1, .5, 1, 5, 30},
	}, []string{"code", "method"})
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resourcebroker",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of API requests being handled.",
	})
	registry.MustRegister(reqDuration, inflight)
	return promhttp.InstrumentHandlerInFlight(inflight,
		promhttp.InstrumentHandlerDuration(reqDuration, next))
}
