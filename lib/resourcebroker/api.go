// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resourcebroker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"git.arvados.org/resourcebroker.git/lib/pool"
	"git.arvados.org/resourcebroker.git/sdk/go/auth"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/httpserver"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TriggerAPI is recorded as the trigger of requests that do not
// name one.
const TriggerAPI = "api"

const maxRequestBytes = 1 << 22

func (h *Handler) router() http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{
		ErrorLog: h.logger,
	}))
	mux.HandlerFunc("GET", "/pools", h.apiGetPools)
	mux.HandlerFunc("PUT", "/pools", h.apiPutPools)
	mux.HandlerFunc("GET", "/resources/:id/status", h.apiStatus)
	mux.HandlerFunc("POST", "/resources/:id/heartbeat", h.apiHeartbeat)
	mux.HandlerFunc("POST", "/environments/:env/allocate", h.apiAllocate)
	mux.HandlerFunc("POST", "/environments/:env/delete", h.apiDelete)
	mux.HandlerFunc("POST", "/environments/:env/suspend", h.apiSuspend)
	mux.HandlerFunc("POST", "/environments/:env/start", h.apiStart)
	return auth.RequireLiteralToken(h.Cluster.ManagementToken, mux)
}

// statusError attaches the response status that matches err's kind.
func statusError(err error) error {
	var hse httpserver.HTTPStatusError
	switch {
	case errors.As(err, &hse):
		return err
	case resource.IsNotFound(err):
		return httpserver.ErrorWithStatus(err, http.StatusNotFound)
	case resource.IsOutOfCapacity(err):
		return httpserver.ErrorWithStatus(err, http.StatusServiceUnavailable)
	case resource.IsUnsupported(err):
		return httpserver.ErrorWithStatus(err, http.StatusBadRequest)
	case resource.IsInvalidState(err):
		return httpserver.ErrorWithStatus(err, http.StatusConflict)
	default:
		return err
	}
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	err = statusError(err)
	var hse httpserver.HTTPStatusError
	if !errors.As(err, &hse) || hse.HTTPStatus() >= 500 {
		ctxlog.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	httpserver.ErrorFor(w, err)
}

func (h *Handler) send(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// decode reads a JSON request body into dst. An empty body leaves
// dst unchanged.
func decode(r *http.Request, dst interface{}) error {
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if err := json.Unmarshal(buf, dst); err != nil {
		return httpserver.Errorf(http.StatusBadRequest, "invalid request body: %s", err)
	}
	return nil
}

type poolsResponse struct {
	Initialized bool                      `json:"initialized"`
	Items       []resource.PoolDefinition `json:"items"`
}

// Management API: current pool definitions.
func (h *Handler) apiGetPools(w http.ResponseWriter, r *http.Request) {
	defs, err := h.definitions.RetrieveDefinitions()
	if errors.Is(err, pool.ErrNotInitialized) {
		h.send(w, poolsResponse{Items: []resource.PoolDefinition{}})
		return
	} else if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.send(w, poolsResponse{Initialized: true, Items: defs})
}

// Management API: replace all pool definitions (pushed by the
// scaling engine).
func (h *Handler) apiPutPools(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []resource.PoolDefinition `json:"items"`
	}
	if err := decode(r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}
	if err := h.definitions.PushScaleLevels(req.Items); err != nil {
		h.sendError(w, r, httpserver.ErrorWithStatus(err, http.StatusBadRequest))
		return
	}
	ctxlog.FromContext(r.Context()).WithField("Pools", len(req.Items)).Info("pool definitions updated")
	h.apiGetPools(w, r)
}

func (h *Handler) apiStatus(w http.ResponseWriter, r *http.Request) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	status, err := h.broker.Status(r.Context(), id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.send(w, status)
}

// Management API: keep-alive from the environment using a resource.
// A body carrying a heartbeat report is also merged into the
// resource's heartbeat summary.
func (h *Handler) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	var hb resource.HeartBeat
	if err := decode(r, &hb); err != nil {
		h.sendError(w, r, err)
		return
	}
	var exists bool
	var err error
	if hb.TimeStamp.IsZero() && hb.AgentVersion == "" && len(hb.CollectedDataList) == 0 {
		exists, err = h.broker.ProcessHeartbeat(r.Context(), id, TriggerAPI)
	} else {
		hb.ResourceID = id
		exists, err = h.broker.ReceiveHeartbeat(r.Context(), hb, TriggerAPI)
	}
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.send(w, map[string]bool{"exists": exists})
}

type envRequest[T any] struct {
	Trigger string               `json:"trigger"`
	Action  resource.StartAction `json:"action,omitempty"`
	Items   []T                  `json:"items"`
}

func readEnvRequest[T any](r *http.Request) (envID string, req envRequest[T], err error) {
	envID = httprouter.ParamsFromContext(r.Context()).ByName("env")
	if err = decode(r, &req); err != nil {
		return
	}
	if len(req.Items) == 0 {
		err = httpserver.Errorf(http.StatusBadRequest, "no items in request")
		return
	}
	if req.Trigger == "" {
		req.Trigger = TriggerAPI
	}
	return
}

func (h *Handler) apiAllocate(w http.ResponseWriter, r *http.Request) {
	envID, req, err := readEnvRequest[resource.AllocateInput](r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	results, err := h.broker.AllocateSet(r.Context(), envID, req.Items, req.Trigger)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.send(w, map[string]interface{}{"items": results})
}

func (h *Handler) apiDelete(w http.ResponseWriter, r *http.Request) {
	envID, req, err := readEnvRequest[resource.DeleteInput](r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	ok, err := h.broker.DeleteSet(r.Context(), envID, req.Items, req.Trigger)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.send(w, map[string]bool{"ok": ok})
}

func (h *Handler) apiSuspend(w http.ResponseWriter, r *http.Request) {
	envID, req, err := readEnvRequest[resource.SuspendInput](r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	ok, err := h.broker.SuspendSet(r.Context(), envID, req.Items, req.Trigger)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.send(w, map[string]bool{"ok": ok})
}

func (h *Handler) apiStart(w http.ResponseWriter, r *http.Request) {
	envID, req, err := readEnvRequest[resource.StartInput](r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if req.Action == "" {
		req.Action = resource.StartCompute
	}
	ok, err := h.broker.Start(r.Context(), envID, req.Action, req.Items, req.Trigger)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.send(w, map[string]bool{"ok": ok})
}
