// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/httpserver"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/sirupsen/logrus"
)

// ErrorHandler is what a NewHandlerFunc returns when the service
// cannot be set up. It fails its health check with err, answers
// every request with 500, and reports itself as already stopped so
// the command exits after logging err.
func ErrorHandler(ctx context.Context, _ *resource.Cluster, err error) Handler {
	logger := ctxlog.FromContext(ctx).WithError(err)
	logger.Error("service setup failed")
	return &failedHandler{err: err, logger: logger}
}

type failedHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (fh *failedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fh.logger.Error("rejecting request: service setup failed")
	httpserver.Error(w, "service is not available", http.StatusInternalServerError)
}

func (fh *failedHandler) CheckHealth() error { return fh.err }

func (fh *failedHandler) Done() <-chan struct{} { return stopped }

var stopped = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
