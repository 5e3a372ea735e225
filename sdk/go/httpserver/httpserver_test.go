// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}

func (s *Suite) TestLogRequests(c *check.C) {
	captured := &bytes.Buffer{}
	log := logrus.New()
	log.Out = captured
	log.Level = logrus.DebugLevel
	log.Formatter = &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctxlog.FromContext(req.Context()).Info("inside")
		w.Write([]byte("hello world"))
	})
	req := httptest.NewRequest("GET", "https://foo.example/bar?baz=1", nil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4:12345")
	resp := httptest.NewRecorder()
	AddRequestIDs(LogRequests(log, h)).ServeHTTP(resp, req)
	c.Check(resp.Header().Get("X-Request-Id"), check.Matches, `req-[0-9a-f-]{36}`)

	dec := json.NewDecoder(captured)

	gotReq := make(map[string]interface{})
	c.Assert(dec.Decode(&gotReq), check.IsNil)
	c.Check(gotReq["RequestID"], check.Equals, resp.Header().Get("X-Request-Id"))
	c.Check(gotReq["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotReq["reqPath"], check.Equals, "/bar")
	c.Check(gotReq["reqQuery"], check.Equals, "baz=1")
	c.Check(gotReq["msg"], check.Equals, "request")

	inside := make(map[string]interface{})
	c.Assert(dec.Decode(&inside), check.IsNil)
	c.Check(inside["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(inside["msg"], check.Equals, "inside")

	gotResp := make(map[string]interface{})
	c.Assert(dec.Decode(&gotResp), check.IsNil)
	c.Check(gotResp["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(gotResp["msg"], check.Equals, "response")
	c.Check(gotResp["respStatusCode"], check.Equals, float64(200))
	c.Check(gotResp["respBytes"], check.Equals, float64(len("hello world")))
	for _, key := range []string{"timeToStatus", "timeWriteBody", "timeTotal"} {
		c.Check(gotResp[key], check.FitsTypeOf, float64(0))
	}
}

func (s *Suite) TestKeepRequestID(c *check.C) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "req-given")
	resp := httptest.NewRecorder()
	var seen string
	AddRequestIDs(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = req.Header.Get("X-Request-Id")
	})).ServeHTTP(resp, req)
	c.Check(seen, check.Equals, "req-given")
	c.Check(resp.Header().Get("X-Request-Id"), check.Equals, "req-given")
}

func (s *Suite) TestErrorFor(c *check.C) {
	for _, trial := range []struct {
		err  error
		code int
	}{
		{errors.New("plain"), http.StatusInternalServerError},
		{Errorf(http.StatusNotFound, "missing %q", "x"), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ErrorWithStatus(errors.New("bad"), http.StatusBadRequest)), http.StatusBadRequest},
	} {
		resp := httptest.NewRecorder()
		ErrorFor(resp, trial.err)
		c.Check(resp.Code, check.Equals, trial.code)
		c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
		var er ErrorResponse
		c.Check(json.NewDecoder(resp.Body).Decode(&er), check.IsNil)
		c.Check(er.Errors, check.DeepEquals, []string{trial.err.Error()})
	}
}

func (s *Suite) TestInstrument(c *check.C) {
	reg := prometheus.NewRegistry()
	h := Instrument(reg, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	n, err := testutil.GatherAndCount(reg, "resourcebroker_http_request_duration_seconds")
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)
	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "resourcebroker_http_request_duration_seconds" {
			continue
		}
		found = true
		c.Assert(mf.GetMetric(), check.HasLen, 1)
		c.Check(mf.GetMetric()[0].GetHistogram().GetSampleCount(), check.Equals, uint64(3))
	}
	c.Check(found, check.Equals, true)
}
