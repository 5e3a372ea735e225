// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}
type key int

const (
	contextKey key = iota
)

func freeAddr(c *check.C) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer ln.Close()
	return ln.Addr().String()
}

func writeConfig(c *check.C, addr string) string {
	path := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(path, []byte(fmt.Sprintf(`
Clusters:
 zzzzz:
  ManagementToken: abcde
  SystemLogs: {Format: json, LogLevel: info}
  Services: {ResourceBroker: {Listen: %q}}
`, addr)), 0644)
	c.Assert(err, check.IsNil)
	return path
}

// get retries until the server is up or a few seconds have passed.
func get(c *check.C, url, token string) *http.Response {
	deadline := time.Now().Add(5 * time.Second)
	for {
		req, err := http.NewRequest("GET", url, nil)
		c.Assert(err, check.IsNil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			return resp
		}
		if time.Now().After(deadline) {
			c.Fatalf("server did not come up: %s", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (*Suite) TestCommand(c *check.C) {
	addr := freeAddr(c)
	cf := writeConfig(c, addr)

	healthCheck := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := Command(func(ctx context.Context, cluster *resource.Cluster, reg *prometheus.Registry) Handler {
		c.Check(ctx.Value(contextKey), check.Equals, "bar")
		c.Check(cluster.ClusterID, check.Equals, "zzzzz")
		c.Check(reg, check.NotNil)
		return &testHandler{ctx: ctx, healthCheck: healthCheck, handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("handled " + r.URL.Path))
		})}
	})
	cmd.(*command).ctx = context.WithValue(ctx, contextKey, "bar")

	done := make(chan int)
	var stdin, stdout, stderr bytes.Buffer
	go func() {
		done <- cmd.RunCommand("resource-broker", []string{"-config", cf}, &stdin, &stdout, &stderr)
	}()
	select {
	case <-healthCheck:
	case <-done:
		c.Fatal("command exited without health check")
	}

	resp := get(c, "http://"+addr+"/_health/ping", "abcde")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(string(body), check.Equals, `{"health":"OK"}`+"\n")

	resp = get(c, "http://"+addr+"/_health/ping", "wrong")
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusForbidden)

	resp = get(c, "http://"+addr+"/foo", "")
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(string(body), check.Equals, "handled /foo")
	c.Check(resp.Header.Get("X-Request-Id"), check.Matches, `req-.*`)

	cancel()
	select {
	case code := <-done:
		c.Check(code, check.Equals, 0)
	case <-time.After(5 * time.Second):
		c.Fatal("command did not exit after cancel")
	}
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"CheckHealth called".*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"listening".*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*"reqPath":"/foo".*`)
}

func (*Suite) TestHandlerDone(c *check.C) {
	cf := writeConfig(c, freeAddr(c))
	cmd := Command(func(ctx context.Context, cluster *resource.Cluster, reg *prometheus.Registry) Handler {
		done := make(chan struct{})
		close(done)
		return &testHandler{ctx: ctx, done: done}
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("resource-broker", []string{"-config", cf}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*handler stopped.*`)
}

func (*Suite) TestUnhealthy(c *check.C) {
	cf := writeConfig(c, freeAddr(c))
	cmd := Command(func(ctx context.Context, cluster *resource.Cluster, reg *prometheus.Registry) Handler {
		return ErrorHandler(ctx, cluster, errors.New("repository unavailable"))
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("resource-broker", []string{"-config", cf}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*repository unavailable.*`)
}

func (*Suite) TestBadConfig(c *check.C) {
	cmd := Command(func(ctx context.Context, cluster *resource.Cluster, reg *prometheus.Registry) Handler {
		c.Error("handler should not be created")
		return nil
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("resource-broker", []string{"-config", "-"}, bytes.NewBufferString(`Clusters: {zzzzz: {Repository: {Driver: bogus}}}`), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown driver.*`)
}

func (*Suite) TestVersion(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Command(nil).RunCommand("resource-broker", []string{"-version"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `resource-broker dev \(go.*\)\n`)
}

func (*Suite) TestHealthHandler(c *check.C) {
	healthy := errors.New("not yet")
	h := interceptHealthReqs("secret", func() error { return healthy }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	for _, trial := range []struct {
		method string
		path   string
		token  string
		code   int
	}{
		{"GET", "/_health/ping", "secret", http.StatusServiceUnavailable},
		{"GET", "/_health/ping", "", http.StatusUnauthorized},
		{"GET", "/_health/ping", "nope", http.StatusForbidden},
		{"GET", "/_health/other", "secret", http.StatusNotFound},
		{"POST", "/_health/ping", "secret", http.StatusTeapot},
		{"GET", "/pools", "secret", http.StatusTeapot},
	} {
		req := httptest.NewRequest(trial.method, trial.path, nil)
		if trial.token != "" {
			req.Header.Set("Authorization", "Bearer "+trial.token)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("%+v", trial))
	}

	healthy = nil
	req := httptest.NewRequest("GET", "/_health/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)

	disabled := &healthHandler{checks: map[string]func() error{"ping": func() error { return nil }}}
	req = httptest.NewRequest("GET", "/_health/ping", nil)
	req = req.WithContext(context.WithValue(req.Context(), httprouter.ParamsKey, httprouter.Params{{Key: "check", Value: "ping"}}))
	req.Header.Set("Authorization", "Bearer ")
	resp = httptest.NewRecorder()
	disabled.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

type testHandler struct {
	ctx         context.Context
	handler     http.Handler
	healthCheck chan bool
	done        chan struct{}
}

func (th *testHandler) Done() <-chan struct{} { return th.done }
func (th *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	th.handler.ServeHTTP(w, r)
}
func (th *testHandler) CheckHealth() error {
	ctxlog.FromContext(th.ctx).Info("CheckHealth called")
	select {
	case th.healthCheck <- true:
	default:
	}
	return nil
}
