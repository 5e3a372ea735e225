// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package bgtask runs fire-and-forget work in tracked goroutines, so
// that failures are logged and counted instead of dropped, and
// shutdown can wait for work in progress.
package bgtask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Runner starts and tracks background tasks.
type Runner struct {
	logger logrus.FieldLogger
	wg     sync.WaitGroup

	// stopping is cancelled by Shutdown to cancel tasks that
	// outlast the grace period.
	stopping context.Context
	stop     context.CancelFunc

	// Timeout, if nonzero, bounds each task's context.
	Timeout time.Duration

	mStarted  *prometheus.CounterVec
	mFailed   *prometheus.CounterVec
	mInflight prometheus.Gauge
}

// NewRunner returns a Runner that logs to logger and registers its
// metrics with reg (which may be nil).
func NewRunner(logger logrus.FieldLogger, reg *prometheus.Registry) *Runner {
	r := &Runner{logger: logger}
	r.stopping, r.stop = context.WithCancel(context.Background())
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "bgtask",
		Name:      "started_total",
		Help:      "Number of background tasks started.",
	}, []string{"task"})
	reg.MustRegister(r.mStarted)
	r.mFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "bgtask",
		Name:      "failed_total",
		Help:      "Number of background tasks that returned an error or panicked.",
	}, []string{"task"})
	reg.MustRegister(r.mFailed)
	r.mInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resourcebroker",
		Subsystem: "bgtask",
		Name:      "inflight",
		Help:      "Number of background tasks currently running.",
	})
	reg.MustRegister(r.mInflight)
	return r
}

// Go runs fn in a new goroutine. The task's context is detached
// from ctx's cancellation (the caller that triggered it is usually
// about to return) but keeps its values, e.g., the logger. It is
// cancelled if the task is still running when Shutdown's grace
// period ends.
func (r *Runner) Go(ctx context.Context, name string, fn func(context.Context) error) {
	r.wg.Add(1)
	r.mStarted.WithLabelValues(name).Inc()
	r.mInflight.Inc()
	go func() {
		defer r.wg.Done()
		defer r.mInflight.Dec()
		taskctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		defer context.AfterFunc(r.stopping, cancel)()
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			taskctx, cancel = context.WithTimeout(taskctx, r.Timeout)
			defer cancel()
		}
		t0 := time.Now()
		err := r.run(taskctx, fn)
		logger := r.logger.WithFields(logrus.Fields{
			"Task":     name,
			"Duration": time.Since(t0).Seconds(),
		})
		if err != nil {
			r.mFailed.WithLabelValues(name).Inc()
			logger.WithError(err).Error("background task failed")
			return
		}
		logger.Debug("background task finished")
	}()
}

func (r *Runner) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Wait blocks until all tasks started so far have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown waits up to grace for tasks to finish, then cancels the
// contexts of the rest and waits for them to return. Tasks started
// after the grace period are cancelled immediately.
func (r *Runner) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	r.logger.WithField("Grace", grace.String()).Warn("cancelling background tasks still running at shutdown")
	r.stop()
	<-done
}
