// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/sirupsen/logrus"
)

type suspendedError struct {
	msg   string
	until time.Time
}

func (e *suspendedError) Error() string            { return e.msg }
func (e *suspendedError) EarliestRetry() time.Time { return e.until }

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is a
// RateLimitError, and if so, ensures Error() returns a non-nil error
// until the rate limiting holdoff period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string) {
	var rle RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := time.Until(until)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(&suspendedError{
		msg:   fmt.Sprintf("remote calls are suspended for %s, until %s", dur, until),
		until: until,
	}, until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}

// Throttle returns a Provider that stops calling p while a previous
// call's RateLimitError is in effect, and (if maxOpsPerSecond > 0)
// spaces calls at least 1/maxOpsPerSecond apart.
//
// While suspended, calls fail immediately with an error that is
// itself a RateLimitError.
func Throttle(p Provider, maxOpsPerSecond int, logger logrus.FieldLogger) Provider {
	tp := &throttledProvider{Provider: p, logger: logger}
	if maxOpsPerSecond > 0 {
		tp.ticker = time.NewTicker(time.Second / time.Duration(maxOpsPerSecond))
	}
	return tp
}

type throttledProvider struct {
	Provider
	thr    throttle
	ticker *time.Ticker
	logger logrus.FieldLogger
}

func (tp *throttledProvider) wait(ctx context.Context) error {
	if err := tp.thr.Error(); err != nil {
		return err
	}
	if tp.ticker == nil {
		return nil
	}
	select {
	case <-tp.ticker.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tp *throttledProvider) call(ctx context.Context, callType string, fn func() error) error {
	if err := tp.wait(ctx); err != nil {
		return err
	}
	err := fn()
	tp.thr.CheckRateLimitError(err, tp.logger, callType)
	return err
}

func (tp *throttledProvider) Create(ctx context.Context, spec CreateSpec) (id string, err error) {
	err = tp.call(ctx, "Create", func() (err error) {
		id, err = tp.Provider.Create(ctx, spec)
		return
	})
	return
}

func (tp *throttledProvider) Delete(ctx context.Context, typ resource.Type, providerID string) error {
	return tp.call(ctx, "Delete", func() error { return tp.Provider.Delete(ctx, typ, providerID) })
}

func (tp *throttledProvider) Start(ctx context.Context, providerID string) error {
	return tp.call(ctx, "Start", func() error { return tp.Provider.Start(ctx, providerID) })
}

func (tp *throttledProvider) Deallocate(ctx context.Context, providerID string) error {
	return tp.call(ctx, "Deallocate", func() error { return tp.Provider.Deallocate(ctx, providerID) })
}

func (tp *throttledProvider) IsDetached(ctx context.Context, diskID string) (detached bool, err error) {
	err = tp.call(ctx, "IsDetached", func() (err error) {
		detached, err = tp.Provider.IsDetached(ctx, diskID)
		return
	})
	return
}

func (tp *throttledProvider) SnapshotDisk(ctx context.Context, diskID string, spec CreateSpec) (id string, err error) {
	err = tp.call(ctx, "SnapshotDisk", func() (err error) {
		id, err = tp.Provider.SnapshotDisk(ctx, diskID, spec)
		return
	})
	return
}

func (tp *throttledProvider) DiskFromSnapshot(ctx context.Context, snapshotID string, spec CreateSpec) (id string, err error) {
	err = tp.call(ctx, "DiskFromSnapshot", func() (err error) {
		id, err = tp.Provider.DiskFromSnapshot(ctx, snapshotID, spec)
		return
	})
	return
}

func (tp *throttledProvider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return tp.call(ctx, "DeleteSnapshot", func() error { return tp.Provider.DeleteSnapshot(ctx, snapshotID) })
}

func (tp *throttledProvider) Stop() {
	if tp.ticker != nil {
		tp.ticker.Stop()
	}
	tp.Provider.Stop()
}
