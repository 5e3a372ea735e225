// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package watchpool keeps each pool near its target size.
//
// Every interval, each pool's unassigned count is compared with its
// target, and creations or deletions are submitted to close the gap,
// at most MaxCreateBatchCount or MaxDeleteBatchCount per pool per
// interval. Pools are visited in random order, spread across the
// interval.
//
// Failed records do not count toward a pool's size. After the pools
// are visited, up to MaxDeleteBatchCount of them are deleted.
package watchpool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/lib/continuation"
	"git.arvados.org/resourcebroker.git/lib/dblock"
	"git.arvados.org/resourcebroker.git/lib/pool"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultInterval       = time.Minute
	defaultMaxCreateBatch = 10
	defaultMaxDeleteBatch = 10

	// withdrawAttempts bounds version conflict retries when
	// taking a record out of a pool.
	withdrawAttempts = 3

	// maxDeleteAttempts is how many delete workflows a failed
	// record gets before it is given up on.
	maxDeleteAttempts = 3
)

// Loop is the pool size control loop. Fields must be set before
// Start or RunOnce is called.
type Loop struct {
	Definitions *pool.DefinitionStore
	Records     repository.Records
	Operations  *continuation.Operations
	Config      resource.PoolConfig
	Logger      logrus.FieldLogger
	Registry    *prometheus.Registry

	// Leader gates the loop when several processes share a
	// repository. If nil, the loop always runs.
	Leader dblock.Leader

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}

	mSubmitted *prometheus.CounterVec
	mErrors    *prometheus.CounterVec
	mDelta     *prometheus.GaugeVec
	mTicks     prometheus.Counter
}

func (l *Loop) setup() {
	if l.Leader == nil {
		l.Leader = &dblock.Single{}
	}
	reg := l.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	l.mSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "watchpool",
		Name:      "submitted_total",
		Help:      "Number of create, delete and cleanup continuations submitted to maintain pools.",
	}, []string{"pool", "operation"})
	reg.MustRegister(l.mSubmitted)
	l.mErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "watchpool",
		Name:      "errors_total",
		Help:      "Number of errors while resizing pools.",
	}, []string{"pool"})
	reg.MustRegister(l.mErrors)
	l.mDelta = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "resourcebroker",
		Subsystem: "watchpool",
		Name:      "delta",
		Help:      "Target count minus unassigned count, as of the last visit to each pool.",
	}, []string{"pool"})
	reg.MustRegister(l.mDelta)
	l.mTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "watchpool",
		Name:      "ticks_total",
		Help:      "Number of passes over all pools.",
	})
	reg.MustRegister(l.mTicks)
}

func (l *Loop) interval() time.Duration {
	if d := l.Config.WatchInterval.Duration(); d > 0 {
		return d
	}
	return defaultInterval
}

// Start runs the loop in a new goroutine until Stop is called.
func (l *Loop) Start() {
	l.setupOnce.Do(l.setup)
	l.stop = make(chan struct{})
	l.stopped = make(chan struct{})
	go l.run()
}

// Stop stops the loop and waits for the pass in progress, if any, to
// reach a pool boundary.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.stopped
}

func (l *Loop) run() {
	defer close(l.stopped)
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), l.Logger))
	defer cancel()
	go func() {
		<-l.stop
		cancel()
	}()
	if !l.Leader.Lock(ctx) {
		return
	}
	defer l.Leader.Unlock()
	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !l.Leader.Check() {
			return
		}
		if err := l.tick(ctx, true); err != nil && !errors.Is(err, context.Canceled) {
			l.Logger.WithError(err).Warn("pool size pass failed")
		}
	}
}

// RunOnce visits every pool once, without spreading the visits
// across the interval.
func (l *Loop) RunOnce(ctx context.Context) error {
	l.setupOnce.Do(l.setup)
	return l.tick(ctx, false)
}

func (l *Loop) tick(ctx context.Context, spread bool) error {
	l.mTicks.Inc()
	defs, err := l.Definitions.RetrieveDefinitions()
	if errors.Is(err, pool.ErrNotInitialized) {
		l.Logger.Debug("pool definitions have not been pushed yet")
		return nil
	} else if err != nil {
		return err
	}
	rand.Shuffle(len(defs), func(i, j int) { defs[i], defs[j] = defs[j], defs[i] })

	var step time.Duration
	if spread && len(defs) > 0 {
		step = l.interval() / time.Duration(4*len(defs))
	}
	known := make(map[string]bool, len(defs))
	for i, def := range defs {
		known[def.Code] = true
		if i > 0 && step > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(step):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		l.resize(ctx, def)
	}
	if err := l.drainOrphans(ctx, known); err != nil {
		return err
	}
	return l.cleanupFailed(ctx)
}

func (l *Loop) disabled(def resource.PoolDefinition) bool {
	if !def.IsEnabled {
		return true
	}
	for _, code := range l.Config.DisabledPools {
		if code == def.Code {
			return true
		}
	}
	return false
}

// resize submits the creations or deletions that move one pool
// toward its target. Errors are logged and counted, not returned.
func (l *Loop) resize(ctx context.Context, def resource.PoolDefinition) {
	logger := l.Logger.WithField("PoolCode", def.Code)
	if l.disabled(def) {
		logger.Debug("pool is disabled")
		return
	}
	unassigned, err := l.Records.GetUnassignedCount(ctx, def.Code)
	if err != nil {
		l.mErrors.WithLabelValues(def.Code).Inc()
		logger.WithError(err).Warn("error counting unassigned resources")
		return
	}
	delta := def.TargetCount - unassigned
	l.mDelta.WithLabelValues(def.Code).Set(float64(delta))
	logger = logger.WithFields(logrus.Fields{
		"TargetCount":     def.TargetCount,
		"UnassignedCount": unassigned,
	})
	switch {
	case delta > 0:
		n := clamp(delta, l.Config.MaxCreateBatchCount, defaultMaxCreateBatch)
		logger.WithField("Creating", n).Info("pool below target")
		for i := 0; i < n; i++ {
			in := continuation.CreateInputForPool(def, uuid.NewString())
			if _, err := l.Operations.Create(ctx, in, continuation.ReasonPoolReplenish); err != nil {
				l.mErrors.WithLabelValues(def.Code).Inc()
				logger.WithError(err).WithField("ResourceID", in.ResourceID).Warn("error submitting create")
				continue
			}
			l.mSubmitted.WithLabelValues(def.Code, "create").Inc()
		}
	case delta < 0:
		n := clamp(-delta, l.Config.MaxDeleteBatchCount, defaultMaxDeleteBatch)
		logger.WithField("Deleting", n).Info("pool above target")
		l.deleteUnassigned(ctx, logger, def.Code, n, continuation.ReasonPoolShrink)
	}
}

// drainOrphans deletes unassigned resources of pools that are no
// longer defined, a batch per pool per pass.
func (l *Loop) drainOrphans(ctx context.Context, known map[string]bool) error {
	codes, err := l.Records.GetUnassignedPoolCodes(ctx)
	if err != nil {
		return err
	}
	for _, code := range codes {
		if known[code] || code == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := l.Logger.WithField("PoolCode", code)
		logger.Info("draining resources of undefined pool")
		n := l.Config.MaxDeleteBatchCount
		if n <= 0 {
			n = defaultMaxDeleteBatch
		}
		l.deleteUnassigned(ctx, logger, code, n, continuation.ReasonOrphanedPool)
	}
	return nil
}

func (l *Loop) deleteUnassigned(ctx context.Context, logger logrus.FieldLogger, code string, n int, reason string) {
	ids, err := l.Records.GetUnassignedIDs(ctx, code, n)
	if err != nil {
		l.mErrors.WithLabelValues(code).Inc()
		logger.WithError(err).Warn("error listing unassigned resources")
		return
	}
	for _, id := range ids {
		logger := logger.WithField("ResourceID", id)
		ok, err := l.withdraw(ctx, id)
		if err != nil {
			l.mErrors.WithLabelValues(code).Inc()
			logger.WithError(err).Warn("error withdrawing resource from pool")
			continue
		} else if !ok {
			logger.Debug("resource was claimed, not deleting")
			continue
		}
		result, err := l.Operations.Delete(ctx, id, reason)
		if err != nil || result.Deduplicated {
			if err != nil {
				l.mErrors.WithLabelValues(code).Inc()
				logger.WithError(err).Warn("error submitting delete")
			} else {
				logger.Debug("resource busy, delete will be retried next pass")
			}
			if err := l.restore(ctx, id); err != nil {
				logger.WithError(err).Warn("error returning resource to pool")
			}
			continue
		}
		l.mSubmitted.WithLabelValues(code, "delete").Inc()
	}
}

// withdraw takes an unassigned record out of its pool's inventory
// so it cannot be claimed while its delete is pending. It returns
// false if the record has been claimed or withdrawn already.
func (l *Loop) withdraw(ctx context.Context, id string) (bool, error) {
	ok := false
	_, err := repository.Modify(ctx, l.Records, id, withdrawAttempts, func(rec *resource.Record) error {
		ok = rec.Pooled()
		if !ok {
			return repository.ErrNoChange
		}
		rec.SetDeletingStatus(resource.OperationQueued, time.Now().UTC())
		return nil
	})
	return ok, err
}

// restore undoes withdraw when no delete was submitted.
func (l *Loop) restore(ctx context.Context, id string) error {
	_, err := repository.Modify(ctx, l.Records, id, withdrawAttempts, func(rec *resource.Record) error {
		if rec.DeletingStatus != resource.OperationQueued {
			return repository.ErrNoChange
		}
		rec.SetDeletingStatus("", time.Now().UTC())
		return nil
	})
	return err
}

// cleanupFailed submits deletes for unassigned pool records that
// failed or were withdrawn and never deleted. A record whose delete
// has already failed maxDeleteAttempts times is marked deleted
// without contacting the provider again.
func (l *Loop) cleanupFailed(ctx context.Context) error {
	n := l.Config.MaxDeleteBatchCount
	if n <= 0 {
		n = defaultMaxDeleteBatch
	}
	recs, err := l.Records.GetNeedingCleanup(ctx, n)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := rec.PoolReference.Code
		logger := l.Logger.WithFields(logrus.Fields{
			"PoolCode":           code,
			"ResourceID":         rec.ID,
			"ProvisioningStatus": rec.ProvisioningStatus,
			"DeletingStatus":     rec.DeletingStatus,
			"DeleteAttempts":     rec.DeleteAttempts,
		})
		if rec.DeletingStatus == resource.OperationFailed && rec.DeleteAttempts >= maxDeleteAttempts {
			if err := l.abandon(ctx, rec.ID); err != nil {
				l.mErrors.WithLabelValues(code).Inc()
				logger.WithError(err).Warn("error marking failed resource deleted")
				continue
			}
			logger.Warn("giving up on deleting failed resource, marked deleted")
			l.mSubmitted.WithLabelValues(code, "abandon").Inc()
			continue
		}
		result, err := l.Operations.Delete(ctx, rec.ID, continuation.ReasonFailedCleanup)
		if resource.IsNotFound(err) {
			continue
		} else if err != nil {
			l.mErrors.WithLabelValues(code).Inc()
			logger.WithError(err).Warn("error submitting delete for failed resource")
			continue
		}
		if result.Deduplicated {
			logger.Debug("delete already in flight")
			continue
		}
		logger.Info("submitted delete for failed resource")
		l.mSubmitted.WithLabelValues(code, "cleanup").Inc()
	}
	return nil
}

func (l *Loop) abandon(ctx context.Context, id string) error {
	_, err := repository.Modify(ctx, l.Records, id, withdrawAttempts, func(rec *resource.Record) error {
		if !rec.NeedsCleanup() {
			return repository.ErrNoChange
		}
		now := time.Now().UTC()
		rec.IsDeleted = true
		rec.Deleted = now
		rec.IsReady = false
		return nil
	})
	return err
}

// clamp returns n limited to max, or to def if max is not positive.
func clamp(n, max, def int) int {
	if max <= 0 {
		max = def
	}
	if n > max {
		return max
	}
	return n
}
