// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package broker allocates pooled resources to environments and
// submits the operations that start, suspend and delete them.
//
// A batch allocation is all or nothing: the first unit that cannot
// be allocated stops the batch, and everything the earlier units
// took is given back before the error is returned.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/lib/bgtask"
	"git.arvados.org/resourcebroker.git/lib/continuation"
	"git.arvados.org/resourcebroker.git/lib/pool"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/lib/strategy"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultKeepAliveInterval  = time.Minute
	defaultKeepAliveCacheSize = 10000
	defaultRetireAttempts     = 20
	defaultRetireDelay        = 15 * time.Second
	modifyAttempts            = 5
)

// ReasonAllocateRollback is recorded on delete workflows submitted
// for resources created by a batch that later failed.
const ReasonAllocateRollback = "AllocateRollback"

// Broker is the entry point used by the API layer. Fields must be
// set before the first call; the zero values of Config and Registry
// are usable.
type Broker struct {
	Records    repository.Records
	Allocator  *strategy.Allocator
	Pools      *pool.Manager
	Operations *continuation.Operations
	Runner     *bgtask.Runner
	Config     resource.BrokerConfig
	Logger     logrus.FieldLogger
	Registry   *prometheus.Registry

	// RetireDelay is the wait between attempts to delete a
	// rolled-back resource whose creation is still in
	// progress.
	RetireDelay time.Duration

	setupOnce sync.Once
	keepAlive *lru.TwoQueueCache

	mOperations *prometheus.CounterVec
	mReleases   *prometheus.CounterVec
	mKeepAlives *prometheus.CounterVec
}

func (b *Broker) setup() {
	size := b.Config.KeepAliveCacheSize
	if size <= 0 {
		size = defaultKeepAliveCacheSize
	}
	var err error
	b.keepAlive, err = lru.New2Q(size)
	if err != nil {
		// Only possible with a non-positive size.
		panic(err)
	}
	if b.RetireDelay <= 0 {
		b.RetireDelay = defaultRetireDelay
	}
	reg := b.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	b.mOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "broker",
		Name:      "operations_total",
		Help:      "Number of broker calls, by operation and outcome.",
	}, []string{"operation", "outcome"})
	reg.MustRegister(b.mOperations)
	b.mReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "broker",
		Name:      "compensations_total",
		Help:      "Number of resources given back after a failed batch allocation, by outcome (released, retired, error).",
	}, []string{"outcome"})
	reg.MustRegister(b.mReleases)
	b.mKeepAlives = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "broker",
		Name:      "keepalives_total",
		Help:      "Number of keep-alive reports, by outcome (written, throttled, missing, error).",
	}, []string{"outcome"})
	reg.MustRegister(b.mKeepAlives)
}

func (b *Broker) count(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case resource.IsOutOfCapacity(err):
		outcome = "out_of_capacity"
	case resource.IsNotFound(err):
		outcome = "not_found"
	case resource.IsUnsupported(err):
		outcome = "unsupported"
	default:
		outcome = "error"
	}
	b.mOperations.WithLabelValues(op, outcome).Inc()
}

func (b *Broker) logger(envID, trigger string) logrus.FieldLogger {
	return b.Logger.WithFields(logrus.Fields{
		"EnvironmentID": envID,
		"Trigger":       trigger,
	})
}

// claim is a record taken by an earlier unit of a batch.
type claim struct {
	id       string
	fromPool bool
}

// AllocateSet allocates every input, or none of them.
//
// Inputs are split into allocation units (a compute resource and its
// OS disk are one unit). Every unit is classified before any is
// allocated, so an unsupported shape anywhere in the request fails
// it with nothing taken. Units are then allocated in order. If a
// unit fails, no
// later unit is attempted and the records taken by earlier units are
// given back: pooled records are released to their pools (so they
// are unassigned again when AllocateSet returns), and records
// created for this call are deleted in the background. Capacity failures are
// returned as *resource.OutOfCapacityError naming the failing input;
// other errors are returned as they are.
//
// Once every unit has succeeded, replacements for the pooled records
// are created in the background, along with any work the units
// deferred, such as deleting the snapshot a disk was restored from.
func (b *Broker) AllocateSet(ctx context.Context, envID string, inputs []resource.AllocateInput, trigger string) (results []resource.AllocateResult, err error) {
	b.setupOnce.Do(b.setup)
	defer func() { b.count("allocate", err) }()
	logger := b.logger(envID, trigger)
	if len(inputs) == 0 {
		return nil, &resource.UnsupportedError{What: "allocation request without inputs"}
	}

	units := strategy.Units(inputs)
	for _, unit := range units {
		if _, err := strategy.Classify(unit); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"SkuName":  unit[0].SkuName,
				"Type":     unit[0].Type,
				"Location": unit[0].Location,
			}).Info("rejecting allocation request")
			return nil, err
		}
	}

	var claims []claim
	var replenish []resource.PoolDefinition
	var followups []strategy.Followup
	for i, unit := range units {
		kind, alloc, err := b.Allocator.Allocate(ctx, envID, unit, trigger)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"Unit":     i,
				"Kind":     kind.String(),
				"SkuName":  unit[0].SkuName,
				"Type":     unit[0].Type,
				"Location": unit[0].Location,
			}).Info("allocation failed, giving back earlier allocations")
			b.compensate(ctx, logger, claims)
			return nil, err
		}
		for _, id := range alloc.Claimed {
			claims = append(claims, claim{id: id, fromPool: fromPool(alloc, id)})
		}
		results = append(results, alloc.Results...)
		replenish = append(replenish, alloc.Replenish...)
		followups = append(followups, alloc.Followups...)
	}
	for _, def := range replenish {
		b.replace(ctx, logger, def)
	}
	for _, f := range followups {
		b.Runner.Go(ctx, f.Name, f.Run)
	}
	return results, nil
}

// AllocateOne allocates a single input.
func (b *Broker) AllocateOne(ctx context.Context, envID string, input resource.AllocateInput, trigger string) (resource.AllocateResult, error) {
	results, err := b.AllocateSet(ctx, envID, []resource.AllocateInput{input}, trigger)
	if err != nil {
		return resource.AllocateResult{}, err
	}
	return results[0], nil
}

func fromPool(alloc *strategy.Allocation, id string) bool {
	for _, r := range alloc.Results {
		if r.ResourceID == id {
			return r.FromPool
		}
	}
	return false
}

// compensate gives back the records claimed by the units of a
// failed batch. Pooled records are released to their pools. Records
// created for the batch stay assigned and are deleted: they may be
// bound to a caller's disk, so no pool may hand them out. Errors are
// logged and counted, and do not stop the remaining records from
// being given back.
func (b *Broker) compensate(ctx context.Context, logger logrus.FieldLogger, claims []claim) {
	ctx = context.WithoutCancel(ctx)
	for _, c := range claims {
		clogger := logger.WithField("ResourceID", c.id)
		if !c.fromPool {
			b.mReleases.WithLabelValues("retired").Inc()
			b.retire(ctx, clogger, c.id)
			continue
		}
		if err := b.Pools.Release(ctx, c.id); err != nil {
			b.mReleases.WithLabelValues("error").Inc()
			clogger.WithError(err).Warn("error releasing resource")
			continue
		}
		b.mReleases.WithLabelValues("released").Inc()
		clogger.Info("released resource to pool")
	}
}

// retire deletes a record created for a failed batch. If the record
// is still being created its delete is deduplicated, so the delete
// is resubmitted until it is accepted.
func (b *Broker) retire(ctx context.Context, logger logrus.FieldLogger, id string) {
	b.Runner.Go(ctx, "retire-rolled-back-resource", func(ctx context.Context) error {
		for attempt := 1; attempt <= defaultRetireAttempts; attempt++ {
			result, err := b.Operations.Delete(ctx, id, ReasonAllocateRollback)
			if resource.IsNotFound(err) {
				return nil
			} else if err != nil {
				return err
			}
			if !result.Deduplicated {
				logger.WithField("WorkflowID", result.WorkflowID).Info("submitted delete of rolled-back resource")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.RetireDelay):
			}
		}
		return fmt.Errorf("resource %s: another workflow still in progress after %d attempts to delete it", id, defaultRetireAttempts)
	})
}

// replace submits creation of a new pooled resource in the
// background, to take the place of one just claimed.
func (b *Broker) replace(ctx context.Context, logger logrus.FieldLogger, def resource.PoolDefinition) {
	b.Runner.Go(ctx, "replace-assigned-resource", func(ctx context.Context) error {
		in := continuation.CreateInputForPool(def, uuid.NewString())
		_, err := b.Operations.Create(ctx, in, continuation.ReasonAssignedReplace)
		if err != nil {
			return fmt.Errorf("pool %s: %w", def.Code, err)
		}
		logger.WithFields(logrus.Fields{
			"PoolCode":   def.Code,
			"ResourceID": in.ResourceID,
		}).Debug("submitted replacement for claimed resource")
		return nil
	})
}

// fanOut calls fn for each id concurrently, and returns the first
// error, if any, after all calls have returned.
func fanOut(ids []string, fn func(id string) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = fn(id)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteSet submits deletion of every input concurrently.
func (b *Broker) DeleteSet(ctx context.Context, envID string, inputs []resource.DeleteInput, trigger string) (bool, error) {
	b.setupOnce.Do(b.setup)
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		ids[i] = in.ResourceID
	}
	err := fanOut(ids, func(id string) error {
		_, err := b.DeleteOne(ctx, envID, resource.DeleteInput{ResourceID: id}, trigger)
		return err
	})
	return err == nil, err
}

// DeleteOne submits deletion of a resource.
func (b *Broker) DeleteOne(ctx context.Context, envID string, input resource.DeleteInput, trigger string) (ok bool, err error) {
	b.setupOnce.Do(b.setup)
	defer func() { b.count("delete", err) }()
	result, err := b.Operations.Delete(ctx, input.ResourceID, trigger)
	if err != nil {
		return false, err
	}
	b.logger(envID, trigger).WithFields(logrus.Fields{
		"ResourceID": input.ResourceID,
		"WorkflowID": result.WorkflowID,
	}).Info("submitted delete")
	return true, nil
}

// SuspendSet submits suspension of every input concurrently.
func (b *Broker) SuspendSet(ctx context.Context, envID string, inputs []resource.SuspendInput, trigger string) (bool, error) {
	b.setupOnce.Do(b.setup)
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		ids[i] = in.ResourceID
	}
	err := fanOut(ids, func(id string) error {
		_, err := b.SuspendOne(ctx, envID, resource.SuspendInput{ResourceID: id}, trigger)
		return err
	})
	return err == nil, err
}

// SuspendOne submits cleanup of a resource, which releases its
// hardware and keeps its data.
func (b *Broker) SuspendOne(ctx context.Context, envID string, input resource.SuspendInput, trigger string) (ok bool, err error) {
	b.setupOnce.Do(b.setup)
	defer func() { b.count("suspend", err) }()
	result, err := b.Operations.Suspend(ctx, input.ResourceID, trigger)
	if err != nil {
		return false, err
	}
	b.logger(envID, trigger).WithFields(logrus.Fields{
		"ResourceID": input.ResourceID,
		"WorkflowID": result.WorkflowID,
	}).Info("submitted suspend")
	return true, nil
}
