// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package strategy decides how each shape of allocation request is
// satisfied: from a pool, by queued creation, as a compute and disk
// pair, or through a snapshot.
package strategy

import (
	"context"
	"errors"
	"fmt"

	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/lib/continuation"
	"git.arvados.org/resourcebroker.git/lib/pool"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const modifyAttempts = 5

// An Allocation is the outcome of one allocation unit.
type Allocation struct {
	Results []resource.AllocateResult

	// Claimed lists the records to release if a later unit of
	// the same request fails.
	Claimed []string

	// Replenish lists the pools to top up once the whole request
	// has succeeded.
	Replenish []resource.PoolDefinition

	// Followups run in the background once the whole request has
	// succeeded. If a later unit fails they never run.
	Followups []Followup
}

// A Followup is deferred work belonging to an allocation.
type Followup struct {
	Name string
	Run  func(ctx context.Context) error
}

// A Strategy allocates one unit of a known Kind.
type Strategy interface {
	Allocate(ctx context.Context, envID string, unit []resource.AllocateInput, trigger string) (*Allocation, error)
}

// Deps are the collaborators shared by all strategies.
type Deps struct {
	Definitions *pool.DefinitionStore
	Pools       *pool.Manager
	Records     repository.Records
	Operations  *continuation.Operations
	Disks       cloud.DiskProvider
	Config      resource.BrokerConfig
	Logger      logrus.FieldLogger
}

// Allocator dispatches allocation units to strategies.
type Allocator struct {
	strategies map[Kind]Strategy
	logger     logrus.FieldLogger

	mAllocations *prometheus.CounterVec
}

// New returns an Allocator with a strategy for every Kind.
func New(deps Deps, reg *prometheus.Registry) *Allocator {
	d := &deps
	a := &Allocator{
		strategies: map[Kind]Strategy{
			KindBasic:          basic{d},
			KindOSDiskCreate:   osDiskCreate{d},
			KindOSDiskResume:   osDiskResume{d},
			KindOSDiskSnapshot: osDiskSnapshot{d},
		},
		logger: deps.Logger,
	}
	for _, k := range Kinds {
		if a.strategies[k] == nil {
			panic(fmt.Sprintf("no strategy for %s", k))
		}
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a.mAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "strategy",
		Name:      "allocations_total",
		Help:      "Number of allocation units handled, by strategy and outcome (ok, out_of_capacity, error).",
	}, []string{"kind", "outcome"})
	reg.MustRegister(a.mAllocations)
	return a
}

// Allocate classifies the unit and runs the matching strategy.
func (a *Allocator) Allocate(ctx context.Context, envID string, unit []resource.AllocateInput, trigger string) (Kind, *Allocation, error) {
	kind, err := Classify(unit)
	if err != nil {
		return 0, nil, err
	}
	alloc, err := a.strategies[kind].Allocate(ctx, envID, unit, trigger)
	switch {
	case err == nil:
		a.mAllocations.WithLabelValues(kind.String(), "ok").Inc()
	case resource.IsOutOfCapacity(err):
		a.mAllocations.WithLabelValues(kind.String(), "out_of_capacity").Inc()
	default:
		a.mAllocations.WithLabelValues(kind.String(), "error").Inc()
	}
	return kind, alloc, err
}

func (d *Deps) logger(envID string, in resource.AllocateInput) logrus.FieldLogger {
	return d.Logger.WithFields(logrus.Fields{
		"EnvironmentID": envID,
		"SkuName":       in.SkuName,
		"Type":          in.Type,
		"Location":      in.Location,
	})
}

func outOfCapacity(in resource.AllocateInput) error {
	return &resource.OutOfCapacityError{SkuName: in.SkuName, Type: in.Type, Location: in.Location}
}

// poolFor returns the pool that serves the input's logical SKU.
// ok is false if there is no such pool.
func (d *Deps) poolFor(in resource.AllocateInput) (def resource.PoolDefinition, ok bool, err error) {
	def, err = d.Definitions.MapLogicalSkuToResourceSku(in.SkuName, in.Type, in.Location)
	if resource.IsNotFound(err) {
		return def, false, nil
	} else if err != nil {
		return def, false, err
	}
	return def, true, nil
}

// createInput returns the input for a new assigned resource serving
// in, using the pool's settings if there is one.
func (d *Deps) createInput(in resource.AllocateInput) continuation.CreateInput {
	id := uuid.NewString()
	var ci continuation.CreateInput
	if def, ok, err := d.poolFor(in); err == nil && ok {
		ci = continuation.CreateInputForPool(def, id)
	} else {
		ci = continuation.CreateInput{
			ResourceID: id,
			Type:       in.Type,
			SkuName:    in.SkuName,
			Location:   in.Location,
		}
	}
	x := ext(in)
	ci.Details.SubnetResourceID = x.SubnetResourceID
	ci.Details.HardBoot = x.HardBoot
	ci.Details.UpdateAgent = x.UpdateAgent
	return ci
}

// sourceComputeOS returns the OS of the compute pool serving the
// same logical SKU as a storage input, or "" if there is none.
func (d *Deps) sourceComputeOS(in resource.AllocateInput) (resource.ComputeOS, error) {
	def, err := d.Definitions.MapLogicalSkuToResourceSku(in.SkuName, resource.TypeComputeVM, in.Location)
	if resource.IsNotFound(err) || errors.Is(err, pool.ErrNotInitialized) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	switch def.Details.ComputeOS {
	case resource.ComputeOSLinux, resource.ComputeOSWindows, "":
		return def.Details.ComputeOS, nil
	}
	return "", &resource.UnsupportedError{What: fmt.Sprintf("compute OS %q of pool %s", def.Details.ComputeOS, def.Code)}
}

// release returns claimed records to their pools after a failure
// later in the same unit. Errors are logged, not returned.
func (d *Deps) release(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if err := d.Pools.Release(ctx, id); err != nil {
			d.Logger.WithError(err).WithField("ResourceID", id).Warn("error releasing claimed resource")
		}
	}
}
