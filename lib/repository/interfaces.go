// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package repository stores resource records, environments and
// continuation workflows behind a versioned key-value contract.
//
// Every Update carries the Version the caller read. If the stored
// Version differs the update is rejected with
// resource.ErrVersionConflict and nothing is written; on success the
// stored Version and the caller's copy are both incremented.
package repository

import (
	"context"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
)

// Records is the resource record store.
type Records interface {
	// Get returns a copy of the record, or a
	// *resource.NotFoundError.
	Get(ctx context.Context, id string) (*resource.Record, error)
	Create(ctx context.Context, rec *resource.Record) error
	Update(ctx context.Context, rec *resource.Record) error

	// GetReadyUnassigned returns one ready record from the pool's
	// inventory (see resource.Record.Pooled), or nil if there is
	// none.
	GetReadyUnassigned(ctx context.Context, poolCode string) (*resource.Record, error)

	// GetUnassignedCount counts the pool's inventory records,
	// whether or not they are ready yet. Failed records and
	// records withdrawn for deletion are not counted.
	GetUnassignedCount(ctx context.Context, poolCode string) (int, error)

	// GetUnassignedIDs returns up to count ids of the pool's
	// inventory records, oldest first.
	GetUnassignedIDs(ctx context.Context, poolCode string, count int) ([]string, error)

	// GetUnassignedPoolCodes returns the distinct pool codes of
	// inventory records, sorted.
	GetUnassignedPoolCodes(ctx context.Context) ([]string, error)

	// GetNeedingCleanup returns up to count records for which
	// resource.Record.NeedsCleanup is true, oldest first.
	GetNeedingCleanup(ctx context.Context, count int) ([]*resource.Record, error)
}

// Environments is the environment store used by the repair sweep.
type Environments interface {
	GetEnvironment(ctx context.Context, id string) (*resource.Environment, error)
	CreateEnvironment(ctx context.Context, env *resource.Environment) error
	UpdateEnvironment(ctx context.Context, env *resource.Environment) error

	// ListEnvironmentsUpdatedBefore returns undeleted
	// environments whose LastUpdated is before cutoff.
	ListEnvironmentsUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*resource.Environment, error)
}

// Workflows is the durable continuation store.
type Workflows interface {
	// CreateWorkflow stores wf unless an in-flight workflow
	// already exists for wf.ResourceID, in which case it returns
	// that workflow and created=false.
	CreateWorkflow(ctx context.Context, wf *resource.Workflow) (existing *resource.Workflow, created bool, err error)
	GetWorkflow(ctx context.Context, id string) (*resource.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *resource.Workflow) error

	// ListDueWorkflows returns up to limit workflows for which
	// wf.Due(now) is true, oldest NextRun first.
	ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]*resource.Workflow, error)
}

// Repository is the full store.
type Repository interface {
	Records
	Environments
	Workflows
	Close() error
}
