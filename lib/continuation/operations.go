// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package continuation

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/sirupsen/logrus"
)

// Operations submits typed continuations.
//
// Operations on existing resources load the record first and return
// a *resource.NotFoundError if it is absent, instead of leaving the
// workflow to discover that later.
type Operations struct {
	act    *Activator
	recs   repository.Records
	logger logrus.FieldLogger
}

func NewOperations(act *Activator, recs repository.Records, logger logrus.FieldLogger) *Operations {
	return &Operations{act: act, recs: recs, logger: logger}
}

func (ops *Operations) load(ctx context.Context, id string) (*resource.Record, error) {
	if id == "" {
		return nil, &resource.NotFoundError{ID: id}
	}
	rec, err := ops.recs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, &resource.NotFoundError{ID: id}
	}
	return rec, nil
}

// newRecord stores the record a create workflow will provision. The
// record exists (unready, Queued) before the workflow runs, so the
// pool size loop counts creations in flight and callers can be
// given the id right away.
func (ops *Operations) newRecord(ctx context.Context, in CreateInput) (*resource.Record, error) {
	now := time.Now().UTC()
	rec := &resource.Record{
		ID:            in.ResourceID,
		Type:          in.Type,
		SkuName:       in.SkuName,
		Location:      in.Location,
		Created:       now,
		IsAssigned:    in.IsAssigned,
		PoolReference: in.PoolReference,
		Details:       in.Details,
	}
	if in.IsAssigned {
		rec.Assigned = now
	}
	if in.OSDiskResourceID != "" {
		rec.Details.OSDiskRecordID = in.OSDiskResourceID
	}
	rec.SetProvisioningStatus(resource.OperationQueued, now)
	if err := ops.recs.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (ops *Operations) submitCreate(ctx context.Context, in CreateInput, reason string) (*resource.Record, resource.ContinuationResult, error) {
	if in.ResourceID == "" {
		return nil, resource.ContinuationResult{}, fmt.Errorf("create: empty resource id")
	}
	rec, err := ops.newRecord(ctx, in)
	if err != nil {
		return nil, resource.ContinuationResult{}, err
	}
	result, err := ops.act.Execute(ctx, TargetCreate, in, in.ResourceID, reason)
	if err != nil {
		// Nothing will provision the record, so don't leave
		// it where the pool would count it.
		_, derr := repository.Modify(context.WithoutCancel(ctx), ops.recs, rec.ID, modifyAttempts, func(rec *resource.Record) error {
			now := time.Now().UTC()
			rec.IsDeleted = true
			rec.Deleted = now
			rec.SetProvisioningStatus(resource.OperationFailed, now)
			return nil
		})
		if derr != nil {
			ops.logger.WithError(derr).WithField("ResourceID", rec.ID).Warn("error discarding record after failed submission")
		}
		return nil, resource.ContinuationResult{}, err
	}
	return rec, result, nil
}

// Create submits creation of a new resource, e.g., to replenish a
// pool.
func (ops *Operations) Create(ctx context.Context, in CreateInput, reason string) (resource.ContinuationResult, error) {
	_, result, err := ops.submitCreate(ctx, in, reason)
	return result, err
}

// QueueCreate submits creation of a resource already assigned to a
// waiting caller, and returns its (not yet ready) record.
func (ops *Operations) QueueCreate(ctx context.Context, in CreateInput, reason string) (*resource.Record, resource.ContinuationResult, error) {
	in.IsAssigned = true
	return ops.submitCreate(ctx, in, reason)
}

func (ops *Operations) submitStart(ctx context.Context, target string, in StartInput, reason string) (resource.ContinuationResult, error) {
	for _, id := range []string{in.ComputeResourceID, in.OSDiskResourceID, in.StorageResourceID, in.ArchiveStorageResourceID} {
		if id == "" {
			continue
		}
		if _, err := ops.load(ctx, id); err != nil {
			return resource.ContinuationResult{}, err
		}
	}
	if in.ComputeResourceID == "" {
		return resource.ContinuationResult{}, &resource.NotFoundError{ID: ""}
	}
	return ops.act.Execute(ctx, target, in, in.ComputeResourceID, reason)
}

// StartEnvironment boots an environment's compute resource.
func (ops *Operations) StartEnvironment(ctx context.Context, in StartInput, reason string) (resource.ContinuationResult, error) {
	return ops.submitStart(ctx, TargetStartEnvironment, in, reason)
}

// StartExport boots an environment's compute resource to export its
// storage.
func (ops *Operations) StartExport(ctx context.Context, in StartInput, reason string) (resource.ContinuationResult, error) {
	return ops.submitStart(ctx, TargetStartExport, in, reason)
}

// UpdateSystem boots an environment's compute resource with an agent
// update.
func (ops *Operations) UpdateSystem(ctx context.Context, in StartInput, reason string) (resource.ContinuationResult, error) {
	return ops.submitStart(ctx, TargetUpdateSystem, in, reason)
}

// StartArchive moves an environment's file share to blob storage.
func (ops *Operations) StartArchive(ctx context.Context, in ArchiveInput, reason string) (resource.ContinuationResult, error) {
	for _, id := range []string{in.BlobResourceID, in.FileShareResourceID} {
		if _, err := ops.load(ctx, id); err != nil {
			return resource.ContinuationResult{}, err
		}
	}
	return ops.act.Execute(ctx, TargetStartArchive, in, in.BlobResourceID, reason)
}

func (ops *Operations) Delete(ctx context.Context, id, reason string) (resource.ContinuationResult, error) {
	if _, err := ops.load(ctx, id); err != nil {
		return resource.ContinuationResult{}, err
	}
	return ops.act.Execute(ctx, TargetDelete, ResourceInput{ResourceID: id}, id, reason)
}

// Suspend releases a resource's hardware while keeping its data.
func (ops *Operations) Suspend(ctx context.Context, id, reason string) (resource.ContinuationResult, error) {
	if _, err := ops.load(ctx, id); err != nil {
		return resource.ContinuationResult{}, err
	}
	return ops.act.Execute(ctx, TargetCleanup, ResourceInput{ResourceID: id}, id, reason)
}

// DeleteOrphanedCompute deletes a provider compute resource that has
// no record.
func (ops *Operations) DeleteOrphanedCompute(ctx context.Context, providerID, location, reason string) (resource.ContinuationResult, error) {
	return ops.deleteOrphaned(ctx, resource.TypeComputeVM, providerID, location, reason)
}

// DeleteOrphanedStorage deletes a provider storage resource that has
// no record.
func (ops *Operations) DeleteOrphanedStorage(ctx context.Context, providerID, location, reason string) (resource.ContinuationResult, error) {
	return ops.deleteOrphaned(ctx, resource.TypeStorageFileShare, providerID, location, reason)
}

func (ops *Operations) deleteOrphaned(ctx context.Context, typ resource.Type, providerID, location, reason string) (resource.ContinuationResult, error) {
	if providerID == "" {
		return resource.ContinuationResult{}, fmt.Errorf("delete orphaned %s: empty provider id", typ)
	}
	in := OrphanInput{Type: typ, ProviderID: providerID, Location: location}
	return ops.act.Execute(ctx, TargetDeleteOrphaned, in, "orphan/"+providerID, reason)
}

// ProcessHeartbeat merges a heartbeat into its record in the
// background. At most one heartbeat per resource is queued at a
// time: while one is pending, later ones are dropped.
func (ops *Operations) ProcessHeartbeat(ctx context.Context, hb resource.HeartBeat, reason string) (resource.ContinuationResult, error) {
	if _, err := ops.load(ctx, hb.ResourceID); err != nil {
		return resource.ContinuationResult{}, err
	}
	return ops.act.Execute(ctx, TargetHeartbeat, HeartbeatInput{HeartBeat: hb}, "heartbeat/"+hb.ResourceID, reason)
}
