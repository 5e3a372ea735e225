// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package strategy

import (
	"context"
	"time"

	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// osDiskSnapshot converts between disks and snapshots. Snapshots
// are never pooled.
type osDiskSnapshot struct{ *Deps }

func (s osDiskSnapshot) Allocate(ctx context.Context, envID string, unit []resource.AllocateInput, trigger string) (*Allocation, error) {
	in := unit[0]
	if in.Type == resource.TypeSnapshot {
		return s.snapshotDisk(ctx, envID, in)
	}
	return s.restoreDisk(ctx, envID, in)
}

// source loads the record a conversion starts from.
func (s osDiskSnapshot) source(ctx context.Context, id string, typ resource.Type) (*resource.Record, error) {
	rec, err := s.Records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, &resource.NotFoundError{ID: id}
	}
	if rec.Type != typ {
		return nil, &resource.InvalidStateError{ResourceID: id, Reason: "is a " + string(rec.Type) + ", not a " + string(typ)}
	}
	if rec.Details.ProviderID == "" {
		return nil, &resource.InvalidStateError{ResourceID: id, Reason: "has not been provisioned"}
	}
	return rec, nil
}

func (s osDiskSnapshot) newRecord(id string, in resource.AllocateInput, src *resource.Record, providerID string) *resource.Record {
	now := time.Now().UTC()
	return &resource.Record{
		ID:         id,
		Type:       in.Type,
		SkuName:    in.SkuName,
		Location:   in.Location,
		Created:    now,
		IsAssigned: true,
		Assigned:   now,
		Details: resource.Details{
			ProviderID:       providerID,
			ComputeOS:        src.Details.ComputeOS,
			ImageName:        src.Details.ImageName,
			SnapshotSourceID: src.ID,
		},
	}
}

func (s osDiskSnapshot) snapshotDisk(ctx context.Context, envID string, in resource.AllocateInput) (*Allocation, error) {
	disk, err := s.source(ctx, ext(in).OSDiskResourceID, resource.TypeOSDisk)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	pid, err := s.Disks.SnapshotDisk(ctx, disk.Details.ProviderID, cloud.CreateSpec{
		Name:     id,
		Type:     resource.TypeSnapshot,
		SkuName:  in.SkuName,
		Location: in.Location,
		Tags:     cloud.Tags{"resource-broker-id": id},
	})
	if err != nil {
		return nil, err
	}
	rec := s.newRecord(id, in, disk, pid)
	rec.IsReady = true
	rec.Ready = rec.Created
	rec.SetProvisioningStatus(resource.OperationSucceeded, rec.Created)
	if err := s.Records.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger(envID, in).WithFields(logrus.Fields{
		"ResourceID":       id,
		"OSDiskResourceID": disk.ID,
	}).Info("created snapshot of OS disk")
	return &Allocation{
		Results: []resource.AllocateResult{resource.ResultFromRecord(rec, false)},
		Claimed: []string{rec.ID},
	}, nil
}

func (s osDiskSnapshot) restoreDisk(ctx context.Context, envID string, in resource.AllocateInput) (*Allocation, error) {
	snap, err := s.source(ctx, ext(in).OSDiskSnapshotResourceID, resource.TypeSnapshot)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	pid, err := s.Disks.DiskFromSnapshot(ctx, snap.Details.ProviderID, cloud.CreateSpec{
		Name:     id,
		Type:     resource.TypeOSDisk,
		SkuName:  in.SkuName,
		Location: in.Location,
		Tags:     cloud.Tags{"resource-broker-id": id},
	})
	if err != nil {
		return nil, err
	}
	rec := s.newRecord(id, in, snap, pid)
	rec.SetProvisioningStatus(resource.OperationInProgress, rec.Created)
	if err := s.Records.Create(ctx, rec); err != nil {
		return nil, err
	}
	logger := s.logger(envID, in).WithFields(logrus.Fields{
		"ResourceID":         id,
		"SnapshotResourceID": snap.ID,
	})
	logger.Info("restored OS disk from snapshot")
	return &Allocation{
		Results: []resource.AllocateResult{resource.ResultFromRecord(rec, false)},
		Claimed: []string{rec.ID},
		Followups: []Followup{{
			Name: "delete-source-snapshot",
			Run: func(ctx context.Context) error {
				return s.finishRestore(ctx, id, snap)
			},
		}},
	}, nil
}

// finishRestore deletes the snapshot a disk was restored from and
// marks the disk ready.
func (s osDiskSnapshot) finishRestore(ctx context.Context, diskID string, snap *resource.Record) error {
	err := s.Disks.DeleteSnapshot(ctx, snap.Details.ProviderID)
	if err != nil && resource.ProviderErrorKindOf(err) != resource.ProviderNotFound {
		return err
	}
	_, err = repository.Modify(ctx, s.Records, snap.ID, modifyAttempts, func(rec *resource.Record) error {
		if rec.IsDeleted {
			return repository.ErrNoChange
		}
		now := time.Now().UTC()
		rec.IsDeleted = true
		rec.Deleted = now
		rec.IsReady = false
		rec.SetDeletingStatus(resource.OperationSucceeded, now)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = repository.Modify(ctx, s.Records, diskID, modifyAttempts, func(rec *resource.Record) error {
		now := time.Now().UTC()
		rec.IsReady = true
		rec.Ready = now
		rec.SetProvisioningStatus(resource.OperationSucceeded, now)
		return nil
	})
	return err
}
