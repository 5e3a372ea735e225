// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package strategy

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/resourcebroker.git/lib/continuation"
	"git.arvados.org/resourcebroker.git/lib/pool"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type osDiskCreate struct{ *Deps }

func (s osDiskCreate) Allocate(ctx context.Context, envID string, unit []resource.AllocateInput, trigger string) (*Allocation, error) {
	compute, disk, _ := splitPair(unit)
	switch {
	case !compute.QueueCreateResource && !disk.QueueCreateResource:
		return s.claim(ctx, envID, compute, disk)
	case compute.QueueCreateResource && disk.QueueCreateResource:
		return s.queue(ctx, compute, disk)
	}
	return nil, &resource.UnsupportedError{What: "compute and OS disk requests with different queue flags"}
}

// claim takes a compute resource from its pool together with the
// OS disk record created along with it.
func (s osDiskCreate) claim(ctx context.Context, envID string, compute, disk resource.AllocateInput) (*Allocation, error) {
	logger := s.logger(envID, compute)
	def, ok, err := s.poolFor(compute)
	if errors.Is(err, pool.ErrNotInitialized) {
		logger.Warn("pool definitions have not been pushed yet")
		ok, err = false, nil
	}
	if err != nil {
		return nil, err
	}
	var rec *resource.Record
	if ok {
		rec, err = s.Pools.TryClaim(ctx, def.Code)
		if err != nil {
			return nil, err
		}
	}
	if rec == nil {
		if s.Config.QueueFallback {
			logger.Info("no pooled compute resource, falling back to queued creation")
			return s.queue(ctx, compute, disk)
		}
		return nil, outOfCapacity(compute)
	}
	diskID := rec.Details.OSDiskRecordID
	if diskID == "" {
		s.release(ctx, rec.ID)
		return nil, &resource.InvalidStateError{ResourceID: rec.ID, Reason: "pooled compute resource has no OS disk record"}
	}
	diskRec, err := s.Pools.MarkAssigned(ctx, diskID)
	if err != nil {
		s.release(ctx, rec.ID)
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"ResourceID":       rec.ID,
		"OSDiskResourceID": diskID,
	}).Info("claimed pooled compute resource with its OS disk")
	return &Allocation{
		Results: []resource.AllocateResult{
			resource.ResultFromRecord(rec, true),
			resource.ResultFromRecord(diskRec, true),
		},
		Claimed:   []string{rec.ID, diskID},
		Replenish: []resource.PoolDefinition{def},
	}, nil
}

// queue stores a new disk record, then queues creation of a compute
// resource that boots from it.
func (s osDiskCreate) queue(ctx context.Context, compute, disk resource.AllocateInput) (*Allocation, error) {
	ci := s.createInput(compute)
	ci.CreateOSDiskRecord = false
	now := time.Now().UTC()
	diskRec := &resource.Record{
		ID:         uuid.NewString(),
		Type:       resource.TypeOSDisk,
		SkuName:    disk.SkuName,
		Location:   disk.Location,
		Created:    now,
		IsAssigned: true,
		Assigned:   now,
		Details: resource.Details{
			ImageName: ci.Details.ImageName,
			ComputeOS: ci.Details.ComputeOS,
		},
	}
	diskRec.SetProvisioningStatus(resource.OperationInProgress, now)
	if err := s.Records.Create(ctx, diskRec); err != nil {
		return nil, err
	}
	ci.OSDiskResourceID = diskRec.ID
	rec, _, err := s.Operations.QueueCreate(ctx, ci, continuation.ReasonQueueAllocate)
	if err != nil {
		_, derr := repository.Modify(context.WithoutCancel(ctx), s.Records, diskRec.ID, modifyAttempts, func(rec *resource.Record) error {
			rec.IsDeleted = true
			rec.Deleted = time.Now().UTC()
			return nil
		})
		if derr != nil {
			s.Logger.WithError(derr).WithField("ResourceID", diskRec.ID).Warn("error discarding OS disk record")
		}
		return nil, err
	}
	return &Allocation{
		Results: []resource.AllocateResult{
			resource.ResultFromRecord(rec, false),
			resource.ResultFromRecord(diskRec, false),
		},
		Claimed: []string{rec.ID, diskRec.ID},
	}, nil
}

type osDiskResume struct{ *Deps }

func (s osDiskResume) Allocate(ctx context.Context, envID string, unit []resource.AllocateInput, trigger string) (*Allocation, error) {
	compute, disk, _ := splitPair(unit)
	diskID := existingDisk(compute, disk)
	logger := s.logger(envID, compute).WithField("OSDiskResourceID", diskID)

	diskRec, err := s.Records.Get(ctx, diskID)
	if err != nil {
		return nil, err
	}
	if diskRec.IsDeleted {
		return nil, &resource.NotFoundError{ID: diskID}
	}
	if diskRec.Type != resource.TypeOSDisk {
		return nil, &resource.InvalidStateError{ResourceID: diskID, Reason: "not an OS disk"}
	}
	if diskRec.Details.ProviderID == "" {
		return nil, &resource.InvalidStateError{ResourceID: diskID, Reason: "OS disk has not been provisioned"}
	}
	detached, err := s.Disks.IsDetached(ctx, diskRec.Details.ProviderID)
	if err != nil {
		return nil, err
	}
	if !detached {
		return nil, &resource.InvalidStateError{ResourceID: diskID, Reason: "OS disk is still attached to a compute resource"}
	}
	diskRec, err = s.Pools.MarkAssigned(ctx, diskID)
	if err != nil {
		return nil, err
	}

	x := ext(compute)
	update := NeedsAgentUpdate(x.UpdateAgent || ext(disk).UpdateAgent, diskRec.HeartBeatSummary.AgentVersion(), s.Config.MinimumAgentVersion)
	ci := s.createInput(compute)
	ci.CreateOSDiskRecord = false
	ci.OSDiskResourceID = diskID
	ci.Details.UpdateAgent = update
	ci.Details.HardBoot = x.HardBoot || ext(disk).HardBoot
	if diskRec.Details.ComputeOS != "" {
		ci.Details.ComputeOS = diskRec.Details.ComputeOS
	}
	rec, _, err := s.Operations.QueueCreate(ctx, ci, continuation.ReasonQueueAllocate)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"ResourceID":  rec.ID,
		"UpdateAgent": update,
	}).Info("queued compute resource to resume from existing OS disk")
	return &Allocation{
		Results: []resource.AllocateResult{
			resource.ResultFromRecord(rec, false),
			resource.ResultFromRecord(diskRec, false),
		},
		// The disk belongs to the environment being resumed, so
		// only the new compute resource is released on failure.
		Claimed: []string{rec.ID},
	}, nil
}

// NeedsAgentUpdate reports whether a resumed environment's agent
// should be updated: when the caller asks for it, when the disk
// never reported a version, or when the reported version is older
// than minimum.
func NeedsAgentUpdate(requested bool, current, minimum string) bool {
	if requested || current == "" {
		return true
	}
	if minimum == "" {
		return false
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return true
	}
	want, err := semver.NewVersion(minimum)
	if err != nil {
		return false
	}
	return cur.LessThan(want)
}
