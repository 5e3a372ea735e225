// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/lib/heartbeat"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/google/uuid"
)

const (
	modifyAttempts = 5
	tagResourceID  = "resource-broker-id"
	tagPool        = "resource-broker-pool"
)

// Handlers carries out each queue target's work against the cloud
// provider and the repository.
//
// Every step re-reads the records it needs, so a workflow resumed
// at any cursor sees current state rather than state captured by an
// earlier step.
type Handlers struct {
	Records  repository.Records
	Provider cloud.Provider

	// Environments, if not nil, has environment states updated
	// when start operations finish.
	Environments repository.Environments

	Heartbeats *heartbeat.Manager
}

// Register installs a handler for every queue target.
func (h *Handlers) Register(act *Activator) {
	act.Register(TargetCreate, h.create)
	act.Register(TargetDelete, h.delete)
	act.Register(TargetCleanup, h.cleanup)
	act.Register(TargetStartEnvironment, h.startEnvironment(resource.StartCompute))
	act.Register(TargetStartExport, h.startEnvironment(resource.StartExport))
	act.Register(TargetUpdateSystem, h.startEnvironment(resource.StartUpdate))
	act.Register(TargetStartArchive, h.startArchive)
	act.Register(TargetDeleteOrphaned, h.deleteOrphaned)
	act.Register(TargetHeartbeat, h.heartbeat)
}

// OSDiskRecordID returns the id of the OS disk record created along
// with the given compute record. It is derived from the compute id
// so a retried step finds the record made by an earlier attempt.
func OSDiskRecordID(computeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("resourcebroker:osdisk:"+computeID)).String()
}

func decode(wf *resource.Workflow, dst interface{}) error {
	if err := json.Unmarshal(wf.Payload, dst); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", wf.Target, err))
	}
	return nil
}

func (h *Handlers) modify(ctx context.Context, id string, fn func(*resource.Record) error) (*resource.Record, error) {
	return repository.Modify(ctx, h.Records, id, modifyAttempts, fn)
}

// providerError marks provider errors that no retry can fix.
func providerError(err error) error {
	switch resource.ProviderErrorKindOf(err) {
	case resource.ProviderInvalidData:
		return Permanent(err)
	}
	if errors.Is(err, cloud.ErrNotImplemented) {
		return Permanent(err)
	}
	return err
}

func isProviderNotFound(err error) bool {
	return resource.ProviderErrorKindOf(err) == resource.ProviderNotFound
}

// missingIsPermanent turns a missing record into a permanent
// failure: the record was checked when the workflow was submitted,
// so it will not reappear.
func missingIsPermanent(err error) error {
	if resource.IsNotFound(err) {
		return Permanent(err)
	}
	return err
}

func specFor(rec *resource.Record) cloud.CreateSpec {
	computeOS := rec.Details.ComputeOS
	if computeOS == "" {
		computeOS = rec.Details.SourceComputeOS
	}
	return cloud.CreateSpec{
		Name:      rec.ID,
		Type:      rec.Type,
		SkuName:   rec.SkuName,
		Location:  rec.Location,
		ImageName: rec.Details.ImageName,
		ComputeOS: computeOS,
		SubnetID:  rec.Details.SubnetResourceID,
		Tags: cloud.Tags{
			tagResourceID: rec.ID,
			tagPool:       rec.PoolReference.Code,
		},
	}
}

// diskRecordFor returns the id of the OS disk record the compute
// record boots from, or "".
func (h *Handlers) diskRecordFor(ctx context.Context, in CreateInput) (string, error) {
	if in.OSDiskResourceID != "" {
		return in.OSDiskResourceID, nil
	}
	rec, err := h.Records.Get(ctx, in.ResourceID)
	if err != nil {
		return "", missingIsPermanent(err)
	}
	return rec.Details.OSDiskRecordID, nil
}

func (h *Handlers) create(ctx context.Context, wf *resource.Workflow) (*Plan, error) {
	var in CreateInput
	if err := decode(wf, &in); err != nil {
		return nil, err
	}
	begin := func(ctx context.Context) error {
		_, err := h.modify(ctx, in.ResourceID, func(rec *resource.Record) error {
			if rec.IsDeleted {
				ctxlog.FromContext(ctx).Info("record was deleted before it was provisioned")
				return ErrDone
			}
			if rec.ProvisioningStatus == resource.OperationInProgress {
				return repository.ErrNoChange
			}
			rec.SetProvisioningStatus(resource.OperationInProgress, time.Now().UTC())
			return nil
		})
		return missingIsPermanent(err)
	}
	addDiskRecord := func(ctx context.Context) error {
		if !in.CreateOSDiskRecord || in.OSDiskResourceID != "" {
			return nil
		}
		rec, err := h.Records.Get(ctx, in.ResourceID)
		if err != nil {
			return missingIsPermanent(err)
		}
		diskID := OSDiskRecordID(rec.ID)
		if _, err := h.Records.Get(ctx, diskID); resource.IsNotFound(err) {
			now := time.Now().UTC()
			disk := &resource.Record{
				ID:         diskID,
				Type:       resource.TypeOSDisk,
				SkuName:    rec.SkuName,
				Location:   rec.Location,
				Created:    now,
				IsAssigned: rec.IsAssigned,
				Assigned:   rec.Assigned,
				Details: resource.Details{
					ImageName: rec.Details.ImageName,
					ComputeOS: rec.Details.ComputeOS,
				},
			}
			disk.SetProvisioningStatus(resource.OperationInProgress, now)
			if err := h.Records.Create(ctx, disk); err != nil {
				if _, gerr := h.Records.Get(ctx, diskID); gerr != nil {
					return err
				}
			}
		} else if err != nil {
			return err
		}
		_, err = h.modify(ctx, in.ResourceID, func(rec *resource.Record) error {
			if rec.Details.OSDiskRecordID == diskID {
				return repository.ErrNoChange
			}
			rec.Details.OSDiskRecordID = diskID
			return nil
		})
		return err
	}
	provisionDisk := func(ctx context.Context) error {
		diskID, err := h.diskRecordFor(ctx, in)
		if err != nil || diskID == "" {
			return err
		}
		disk, err := h.Records.Get(ctx, diskID)
		if err != nil {
			return missingIsPermanent(err)
		}
		if disk.Details.ProviderID != "" {
			return nil
		}
		spec := specFor(disk)
		if spec.ImageName == "" {
			spec.ImageName = in.Details.ImageName
		}
		pid, err := h.Provider.Create(ctx, spec)
		if err != nil {
			return providerError(err)
		}
		_, err = h.modify(ctx, diskID, func(disk *resource.Record) error {
			disk.Details.ProviderID = pid
			return nil
		})
		return err
	}
	provision := func(ctx context.Context) error {
		rec, err := h.Records.Get(ctx, in.ResourceID)
		if err != nil {
			return missingIsPermanent(err)
		}
		if rec.Details.ProviderID != "" {
			return nil
		}
		spec := specFor(rec)
		if rec.Type == resource.TypeComputeVM {
			diskID, err := h.diskRecordFor(ctx, in)
			if err != nil {
				return err
			}
			if diskID != "" {
				disk, err := h.Records.Get(ctx, diskID)
				if err != nil {
					return missingIsPermanent(err)
				}
				if disk.Details.ProviderID == "" {
					return fmt.Errorf("OS disk %s has not been provisioned", diskID)
				}
				spec.OSDisk = disk.Details.ProviderID
			}
		}
		pid, err := h.Provider.Create(ctx, spec)
		if err != nil {
			return providerError(err)
		}
		_, err = h.modify(ctx, rec.ID, func(rec *resource.Record) error {
			rec.Details.ProviderID = pid
			return nil
		})
		return err
	}
	markSucceeded := func(ctx context.Context, id string) error {
		_, err := h.modify(ctx, id, func(rec *resource.Record) error {
			now := time.Now().UTC()
			if !rec.IsReady {
				rec.IsReady = true
				rec.Ready = now
			}
			rec.SetProvisioningStatus(resource.OperationSucceeded, now)
			return nil
		})
		return err
	}
	finish := func(ctx context.Context) error {
		diskID, err := h.diskRecordFor(ctx, in)
		if err != nil {
			return err
		}
		if diskID != "" {
			if err := markSucceeded(ctx, diskID); err != nil {
				return err
			}
		}
		return markSucceeded(ctx, in.ResourceID)
	}
	return &Plan{
		Steps: []Step{begin, addDiskRecord, provisionDisk, provision, finish},
		OnFailure: func(ctx context.Context, cause error) error {
			markFailed := func(rec *resource.Record) error {
				if rec.ProvisioningStatus == resource.OperationSucceeded {
					return repository.ErrNoChange
				}
				rec.SetProvisioningStatus(resource.OperationFailed, time.Now().UTC())
				return nil
			}
			if diskID, err := h.diskRecordFor(ctx, in); err == nil && diskID != "" && in.OSDiskResourceID == "" {
				h.modify(ctx, diskID, markFailed)
			}
			_, err := h.modify(ctx, in.ResourceID, markFailed)
			if resource.IsNotFound(err) {
				return nil
			}
			return err
		},
	}, nil
}

// deleteProviderResource deletes the provider side of the record,
// if it has one. A resource that is already gone is not an error.
func (h *Handlers) deleteProviderResource(ctx context.Context, rec *resource.Record) error {
	if rec.Details.ProviderID == "" {
		return nil
	}
	err := h.Provider.Delete(ctx, rec.Type, rec.Details.ProviderID)
	if err != nil && !isProviderNotFound(err) {
		return providerError(err)
	}
	return nil
}

func markDeleted(rec *resource.Record) error {
	if rec.IsDeleted && rec.DeletingStatus == resource.OperationSucceeded {
		return repository.ErrNoChange
	}
	now := time.Now().UTC()
	rec.IsDeleted = true
	rec.Deleted = now
	rec.IsReady = false
	rec.SetDeletingStatus(resource.OperationSucceeded, now)
	return nil
}

func (h *Handlers) delete(ctx context.Context, wf *resource.Workflow) (*Plan, error) {
	var in ResourceInput
	if err := decode(wf, &in); err != nil {
		return nil, err
	}
	begin := func(ctx context.Context) error {
		_, err := h.modify(ctx, in.ResourceID, func(rec *resource.Record) error {
			if rec.IsDeleted && rec.DeletingStatus == resource.OperationSucceeded {
				return ErrDone
			}
			if rec.IsAssigned && PoolUpkeep(wf.Reason) {
				// Claimed after the delete was
				// submitted: it belongs to its
				// caller now.
				return ErrDone
			}
			if rec.DeletingStatus == resource.OperationInProgress {
				return repository.ErrNoChange
			}
			rec.SetDeletingStatus(resource.OperationInProgress, time.Now().UTC())
			rec.DeleteAttempts++
			return nil
		})
		if resource.IsNotFound(err) {
			return ErrDone
		}
		return err
	}
	deleteProvider := func(ctx context.Context) error {
		rec, err := h.Records.Get(ctx, in.ResourceID)
		if err != nil {
			return missingIsPermanent(err)
		}
		return h.deleteProviderResource(ctx, rec)
	}
	// A pooled compute resource that was never handed out owns
	// its OS disk record, so the disk goes with it.
	deleteDisk := func(ctx context.Context) error {
		rec, err := h.Records.Get(ctx, in.ResourceID)
		if err != nil {
			return missingIsPermanent(err)
		}
		if rec.Details.OSDiskRecordID == "" {
			return nil
		}
		disk, err := h.Records.Get(ctx, rec.Details.OSDiskRecordID)
		if resource.IsNotFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		if disk.IsAssigned || disk.IsDeleted {
			return nil
		}
		if err := h.deleteProviderResource(ctx, disk); err != nil {
			return err
		}
		_, err = h.modify(ctx, disk.ID, markDeleted)
		return err
	}
	finish := func(ctx context.Context) error {
		_, err := h.modify(ctx, in.ResourceID, markDeleted)
		return err
	}
	return &Plan{
		Steps: []Step{begin, deleteProvider, deleteDisk, finish},
		OnFailure: func(ctx context.Context, cause error) error {
			_, err := h.modify(ctx, in.ResourceID, func(rec *resource.Record) error {
				rec.SetDeletingStatus(resource.OperationFailed, time.Now().UTC())
				return nil
			})
			if resource.IsNotFound(err) {
				return nil
			}
			return err
		},
	}, nil
}

// cleanup suspends a resource. A compute resource with its own OS
// disk record is deleted, leaving the disk for a later resume; other
// compute resources are deallocated.
func (h *Handlers) cleanup(ctx context.Context, wf *resource.Workflow) (*Plan, error) {
	var in ResourceInput
	if err := decode(wf, &in); err != nil {
		return nil, err
	}
	begin := func(ctx context.Context) error {
		_, err := h.modify(ctx, in.ResourceID, func(rec *resource.Record) error {
			if rec.IsDeleted {
				return ErrDone
			}
			if rec.CleanupStatus == resource.OperationInProgress {
				return repository.ErrNoChange
			}
			rec.SetCleanupStatus(resource.OperationInProgress, time.Now().UTC())
			return nil
		})
		return missingIsPermanent(err)
	}
	release := func(ctx context.Context) error {
		rec, err := h.Records.Get(ctx, in.ResourceID)
		if err != nil {
			return missingIsPermanent(err)
		}
		if rec.Type != resource.TypeComputeVM || rec.Details.ProviderID == "" {
			return nil
		}
		if rec.Details.OSDiskRecordID != "" {
			return h.deleteProviderResource(ctx, rec)
		}
		err = h.Provider.Deallocate(ctx, rec.Details.ProviderID)
		if err != nil && !isProviderNotFound(err) {
			return providerError(err)
		}
		return nil
	}
	finish := func(ctx context.Context) error {
		_, err := h.modify(ctx, in.ResourceID, func(rec *resource.Record) error {
			now := time.Now().UTC()
			if rec.Type == resource.TypeComputeVM && rec.Details.OSDiskRecordID != "" {
				markDeleted(rec)
			}
			rec.SetCleanupStatus(resource.OperationSucceeded, now)
			return nil
		})
		return err
	}
	return &Plan{
		Steps: []Step{begin, release, finish},
		OnFailure: func(ctx context.Context, cause error) error {
			_, err := h.modify(ctx, in.ResourceID, func(rec *resource.Record) error {
				rec.SetCleanupStatus(resource.OperationFailed, time.Now().UTC())
				return nil
			})
			if resource.IsNotFound(err) {
				return nil
			}
			return err
		},
	}, nil
}

func (h *Handlers) setEnvironmentState(ctx context.Context, envID string, state resource.EnvironmentState, trigger string) error {
	if h.Environments == nil || envID == "" {
		return nil
	}
	_, err := repository.ModifyEnvironment(ctx, h.Environments, envID, modifyAttempts, func(env *resource.Environment) error {
		if env.IsDeleted || env.State == state {
			return repository.ErrNoChange
		}
		env.State = state
		env.LastUpdated = time.Now().UTC()
		env.LastStateUpdateTrigger = trigger
		return nil
	})
	if resource.IsNotFound(err) {
		ctxlog.FromContext(ctx).WithField("EnvironmentID", envID).Info("environment not found, not updating state")
		return nil
	}
	return err
}

func (h *Handlers) setStarting(ctx context.Context, id string, state resource.OperationState) error {
	_, err := h.modify(ctx, id, func(rec *resource.Record) error {
		if rec.StartingStatus == state {
			return repository.ErrNoChange
		}
		rec.SetStartingStatus(state, time.Now().UTC())
		return nil
	})
	return err
}

// startEnvironment boots an environment's compute resource. The
// export and update-system targets differ only in how the agent
// treats the boot.
func (h *Handlers) startEnvironment(action resource.StartAction) Handler {
	return func(ctx context.Context, wf *resource.Workflow) (*Plan, error) {
		var in StartInput
		if err := decode(wf, &in); err != nil {
			return nil, err
		}
		begin := func(ctx context.Context) error {
			_, err := h.modify(ctx, in.ComputeResourceID, func(rec *resource.Record) error {
				if rec.IsDeleted {
					return Permanent(&resource.InvalidStateError{ResourceID: rec.ID, Reason: "deleted"})
				}
				rec.SetStartingStatus(resource.OperationInProgress, time.Now().UTC())
				if action == resource.StartUpdate {
					rec.Details.UpdateAgent = true
				}
				return nil
			})
			return missingIsPermanent(err)
		}
		boot := func(ctx context.Context) error {
			rec, err := h.Records.Get(ctx, in.ComputeResourceID)
			if err != nil {
				return missingIsPermanent(err)
			}
			if rec.Details.ProviderID == "" {
				// Still being created. Retry later.
				return fmt.Errorf("compute resource %s has not been provisioned", rec.ID)
			}
			return providerError(h.Provider.Start(ctx, rec.Details.ProviderID))
		}
		finish := func(ctx context.Context) error {
			if err := h.setStarting(ctx, in.ComputeResourceID, resource.OperationSucceeded); err != nil {
				return err
			}
			return h.setEnvironmentState(ctx, in.EnvironmentID, resource.EnvironmentAvailable, string(action))
		}
		return &Plan{
			Steps: []Step{begin, boot, finish},
			OnFailure: func(ctx context.Context, cause error) error {
				err := h.setStarting(ctx, in.ComputeResourceID, resource.OperationFailed)
				if err != nil && !resource.IsNotFound(err) {
					return err
				}
				return h.setEnvironmentState(ctx, in.EnvironmentID, resource.EnvironmentFailed, string(action))
			},
		}, nil
	}
}

// startArchive waits for both sides of an archive to exist at the
// provider, then marks the blob started. The agent on the
// environment moves the data.
func (h *Handlers) startArchive(ctx context.Context, wf *resource.Workflow) (*Plan, error) {
	var in ArchiveInput
	if err := decode(wf, &in); err != nil {
		return nil, err
	}
	begin := func(ctx context.Context) error {
		return missingIsPermanent(h.setStarting(ctx, in.BlobResourceID, resource.OperationInProgress))
	}
	check := func(ctx context.Context) error {
		for _, id := range []string{in.BlobResourceID, in.FileShareResourceID} {
			rec, err := h.Records.Get(ctx, id)
			if err != nil {
				return missingIsPermanent(err)
			}
			if rec.IsDeleted {
				return Permanent(&resource.InvalidStateError{ResourceID: id, Reason: "deleted"})
			}
			if rec.Details.ProviderID == "" {
				return fmt.Errorf("%s %s has not been provisioned", rec.Type, id)
			}
		}
		return nil
	}
	finish := func(ctx context.Context) error {
		if err := h.setStarting(ctx, in.BlobResourceID, resource.OperationSucceeded); err != nil {
			return err
		}
		return h.setEnvironmentState(ctx, in.EnvironmentID, resource.EnvironmentShuttingDown, string(resource.StartArchive))
	}
	return &Plan{
		Steps: []Step{begin, check, finish},
		OnFailure: func(ctx context.Context, cause error) error {
			err := h.setStarting(ctx, in.BlobResourceID, resource.OperationFailed)
			if resource.IsNotFound(err) {
				return nil
			}
			return err
		},
	}, nil
}

func (h *Handlers) deleteOrphaned(ctx context.Context, wf *resource.Workflow) (*Plan, error) {
	var in OrphanInput
	if err := decode(wf, &in); err != nil {
		return nil, err
	}
	return &Plan{Steps: []Step{func(ctx context.Context) error {
		err := h.Provider.Delete(ctx, in.Type, in.ProviderID)
		if err != nil && !isProviderNotFound(err) {
			return providerError(err)
		}
		return nil
	}}}, nil
}

func (h *Handlers) heartbeat(ctx context.Context, wf *resource.Workflow) (*Plan, error) {
	var in HeartbeatInput
	if err := decode(wf, &in); err != nil {
		return nil, err
	}
	return &Plan{Steps: []Step{func(ctx context.Context) error {
		_, err := h.Heartbeats.SaveHeartbeat(ctx, in.HeartBeat.ResourceID, in.HeartBeat)
		return missingIsPermanent(err)
	}}}, nil
}
