// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package resource defines the records, requests, configuration and
// errors shared by the resource broker components.
package resource

import "time"

// Type is the kind of cloud resource a record describes.
type Type string

const (
	TypeComputeVM        = Type("ComputeVM")
	TypeOSDisk           = Type("OSDisk")
	TypeStorageFileShare = Type("StorageFileShare")
	TypeKeyVault         = Type("KeyVault")
	TypeSnapshot         = Type("Snapshot")
	TypeStorageArchive   = Type("StorageArchive")
)

// IsStorage reports whether records of this type hold user data
// that belongs with a compute OS.
func (t Type) IsStorage() bool {
	return t == TypeStorageFileShare || t == TypeStorageArchive
}

// OperationState is the progress of one of a record's long-running
// operations (provisioning, starting, deleting, cleanup).
type OperationState string

const (
	OperationQueued     = OperationState("Queued")
	OperationInProgress = OperationState("InProgress")
	OperationSucceeded  = OperationState("Succeeded")
	OperationFailed     = OperationState("Failed")
)

// Terminal reports whether no further transitions are expected.
func (s OperationState) Terminal() bool {
	return s == OperationSucceeded || s == OperationFailed
}

// ComputeOS is the operating system family of a compute resource.
type ComputeOS string

const (
	ComputeOSLinux   = ComputeOS("Linux")
	ComputeOSWindows = ComputeOS("Windows")
)

// PoolReference ties a record to the pool it was created for.
type PoolReference struct {
	Code        string            `json:"code"`
	VersionCode string            `json:"version_code,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// Details holds the type-specific attributes of a record.
type Details struct {
	// ProviderID is the cloud provider's identifier, empty
	// until the provider operation has completed.
	ProviderID      string    `json:"provider_id,omitempty"`
	ImageName       string    `json:"image_name,omitempty"`
	ComputeOS       ComputeOS `json:"compute_os,omitempty"`
	SourceComputeOS ComputeOS `json:"source_compute_os,omitempty"`

	// OSDiskRecordID links a pooled compute record to the disk
	// record created along with it.
	OSDiskRecordID string `json:"os_disk_record_id,omitempty"`

	SnapshotSourceID string `json:"snapshot_source_id,omitempty"`
	UpdateAgent      bool   `json:"update_agent,omitempty"`
	HardBoot         bool   `json:"hard_boot,omitempty"`
	SubnetResourceID string `json:"subnet_resource_id,omitempty"`
}

// KeepAlives records the last time each party reported liveness.
type KeepAlives struct {
	EnvironmentAlive time.Time `json:"environment_alive,omitempty"`
}

// Record is the unit of pooled capacity.
//
// Version is the optimistic concurrency token: a repository accepts
// an update only if Version still matches the stored value, and
// increments it on success.
type Record struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	SkuName  string    `json:"sku_name"`
	Location string    `json:"location"`
	Created  time.Time `json:"created"`

	IsReady    bool      `json:"is_ready"`
	Ready      time.Time `json:"ready,omitempty"`
	IsAssigned bool      `json:"is_assigned"`
	Assigned   time.Time `json:"assigned,omitempty"`
	IsDeleted  bool      `json:"is_deleted"`
	Deleted    time.Time `json:"deleted,omitempty"`

	ProvisioningStatus        OperationState `json:"provisioning_status,omitempty"`
	ProvisioningStatusChanged time.Time      `json:"provisioning_status_changed,omitempty"`
	StartingStatus            OperationState `json:"starting_status,omitempty"`
	StartingStatusChanged     time.Time      `json:"starting_status_changed,omitempty"`
	DeletingStatus            OperationState `json:"deleting_status,omitempty"`
	DeletingStatusChanged     time.Time      `json:"deleting_status_changed,omitempty"`
	CleanupStatus             OperationState `json:"cleanup_status,omitempty"`
	CleanupStatusChanged      time.Time      `json:"cleanup_status_changed,omitempty"`

	// DeleteAttempts counts delete workflows that have started
	// on this record.
	DeleteAttempts int `json:"delete_attempts,omitempty"`

	PoolReference    PoolReference    `json:"pool_reference"`
	Details          Details          `json:"details"`
	HeartBeatSummary HeartBeatSummary `json:"heartbeat_summary"`
	KeepAlives       KeepAlives       `json:"keep_alives"`

	Version int64 `json:"version"`
}

// SetProvisioningStatus updates the provisioning status and its
// change time.
func (r *Record) SetProvisioningStatus(s OperationState, now time.Time) {
	r.ProvisioningStatus, r.ProvisioningStatusChanged = s, now
}

func (r *Record) SetStartingStatus(s OperationState, now time.Time) {
	r.StartingStatus, r.StartingStatusChanged = s, now
}

func (r *Record) SetDeletingStatus(s OperationState, now time.Time) {
	r.DeletingStatus, r.DeletingStatusChanged = s, now
}

func (r *Record) SetCleanupStatus(s OperationState, now time.Time) {
	r.CleanupStatus, r.CleanupStatusChanged = s, now
}

// Pooled reports whether the record is part of its pool's
// unassigned inventory: it can be counted toward the pool target and
// handed out. Records that failed, or that have been withdrawn for
// deletion, are not.
func (r *Record) Pooled() bool {
	return r.PoolReference.Code != "" &&
		!r.IsAssigned &&
		!r.IsDeleted &&
		r.ProvisioningStatus != OperationFailed &&
		r.StartingStatus != OperationFailed &&
		r.DeletingStatus == ""
}

// NeedsCleanup reports whether an unassigned pool record has left
// its pool's inventory without being deleted, either because an
// operation failed or because it was withdrawn for deletion.
func (r *Record) NeedsCleanup() bool {
	if r.PoolReference.Code == "" || r.IsAssigned || r.IsDeleted {
		return false
	}
	return !r.Pooled()
}

// Copy returns a deep copy of r, so callers can mutate the result
// without affecting stored state.
func (r *Record) Copy() *Record {
	cp := *r
	if r.PoolReference.Dimensions != nil {
		cp.PoolReference.Dimensions = make(map[string]string, len(r.PoolReference.Dimensions))
		for k, v := range r.PoolReference.Dimensions {
			cp.PoolReference.Dimensions[k] = v
		}
	}
	cp.HeartBeatSummary = r.HeartBeatSummary.copy()
	return &cp
}

// StatusResult is a snapshot of a record's readiness and operation
// states.
type StatusResult struct {
	ResourceID                string         `json:"resource_id"`
	SkuName                   string         `json:"sku_name"`
	Location                  string         `json:"location"`
	Type                      Type           `json:"type"`
	IsReady                   bool           `json:"is_ready"`
	Created                   time.Time      `json:"created"`
	ProvisioningStatus        OperationState `json:"provisioning_status,omitempty"`
	ProvisioningStatusChanged time.Time      `json:"provisioning_status_changed,omitempty"`
	StartingStatus            OperationState `json:"starting_status,omitempty"`
	StartingStatusChanged     time.Time      `json:"starting_status_changed,omitempty"`
	DeletingStatus            OperationState `json:"deleting_status,omitempty"`
	DeletingStatusChanged     time.Time      `json:"deleting_status_changed,omitempty"`
	CleanupStatus             OperationState `json:"cleanup_status,omitempty"`
	CleanupStatusChanged      time.Time      `json:"cleanup_status_changed,omitempty"`
}

// Status returns the record's current StatusResult.
func (r *Record) Status() StatusResult {
	return StatusResult{
		ResourceID:                r.ID,
		SkuName:                   r.SkuName,
		Location:                  r.Location,
		Type:                      r.Type,
		IsReady:                   r.IsReady,
		Created:                   r.Created,
		ProvisioningStatus:        r.ProvisioningStatus,
		ProvisioningStatusChanged: r.ProvisioningStatusChanged,
		StartingStatus:            r.StartingStatus,
		StartingStatusChanged:     r.StartingStatusChanged,
		DeletingStatus:            r.DeletingStatus,
		DeletingStatusChanged:     r.DeletingStatusChanged,
		CleanupStatus:             r.CleanupStatus,
		CleanupStatusChanged:      r.CleanupStatusChanged,
	}
}
