// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package continuation

import "git.arvados.org/resourcebroker.git/sdk/go/resource"

// Queue targets. Each names the handler that runs a workflow.
const (
	TargetCreate           = "JobCreateResource"
	TargetStartEnvironment = "JobStartEnvironment"
	TargetStartArchive     = "JobStartArchive"
	TargetStartExport      = "JobStartExport"
	TargetUpdateSystem     = "JobUpdateSystem"
	TargetDelete           = "JobDeleteResource"
	TargetCleanup          = "JobCleanupResource"
	TargetDeleteOrphaned   = "JobDeleteOrphanedResource"
	TargetHeartbeat        = "JobProcessResourceHeartbeat"
)

// Reasons recorded on workflows submitted by the broker and the
// watch-pool-size loop.
const (
	ReasonPoolReplenish   = "WatchPoolSizeIncrease"
	ReasonPoolShrink      = "WatchPoolSizeDecrease"
	ReasonAssignedReplace = "ResourceAssignedReplace"
	ReasonQueueAllocate   = "ResourceQueueAllocate"
	ReasonOrphanedPool    = "OrphanedPoolResource"
	ReasonFailedCleanup   = "WatchFailedResources"
	ReasonHeartbeat       = "HeartbeatReceived"
)

// PoolUpkeep reports whether reason marks a delete submitted to
// maintain a pool. Such a delete never removes an assigned record.
func PoolUpkeep(reason string) bool {
	switch reason {
	case ReasonPoolShrink, ReasonOrphanedPool, ReasonFailedCleanup:
		return true
	}
	return false
}

// CreateInput describes a resource to create.
type CreateInput struct {
	ResourceID    string                 `json:"resource_id"`
	Type          resource.Type          `json:"type"`
	SkuName       string                 `json:"sku_name"`
	Location      string                 `json:"location"`
	PoolReference resource.PoolReference `json:"pool_reference"`
	Details       resource.Details       `json:"details"`

	// IsAssigned creates the record already assigned, for
	// resources created on behalf of a waiting caller.
	IsAssigned bool `json:"is_assigned"`

	// CreateOSDiskRecord creates a separate OS disk record along
	// with a compute resource, so the disk can outlive it.
	CreateOSDiskRecord bool `json:"create_os_disk_record,omitempty"`

	// OSDiskResourceID boots the compute resource from an
	// existing disk record.
	OSDiskResourceID string `json:"os_disk_resource_id,omitempty"`
}

// StartInput names the resources of an environment being started.
type StartInput struct {
	EnvironmentID            string            `json:"environment_id"`
	ComputeResourceID        string            `json:"compute_resource_id"`
	OSDiskResourceID         string            `json:"os_disk_resource_id,omitempty"`
	StorageResourceID        string            `json:"storage_resource_id,omitempty"`
	ArchiveStorageResourceID string            `json:"archive_storage_resource_id,omitempty"`
	Variables                map[string]string `json:"variables,omitempty"`
	DevContainer             string            `json:"devcontainer,omitempty"`
}

// ArchiveInput names the blob and file share of an archive
// operation.
type ArchiveInput struct {
	EnvironmentID       string `json:"environment_id"`
	BlobResourceID      string `json:"blob_resource_id"`
	FileShareResourceID string `json:"file_share_resource_id"`
}

// ResourceInput names a single existing resource.
type ResourceInput struct {
	EnvironmentID string `json:"environment_id,omitempty"`
	ResourceID    string `json:"resource_id"`
}

// OrphanInput names a provider resource that has no record.
type OrphanInput struct {
	Type       resource.Type `json:"type"`
	ProviderID string        `json:"provider_id"`
	Location   string        `json:"location,omitempty"`
}

// HeartbeatInput carries a heartbeat to merge.
type HeartbeatInput struct {
	HeartBeat resource.HeartBeat `json:"heartbeat"`
}

// CreateInputForPool returns the input that creates a new unassigned
// resource with the given id for the pool.
func CreateInputForPool(def resource.PoolDefinition, id string) CreateInput {
	return CreateInput{
		ResourceID:    id,
		Type:          def.Type,
		SkuName:       def.SkuName,
		Location:      def.Location,
		PoolReference: def.Reference(),
		Details: resource.Details{
			ImageName: def.Details.ImageName,
			ComputeOS: def.Details.ComputeOS,
		},
		CreateOSDiskRecord: def.Type == resource.TypeComputeVM && def.Details.SeparateOSDisk,
	}
}
