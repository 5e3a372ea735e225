// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import "time"

// AllocateExtendedProperties carry request details that only some
// request shapes use.
type AllocateExtendedProperties struct {
	// OSDiskResourceID refers to an existing OS disk record
	// (resume from suspend).
	OSDiskResourceID string `json:"os_disk_resource_id,omitempty"`

	// OSDiskSnapshotResourceID refers to an existing snapshot
	// record (restore a disk from a snapshot).
	OSDiskSnapshotResourceID string `json:"os_disk_snapshot_resource_id,omitempty"`

	SubnetResourceID string `json:"subnet_resource_id,omitempty"`
	HardBoot         bool   `json:"hard_boot,omitempty"`
	UpdateAgent      bool   `json:"update_agent,omitempty"`
}

// AllocateInput requests one resource.
type AllocateInput struct {
	SkuName             string                      `json:"sku_name"`
	Type                Type                        `json:"type"`
	Location            string                      `json:"location"`
	QueueCreateResource bool                        `json:"queue_create_resource,omitempty"`
	ExtendedProperties  *AllocateExtendedProperties `json:"extended_properties,omitempty"`
}

// AllocateResult describes an allocated resource.
type AllocateResult struct {
	ResourceID string    `json:"resource_id"`
	SkuName    string    `json:"sku_name"`
	Location   string    `json:"location"`
	Type       Type      `json:"type"`
	Created    time.Time `json:"created"`
	IsReady    bool      `json:"is_ready"`

	// FromPool is true when the resource was claimed from a pool
	// rather than created for this request.
	FromPool bool `json:"-"`
}

// ResultFromRecord maps a record to the result returned to callers.
func ResultFromRecord(rec *Record, fromPool bool) AllocateResult {
	return AllocateResult{
		ResourceID: rec.ID,
		SkuName:    rec.SkuName,
		Location:   rec.Location,
		Type:       rec.Type,
		Created:    rec.Created,
		IsReady:    rec.IsReady,
		FromPool:   fromPool,
	}
}

// StartAction selects what a start request does with its resources.
type StartAction string

const (
	StartCompute = StartAction("StartCompute")
	StartArchive = StartAction("StartArchive")
	StartExport  = StartAction("StartExport")
	StartUpdate  = StartAction("StartUpdate")
)

// StartInput names one resource taking part in a start request.
type StartInput struct {
	ResourceID   string            `json:"resource_id"`
	Variables    map[string]string `json:"variables,omitempty"`
	DevContainer string            `json:"devcontainer,omitempty"`
}

// DeleteInput and SuspendInput name the resource to delete or
// suspend.
type DeleteInput struct {
	ResourceID string `json:"resource_id"`
}

type SuspendInput struct {
	ResourceID string `json:"resource_id"`
}
