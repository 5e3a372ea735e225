// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import "time"

type EnvironmentState string

const (
	EnvironmentCreated      = EnvironmentState("Created")
	EnvironmentQueued       = EnvironmentState("Queued")
	EnvironmentProvisioning = EnvironmentState("Provisioning")
	EnvironmentAvailable    = EnvironmentState("Available")
	EnvironmentStarting     = EnvironmentState("Starting")
	EnvironmentShuttingDown = EnvironmentState("ShuttingDown")
	EnvironmentShutdown     = EnvironmentState("Shutdown")
	EnvironmentUnavailable  = EnvironmentState("Unavailable")
	EnvironmentFailed       = EnvironmentState("Failed")
	EnvironmentDeleted      = EnvironmentState("Deleted")
)

// TriggerCreate is the state-update trigger recorded when an
// environment is first queued for creation.
const TriggerCreate = "create"

// Environment is a development environment backed by broker
// resources.
type Environment struct {
	ID                     string           `json:"id"`
	State                  EnvironmentState `json:"state"`
	LastUpdated            time.Time        `json:"last_updated"`
	LastStateUpdateTrigger string           `json:"last_state_update_trigger,omitempty"`
	LastStateUpdateReason  string           `json:"last_state_update_reason,omitempty"`
	IsStatic               bool             `json:"is_static"`
	IsDeleted              bool             `json:"is_deleted"`
	ComputeResourceID      string           `json:"compute_resource_id,omitempty"`
	OSDiskResourceID       string           `json:"os_disk_resource_id,omitempty"`
	StorageResourceID      string           `json:"storage_resource_id,omitempty"`
	Version                int64            `json:"version"`
}

// Copy returns a copy of e.
func (e *Environment) Copy() *Environment {
	cp := *e
	return &cp
}

// ResourceIDs returns the non-empty resource ids backing e.
func (e *Environment) ResourceIDs() []string {
	var ids []string
	for _, id := range []string{e.ComputeResourceID, e.OSDiskResourceID, e.StorageResourceID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
