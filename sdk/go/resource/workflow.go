// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import (
	"encoding/json"
	"time"
)

// WorkflowState is the state tag of a persisted continuation.
type WorkflowState string

const (
	WorkflowPending   = WorkflowState("Pending")
	WorkflowRunning   = WorkflowState("Running")
	WorkflowSucceeded = WorkflowState("Succeeded")
	WorkflowFailed    = WorkflowState("Failed")
)

// InFlight reports whether a workflow in this state blocks new
// workflows for the same resource.
func (s WorkflowState) InFlight() bool {
	return s == WorkflowPending || s == WorkflowRunning
}

// Workflow is a durable, resumable continuation keyed by resource
// id. Cursor is the index of the next step to run. Owner and
// LeaseExpires identify the worker currently running it; Version
// guards every update the same way it does for records.
type Workflow struct {
	ID           string          `json:"id"`
	ResourceID   string          `json:"resource_id"`
	Target       string          `json:"target"`
	Reason       string          `json:"reason,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	State        WorkflowState   `json:"state"`
	Cursor       int             `json:"cursor"`
	Attempts     int             `json:"attempts"`
	Owner        string          `json:"owner,omitempty"`
	LeaseExpires time.Time       `json:"lease_expires,omitempty"`
	NextRun      time.Time       `json:"next_run"`
	LastError    string          `json:"last_error,omitempty"`
	Created      time.Time       `json:"created"`
	Updated      time.Time       `json:"updated"`
	Version      int64           `json:"version"`
}

// Copy returns a copy of wf that shares no mutable state with it.
func (wf *Workflow) Copy() *Workflow {
	cp := *wf
	cp.Payload = append(json.RawMessage(nil), wf.Payload...)
	return &cp
}

// Due reports whether a worker may lease wf at time now: either it
// is pending and its NextRun has arrived, or it is running under a
// lease that has expired.
func (wf *Workflow) Due(now time.Time) bool {
	switch wf.State {
	case WorkflowPending:
		return !wf.NextRun.After(now)
	case WorkflowRunning:
		return !wf.LeaseExpires.After(now)
	}
	return false
}

// ContinuationStatus is the immediate outcome of submitting a
// continuation. It is not a guarantee of completion.
type ContinuationStatus string

const (
	ContinuationInProgress = ContinuationStatus("InProgress")
	ContinuationSucceeded  = ContinuationStatus("Succeeded")
	ContinuationFailed     = ContinuationStatus("Failed")
)

type ContinuationResult struct {
	Status     ContinuationStatus `json:"status"`
	WorkflowID string             `json:"workflow_id,omitempty"`

	// Deduplicated is true if an in-flight workflow for the same
	// resource already existed and no new one was created.
	Deduplicated bool `json:"deduplicated,omitempty"`
}
