// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package repair

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
)

// TriggerRepair is the state-update trigger recorded on repaired
// environments.
const TriggerRepair = "repair"

const modifyAttempts = 5

// ResourceBroker submits suspend and delete operations for an
// environment's resources.
type ResourceBroker interface {
	SuspendOne(ctx context.Context, envID string, input resource.SuspendInput, trigger string) (bool, error)
	DeleteOne(ctx context.Context, envID string, input resource.DeleteInput, trigger string) (bool, error)
}

// EnvironmentActions repairs environments by submitting resource
// operations through a broker, then recording the new environment
// state.
//
// The resource operation is submitted first. If that fails, the
// environment keeps its stuck state and is retried by the next
// sweep.
type EnvironmentActions struct {
	Environments repository.Environments
	Broker       ResourceBroker
}

// StateChangedError is returned when an environment's state changed
// between the sweep's check and the repair.
type StateChangedError struct {
	EnvironmentID string
	Expected      resource.EnvironmentState
	Actual        resource.EnvironmentState
}

func (e *StateChangedError) Error() string {
	return fmt.Sprintf("environment %s: state changed from %s to %s", e.EnvironmentID, e.Expected, e.Actual)
}

// Suspend releases the environment's compute and marks it shut down.
func (ea *EnvironmentActions) Suspend(ctx context.Context, env *resource.Environment) error {
	if env.ComputeResourceID != "" {
		_, err := ea.Broker.SuspendOne(ctx, env.ID, resource.SuspendInput{ResourceID: env.ComputeResourceID}, TriggerRepair)
		if err != nil && !resource.IsNotFound(err) {
			return err
		}
	}
	return ea.transition(ctx, env, resource.EnvironmentShutdown, "stuck in "+string(env.State), false)
}

// Fail marks the environment failed. Its resources are deleted when
// a later sweep hard-deletes it.
func (ea *EnvironmentActions) Fail(ctx context.Context, env *resource.Environment) error {
	return ea.transition(ctx, env, resource.EnvironmentFailed, "stuck in "+string(env.State), false)
}

// HardDelete deletes every resource of the environment and marks it
// deleted. Resources that are already gone are ignored.
func (ea *EnvironmentActions) HardDelete(ctx context.Context, env *resource.Environment) error {
	for _, id := range env.ResourceIDs() {
		_, err := ea.Broker.DeleteOne(ctx, env.ID, resource.DeleteInput{ResourceID: id}, TriggerRepair)
		if err != nil && !resource.IsNotFound(err) {
			return fmt.Errorf("delete resource %s: %w", id, err)
		}
	}
	return ea.transition(ctx, env, resource.EnvironmentDeleted, "failed environment", true)
}

func (ea *EnvironmentActions) transition(ctx context.Context, env *resource.Environment, state resource.EnvironmentState, reason string, deleted bool) error {
	_, err := repository.ModifyEnvironment(ctx, ea.Environments, env.ID, modifyAttempts, func(cur *resource.Environment) error {
		if cur.State != env.State {
			return &StateChangedError{EnvironmentID: env.ID, Expected: env.State, Actual: cur.State}
		}
		cur.State = state
		cur.LastUpdated = time.Now().UTC()
		cur.LastStateUpdateTrigger = TriggerRepair
		cur.LastStateUpdateReason = reason
		if deleted {
			cur.IsDeleted = true
		}
		return nil
	})
	return err
}
