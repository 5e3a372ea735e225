// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package repository

import (
	"context"
	"errors"
	"fmt"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
)

// ErrNoChange can be returned by a Modify callback to indicate the
// record is already in the desired state and should not be written.
var ErrNoChange = errors.New("no change")

// Modify loads the record with the given id, applies fn, and writes
// the result. If the write loses a version race, the record is
// reloaded and fn is applied again, up to attempts times.
//
// Modify returns the record as stored after the last successful
// write (or as loaded, if fn returned ErrNoChange).
func Modify(ctx context.Context, recs Records, id string, attempts int, fn func(*resource.Record) error) (*resource.Record, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; ; i++ {
		rec, err := recs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		err = fn(rec)
		if errors.Is(err, ErrNoChange) {
			return rec, nil
		} else if err != nil {
			return nil, err
		}
		err = recs.Update(ctx, rec)
		if err == nil {
			return rec, nil
		} else if !resource.IsVersionConflict(err) {
			return nil, err
		} else if i+1 >= attempts {
			return nil, fmt.Errorf("update %s: gave up after %d attempts: %w", id, attempts, err)
		}
	}
}

// ModifyEnvironment is Modify for environments.
func ModifyEnvironment(ctx context.Context, envs Environments, id string, attempts int, fn func(*resource.Environment) error) (*resource.Environment, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; ; i++ {
		env, err := envs.GetEnvironment(ctx, id)
		if err != nil {
			return nil, err
		}
		err = fn(env)
		if errors.Is(err, ErrNoChange) {
			return env, nil
		} else if err != nil {
			return nil, err
		}
		err = envs.UpdateEnvironment(ctx, env)
		if err == nil {
			return env, nil
		} else if !resource.IsVersionConflict(err) {
			return nil, err
		} else if i+1 >= attempts {
			return nil, fmt.Errorf("update environment %s: gave up after %d attempts: %w", id, attempts, err)
		}
	}
}
