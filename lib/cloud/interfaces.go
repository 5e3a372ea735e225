// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a Provider when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Provider when the cloud
// service indicates the account cannot create more resources of the
// requested kind than already exist.
type QuotaError interface {
	// If true, don't create more resources until some existing
	// ones are deleted. If false, don't handle the error as a
	// quota error.
	IsQuotaError() bool
	error
}

var ErrNotImplemented = errors.New("not implemented")

// Tags are attached to every cloud resource a Provider creates.
type Tags map[string]string

// CreateSpec describes a cloud resource to create.
type CreateSpec struct {
	// Name is the broker's resource id. Drivers derive the
	// provider resource name from it so a retried create finds
	// the resource made by an earlier attempt.
	Name      string
	Type      resource.Type
	SkuName   string
	Location  string
	ImageName string
	ComputeOS resource.ComputeOS

	// OSDisk is the provider ID of an existing OS disk to boot a
	// compute resource from. If empty, a new disk is created from
	// ImageName.
	OSDisk   string
	SubnetID string
	Tags     Tags
}

// DiskProvider manages OS disks and snapshots.
type DiskProvider interface {
	// IsDetached reports whether the disk is not attached to any
	// compute resource.
	IsDetached(ctx context.Context, diskID string) (bool, error)

	// SnapshotDisk creates a snapshot of the disk and returns the
	// snapshot's provider ID.
	SnapshotDisk(ctx context.Context, diskID string, spec CreateSpec) (string, error)

	// DiskFromSnapshot creates a new disk from the snapshot and
	// returns the disk's provider ID.
	DiskFromSnapshot(ctx context.Context, snapshotID string, spec CreateSpec) (string, error)

	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// A Provider creates and deletes the cloud resources behind
// resource records.
//
// Errors that mean the resource does not exist, the request was
// malformed, or the operation failed at the provider should be
// returned as *resource.ProviderError. All methods are goroutine
// safe.
type Provider interface {
	// Create makes a resource and returns its provider ID. It
	// blocks until the resource is usable.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Delete removes a resource. Deleting a resource that no
	// longer exists is not an error.
	Delete(ctx context.Context, typ resource.Type, providerID string) error

	// Start boots a deallocated compute resource.
	Start(ctx context.Context, providerID string) error

	// Deallocate stops a compute resource and releases its
	// hardware, keeping its OS disk.
	Deallocate(ctx context.Context, providerID string) error

	DiskProvider

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns a Provider that uses the given driver-dependent
// configuration parameters.
//
// Example:
//
//	type exampleProvider struct {
//		AccessKey string
//	}
//
//	type exampleDriver struct {}
//
//	func (*exampleDriver) Provider(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
//		var p exampleProvider
//		if err := json.Unmarshal(config, &p); err != nil {
//			return nil, err
//		}
//		return &p, nil
//	}
type Driver interface {
	Provider(config json.RawMessage, logger logrus.FieldLogger) (Provider, error)
}

// DriverFunc makes a Driver using the provided function as its
// Provider method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, logger logrus.FieldLogger) (Provider, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, logger logrus.FieldLogger) (Provider, error)

func (df driverFunc) Provider(config json.RawMessage, logger logrus.FieldLogger) (Provider, error) {
	return df(config, logger)
}
