// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by a repository when an update
// carries a stale version token. Callers recompute and retry; it is
// never fatal.
var ErrVersionConflict = errors.New("version conflict")

// OutOfCapacityError means the pool for the requested resource was
// empty and no queued fallback applied.
type OutOfCapacityError struct {
	SkuName  string
	Type     Type
	Location string
}

func (e *OutOfCapacityError) Error() string {
	return fmt.Sprintf("out of capacity: sku %q type %s location %q", e.SkuName, e.Type, e.Location)
}

// NotFoundError means an operation referred to an id that is absent
// from the repository.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "resource"
	}
	return fmt.Sprintf("%s %q not found", kind, e.ID)
}

// UnsupportedError means the request or configuration cannot be
// handled at all, e.g., a request shape no strategy claims.
type UnsupportedError struct {
	What string
}

func (e *UnsupportedError) Error() string {
	return "unsupported: " + e.What
}

// InvalidStateError means the referenced resource exists but is not
// in a state that allows the operation.
type InvalidStateError struct {
	ResourceID string
	Reason     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("resource %q: %s", e.ResourceID, e.Reason)
}

// ProviderErrorKind classifies a failed cloud provider operation.
type ProviderErrorKind string

const (
	ProviderNotFound         = ProviderErrorKind("NotFound")
	ProviderInvalidData      = ProviderErrorKind("InvalidData")
	ProviderProcessingFailed = ProviderErrorKind("ProcessingFailed")
)

// ProviderError wraps an error returned by a cloud provider
// operation.
type ProviderError struct {
	Kind ProviderErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func IsOutOfCapacity(err error) bool {
	var target *OutOfCapacityError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsUnsupported(err error) bool {
	var target *UnsupportedError
	return errors.As(err, &target)
}

func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// ProviderErrorKindOf returns the kind of the ProviderError in err's
// chain, or "" if there is none.
func ProviderErrorKindOf(err error) ProviderErrorKind {
	var target *ProviderError
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}
