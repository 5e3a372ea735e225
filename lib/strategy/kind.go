// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package strategy

import (
	"fmt"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
)

// Kind is the shape of an allocation unit. Each kind has exactly one
// strategy.
type Kind int

const (
	// KindBasic is a single resource of any type, from a pool
	// or queued.
	KindBasic Kind = iota + 1

	// KindOSDiskCreate is a compute resource with a new OS disk.
	KindOSDiskCreate

	// KindOSDiskResume is a compute resource booting from an
	// existing OS disk.
	KindOSDiskResume

	// KindOSDiskSnapshot is a snapshot taken from a disk, or a
	// disk restored from a snapshot.
	KindOSDiskSnapshot
)

// Kinds lists every Kind.
var Kinds = []Kind{KindBasic, KindOSDiskCreate, KindOSDiskResume, KindOSDiskSnapshot}

func (k Kind) String() string {
	switch k {
	case KindBasic:
		return "Basic"
	case KindOSDiskCreate:
		return "OSDiskCreate"
	case KindOSDiskResume:
		return "OSDiskResume"
	case KindOSDiskSnapshot:
		return "OSDiskSnapshot"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ext(in resource.AllocateInput) resource.AllocateExtendedProperties {
	if in.ExtendedProperties == nil {
		return resource.AllocateExtendedProperties{}
	}
	return *in.ExtendedProperties
}

// Classify returns the kind of an allocation unit, or a
// *resource.UnsupportedError if no strategy handles its shape.
func Classify(unit []resource.AllocateInput) (Kind, error) {
	switch len(unit) {
	case 1:
		in := unit[0]
		switch {
		case in.Type == resource.TypeSnapshot && ext(in).OSDiskResourceID != "":
			return KindOSDiskSnapshot, nil
		case in.Type == resource.TypeSnapshot:
			return 0, &resource.UnsupportedError{What: "snapshot request without a source disk"}
		case in.Type == resource.TypeOSDisk && ext(in).OSDiskSnapshotResourceID != "":
			return KindOSDiskSnapshot, nil
		case in.Type == "":
			return 0, &resource.UnsupportedError{What: "request without a resource type"}
		}
		return KindBasic, nil
	case 2:
		compute, disk, ok := splitPair(unit)
		if !ok {
			return 0, &resource.UnsupportedError{What: fmt.Sprintf("request pair %s+%s", unit[0].Type, unit[1].Type)}
		}
		if existingDisk(compute, disk) != "" {
			return KindOSDiskResume, nil
		}
		return KindOSDiskCreate, nil
	}
	return 0, &resource.UnsupportedError{What: fmt.Sprintf("request with %d resources", len(unit))}
}

// splitPair returns the compute and OS disk inputs of a pair.
func splitPair(unit []resource.AllocateInput) (compute, disk resource.AllocateInput, ok bool) {
	if len(unit) != 2 {
		return
	}
	compute, disk = unit[0], unit[1]
	if compute.Type == resource.TypeOSDisk {
		compute, disk = disk, compute
	}
	ok = compute.Type == resource.TypeComputeVM && disk.Type == resource.TypeOSDisk
	return
}

// existingDisk returns the id of the existing disk record named by
// either input of a pair.
func existingDisk(compute, disk resource.AllocateInput) string {
	if id := ext(disk).OSDiskResourceID; id != "" {
		return id
	}
	return ext(compute).OSDiskResourceID
}

// Units splits a request into allocation units, in request order. A
// request's one compute input and one OS disk input form a single
// unit, placed where the first of them appears. Every other input is
// a unit by itself.
func Units(inputs []resource.AllocateInput) [][]resource.AllocateInput {
	computeAt, diskAt := -1, -1
	for i, in := range inputs {
		switch in.Type {
		case resource.TypeComputeVM:
			if computeAt >= 0 {
				computeAt = -2
			} else if computeAt == -1 {
				computeAt = i
			}
		case resource.TypeOSDisk:
			if ext(in).OSDiskSnapshotResourceID != "" {
				continue
			}
			if diskAt >= 0 {
				diskAt = -2
			} else if diskAt == -1 {
				diskAt = i
			}
		}
	}
	paired := computeAt >= 0 && diskAt >= 0
	var units [][]resource.AllocateInput
	for i, in := range inputs {
		switch {
		case paired && i == computeAt && computeAt < diskAt:
			units = append(units, []resource.AllocateInput{in, inputs[diskAt]})
		case paired && i == diskAt && diskAt < computeAt:
			units = append(units, []resource.AllocateInput{inputs[computeAt], in})
		case paired && (i == computeAt || i == diskAt):
		default:
			units = append(units, []resource.AllocateInput{in})
		}
	}
	return units
}
