// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import (
	"fmt"
	"strings"
)

// PoolDetails are the attributes every resource created for a pool
// inherits.
type PoolDetails struct {
	ImageName string    `json:"image_name,omitempty"`
	ComputeOS ComputeOS `json:"compute_os,omitempty"`

	// SeparateOSDisk gives each compute resource in the pool its
	// own OS disk record, so the disk can outlive the compute
	// resource when an environment is suspended.
	SeparateOSDisk bool `json:"separate_os_disk,omitempty"`
}

// PoolDefinition is the target occupancy of one pool.
type PoolDefinition struct {
	Code            string      `json:"code"`
	VersionCode     string      `json:"version_code,omitempty"`
	SkuName         string      `json:"sku_name"`
	Type            Type        `json:"type"`
	Location        string      `json:"location"`
	TargetCount     int         `json:"target_count"`
	EnvironmentSkus []string    `json:"environment_skus,omitempty"`
	IsEnabled       bool        `json:"is_enabled"`
	Details         PoolDetails `json:"details"`
}

// PoolCode returns the canonical code for a (sku, type, location)
// tuple. Definitions without an explicit Code use this.
func PoolCode(sku string, typ Type, location string) string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", typ, sku, location))
}

// Validate checks that the definition is usable.
func (d PoolDefinition) Validate() error {
	if d.SkuName == "" {
		return fmt.Errorf("pool definition %q: missing sku_name", d.Code)
	}
	if d.Type == "" {
		return fmt.Errorf("pool definition %q: missing type", d.Code)
	}
	if d.Location == "" {
		return fmt.Errorf("pool definition %q: missing location", d.Code)
	}
	if d.TargetCount < 0 {
		return fmt.Errorf("pool definition %q: negative target_count %d", d.Code, d.TargetCount)
	}
	return nil
}

// Reference returns the PoolReference carried by records created
// for this pool.
func (d PoolDefinition) Reference() PoolReference {
	return PoolReference{
		Code:        d.Code,
		VersionCode: d.VersionCode,
		Dimensions: map[string]string{
			"skuName":  d.SkuName,
			"location": d.Location,
			"type":     string(d.Type),
		},
	}
}
