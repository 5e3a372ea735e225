// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
)

// ErrNotInitialized is returned by RetrieveDefinitions before the
// first PushScaleLevels.
var ErrNotInitialized = errors.New("pool definitions have not been initialized")

type definitionSnapshot struct {
	defs   []resource.PoolDefinition
	byCode map[string]int
}

// DefinitionStore holds the current pool definitions. Each
// PushScaleLevels replaces the whole set with a single atomic swap,
// so readers always see one complete snapshot.
type DefinitionStore struct {
	current atomic.Pointer[definitionSnapshot]
}

// PushScaleLevels validates defs and publishes them as the current
// snapshot. Definitions without a Code get one from
// resource.PoolCode. If any definition is invalid, the previous
// snapshot stays in effect.
func (ds *DefinitionStore) PushScaleLevels(defs []resource.PoolDefinition) error {
	snap := &definitionSnapshot{
		defs:   make([]resource.PoolDefinition, 0, len(defs)),
		byCode: make(map[string]int, len(defs)),
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		if def.Code == "" {
			def.Code = resource.PoolCode(def.SkuName, def.Type, def.Location)
		}
		if _, dup := snap.byCode[def.Code]; dup {
			return fmt.Errorf("duplicate pool definition %q", def.Code)
		}
		def.EnvironmentSkus = append([]string(nil), def.EnvironmentSkus...)
		snap.byCode[def.Code] = len(snap.defs)
		snap.defs = append(snap.defs, def)
	}
	ds.current.Store(snap)
	return nil
}

// RetrieveDefinitions returns a copy of the current definitions.
func (ds *DefinitionStore) RetrieveDefinitions() ([]resource.PoolDefinition, error) {
	snap := ds.current.Load()
	if snap == nil {
		return nil, ErrNotInitialized
	}
	return append([]resource.PoolDefinition(nil), snap.defs...), nil
}

// Get returns the definition with the given pool code.
func (ds *DefinitionStore) Get(code string) (resource.PoolDefinition, bool) {
	snap := ds.current.Load()
	if snap == nil {
		return resource.PoolDefinition{}, false
	}
	i, ok := snap.byCode[code]
	if !ok {
		return resource.PoolDefinition{}, false
	}
	return snap.defs[i], true
}

// Lookup returns the definition for a resource sku, type and
// location.
func (ds *DefinitionStore) Lookup(sku string, typ resource.Type, location string) (resource.PoolDefinition, bool) {
	snap := ds.current.Load()
	if snap == nil {
		return resource.PoolDefinition{}, false
	}
	for _, def := range snap.defs {
		if def.SkuName == sku && def.Type == typ && strings.EqualFold(def.Location, location) {
			return def, true
		}
	}
	return resource.PoolDefinition{}, false
}

// MapLogicalSkuToResourceSku returns the pool whose type and
// location match and whose EnvironmentSkus include logicalSku. A
// pool whose own SkuName is logicalSku is used if no pool lists it.
func (ds *DefinitionStore) MapLogicalSkuToResourceSku(logicalSku string, typ resource.Type, location string) (resource.PoolDefinition, error) {
	snap := ds.current.Load()
	if snap == nil {
		return resource.PoolDefinition{}, ErrNotInitialized
	}
	for _, def := range snap.defs {
		if def.Type != typ || !strings.EqualFold(def.Location, location) {
			continue
		}
		for _, sku := range def.EnvironmentSkus {
			if sku == logicalSku {
				return def, nil
			}
		}
	}
	if def, ok := ds.Lookup(logicalSku, typ, location); ok {
		return def, nil
	}
	return resource.PoolDefinition{}, &resource.NotFoundError{
		Kind: "pool definition",
		ID:   fmt.Sprintf("%s/%s/%s", logicalSku, typ, location),
	}
}
