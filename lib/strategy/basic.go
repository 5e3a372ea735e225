// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package strategy

import (
	"context"
	"errors"

	"git.arvados.org/resourcebroker.git/lib/continuation"
	"git.arvados.org/resourcebroker.git/lib/pool"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
)

// ArchiveSkuName is the SKU of archive storage, which is never
// pooled.
const ArchiveSkuName = "ShrunkBlob"

type basic struct{ *Deps }

func (s basic) Allocate(ctx context.Context, envID string, unit []resource.AllocateInput, trigger string) (*Allocation, error) {
	in := unit[0]
	logger := s.logger(envID, in)

	var sourceOS resource.ComputeOS
	if in.Type.IsStorage() {
		var err error
		sourceOS, err = s.sourceComputeOS(in)
		if err != nil {
			return nil, err
		}
	}
	if in.Type == resource.TypeStorageArchive || in.QueueCreateResource {
		return s.queue(ctx, in, sourceOS)
	}

	def, ok, err := s.poolFor(in)
	if errors.Is(err, pool.ErrNotInitialized) {
		logger.Warn("pool definitions have not been pushed yet")
		ok, err = false, nil
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Info("no pool serves this sku")
		return nil, outOfCapacity(in)
	}
	rec, err := s.Pools.TryClaim(ctx, def.Code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if in.Type == resource.TypeComputeVM && s.Config.QueueFallback {
			logger.WithField("PoolCode", def.Code).Info("pool is empty, falling back to queued creation")
			return s.queue(ctx, in, sourceOS)
		}
		return nil, outOfCapacity(in)
	}
	if sourceOS != "" && rec.Details.SourceComputeOS != sourceOS {
		id := rec.ID
		rec, err = repository.Modify(ctx, s.Records, id, modifyAttempts, func(rec *resource.Record) error {
			rec.Details.SourceComputeOS = sourceOS
			return nil
		})
		if err != nil {
			s.release(ctx, id)
			return nil, err
		}
	}
	return &Allocation{
		Results:   []resource.AllocateResult{resource.ResultFromRecord(rec, true)},
		Claimed:   []string{rec.ID},
		Replenish: []resource.PoolDefinition{def},
	}, nil
}

// queue creates a new resource assigned to the caller.
func (s basic) queue(ctx context.Context, in resource.AllocateInput, sourceOS resource.ComputeOS) (*Allocation, error) {
	ci := s.createInput(in)
	if in.Type == resource.TypeStorageArchive {
		ci.SkuName = ArchiveSkuName
		ci.PoolReference = resource.PoolReference{}
	}
	ci.Details.SourceComputeOS = sourceOS
	rec, _, err := s.Operations.QueueCreate(ctx, ci, continuation.ReasonQueueAllocate)
	if err != nil {
		return nil, err
	}
	return &Allocation{
		Results: []resource.AllocateResult{resource.ResultFromRecord(rec, false)},
		Claimed: []string{rec.ID},
	}, nil
}
