// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package broker

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/resourcebroker.git/lib/continuation"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/sirupsen/logrus"
)

// startResource is a start input with the record it names.
type startResource struct {
	in  resource.StartInput
	rec *resource.Record
}

// startSet is the resources of a start request, by type.
type startSet map[resource.Type][]startResource

// single returns the one resource of the given type, a zero value
// (nil rec) if there is none, or an error if there are several.
func (ss startSet) single(typ resource.Type) (startResource, error) {
	switch len(ss[typ]) {
	case 0:
		return startResource{}, nil
	case 1:
		return ss[typ][0], nil
	}
	return startResource{}, &resource.UnsupportedError{What: fmt.Sprintf("start request with %d %s resources", len(ss[typ]), typ)}
}

func (b *Broker) loadStartSet(ctx context.Context, inputs []resource.StartInput) (startSet, error) {
	ss := startSet{}
	for _, in := range inputs {
		rec, err := b.Records.Get(ctx, in.ResourceID)
		if err != nil {
			return nil, err
		}
		if rec.IsDeleted {
			return nil, &resource.NotFoundError{ID: in.ResourceID}
		}
		ss[rec.Type] = append(ss[rec.Type], startResource{in: in, rec: rec})
	}
	return ss, nil
}

// Start submits the start action for an environment's resources.
//
// StartCompute, StartExport and StartUpdate take a compute resource
// and one or two of its OS disk, file share and archive. StartArchive
// takes an archive and a file share. Any resource that does not
// exist is reported as *resource.NotFoundError.
func (b *Broker) Start(ctx context.Context, envID string, action resource.StartAction, inputs []resource.StartInput, trigger string) (ok bool, err error) {
	b.setupOnce.Do(b.setup)
	defer func() { b.count("start", err) }()
	logger := b.logger(envID, trigger).WithField("StartAction", action)

	ss, err := b.loadStartSet(ctx, inputs)
	if err != nil {
		return false, err
	}

	switch action {
	case resource.StartCompute, resource.StartExport, resource.StartUpdate:
		if len(inputs) != 2 && len(inputs) != 3 {
			return false, &resource.UnsupportedError{What: fmt.Sprintf("%s with %d resources (expected 2 or 3)", action, len(inputs))}
		}
		var sel [4]startResource
		for i, typ := range []resource.Type{resource.TypeComputeVM, resource.TypeOSDisk, resource.TypeStorageFileShare, resource.TypeStorageArchive} {
			if sel[i], err = ss.single(typ); err != nil {
				return false, err
			}
		}
		compute := sel[0]
		if compute.rec == nil {
			return false, &resource.UnsupportedError{What: fmt.Sprintf("%s without a compute resource", action)}
		}
		in := continuation.StartInput{
			EnvironmentID:     envID,
			ComputeResourceID: compute.rec.ID,
			Variables:         compute.in.Variables,
			DevContainer:      compute.in.DevContainer,
		}
		if sel[1].rec != nil {
			in.OSDiskResourceID = sel[1].rec.ID
		}
		if sel[2].rec != nil {
			in.StorageResourceID = sel[2].rec.ID
		}
		if sel[3].rec != nil {
			in.ArchiveStorageResourceID = sel[3].rec.ID
		}
		logger = logger.WithFields(logrus.Fields{
			"ResourceID":               in.ComputeResourceID,
			"OSDiskResourceID":         in.OSDiskResourceID,
			"StorageResourceID":        in.StorageResourceID,
			"ArchiveStorageResourceID": in.ArchiveStorageResourceID,
		})
		var result resource.ContinuationResult
		switch action {
		case resource.StartCompute:
			result, err = b.Operations.StartEnvironment(ctx, in, trigger)
		case resource.StartExport:
			result, err = b.Operations.StartExport(ctx, in, trigger)
		default:
			result, err = b.Operations.UpdateSystem(ctx, in, trigger)
		}
		if err != nil {
			return false, err
		}
		logger.WithField("WorkflowID", result.WorkflowID).Info("submitted start")
		return true, nil

	case resource.StartArchive:
		if len(inputs) != 2 {
			return false, &resource.UnsupportedError{What: fmt.Sprintf("%s with %d resources (expected 2)", action, len(inputs))}
		}
		blob, err := ss.single(resource.TypeStorageArchive)
		if err != nil {
			return false, err
		}
		share, err := ss.single(resource.TypeStorageFileShare)
		if err != nil {
			return false, err
		}
		if blob.rec == nil || share.rec == nil {
			return false, &resource.UnsupportedError{What: fmt.Sprintf("%s needs an archive and a file share", action)}
		}
		result, err := b.Operations.StartArchive(ctx, continuation.ArchiveInput{
			EnvironmentID:       envID,
			BlobResourceID:      blob.rec.ID,
			FileShareResourceID: share.rec.ID,
		}, trigger)
		if err != nil {
			return false, err
		}
		logger.WithFields(logrus.Fields{
			"ArchiveStorageResourceID": blob.rec.ID,
			"StorageResourceID":        share.rec.ID,
			"WorkflowID":               result.WorkflowID,
		}).Info("submitted archive")
		return true, nil
	}
	return false, &resource.UnsupportedError{What: fmt.Sprintf("start action %q", action)}
}

// StartOne always fails: every start action involves more than one
// resource.
func (b *Broker) StartOne(ctx context.Context, envID string, action resource.StartAction, input resource.StartInput, trigger string) (bool, error) {
	return false, &resource.UnsupportedError{What: "starting a single resource"}
}

// Status returns the current status of a resource.
func (b *Broker) Status(ctx context.Context, id string) (resource.StatusResult, error) {
	rec, err := b.Records.Get(ctx, id)
	if err != nil {
		return resource.StatusResult{}, err
	}
	return rec.Status(), nil
}

// StatusSet returns the status of each id, in order.
func (b *Broker) StatusSet(ctx context.Context, ids []string) ([]resource.StatusResult, error) {
	results := make([]resource.StatusResult, 0, len(ids))
	for _, id := range ids {
		st, err := b.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, nil
}

// ProcessHeartbeat records that the environment using a resource is
// alive, and reports whether the resource exists and is not
// deleted. A resource that reported within the keep-alive interval
// is not written again.
func (b *Broker) ProcessHeartbeat(ctx context.Context, id, trigger string) (exists bool, err error) {
	b.setupOnce.Do(b.setup)
	interval := b.Config.KeepAliveInterval.Duration()
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}
	logger := b.Logger.WithFields(logrus.Fields{"ResourceID": id, "Trigger": trigger})
	now := time.Now().UTC()

	if v, ok := b.keepAlive.Get(id); ok {
		if last := v.(time.Time); now.Sub(last) < interval {
			rec, err := b.Records.Get(ctx, id)
			if resource.IsNotFound(err) {
				b.keepAlive.Remove(id)
				b.mKeepAlives.WithLabelValues("missing").Inc()
				return false, nil
			} else if err != nil {
				b.mKeepAlives.WithLabelValues("error").Inc()
				return false, err
			}
			b.mKeepAlives.WithLabelValues("throttled").Inc()
			return !rec.IsDeleted, nil
		}
	}

	rec, err := repository.Modify(ctx, b.Records, id, modifyAttempts, func(rec *resource.Record) error {
		rec.KeepAlives.EnvironmentAlive = now
		return nil
	})
	if resource.IsNotFound(err) {
		b.mKeepAlives.WithLabelValues("missing").Inc()
		logger.Info("keep-alive from unknown resource")
		return false, nil
	} else if err != nil {
		b.mKeepAlives.WithLabelValues("error").Inc()
		return false, err
	}
	b.keepAlive.Add(id, now)
	b.mKeepAlives.WithLabelValues("written").Inc()
	return !rec.IsDeleted, nil
}

// ReceiveHeartbeat records a keep-alive for the reporting resource
// and, if it exists, queues the report to be merged into its
// heartbeat summary.
func (b *Broker) ReceiveHeartbeat(ctx context.Context, hb resource.HeartBeat, trigger string) (exists bool, err error) {
	exists, err = b.ProcessHeartbeat(ctx, hb.ResourceID, trigger)
	if err != nil || !exists {
		return exists, err
	}
	_, err = b.Operations.ProcessHeartbeat(ctx, hb, continuation.ReasonHeartbeat)
	if resource.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}
