// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is an in-process cloud driver. It keeps its
// resources in memory, so it is useful for tests and for trying out
// a broker without a cloud account.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver
// interface.
var Driver = cloud.DriverFunc(newProvider)

type config struct {
	// OpDelay is added to every operation to simulate provider
	// latency.
	OpDelay resource.Duration

	// Quota, if nonzero, is the maximum number of live
	// resources.
	Quota int
}

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type item struct {
	typ         resource.Type
	spec        cloud.CreateSpec
	attachedTo  string
	deallocated bool
	created     time.Time
}

// Provider is the loopback cloud.Provider. Its exported methods
// beyond the interface let tests inspect and rearrange state.
type Provider struct {
	cfg    config
	logger logrus.FieldLogger
	mtx    sync.Mutex
	items  map[string]*item
}

func newProvider(rawcfg json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	p := New(logger)
	if len(rawcfg) > 0 {
		if err := json.Unmarshal(rawcfg, &p.cfg); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// New returns an empty Provider with no delay or quota.
func New(logger logrus.FieldLogger) *Provider {
	return &Provider{logger: logger, items: map[string]*item{}}
}

func providerID(typ resource.Type, name string) string {
	return fmt.Sprintf("loopback/%s/%s", typ, name)
}

func (p *Provider) delay(ctx context.Context) error {
	if p.cfg.OpDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(p.cfg.OpDelay.Duration()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notFound(op, id string) error {
	return &resource.ProviderError{Kind: resource.ProviderNotFound, Op: op, Err: fmt.Errorf("%s does not exist", id)}
}

func (p *Provider) add(typ resource.Type, spec cloud.CreateSpec) (string, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	id := providerID(typ, spec.Name)
	if _, ok := p.items[id]; ok {
		// Idempotent: a retried create finds the earlier one.
		return id, nil
	}
	if p.cfg.Quota > 0 && len(p.items) >= p.cfg.Quota {
		return "", quotaError("loopback provider is at quota")
	}
	p.items[id] = &item{typ: typ, spec: spec, created: time.Now()}
	return id, nil
}

func (p *Provider) Create(ctx context.Context, spec cloud.CreateSpec) (string, error) {
	if spec.Name == "" {
		return "", &resource.ProviderError{Kind: resource.ProviderInvalidData, Op: "Create", Err: fmt.Errorf("empty name")}
	}
	if err := p.delay(ctx); err != nil {
		return "", err
	}
	if spec.Type == resource.TypeComputeVM && spec.OSDisk != "" {
		p.mtx.Lock()
		disk, ok := p.items[spec.OSDisk]
		if !ok {
			p.mtx.Unlock()
			return "", notFound("Create", spec.OSDisk)
		}
		if disk.attachedTo != "" && disk.attachedTo != providerID(spec.Type, spec.Name) {
			p.mtx.Unlock()
			return "", &resource.ProviderError{Kind: resource.ProviderProcessingFailed, Op: "Create", Err: fmt.Errorf("disk %s is attached to %s", spec.OSDisk, disk.attachedTo)}
		}
		disk.attachedTo = providerID(spec.Type, spec.Name)
		p.mtx.Unlock()
	}
	id, err := p.add(spec.Type, spec)
	if err == nil {
		p.logger.WithFields(logrus.Fields{"ProviderID": id, "SkuName": spec.SkuName}).Debug("loopback created resource")
	}
	return id, err
}

func (p *Provider) Delete(ctx context.Context, typ resource.Type, providerID string) error {
	if err := p.delay(ctx); err != nil {
		return err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.items, providerID)
	for _, it := range p.items {
		if it.attachedTo == providerID {
			it.attachedTo = ""
		}
	}
	return nil
}

func (p *Provider) compute(op, id string) (*item, error) {
	it, ok := p.items[id]
	if !ok {
		return nil, notFound(op, id)
	}
	if it.typ != resource.TypeComputeVM {
		return nil, &resource.ProviderError{Kind: resource.ProviderInvalidData, Op: op, Err: fmt.Errorf("%s is a %s, not a compute resource", id, it.typ)}
	}
	return it, nil
}

func (p *Provider) Start(ctx context.Context, providerID string) error {
	if err := p.delay(ctx); err != nil {
		return err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	it, err := p.compute("Start", providerID)
	if err != nil {
		return err
	}
	it.deallocated = false
	return nil
}

func (p *Provider) Deallocate(ctx context.Context, providerID string) error {
	if err := p.delay(ctx); err != nil {
		return err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	it, err := p.compute("Deallocate", providerID)
	if err != nil {
		return err
	}
	it.deallocated = true
	return nil
}

func (p *Provider) IsDetached(ctx context.Context, diskID string) (bool, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	it, ok := p.items[diskID]
	if !ok {
		return false, notFound("IsDetached", diskID)
	}
	return it.attachedTo == "", nil
}

func (p *Provider) SnapshotDisk(ctx context.Context, diskID string, spec cloud.CreateSpec) (string, error) {
	if err := p.delay(ctx); err != nil {
		return "", err
	}
	p.mtx.Lock()
	_, ok := p.items[diskID]
	p.mtx.Unlock()
	if !ok {
		return "", notFound("SnapshotDisk", diskID)
	}
	return p.add(resource.TypeSnapshot, spec)
}

func (p *Provider) DiskFromSnapshot(ctx context.Context, snapshotID string, spec cloud.CreateSpec) (string, error) {
	if err := p.delay(ctx); err != nil {
		return "", err
	}
	p.mtx.Lock()
	snap, ok := p.items[snapshotID]
	p.mtx.Unlock()
	if !ok {
		return "", notFound("DiskFromSnapshot", snapshotID)
	}
	if snap.typ != resource.TypeSnapshot {
		return "", &resource.ProviderError{Kind: resource.ProviderInvalidData, Op: "DiskFromSnapshot", Err: fmt.Errorf("%s is not a snapshot", snapshotID)}
	}
	return p.add(resource.TypeOSDisk, spec)
}

func (p *Provider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return p.Delete(ctx, resource.TypeSnapshot, snapshotID)
}

func (p *Provider) Stop() {}

// Exists reports whether the provider has a resource with the given
// ID.
func (p *Provider) Exists(providerID string) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, ok := p.items[providerID]
	return ok
}

// Deallocated reports whether the compute resource with the given ID
// is deallocated.
func (p *Provider) Deallocated(providerID string) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	it, ok := p.items[providerID]
	return ok && it.deallocated
}

// Len returns the number of live resources.
func (p *Provider) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.items)
}
