// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
)

// Memory is an in-process Repository. It is used by tests and by
// single-process deployments that accept losing state on restart.
type Memory struct {
	mtx          sync.Mutex
	records      map[string]*resource.Record
	environments map[string]*resource.Environment
	workflows    map[string]*resource.Workflow
}

func NewMemory() *Memory {
	return &Memory{
		records:      map[string]*resource.Record{},
		environments: map[string]*resource.Environment{},
		workflows:    map[string]*resource.Workflow{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(ctx context.Context, id string) (*resource.Record, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, &resource.NotFoundError{ID: id}
	}
	return rec.Copy(), nil
}

func (m *Memory) Create(ctx context.Context, rec *resource.Record) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("record %q already exists", rec.ID)
	}
	rec.Version = 1
	m.records[rec.ID] = rec.Copy()
	return nil
}

func (m *Memory) Update(ctx context.Context, rec *resource.Record) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cur, ok := m.records[rec.ID]
	if !ok {
		return &resource.NotFoundError{ID: rec.ID}
	}
	if cur.Version != rec.Version {
		return resource.ErrVersionConflict
	}
	rec.Version++
	m.records[rec.ID] = rec.Copy()
	return nil
}

// sortedRecords returns the records matching fn, oldest first. The
// caller must hold m.mtx.
func (m *Memory) sortedRecords(fn func(*resource.Record) bool) []*resource.Record {
	var recs []*resource.Record
	for _, rec := range m.records {
		if fn(rec) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Created.Equal(recs[j].Created) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Created.Before(recs[j].Created)
	})
	return recs
}

func unassignedIn(poolCode string) func(*resource.Record) bool {
	return func(rec *resource.Record) bool {
		return rec.PoolReference.Code == poolCode && rec.Pooled()
	}
}

func (m *Memory) GetReadyUnassigned(ctx context.Context, poolCode string) (*resource.Record, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	match := unassignedIn(poolCode)
	recs := m.sortedRecords(func(rec *resource.Record) bool { return match(rec) && rec.IsReady })
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0].Copy(), nil
}

func (m *Memory) GetUnassignedCount(ctx context.Context, poolCode string) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.sortedRecords(unassignedIn(poolCode))), nil
}

func (m *Memory) GetUnassignedIDs(ctx context.Context, poolCode string, count int) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var ids []string
	for _, rec := range m.sortedRecords(unassignedIn(poolCode)) {
		if len(ids) >= count {
			break
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (m *Memory) GetUnassignedPoolCodes(ctx context.Context) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	seen := map[string]bool{}
	var codes []string
	for _, rec := range m.records {
		code := rec.PoolReference.Code
		if !rec.Pooled() || seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (m *Memory) GetNeedingCleanup(ctx context.Context, count int) ([]*resource.Record, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var recs []*resource.Record
	for _, rec := range m.sortedRecords((*resource.Record).NeedsCleanup) {
		if len(recs) >= count {
			break
		}
		recs = append(recs, rec.Copy())
	}
	return recs, nil
}

func (m *Memory) GetEnvironment(ctx context.Context, id string) (*resource.Environment, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	env, ok := m.environments[id]
	if !ok {
		return nil, &resource.NotFoundError{Kind: "environment", ID: id}
	}
	return env.Copy(), nil
}

func (m *Memory) CreateEnvironment(ctx context.Context, env *resource.Environment) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.environments[env.ID]; ok {
		return fmt.Errorf("environment %q already exists", env.ID)
	}
	env.Version = 1
	m.environments[env.ID] = env.Copy()
	return nil
}

func (m *Memory) UpdateEnvironment(ctx context.Context, env *resource.Environment) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cur, ok := m.environments[env.ID]
	if !ok {
		return &resource.NotFoundError{Kind: "environment", ID: env.ID}
	}
	if cur.Version != env.Version {
		return resource.ErrVersionConflict
	}
	env.Version++
	m.environments[env.ID] = env.Copy()
	return nil
}

func (m *Memory) ListEnvironmentsUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*resource.Environment, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var envs []*resource.Environment
	for _, env := range m.environments {
		if !env.IsDeleted && env.LastUpdated.Before(cutoff) {
			envs = append(envs, env.Copy())
		}
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].LastUpdated.Before(envs[j].LastUpdated) })
	return envs, nil
}

func (m *Memory) CreateWorkflow(ctx context.Context, wf *resource.Workflow) (*resource.Workflow, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, cur := range m.workflows {
		if cur.ResourceID == wf.ResourceID && cur.State.InFlight() {
			return cur.Copy(), false, nil
		}
	}
	if _, ok := m.workflows[wf.ID]; ok {
		return nil, false, fmt.Errorf("workflow %q already exists", wf.ID)
	}
	wf.Version = 1
	m.workflows[wf.ID] = wf.Copy()
	return wf.Copy(), true, nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*resource.Workflow, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, &resource.NotFoundError{Kind: "workflow", ID: id}
	}
	return wf.Copy(), nil
}

func (m *Memory) UpdateWorkflow(ctx context.Context, wf *resource.Workflow) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cur, ok := m.workflows[wf.ID]
	if !ok {
		return &resource.NotFoundError{Kind: "workflow", ID: wf.ID}
	}
	if cur.Version != wf.Version {
		return resource.ErrVersionConflict
	}
	wf.Version++
	m.workflows[wf.ID] = wf.Copy()
	return nil
}

func (m *Memory) ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]*resource.Workflow, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var due []*resource.Workflow
	for _, wf := range m.workflows {
		if wf.Due(now) {
			due = append(due, wf.Copy())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
