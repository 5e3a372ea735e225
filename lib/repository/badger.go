// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Repository backed by an embedded badger database.
//
// Key layout (fields separated by NUL):
//
//	rec <id>                       -> record JSON
//	pool <code> <created> <id>     -> "1" if ready, "0" if not; present only while rec.Pooled()
//	cleanup <created> <id>         -> empty; present only while rec.NeedsCleanup()
//	env <id>                       -> environment JSON
//	wf <id>                        -> workflow JSON
//	inflight <resource id>         -> id of the pending/running workflow
type Badger struct {
	db *badger.DB
}

// NewBadger opens (creating if needed) a database at path. If
// inMemory is true, path is ignored and nothing is written to disk.
func NewBadger(path string, inMemory bool) (*Badger, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func key(parts ...string) []byte {
	k := []byte(parts[0])
	for _, p := range parts[1:] {
		k = append(k, 0)
		k = append(k, p...)
	}
	return k
}

func prefix(parts ...string) []byte {
	return append(key(parts...), 0)
}

func poolKey(rec *resource.Record) []byte {
	return key("pool", rec.PoolReference.Code, rec.Created.UTC().Format("20060102150405.000000000"), rec.ID)
}

func cleanupKey(rec *resource.Record) []byte {
	return key("cleanup", rec.Created.UTC().Format("20060102150405.000000000"), rec.ID)
}

// index adds rec's secondary index entries.
func index(txn *badger.Txn, rec *resource.Record) error {
	if rec.Pooled() {
		if err := txn.Set(poolKey(rec), readyFlag(rec)); err != nil {
			return err
		}
	}
	if rec.NeedsCleanup() {
		return txn.Set(cleanupKey(rec), nil)
	}
	return nil
}

// unindex removes rec's secondary index entries.
func unindex(txn *badger.Txn, rec *resource.Record) error {
	if rec.Pooled() {
		if err := txn.Delete(poolKey(rec)); err != nil {
			return err
		}
	}
	if rec.NeedsCleanup() {
		return txn.Delete(cleanupKey(rec))
	}
	return nil
}

// update runs fn in a read-write transaction, translating a commit
// conflict into resource.ErrVersionConflict.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	err := b.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return resource.ErrVersionConflict
	}
	return err
}

func getJSON(txn *badger.Txn, k []byte, dst interface{}) (bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, item.Value(func(v []byte) error {
		return json.Unmarshal(v, dst)
	})
}

func setJSON(txn *badger.Txn, k []byte, src interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func (b *Badger) Get(ctx context.Context, id string) (*resource.Record, error) {
	var rec resource.Record
	var found bool
	err := b.db.View(func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, key("rec", id), &rec)
		return
	})
	if err != nil {
		return nil, err
	} else if !found {
		return nil, &resource.NotFoundError{ID: id}
	}
	return &rec, nil
}

func (b *Badger) Create(ctx context.Context, rec *resource.Record) error {
	cp := rec.Copy()
	cp.Version = 1
	err := b.update(func(txn *badger.Txn) error {
		var cur resource.Record
		if found, err := getJSON(txn, key("rec", rec.ID), &cur); err != nil {
			return err
		} else if found {
			return fmt.Errorf("record %q already exists", rec.ID)
		}
		if err := setJSON(txn, key("rec", cp.ID), cp); err != nil {
			return err
		}
		return index(txn, cp)
	})
	if err == nil {
		rec.Version = 1
	}
	return err
}

func readyFlag(rec *resource.Record) []byte {
	if rec.IsReady {
		return []byte("1")
	}
	return []byte("0")
}

func (b *Badger) Update(ctx context.Context, rec *resource.Record) error {
	cp := rec.Copy()
	cp.Version = rec.Version + 1
	err := b.update(func(txn *badger.Txn) error {
		var cur resource.Record
		if found, err := getJSON(txn, key("rec", rec.ID), &cur); err != nil {
			return err
		} else if !found {
			return &resource.NotFoundError{ID: rec.ID}
		}
		if cur.Version != rec.Version {
			return resource.ErrVersionConflict
		}
		if err := unindex(txn, &cur); err != nil {
			return err
		}
		if err := index(txn, cp); err != nil {
			return err
		}
		return setJSON(txn, key("rec", cp.ID), cp)
	})
	if err == nil {
		rec.Version = cp.Version
	}
	return err
}

// scanPool calls fn with the id and ready flag of each index entry
// for the pool, oldest first, until fn returns false.
func (b *Badger) scanPool(poolCode string, fn func(id string, ready bool) bool) error {
	pfx := prefix("pool", poolCode)
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			id := string(k[lastNUL(k)+1:])
			var ready bool
			err := item.Value(func(v []byte) error {
				ready = string(v) == "1"
				return nil
			})
			if err != nil {
				return err
			}
			if !fn(id, ready) {
				return nil
			}
		}
		return nil
	})
}

func lastNUL(k []byte) int {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == 0 {
			return i
		}
	}
	return -1
}

func (b *Badger) GetReadyUnassigned(ctx context.Context, poolCode string) (*resource.Record, error) {
	var found string
	err := b.scanPool(poolCode, func(id string, ready bool) bool {
		if ready {
			found = id
			return false
		}
		return true
	})
	if err != nil || found == "" {
		return nil, err
	}
	rec, err := b.Get(ctx, found)
	if resource.IsNotFound(err) {
		return nil, nil
	}
	return rec, err
}

func (b *Badger) GetUnassignedCount(ctx context.Context, poolCode string) (int, error) {
	n := 0
	err := b.scanPool(poolCode, func(string, bool) bool {
		n++
		return true
	})
	return n, err
}

func (b *Badger) GetUnassignedIDs(ctx context.Context, poolCode string, count int) ([]string, error) {
	var ids []string
	if count <= 0 {
		return nil, nil
	}
	err := b.scanPool(poolCode, func(id string, _ bool) bool {
		ids = append(ids, id)
		return len(ids) < count
	})
	return ids, err
}

func (b *Badger) GetUnassignedPoolCodes(ctx context.Context) ([]string, error) {
	var codes []string
	pfx := prefix("pool")
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			rest := it.Item().KeyCopy(nil)[len(pfx):]
			code := string(rest[:bytes.IndexByte(rest, 0)])
			if len(codes) == 0 || codes[len(codes)-1] != code {
				codes = append(codes, code)
			}
		}
		return nil
	})
	return codes, err
}

func (b *Badger) GetNeedingCleanup(ctx context.Context, count int) ([]*resource.Record, error) {
	if count <= 0 {
		return nil, nil
	}
	var ids []string
	pfx := prefix("cleanup")
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pfx); it.ValidForPrefix(pfx) && len(ids) < count; it.Next() {
			k := it.Item().KeyCopy(nil)
			ids = append(ids, string(k[lastNUL(k)+1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var recs []*resource.Record
	for _, id := range ids {
		rec, err := b.Get(ctx, id)
		if resource.IsNotFound(err) {
			continue
		} else if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (b *Badger) GetEnvironment(ctx context.Context, id string) (*resource.Environment, error) {
	var env resource.Environment
	var found bool
	err := b.db.View(func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, key("env", id), &env)
		return
	})
	if err != nil {
		return nil, err
	} else if !found {
		return nil, &resource.NotFoundError{Kind: "environment", ID: id}
	}
	return &env, nil
}

func (b *Badger) CreateEnvironment(ctx context.Context, env *resource.Environment) error {
	cp := env.Copy()
	cp.Version = 1
	err := b.update(func(txn *badger.Txn) error {
		var cur resource.Environment
		if found, err := getJSON(txn, key("env", env.ID), &cur); err != nil {
			return err
		} else if found {
			return fmt.Errorf("environment %q already exists", env.ID)
		}
		return setJSON(txn, key("env", cp.ID), cp)
	})
	if err == nil {
		env.Version = 1
	}
	return err
}

func (b *Badger) UpdateEnvironment(ctx context.Context, env *resource.Environment) error {
	cp := env.Copy()
	cp.Version = env.Version + 1
	err := b.update(func(txn *badger.Txn) error {
		var cur resource.Environment
		if found, err := getJSON(txn, key("env", env.ID), &cur); err != nil {
			return err
		} else if !found {
			return &resource.NotFoundError{Kind: "environment", ID: env.ID}
		}
		if cur.Version != env.Version {
			return resource.ErrVersionConflict
		}
		return setJSON(txn, key("env", cp.ID), cp)
	})
	if err == nil {
		env.Version = cp.Version
	}
	return err
}

func (b *Badger) ListEnvironmentsUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*resource.Environment, error) {
	var envs []*resource.Environment
	pfx := prefix("env")
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			var env resource.Environment
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &env)
			})
			if err != nil {
				return err
			}
			if !env.IsDeleted && env.LastUpdated.Before(cutoff) {
				envs = append(envs, &env)
			}
		}
		return nil
	})
	sort.Slice(envs, func(i, j int) bool { return envs[i].LastUpdated.Before(envs[j].LastUpdated) })
	return envs, err
}

func (b *Badger) CreateWorkflow(ctx context.Context, wf *resource.Workflow) (*resource.Workflow, bool, error) {
	cp := wf.Copy()
	cp.Version = 1
	var existing *resource.Workflow
	err := b.update(func(txn *badger.Txn) error {
		item, err := txn.Get(key("inflight", wf.ResourceID))
		if err == nil {
			var id []byte
			if id, err = item.ValueCopy(nil); err != nil {
				return err
			}
			existing = &resource.Workflow{}
			if found, err := getJSON(txn, key("wf", string(id)), existing); err != nil {
				return err
			} else if found && existing.State.InFlight() {
				return nil
			}
			existing = nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, key("wf", cp.ID), cp); err != nil {
			return err
		}
		return txn.Set(key("inflight", cp.ResourceID), []byte(cp.ID))
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	wf.Version = 1
	return cp, true, nil
}

func (b *Badger) GetWorkflow(ctx context.Context, id string) (*resource.Workflow, error) {
	var wf resource.Workflow
	var found bool
	err := b.db.View(func(txn *badger.Txn) (err error) {
		found, err = getJSON(txn, key("wf", id), &wf)
		return
	})
	if err != nil {
		return nil, err
	} else if !found {
		return nil, &resource.NotFoundError{Kind: "workflow", ID: id}
	}
	return &wf, nil
}

func (b *Badger) UpdateWorkflow(ctx context.Context, wf *resource.Workflow) error {
	cp := wf.Copy()
	cp.Version = wf.Version + 1
	err := b.update(func(txn *badger.Txn) error {
		var cur resource.Workflow
		if found, err := getJSON(txn, key("wf", wf.ID), &cur); err != nil {
			return err
		} else if !found {
			return &resource.NotFoundError{Kind: "workflow", ID: wf.ID}
		}
		if cur.Version != wf.Version {
			return resource.ErrVersionConflict
		}
		if !cp.State.InFlight() {
			if err := txn.Delete(key("inflight", cp.ResourceID)); err != nil {
				return err
			}
		}
		return setJSON(txn, key("wf", cp.ID), cp)
	})
	if err == nil {
		wf.Version = cp.Version
	}
	return err
}

func (b *Badger) ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]*resource.Workflow, error) {
	var due []*resource.Workflow
	pfx := prefix("inflight")
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var wf resource.Workflow
			if found, err := getJSON(txn, key("wf", string(id)), &wf); err != nil {
				return err
			} else if found && wf.Due(now) {
				due = append(due, &wf)
			}
		}
		return nil
	})
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, err
}
