// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/resourcebroker.git/lib/ctrlctx"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL is a Repository backed by a PostgreSQL database. Each
// table keeps the full object in a jsonb body column, plus the
// columns needed for version checks and indexed queries.
type PostgreSQL struct {
	getdb func(context.Context) (*sqlx.DB, error)
	close func() error
}

func NewPostgreSQL(getdb func(context.Context) (*sqlx.DB, error)) *PostgreSQL {
	return &PostgreSQL{getdb: getdb}
}

// GetDB returns the underlying database handle, for callers that
// need PostgreSQL-specific features such as advisory locks.
func (pg *PostgreSQL) GetDB(ctx context.Context) (*sqlx.DB, error) {
	return pg.getdb(ctx)
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (pg *PostgreSQL) EnsureSchema(ctx context.Context) error {
	db, err := pg.getdb(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, schemaSQL)
	return err
}

// Close closes the database handle if this repository opened it.
func (pg *PostgreSQL) Close() error {
	if pg.close == nil {
		return nil
	}
	return pg.close()
}

func isUniqueViolation(err error) bool {
	var pqerr *pq.Error
	return errors.As(err, &pqerr) && pqerr.Code == "23505"
}

// checkUpdated interprets the result of a versioned UPDATE: zero
// rows means either the row is gone or its version moved on.
func (pg *PostgreSQL) checkUpdated(ctx context.Context, db *sqlx.DB, res sql.Result, table, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	err = db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id=$1)`, id)
	if err != nil {
		return err
	}
	if !exists {
		return &resource.NotFoundError{Kind: kind, ID: id}
	}
	return resource.ErrVersionConflict
}

func (pg *PostgreSQL) Get(ctx context.Context, id string) (*resource.Record, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = db.GetContext(ctx, &body, `SELECT body FROM resource_records WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return nil, &resource.NotFoundError{ID: id}
	} else if err != nil {
		return nil, err
	}
	var rec resource.Record
	return &rec, json.Unmarshal(body, &rec)
}

func (pg *PostgreSQL) Create(ctx context.Context, rec *resource.Record) error {
	db, err := pg.getdb(ctx)
	if err != nil {
		return err
	}
	cp := rec.Copy()
	cp.Version = 1
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO resource_records
		(id, pool_code, is_ready, is_assigned, is_deleted, is_pooled, needs_cleanup, created, version, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cp.ID, cp.PoolReference.Code, cp.IsReady, cp.IsAssigned, cp.IsDeleted, cp.Pooled(), cp.NeedsCleanup(), cp.Created, cp.Version, body)
	if isUniqueViolation(err) {
		return fmt.Errorf("record %q already exists", rec.ID)
	} else if err != nil {
		return err
	}
	rec.Version = 1
	return nil
}

func (pg *PostgreSQL) Update(ctx context.Context, rec *resource.Record) error {
	db, err := pg.getdb(ctx)
	if err != nil {
		return err
	}
	cp := rec.Copy()
	cp.Version = rec.Version + 1
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE resource_records
		SET pool_code=$2, is_ready=$3, is_assigned=$4, is_deleted=$5, is_pooled=$6, needs_cleanup=$7, version=$8, body=$9
		WHERE id=$1 AND version=$10`,
		cp.ID, cp.PoolReference.Code, cp.IsReady, cp.IsAssigned, cp.IsDeleted, cp.Pooled(), cp.NeedsCleanup(), cp.Version, body, rec.Version)
	if err != nil {
		return err
	}
	if err := pg.checkUpdated(ctx, db, res, "resource_records", "resource", rec.ID); err != nil {
		return err
	}
	rec.Version = cp.Version
	return nil
}

func (pg *PostgreSQL) GetReadyUnassigned(ctx context.Context, poolCode string) (*resource.Record, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = db.GetContext(ctx, &body, `SELECT body FROM resource_records
		WHERE pool_code=$1 AND is_ready AND is_pooled
		ORDER BY created, id LIMIT 1`, poolCode)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var rec resource.Record
	return &rec, json.Unmarshal(body, &rec)
}

func (pg *PostgreSQL) GetUnassignedCount(ctx context.Context, poolCode string) (int, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.GetContext(ctx, &n, `SELECT COUNT(*) FROM resource_records
		WHERE pool_code=$1 AND is_pooled`, poolCode)
	return n, err
}

func (pg *PostgreSQL) GetUnassignedIDs(ctx context.Context, poolCode string, count int) ([]string, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.SelectContext(ctx, &ids, `SELECT id FROM resource_records
		WHERE pool_code=$1 AND is_pooled
		ORDER BY created, id LIMIT $2`, poolCode, count)
	return ids, err
}

func (pg *PostgreSQL) GetUnassignedPoolCodes(ctx context.Context) ([]string, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var codes []string
	err = db.SelectContext(ctx, &codes, `SELECT DISTINCT pool_code FROM resource_records
		WHERE pool_code <> '' AND is_pooled
		ORDER BY pool_code`)
	return codes, err
}

func (pg *PostgreSQL) GetNeedingCleanup(ctx context.Context, count int) ([]*resource.Record, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var bodies [][]byte
	err = db.SelectContext(ctx, &bodies, `SELECT body FROM resource_records
		WHERE needs_cleanup
		ORDER BY created, id LIMIT $1`, count)
	if err != nil {
		return nil, err
	}
	recs := make([]*resource.Record, 0, len(bodies))
	for _, body := range bodies {
		var rec resource.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

func (pg *PostgreSQL) GetEnvironment(ctx context.Context, id string) (*resource.Environment, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = db.GetContext(ctx, &body, `SELECT body FROM environments WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return nil, &resource.NotFoundError{Kind: "environment", ID: id}
	} else if err != nil {
		return nil, err
	}
	var env resource.Environment
	return &env, json.Unmarshal(body, &env)
}

func (pg *PostgreSQL) CreateEnvironment(ctx context.Context, env *resource.Environment) error {
	db, err := pg.getdb(ctx)
	if err != nil {
		return err
	}
	cp := env.Copy()
	cp.Version = 1
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO environments (id, last_updated, is_deleted, version, body)
		VALUES ($1, $2, $3, $4, $5)`, cp.ID, cp.LastUpdated, cp.IsDeleted, cp.Version, body)
	if isUniqueViolation(err) {
		return fmt.Errorf("environment %q already exists", env.ID)
	} else if err != nil {
		return err
	}
	env.Version = 1
	return nil
}

func (pg *PostgreSQL) UpdateEnvironment(ctx context.Context, env *resource.Environment) error {
	db, err := pg.getdb(ctx)
	if err != nil {
		return err
	}
	cp := env.Copy()
	cp.Version = env.Version + 1
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE environments
		SET last_updated=$2, is_deleted=$3, version=$4, body=$5
		WHERE id=$1 AND version=$6`,
		cp.ID, cp.LastUpdated, cp.IsDeleted, cp.Version, body, env.Version)
	if err != nil {
		return err
	}
	if err := pg.checkUpdated(ctx, db, res, "environments", "environment", env.ID); err != nil {
		return err
	}
	env.Version = cp.Version
	return nil
}

func (pg *PostgreSQL) ListEnvironmentsUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*resource.Environment, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var bodies [][]byte
	err = db.SelectContext(ctx, &bodies, `SELECT body FROM environments
		WHERE NOT is_deleted AND last_updated < $1 ORDER BY last_updated`, cutoff)
	if err != nil {
		return nil, err
	}
	envs := make([]*resource.Environment, 0, len(bodies))
	for _, body := range bodies {
		var env resource.Environment
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

func (pg *PostgreSQL) CreateWorkflow(ctx context.Context, wf *resource.Workflow) (existing *resource.Workflow, created bool, err error) {
	cp := wf.Copy()
	cp.Version = 1
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, false, err
	}
	ctx, finishtx := ctrlctx.New(ctx, pg.getdb)
	defer finishtx(&err)
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO workflows (id, resource_id, state, next_run, lease_expires, version, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (resource_id) WHERE state IN ('Pending', 'Running') DO NOTHING`,
		cp.ID, cp.ResourceID, cp.State, cp.NextRun, cp.LeaseExpires, cp.Version, body)
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, err
	} else if n == 1 {
		wf.Version = 1
		return cp, true, nil
	}
	var existingBody []byte
	err = tx.GetContext(ctx, &existingBody, `SELECT body FROM workflows
		WHERE resource_id=$1 AND state IN ('Pending', 'Running')`, wf.ResourceID)
	if err == sql.ErrNoRows {
		// The in-flight workflow finished between our insert
		// and select. Report a conflict so the caller retries.
		return nil, false, resource.ErrVersionConflict
	} else if err != nil {
		return nil, false, err
	}
	existing = &resource.Workflow{}
	if err = json.Unmarshal(existingBody, existing); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (pg *PostgreSQL) GetWorkflow(ctx context.Context, id string) (*resource.Workflow, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = db.GetContext(ctx, &body, `SELECT body FROM workflows WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return nil, &resource.NotFoundError{Kind: "workflow", ID: id}
	} else if err != nil {
		return nil, err
	}
	var wf resource.Workflow
	return &wf, json.Unmarshal(body, &wf)
}

func (pg *PostgreSQL) UpdateWorkflow(ctx context.Context, wf *resource.Workflow) error {
	db, err := pg.getdb(ctx)
	if err != nil {
		return err
	}
	cp := wf.Copy()
	cp.Version = wf.Version + 1
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE workflows
		SET state=$2, next_run=$3, lease_expires=$4, version=$5, body=$6
		WHERE id=$1 AND version=$7`,
		cp.ID, cp.State, cp.NextRun, cp.LeaseExpires, cp.Version, body, wf.Version)
	if err != nil {
		return err
	}
	if err := pg.checkUpdated(ctx, db, res, "workflows", "workflow", wf.ID); err != nil {
		return err
	}
	wf.Version = cp.Version
	return nil
}

func (pg *PostgreSQL) ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]*resource.Workflow, error) {
	db, err := pg.getdb(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var bodies [][]byte
	err = db.SelectContext(ctx, &bodies, `SELECT body FROM workflows
		WHERE (state='Pending' AND next_run <= $1) OR (state='Running' AND lease_expires <= $1)
		ORDER BY next_run LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	wfs := make([]*resource.Workflow, 0, len(bodies))
	for _, body := range bodies {
		var wf resource.Workflow
		if err := json.Unmarshal(body, &wf); err != nil {
			return nil, err
		}
		wfs = append(wfs, &wf)
	}
	return wfs, nil
}
