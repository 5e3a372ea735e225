// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ctrlctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

var (
	ErrNoTransaction   = errors.New("bug: there is no transaction in this context")
	ErrContextFinished = errors.New("refusing to start a transaction after wrapped function already returned")
)

// DBConnector provides a lazily opened, shared database handle.
type DBConnector struct {
	PostgreSQL struct {
		Connection     resource.PostgreSQLConnection
		ConnectionPool int
	}
	mtx  sync.Mutex
	pgdb *sqlx.DB
}

// NewDBConnector returns a connector for the cluster's database.
func NewDBConnector(cluster *resource.Cluster) *DBConnector {
	dbc := &DBConnector{}
	dbc.PostgreSQL.Connection = cluster.PostgreSQL.Connection
	dbc.PostgreSQL.ConnectionPool = cluster.PostgreSQL.ConnectionPool
	return dbc
}

// GetDB returns the database handle, connecting first if needed.
func (dbc *DBConnector) GetDB(ctx context.Context) (*sqlx.DB, error) {
	dbc.mtx.Lock()
	defer dbc.mtx.Unlock()
	if dbc.pgdb != nil {
		return dbc.pgdb, nil
	}
	db, err := sqlx.Open("postgres", dbc.PostgreSQL.Connection.String())
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).Error("postgresql connect failed")
		return nil, fmt.Errorf("postgresql connect failed: %w", err)
	}
	if p := dbc.PostgreSQL.ConnectionPool; p > 0 {
		db.SetMaxOpenConns(p)
	}
	if err := db.PingContext(ctx); err != nil {
		ctxlog.FromContext(ctx).WithError(err).Error("postgresql connect succeeded but ping failed")
		db.Close()
		return nil, fmt.Errorf("postgresql connect succeeded but ping failed: %w", err)
	}
	dbc.pgdb = db
	return db, nil
}

// Close closes the database handle, if one was opened.
func (dbc *DBConnector) Close() error {
	dbc.mtx.Lock()
	defer dbc.mtx.Unlock()
	if dbc.pgdb == nil {
		return nil
	}
	err := dbc.pgdb.Close()
	dbc.pgdb = nil
	return err
}

type contextKeyT string

var contextKeyTransaction = contextKeyT("transaction")

type transaction struct {
	tx    *sqlx.Tx
	err   error
	getdb func(context.Context) (*sqlx.DB, error)
	setup sync.Once
}

type finishFunc func(*error)

// New returns a new child context that can be used with
// CurrentTx(). It does not open a database transaction until the
// first call to CurrentTx().
//
// The caller must eventually call the returned finishtx() func to
// commit or rollback the transaction, if any.
//
//	func example(ctx context.Context) (err error) {
//		ctx, finishtx := New(ctx, dber)
//		defer finishtx(&err)
//		// ...
//		tx, err := CurrentTx(ctx)
//		if err != nil {
//			return fmt.Errorf("example: %s", err)
//		}
//		return tx.ExecContext(...)
//	}
//
// If *err is nil, finishtx() commits the transaction and assigns any
// resulting error to *err.
//
// If *err is non-nil, finishtx() rolls back the transaction, and
// does not modify *err.
func New(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) (context.Context, finishFunc) {
	txn := &transaction{getdb: getdb}
	return context.WithValue(ctx, contextKeyTransaction, txn), func(err *error) {
		txn.setup.Do(func() {
			// Using (*sync.Once)Do() prevents a future
			// call to CurrentTx() from opening a
			// transaction which would never get committed
			// or rolled back.
			txn.err = ErrContextFinished
		})
		if txn.tx == nil {
			// we never [successfully] started a transaction
			return
		}
		if *err != nil {
			ctxlog.FromContext(ctx).Debug("rollback")
			txn.tx.Rollback()
			return
		}
		*err = txn.tx.Commit()
	}
}

// CurrentTx returns the transaction attached to ctx by New, starting
// it if this is the first call.
func CurrentTx(ctx context.Context) (*sqlx.Tx, error) {
	txn, ok := ctx.Value(contextKeyTransaction).(*transaction)
	if !ok {
		return nil, ErrNoTransaction
	}
	txn.setup.Do(func() {
		if db, err := txn.getdb(ctx); err != nil {
			txn.err = err
		} else {
			txn.tx, txn.err = db.BeginTxx(ctx, nil)
		}
	})
	return txn.tx, txn.err
}
