// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dblock elects a single process to run each periodic task,
// using PostgreSQL advisory locks when the repository is shared.
package dblock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
)

var (
	WatchPoolSize = &DBLocker{key: 20001} // pool size control loop
	StateRepair   = &DBLocker{key: 20002} // environment repair sweep
	retryDelay    = 5 * time.Second
)

// A Leader gates a periodic task so that only one process runs it at
// a time.
type Leader interface {
	// Lock blocks until this process is the leader. It returns
	// false if ctx is canceled first.
	Lock(ctx context.Context) bool

	// Check confirms leadership is still held, re-acquiring it
	// if needed. It returns false if the Lock context has been
	// canceled.
	Check() bool

	Unlock()
}

// Single is the Leader for a repository that only one process uses,
// like the embedded ones: the caller is always the leader.
type Single struct {
	mtx sync.Mutex
	ctx context.Context
}

func (sl *Single) Lock(ctx context.Context) bool {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	sl.ctx = ctx
	return ctx.Err() == nil
}

func (sl *Single) Check() bool {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	return sl.ctx != nil && sl.ctx.Err() == nil
}

func (sl *Single) Unlock() {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	sl.ctx = nil
}

// DBLocker uses pg_advisory_lock to maintain a cluster-wide lock for
// a long-running task like "do X every N seconds".
type DBLocker struct {
	key   int
	mtx   sync.Mutex
	ctx   context.Context
	getdb func(context.Context) (*sqlx.DB, error)
	conn  *sql.Conn // != nil if advisory lock has been acquired
}

// Using returns a Leader that locks dbl on the database returned by
// getdb.
func (dbl *DBLocker) Using(getdb func(context.Context) (*sqlx.DB, error)) Leader {
	return boundLocker{dbl: dbl, getdb: getdb}
}

type boundLocker struct {
	dbl   *DBLocker
	getdb func(context.Context) (*sqlx.DB, error)
}

func (bl boundLocker) Lock(ctx context.Context) bool { return bl.dbl.Lock(ctx, bl.getdb) }
func (bl boundLocker) Check() bool                    { return bl.dbl.Check() }
func (bl boundLocker) Unlock()                        { bl.dbl.Unlock() }

// Lock acquires the advisory lock, retrying every few seconds while
// the database is unreachable or another process holds the lock.
//
// Returns false if ctx is canceled before the lock is acquired.
func (dbl *DBLocker) Lock(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) bool {
	logger := ctxlog.FromContext(ctx).WithField("LockKey", dbl.key)
	var lastHolder string
	for first := true; ; first = false {
		if !first {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retryDelay):
			}
		}
		dbl.mtx.Lock()
		if dbl.conn != nil {
			// held by another goroutine in this process
			dbl.mtx.Unlock()
			continue
		}
		conn, holder, err := dbl.tryLock(ctx, getdb)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("advisory lock attempt failed")
			dbl.mtx.Unlock()
			continue
		} else if conn == nil {
			if holder != "" && holder != lastHolder {
				logger.WithField("DBClient", holder).Info("waiting for other process to release lock")
				lastHolder = holder
			}
			dbl.mtx.Unlock()
			continue
		}
		logger.Debug("acquired pg_advisory_lock")
		dbl.ctx, dbl.getdb, dbl.conn = ctx, getdb, conn
		dbl.mtx.Unlock()
		return true
	}
}

// tryLock makes one attempt at the advisory lock. On success it
// returns the connection holding the lock. If another session holds
// it, conn is nil and holder names that session's client address
// when known.
func (dbl *DBLocker) tryLock(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) (conn *sql.Conn, holder string, err error) {
	db, err := getdb(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("database pool: %w", err)
	}
	conn, err = db.Conn(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("database connection: %w", err)
	}
	var locked bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, dbl.key).Scan(&locked)
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if locked {
		return conn, "", nil
	}
	defer conn.Close()
	var host string
	var port int
	err = conn.QueryRowContext(ctx, `SELECT client_addr, client_port FROM pg_stat_activity
		WHERE pid IN (SELECT pid FROM pg_locks WHERE locktype = 'advisory' AND objid = $1)`, dbl.key).Scan(&host, &port)
	if err != nil {
		return nil, "", nil
	}
	return nil, net.JoinHostPort(host, fmt.Sprint(port)), nil
}

// Check confirms that the lock is still active (i.e., the session is
// still alive), and re-acquires if needed. Panics if Lock is not
// acquired first.
func (dbl *DBLocker) Check() bool {
	dbl.mtx.Lock()
	err := dbl.conn.PingContext(dbl.ctx)
	if errors.Is(err, context.Canceled) {
		dbl.mtx.Unlock()
		return false
	} else if err == nil {
		ctxlog.FromContext(dbl.ctx).WithField("LockKey", dbl.key).Debug("connection still alive")
		dbl.mtx.Unlock()
		return true
	}
	ctxlog.FromContext(dbl.ctx).WithError(err).Info("database connection ping failed")
	dbl.conn.Close()
	dbl.conn = nil
	ctx, getdb := dbl.ctx, dbl.getdb
	dbl.mtx.Unlock()
	return dbl.Lock(ctx, getdb)
}

func (dbl *DBLocker) Unlock() {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if dbl.conn != nil {
		_, err := dbl.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dbl.key)
		if err != nil {
			ctxlog.FromContext(dbl.ctx).WithError(err).WithField("LockKey", dbl.key).Info("error releasing pg_advisory_lock")
		} else {
			ctxlog.FromContext(dbl.ctx).WithField("LockKey", dbl.key).Debug("released pg_advisory_lock")
		}
		dbl.conn.Close()
		dbl.conn = nil
	}
}
