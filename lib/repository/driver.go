// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package repository

import (
	"context"
	"fmt"

	"git.arvados.org/resourcebroker.git/lib/ctrlctx"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/jmoiron/sqlx"
)

// DBGetter is implemented by repositories backed by PostgreSQL.
type DBGetter interface {
	GetDB(context.Context) (*sqlx.DB, error)
}

// New returns the Repository selected by cluster.Repository.Driver.
func New(ctx context.Context, cluster *resource.Cluster) (Repository, error) {
	switch cluster.Repository.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgresql":
		dbc := ctrlctx.NewDBConnector(cluster)
		pg := NewPostgreSQL(dbc.GetDB)
		pg.close = dbc.Close
		if err := pg.EnsureSchema(ctx); err != nil {
			dbc.Close()
			return nil, fmt.Errorf("postgresql schema setup failed: %w", err)
		}
		return pg, nil
	case "badger":
		if cluster.Badger.Path == "" && !cluster.Badger.InMemory {
			return nil, fmt.Errorf("badger repository requires Badger.Path or Badger.InMemory")
		}
		return NewBadger(cluster.Badger.Path, cluster.Badger.InMemory)
	default:
		return nil, fmt.Errorf("unknown repository driver %q", cluster.Repository.Driver)
	}
}
