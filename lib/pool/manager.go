// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pool claims and releases pooled resource records, and
// holds the current pool definitions.
package pool

import (
	"context"
	"time"

	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultClaimAttempts = 3

// Manager claims ready records from pools. Exclusivity comes only
// from the repository's version check: there are no in-process
// locks.
type Manager struct {
	repo          repository.Records
	claimAttempts int
	logger        logrus.FieldLogger

	mClaimAttempts  *prometheus.CounterVec
	mClaimConflicts *prometheus.CounterVec
	mClaimResults   *prometheus.CounterVec
	mReleases       prometheus.Counter
}

// NewManager returns a Manager that makes up to claimAttempts
// attempts per claim (3 if claimAttempts < 1), and registers its
// metrics with reg.
func NewManager(repo repository.Records, claimAttempts int, logger logrus.FieldLogger, reg *prometheus.Registry) *Manager {
	if claimAttempts < 1 {
		claimAttempts = defaultClaimAttempts
	}
	mgr := &Manager{
		repo:          repo,
		claimAttempts: claimAttempts,
		logger:        logger,
	}
	mgr.registerMetrics(reg)
	return mgr
}

func (mgr *Manager) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	mgr.mClaimAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "pool",
		Name:      "claim_attempts_total",
		Help:      "Number of attempts to claim a pooled resource.",
	}, []string{"pool"})
	reg.MustRegister(mgr.mClaimAttempts)
	mgr.mClaimConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "pool",
		Name:      "claim_conflicts_total",
		Help:      "Number of claim attempts that lost a version race to another writer.",
	}, []string{"pool"})
	reg.MustRegister(mgr.mClaimConflicts)
	mgr.mClaimResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "pool",
		Name:      "claims_total",
		Help:      "Number of claim calls, by outcome (claimed, empty, exhausted, error).",
	}, []string{"pool", "outcome"})
	reg.MustRegister(mgr.mClaimResults)
	mgr.mReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "pool",
		Name:      "releases_total",
		Help:      "Number of claimed resources returned to their pool.",
	})
	reg.MustRegister(mgr.mReleases)
}

// TryClaim marks one ready, unassigned record in the pool as
// assigned and returns it.
//
// If the pool is empty, or every attempt loses a version race,
// TryClaim returns nil and a nil error: callers treat both the same
// way. Only repository failures other than version conflicts are
// returned as errors.
func (mgr *Manager) TryClaim(ctx context.Context, poolCode string) (*resource.Record, error) {
	logger := mgr.logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	logger = logger.WithField("PoolCode", poolCode)
	for attempt := 1; attempt <= mgr.claimAttempts; attempt++ {
		mgr.mClaimAttempts.WithLabelValues(poolCode).Inc()
		rec, err := mgr.repo.GetReadyUnassigned(ctx, poolCode)
		if err != nil {
			mgr.mClaimResults.WithLabelValues(poolCode, "error").Inc()
			return nil, err
		}
		if rec == nil {
			logger.WithField("Attempt", attempt).Debug("pool is empty")
			mgr.mClaimResults.WithLabelValues(poolCode, "empty").Inc()
			return nil, nil
		}
		if !rec.Pooled() || !rec.IsReady {
			// The query is only a hint: a backend may
			// return a record that changed after it was
			// indexed. Never hand out one that is not
			// claimable, including one withdrawn for
			// deletion.
			mgr.mClaimConflicts.WithLabelValues(poolCode).Inc()
			continue
		}
		rec.IsAssigned = true
		rec.Assigned = time.Now().UTC()
		err = mgr.repo.Update(ctx, rec)
		if resource.IsVersionConflict(err) {
			logger.WithFields(logrus.Fields{
				"ResourceID": rec.ID,
				"Attempt":    attempt,
			}).Debug("claim lost version race, retrying")
			mgr.mClaimConflicts.WithLabelValues(poolCode).Inc()
			continue
		} else if err != nil {
			mgr.mClaimResults.WithLabelValues(poolCode, "error").Inc()
			return nil, err
		}
		logger.WithField("ResourceID", rec.ID).Info("claimed pooled resource")
		mgr.mClaimResults.WithLabelValues(poolCode, "claimed").Inc()
		return rec, nil
	}
	logger.WithField("Attempts", mgr.claimAttempts).Warn("gave up claiming after repeated version conflicts")
	mgr.mClaimResults.WithLabelValues(poolCode, "exhausted").Inc()
	return nil, nil
}

// Release returns a claimed record to its pool by clearing
// IsAssigned.
func (mgr *Manager) Release(ctx context.Context, id string) error {
	_, err := repository.Modify(ctx, mgr.repo, id, mgr.claimAttempts, func(rec *resource.Record) error {
		if !rec.IsAssigned {
			return repository.ErrNoChange
		}
		rec.IsAssigned = false
		rec.Assigned = time.Time{}
		return nil
	})
	if err != nil {
		return err
	}
	mgr.mReleases.Inc()
	return nil
}

// MarkAssigned marks a record assigned without going through the
// pool query, e.g., the OS disk that belongs to a claimed compute
// record.
func (mgr *Manager) MarkAssigned(ctx context.Context, id string) (*resource.Record, error) {
	return repository.Modify(ctx, mgr.repo, id, mgr.claimAttempts, func(rec *resource.Record) error {
		if rec.IsAssigned {
			return repository.ErrNoChange
		}
		rec.IsAssigned = true
		rec.Assigned = time.Now().UTC()
		return nil
	})
}
