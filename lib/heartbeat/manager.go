// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package heartbeat merges monitoring reports from running
// environments into their resource records.
package heartbeat

import (
	"context"
	"time"

	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultThrottleInterval = time.Minute
	saveAttempts            = 5
)

// Manager saves heartbeats.
type Manager struct {
	repo     repository.Records
	throttle time.Duration
	logger   logrus.FieldLogger

	mSaves *prometheus.CounterVec
}

// NewManager returns a Manager that skips a report for a ready
// resource if the previous report is less than throttle older (one
// minute if throttle is zero).
func NewManager(repo repository.Records, throttle time.Duration, logger logrus.FieldLogger, reg *prometheus.Registry) *Manager {
	if throttle <= 0 {
		throttle = defaultThrottleInterval
	}
	m := &Manager{repo: repo, throttle: throttle, logger: logger}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "heartbeat",
		Name:      "saves_total",
		Help:      "Number of heartbeat reports processed, by outcome (saved, throttled, error).",
	}, []string{"outcome"})
	reg.MustRegister(m.mSaves)
	return m
}

// Merge returns existing with each entry of incoming upserted by
// name: an existing entry with the same name is replaced where it
// stands, and a new name is appended. Neither argument is modified.
func Merge(existing, incoming []resource.CollectedData) []resource.CollectedData {
	merged := make([]resource.CollectedData, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	for _, data := range incoming {
		replaced := false
		for i := range merged {
			if merged[i].Name == data.Name {
				merged[i] = data
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, data)
		}
	}
	return merged
}

// SaveHeartbeat merges hb into the record's heartbeat summary.
//
// A heartbeat for an unknown resource returns a
// *resource.NotFoundError without writing anything. saved is false
// if the report was throttled.
func (m *Manager) SaveHeartbeat(ctx context.Context, id string, hb resource.HeartBeat) (saved bool, err error) {
	logger := m.logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	logger = logger.WithFields(logrus.Fields{
		"ResourceID":         id,
		"HeartbeatTimeStamp": hb.TimeStamp,
	})
	if hb.TimeStamp.IsZero() {
		hb.TimeStamp = time.Now().UTC()
	}
	throttled := false
	_, err = repository.Modify(ctx, m.repo, id, saveAttempts, func(rec *resource.Record) error {
		throttled = false
		if rec.IsReady && !rec.HeartBeatSummary.LastSeen.Before(hb.TimeStamp.Add(-m.throttle)) {
			throttled = true
			return repository.ErrNoChange
		}
		raw := hb
		raw.CollectedDataList = append([]resource.CollectedData(nil), hb.CollectedDataList...)
		rec.HeartBeatSummary = resource.HeartBeatSummary{
			MergedHeartBeat:    Merge(rec.HeartBeatSummary.MergedHeartBeat, hb.CollectedDataList),
			LatestRawHeartBeat: &raw,
			LastSeen:           hb.TimeStamp,
		}
		if !rec.IsReady {
			rec.IsReady = true
			rec.Ready = time.Now().UTC()
		}
		return nil
	})
	switch {
	case err != nil:
		m.mSaves.WithLabelValues("error").Inc()
		if resource.IsNotFound(err) {
			logger.Warn("heartbeat from unknown resource")
		}
		return false, err
	case throttled:
		m.mSaves.WithLabelValues("throttled").Inc()
		logger.Debug("heartbeat throttled")
		return false, nil
	default:
		m.mSaves.WithLabelValues("saved").Inc()
		return true, nil
	}
}
