// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package repair finds environments that have been stuck in a
// transitional state for too long and drives them to a safe state.
package repair

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/lib/dblock"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/auth"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultInterval   = 24 * time.Hour
	defaultStaleAfter = time.Hour

	// Identity recorded in the superuser credentials the sweep
	// runs with.
	Identity = "state-repair"
)

// Action is a repair applied to a stuck environment.
type Action string

const (
	ActionNone       = Action("")
	ActionSuspend    = Action("ForceSuspend")
	ActionFail       = Action("Fail")
	ActionHardDelete = Action("HardDelete")
)

// Actions carries out repairs.
type Actions interface {
	Suspend(ctx context.Context, env *resource.Environment) error
	Fail(ctx context.Context, env *resource.Environment) error
	HardDelete(ctx context.Context, env *resource.Environment) error
}

// Decide returns the repair for an environment that has not been
// updated for a while, or ActionNone.
func Decide(env *resource.Environment) Action {
	if env.IsStatic {
		return ActionNone
	}
	switch env.State {
	case resource.EnvironmentUnavailable, resource.EnvironmentStarting, resource.EnvironmentShuttingDown:
		return ActionSuspend
	case resource.EnvironmentProvisioning:
		return ActionFail
	case resource.EnvironmentQueued:
		if env.LastStateUpdateTrigger == resource.TriggerCreate {
			return ActionFail
		}
		return ActionSuspend
	case resource.EnvironmentFailed:
		if !env.IsDeleted {
			return ActionHardDelete
		}
	}
	return ActionNone
}

// Sweeper periodically repairs stuck environments.
type Sweeper struct {
	Environments repository.Environments
	Actions      Actions
	Config       resource.RepairConfig
	Logger       logrus.FieldLogger
	Registry     *prometheus.Registry

	// Leader gates the sweep when several processes share a
	// repository. If nil, the sweep always runs.
	Leader dblock.Leader

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
	mRepairs  *prometheus.CounterVec
	mSkipped  *prometheus.CounterVec
}

func (s *Sweeper) setup() {
	if s.Leader == nil {
		s.Leader = &dblock.Single{}
	}
	reg := s.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s.mRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "repair",
		Name:      "actions_total",
		Help:      "Number of repair actions attempted, by action and outcome.",
	}, []string{"action", "outcome"})
	reg.MustRegister(s.mRepairs)
	s.mSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "repair",
		Name:      "skipped_total",
		Help:      "Number of candidate environments skipped, by reason.",
	}, []string{"reason"})
	reg.MustRegister(s.mSkipped)
}

func (s *Sweeper) interval() time.Duration {
	if d := s.Config.Interval.Duration(); d > 0 {
		return d
	}
	return defaultInterval
}

func (s *Sweeper) staleAfter() time.Duration {
	if d := s.Config.StaleAfter.Duration(); d > 0 {
		return d
	}
	return defaultStaleAfter
}

// Start runs the sweep in a new goroutine, once per interval, until
// Stop is called.
func (s *Sweeper) Start() {
	s.setupOnce.Do(s.setup)
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.run()
}

// Stop stops the sweep and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Sweeper) run() {
	defer close(s.stopped)
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), s.Logger))
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()
	if !s.Leader.Lock(ctx) {
		return
	}
	defer s.Leader.Unlock()
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.Leader.Check() {
			return
		}
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.WithError(err).Warn("state repair sweep failed")
		}
	}
}

// RunOnce repairs every environment that has been stuck since before
// the StaleAfter cutoff. A failure to repair one environment is
// logged and does not stop the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.setupOnce.Do(s.setup)
	ctx = auth.WithSuperuser(ctx, Identity)
	cutoff := time.Now().Add(-s.staleAfter())
	candidates, err := s.Environments.ListEnvironmentsUpdatedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	s.Logger.WithFields(logrus.Fields{
		"Cutoff":     cutoff,
		"Candidates": len(candidates),
	}).Info("state repair sweep")
	for _, env := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.repair(ctx, env)
	}
	return nil
}

func (s *Sweeper) repair(ctx context.Context, selected *resource.Environment) {
	logger := s.Logger.WithFields(logrus.Fields{
		"EnvironmentID": selected.ID,
		"State":         selected.State,
		"LastUpdated":   selected.LastUpdated,
	})
	if selected.IsStatic || selected.IsDeleted {
		s.mSkipped.WithLabelValues("exempt").Inc()
		return
	}
	action := Decide(selected)
	if action == ActionNone {
		s.mSkipped.WithLabelValues("no_action").Inc()
		return
	}
	current, err := s.Environments.GetEnvironment(ctx, selected.ID)
	if resource.IsNotFound(err) {
		s.mSkipped.WithLabelValues("missing").Inc()
		return
	} else if err != nil {
		s.mRepairs.WithLabelValues(string(action), "error").Inc()
		logger.WithError(err).Warn("error reloading environment")
		return
	}
	if current.State != selected.State || !current.LastUpdated.Equal(selected.LastUpdated) {
		s.mSkipped.WithLabelValues("progressed").Inc()
		logger.WithField("CurrentState", current.State).Debug("environment changed since selection")
		return
	}

	logger = logger.WithField("Action", action)
	switch action {
	case ActionSuspend:
		err = s.Actions.Suspend(ctx, current)
	case ActionFail:
		err = s.Actions.Fail(ctx, current)
	case ActionHardDelete:
		err = s.Actions.HardDelete(ctx, current)
	}
	if err != nil {
		s.mRepairs.WithLabelValues(string(action), "error").Inc()
		logger.WithError(err).Warn("repair failed")
		return
	}
	s.mRepairs.WithLabelValues(string(action), "ok").Inc()
	logger.Info("repaired environment")
}
