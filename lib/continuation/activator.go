// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package continuation runs slow provider operations as durable,
// resumable workflows keyed by resource id, and provides the typed
// operations that submit them.
package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultWorkers       = 4
	defaultLeaseDuration = 5 * time.Minute
	defaultMaxAttempts   = 10
	defaultPollInterval  = 10 * time.Second
	defaultRetryDelay    = 5 * time.Second
	maxRetryDelay        = 10 * time.Minute
)

// ErrDone can be returned by a step to end the workflow successfully
// without running the remaining steps.
var ErrDone = errors.New("workflow complete")

type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

// Permanent marks err as not worth retrying: the workflow fails
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err was marked by Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// A Step is one idempotent step of a workflow. It may be run more
// than once, e.g., when a worker dies after the step but before the
// cursor is saved.
type Step func(ctx context.Context) error

// A Plan is the sequence of steps a handler derives from a
// workflow's payload.
type Plan struct {
	Steps []Step

	// OnFailure, if not nil, runs once when the workflow fails
	// permanently.
	OnFailure func(ctx context.Context, err error) error
}

// A Handler decodes a workflow's payload and returns its plan.
type Handler func(ctx context.Context, wf *resource.Workflow) (*Plan, error)

// Activator stores submitted workflows and runs them.
//
// Workflows are leased by writing Owner and LeaseExpires with the
// repository's version check, so any number of activators (in one
// process or many) can share a repository: each workflow runs on at
// most one worker at a time, and a workflow whose worker disappears
// is picked up again when its lease expires.
type Activator struct {
	repo     repository.Workflows
	notifier Notifier
	logger   logrus.FieldLogger
	owner    string

	workers      int
	lease        time.Duration
	maxAttempts  int
	pollInterval time.Duration
	retryDelay   time.Duration

	handlersMtx sync.RWMutex
	handlers    map[string]Handler

	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	mSubmissions *prometheus.CounterVec
	mFinished    *prometheus.CounterVec
	mStepErrors  *prometheus.CounterVec
	mRunning     prometheus.Gauge
}

// NewActivator returns an Activator. Call Start to run workers.
func NewActivator(repo repository.Workflows, notifier Notifier, cfg resource.ContinuationConfig, logger logrus.FieldLogger, reg *prometheus.Registry) *Activator {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	act := &Activator{
		repo:         repo,
		notifier:     notifier,
		logger:       logger,
		owner:        "worker-" + uuid.NewString(),
		workers:      cfg.Workers,
		lease:        time.Duration(cfg.LeaseDuration),
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: time.Duration(cfg.PollInterval),
		retryDelay:   time.Duration(cfg.RetryDelay),
		handlers:     map[string]Handler{},
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	if act.workers < 1 {
		act.workers = defaultWorkers
	}
	if act.lease <= 0 {
		act.lease = defaultLeaseDuration
	}
	if act.maxAttempts < 1 {
		act.maxAttempts = defaultMaxAttempts
	}
	if act.pollInterval <= 0 {
		act.pollInterval = defaultPollInterval
	}
	if act.retryDelay <= 0 {
		act.retryDelay = defaultRetryDelay
	}
	act.registerMetrics(reg)
	return act
}

func (act *Activator) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	act.mSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "continuation",
		Name:      "submissions_total",
		Help:      "Number of workflow submissions, by target and outcome (created, deduplicated, error).",
	}, []string{"target", "outcome"})
	reg.MustRegister(act.mSubmissions)
	act.mFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "continuation",
		Name:      "finished_total",
		Help:      "Number of workflows that reached a terminal state, by target and state.",
	}, []string{"target", "state"})
	reg.MustRegister(act.mFinished)
	act.mStepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resourcebroker",
		Subsystem: "continuation",
		Name:      "step_errors_total",
		Help:      "Number of workflow steps that returned an error, by target.",
	}, []string{"target"})
	reg.MustRegister(act.mStepErrors)
	act.mRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resourcebroker",
		Subsystem: "continuation",
		Name:      "running",
		Help:      "Number of workflows currently running in this process.",
	})
	reg.MustRegister(act.mRunning)
}

// Register sets the handler for a queue target.
func (act *Activator) Register(target string, h Handler) {
	act.handlersMtx.Lock()
	defer act.handlersMtx.Unlock()
	act.handlers[target] = h
}

func (act *Activator) handler(target string) Handler {
	act.handlersMtx.RLock()
	defer act.handlersMtx.RUnlock()
	return act.handlers[target]
}

// Execute stores a new workflow for resourceID and wakes the
// workers, unless a workflow for resourceID is already pending or
// running, in which case that one is reported instead.
//
// The result reports submission only: the work itself happens later.
func (act *Activator) Execute(ctx context.Context, target string, payload interface{}, resourceID, reason string) (resource.ContinuationResult, error) {
	logger := act.logger.WithFields(logrus.Fields{
		"QueueTarget": target,
		"ResourceID":  resourceID,
		"Reason":      reason,
	})
	if act.handler(target) == nil {
		return resource.ContinuationResult{}, &resource.UnsupportedError{What: fmt.Sprintf("queue target %q", target)}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return resource.ContinuationResult{}, fmt.Errorf("encode %s payload: %w", target, err)
	}
	now := time.Now().UTC()
	wf := &resource.Workflow{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		Target:     target,
		Reason:     reason,
		Payload:    buf,
		State:      resource.WorkflowPending,
		NextRun:    now,
		Created:    now,
		Updated:    now,
	}
	existing, created, err := act.repo.CreateWorkflow(ctx, wf)
	if err != nil {
		act.mSubmissions.WithLabelValues(target, "error").Inc()
		return resource.ContinuationResult{}, err
	}
	if !created {
		act.mSubmissions.WithLabelValues(target, "deduplicated").Inc()
		logger.WithFields(logrus.Fields{
			"WorkflowID":       existing.ID,
			"ExistingTarget":   existing.Target,
			"ExistingWorkflow": existing.State,
		}).Info("workflow already in flight for resource")
		return resource.ContinuationResult{
			Status:       resource.ContinuationInProgress,
			WorkflowID:   existing.ID,
			Deduplicated: true,
		}, nil
	}
	act.mSubmissions.WithLabelValues(target, "created").Inc()
	logger.WithField("WorkflowID", wf.ID).Debug("workflow submitted")
	act.notifier.Notify(target)
	return resource.ContinuationResult{
		Status:     resource.ContinuationInProgress,
		WorkflowID: wf.ID,
	}, nil
}

// Start starts the workers.
func (act *Activator) Start() {
	go act.runOnce.Do(act.run)
}

// Stop stops the workers and waits for running steps to return.
// Workflows interrupted by Stop are released for another worker to
// resume. No other method should be called after Stop.
func (act *Activator) Stop() {
	act.Start()
	close(act.stop)
	<-act.stopped
}

func (act *Activator) run() {
	defer close(act.stopped)
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), act.logger))
	defer cancel()
	go func() {
		<-act.stop
		cancel()
	}()

	wake := act.notifier.Subscribe()
	defer act.notifier.Unsubscribe(wake)
	ticker := time.NewTicker(act.pollInterval)
	defer ticker.Stop()

	slots := make(chan struct{}, act.workers)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		act.dispatch(ctx, slots, &wg)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// dispatch leases due workflows and runs them in the background,
// until there are no due workflows or no free worker slots.
func (act *Activator) dispatch(ctx context.Context, slots chan struct{}, wg *sync.WaitGroup) {
	due, err := act.repo.ListDueWorkflows(ctx, time.Now().UTC(), act.workers*2)
	if err != nil {
		if ctx.Err() == nil {
			act.logger.WithError(err).Warn("error listing due workflows")
		}
		return
	}
	for _, wf := range due {
		select {
		case slots <- struct{}{}:
		default:
			return
		}
		leased := act.acquire(ctx, wf)
		if leased == nil {
			<-slots
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			act.runWorkflow(ctx, leased)
		}()
	}
}

// RunPending leases and runs every currently due workflow, one at a
// time, and returns the number it ran. Workflows that fail and are
// rescheduled are not retried in the same call.
func (act *Activator) RunPending(ctx context.Context) (int, error) {
	due, err := act.repo.ListDueWorkflows(ctx, time.Now().UTC(), 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, wf := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		leased := act.acquire(ctx, wf)
		if leased == nil {
			continue
		}
		act.runWorkflow(ctx, leased)
		n++
	}
	return n, nil
}

// acquire leases wf for this worker. It returns nil if another
// worker got there first.
func (act *Activator) acquire(ctx context.Context, wf *resource.Workflow) *resource.Workflow {
	now := time.Now().UTC()
	leased := wf.Copy()
	if leased.State == resource.WorkflowRunning {
		act.logger.WithFields(logrus.Fields{
			"WorkflowID":    wf.ID,
			"PreviousOwner": wf.Owner,
		}).Info("reclaiming workflow with expired lease")
	}
	leased.State = resource.WorkflowRunning
	leased.Owner = act.owner
	leased.LeaseExpires = now.Add(act.lease)
	leased.Updated = now
	err := act.repo.UpdateWorkflow(ctx, leased)
	if resource.IsVersionConflict(err) {
		return nil
	} else if err != nil {
		act.logger.WithError(err).WithField("WorkflowID", wf.ID).Warn("error leasing workflow")
		return nil
	}
	return leased
}

func (act *Activator) runWorkflow(ctx context.Context, wf *resource.Workflow) {
	act.mRunning.Inc()
	defer act.mRunning.Dec()
	logger := act.logger.WithFields(logrus.Fields{
		"WorkflowID":  wf.ID,
		"ResourceID":  wf.ResourceID,
		"QueueTarget": wf.Target,
		"Reason":      wf.Reason,
	})
	ctx = ctxlog.Context(ctx, logger)

	h := act.handler(wf.Target)
	if h == nil {
		act.stepFailed(ctx, logger, wf, nil, Permanent(fmt.Errorf("no handler for queue target %q", wf.Target)))
		return
	}
	plan, err := h(ctx, wf)
	if err != nil {
		act.stepFailed(ctx, logger, wf, nil, err)
		return
	}
	for wf.Cursor < len(plan.Steps) {
		err := plan.Steps[wf.Cursor](ctx)
		if errors.Is(err, ErrDone) {
			break
		} else if err != nil {
			act.stepFailed(ctx, logger, wf, plan, err)
			return
		}
		wf.Cursor++
		now := time.Now().UTC()
		wf.LeaseExpires = now.Add(act.lease)
		wf.Updated = now
		if err := act.repo.UpdateWorkflow(context.WithoutCancel(ctx), wf); err != nil {
			// Someone else holds the lease now (or the
			// repository is failing). Either way they
			// will resume from the last saved cursor.
			logger.WithError(err).Warn("lost workflow lease")
			return
		}
	}
	wf.State = resource.WorkflowSucceeded
	wf.Owner = ""
	wf.LastError = ""
	wf.Updated = time.Now().UTC()
	if err := act.repo.UpdateWorkflow(context.WithoutCancel(ctx), wf); err != nil {
		logger.WithError(err).Warn("error saving finished workflow")
		return
	}
	act.mFinished.WithLabelValues(wf.Target, string(wf.State)).Inc()
	logger.WithField("Attempts", wf.Attempts+1).Info("workflow succeeded")
}

func (act *Activator) stepFailed(ctx context.Context, logger logrus.FieldLogger, wf *resource.Workflow, plan *Plan, err error) {
	saveCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	wf.Owner = ""
	wf.Updated = now
	if ctx.Err() != nil {
		// Shutting down. Release the lease without counting
		// an attempt.
		wf.State = resource.WorkflowPending
		wf.NextRun = now
		if err := act.repo.UpdateWorkflow(saveCtx, wf); err != nil {
			logger.WithError(err).Warn("error releasing workflow lease")
		}
		return
	}
	act.mStepErrors.WithLabelValues(wf.Target).Inc()
	wf.Attempts++
	wf.LastError = err.Error()
	logger = logger.WithError(err).WithFields(logrus.Fields{
		"Cursor":   wf.Cursor,
		"Attempts": wf.Attempts,
	})
	if IsPermanent(err) || wf.Attempts >= act.maxAttempts {
		wf.State = resource.WorkflowFailed
		if plan != nil && plan.OnFailure != nil {
			if ferr := plan.OnFailure(saveCtx, err); ferr != nil {
				logger.WithField("OnFailureError", ferr.Error()).Warn("error recording workflow failure")
			}
		}
		logger.Error("workflow failed")
	} else {
		wf.State = resource.WorkflowPending
		wf.NextRun = now.Add(act.backoff(wf.Attempts))
		logger.WithField("NextRun", wf.NextRun).Info("workflow step failed, will retry")
	}
	if err := act.repo.UpdateWorkflow(saveCtx, wf); err != nil {
		logger.WithField("SaveError", err.Error()).Warn("error saving workflow state")
		return
	}
	if wf.State == resource.WorkflowFailed {
		act.mFinished.WithLabelValues(wf.Target, string(wf.State)).Inc()
	}
}

func (act *Activator) backoff(attempts int) time.Duration {
	d := act.retryDelay
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
