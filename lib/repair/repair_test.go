// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package repair

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/auth"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

// recorder is an Actions that records what it was asked to do.
type recorder struct {
	mtx       sync.Mutex
	calls     map[Action][]string
	failFor   string
	superuser bool
}

func (r *recorder) record(ctx context.Context, action Action, env *resource.Environment) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.calls == nil {
		r.calls = map[Action][]string{}
	}
	r.calls[action] = append(r.calls[action], env.ID)
	sort.Strings(r.calls[action])
	r.superuser = auth.IsSuperuser(ctx)
	if env.ID == r.failFor {
		return errors.New("injected failure")
	}
	return nil
}

func (r *recorder) Suspend(ctx context.Context, env *resource.Environment) error {
	return r.record(ctx, ActionSuspend, env)
}

func (r *recorder) Fail(ctx context.Context, env *resource.Environment) error {
	return r.record(ctx, ActionFail, env)
}

func (r *recorder) HardDelete(ctx context.Context, env *resource.Environment) error {
	return r.record(ctx, ActionHardDelete, env)
}

type suite struct {
	ctx     context.Context
	repo    *repository.Memory
	actions *recorder
	sweeper *Sweeper
}

func (s *suite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.repo = repository.NewMemory()
	s.actions = &recorder{}
	s.sweeper = &Sweeper{
		Environments: s.repo,
		Actions:      s.actions,
		Config:       resource.RepairConfig{StaleAfter: resource.Duration(time.Hour)},
		Logger:       ctxlog.TestLogger(c),
	}
}

func (s *suite) addEnv(c *check.C, id string, state resource.EnvironmentState, age time.Duration) *resource.Environment {
	env := &resource.Environment{
		ID:                id,
		State:             state,
		LastUpdated:       time.Now().Add(-age),
		ComputeResourceID: id + "-vm",
		StorageResourceID: id + "-share",
	}
	c.Assert(s.repo.CreateEnvironment(s.ctx, env), check.IsNil)
	return env
}

func (s *suite) TestDecide(c *check.C) {
	for _, trial := range []struct {
		env    resource.Environment
		expect Action
	}{
		{resource.Environment{State: resource.EnvironmentUnavailable}, ActionSuspend},
		{resource.Environment{State: resource.EnvironmentStarting}, ActionSuspend},
		{resource.Environment{State: resource.EnvironmentShuttingDown}, ActionSuspend},
		{resource.Environment{State: resource.EnvironmentProvisioning}, ActionFail},
		{resource.Environment{State: resource.EnvironmentQueued, LastStateUpdateTrigger: resource.TriggerCreate}, ActionFail},
		{resource.Environment{State: resource.EnvironmentQueued, LastStateUpdateTrigger: "resume"}, ActionSuspend},
		{resource.Environment{State: resource.EnvironmentFailed}, ActionHardDelete},
		{resource.Environment{State: resource.EnvironmentFailed, IsDeleted: true}, ActionNone},
		{resource.Environment{State: resource.EnvironmentAvailable}, ActionNone},
		{resource.Environment{State: resource.EnvironmentShutdown}, ActionNone},
		{resource.Environment{State: resource.EnvironmentCreated}, ActionNone},
		{resource.Environment{State: resource.EnvironmentProvisioning, IsStatic: true}, ActionNone},
	} {
		c.Check(Decide(&trial.env), check.Equals, trial.expect, check.Commentf("%+v", trial.env))
	}
}

func (s *suite) TestProvisioningFailsOnly(c *check.C) {
	s.addEnv(c, "env1", resource.EnvironmentProvisioning, 2*time.Hour)
	c.Assert(s.sweeper.RunOnce(s.ctx), check.IsNil)
	c.Check(s.actions.calls, check.DeepEquals, map[Action][]string{ActionFail: {"env1"}})
	c.Check(s.actions.superuser, check.Equals, true)
}

func (s *suite) TestSweep(c *check.C) {
	s.addEnv(c, "unavailable", resource.EnvironmentUnavailable, 2*time.Hour)
	s.addEnv(c, "starting", resource.EnvironmentStarting, 3*time.Hour)
	s.addEnv(c, "failed", resource.EnvironmentFailed, 4*time.Hour)
	s.addEnv(c, "available", resource.EnvironmentAvailable, 5*time.Hour)
	s.addEnv(c, "recent", resource.EnvironmentProvisioning, time.Minute)
	static := s.addEnv(c, "static", resource.EnvironmentProvisioning, 6*time.Hour)
	static.IsStatic = true
	c.Assert(s.repo.UpdateEnvironment(s.ctx, static), check.IsNil)

	c.Assert(s.sweeper.RunOnce(s.ctx), check.IsNil)
	c.Check(s.actions.calls, check.DeepEquals, map[Action][]string{
		ActionSuspend:    {"starting", "unavailable"},
		ActionHardDelete: {"failed"},
	})
	c.Check(testutil.ToFloat64(s.sweeper.mSkipped.WithLabelValues("exempt")), check.Equals, float64(1))
	c.Check(testutil.ToFloat64(s.sweeper.mSkipped.WithLabelValues("no_action")), check.Equals, float64(1))
}

func (s *suite) TestFailureIsolated(c *check.C) {
	s.addEnv(c, "bad", resource.EnvironmentProvisioning, 3*time.Hour)
	s.addEnv(c, "good", resource.EnvironmentProvisioning, 2*time.Hour)
	s.actions.failFor = "bad"
	c.Assert(s.sweeper.RunOnce(s.ctx), check.IsNil)
	c.Check(s.actions.calls[ActionFail], check.DeepEquals, []string{"bad", "good"})
	c.Check(testutil.ToFloat64(s.sweeper.mRepairs.WithLabelValues("Fail", "error")), check.Equals, float64(1))
	c.Check(testutil.ToFloat64(s.sweeper.mRepairs.WithLabelValues("Fail", "ok")), check.Equals, float64(1))
}

// progressing is an Environments whose listing returns a snapshot
// taken before the environments made progress.
type progressing struct {
	repository.Environments
	snapshot []*resource.Environment
}

func (p progressing) ListEnvironmentsUpdatedBefore(context.Context, time.Time) ([]*resource.Environment, error) {
	return p.snapshot, nil
}

func (s *suite) TestSkipProgressed(c *check.C) {
	env := s.addEnv(c, "env1", resource.EnvironmentStarting, 2*time.Hour)
	snapshot := env.Copy()
	env.State = resource.EnvironmentAvailable
	env.LastUpdated = time.Now()
	c.Assert(s.repo.UpdateEnvironment(s.ctx, env), check.IsNil)

	s.sweeper.Environments = progressing{Environments: s.repo, snapshot: []*resource.Environment{snapshot}}
	c.Assert(s.sweeper.RunOnce(s.ctx), check.IsNil)
	c.Check(s.actions.calls, check.HasLen, 0)
	c.Check(testutil.ToFloat64(s.sweeper.mSkipped.WithLabelValues("progressed")), check.Equals, float64(1))
}

func (s *suite) TestCanceled(c *check.C) {
	s.addEnv(c, "env1", resource.EnvironmentProvisioning, 2*time.Hour)
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	c.Check(s.sweeper.RunOnce(ctx), check.Equals, context.Canceled)
	c.Check(s.actions.calls, check.HasLen, 0)
}

func (s *suite) TestStopDuringLongInterval(c *check.C) {
	s.sweeper.Config.Interval = resource.Duration(24 * time.Hour)
	s.sweeper.Start()
	stopped := make(chan struct{})
	go func() {
		s.sweeper.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		c.Fatal("Stop did not return while waiting for the next sweep")
	}
}

func (s *suite) TestStartSweepsPeriodically(c *check.C) {
	s.addEnv(c, "env1", resource.EnvironmentProvisioning, 2*time.Hour)
	s.sweeper.Config.Interval = resource.Duration(10 * time.Millisecond)
	s.sweeper.Start()
	defer s.sweeper.Stop()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.actions.mtx.Lock()
		n := len(s.actions.calls[ActionFail])
		s.actions.mtx.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for a sweep")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeBroker records submitted resource operations.
type fakeBroker struct {
	suspended []string
	deleted   []string
	missing   map[string]bool
	err       error
}

func (fb *fakeBroker) SuspendOne(ctx context.Context, envID string, in resource.SuspendInput, trigger string) (bool, error) {
	if fb.err != nil {
		return false, fb.err
	}
	fb.suspended = append(fb.suspended, in.ResourceID)
	return true, nil
}

func (fb *fakeBroker) DeleteOne(ctx context.Context, envID string, in resource.DeleteInput, trigger string) (bool, error) {
	if fb.missing[in.ResourceID] {
		return false, &resource.NotFoundError{ID: in.ResourceID}
	}
	if fb.err != nil {
		return false, fb.err
	}
	fb.deleted = append(fb.deleted, in.ResourceID)
	return true, nil
}

func (s *suite) TestEnvironmentActions(c *check.C) {
	fb := &fakeBroker{missing: map[string]bool{"failed-share": true}}
	ea := &EnvironmentActions{Environments: s.repo, Broker: fb}

	env := s.addEnv(c, "starting", resource.EnvironmentStarting, 2*time.Hour)
	c.Assert(ea.Suspend(s.ctx, env), check.IsNil)
	c.Check(fb.suspended, check.DeepEquals, []string{"starting-vm"})
	got, err := s.repo.GetEnvironment(s.ctx, "starting")
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, resource.EnvironmentShutdown)
	c.Check(got.LastStateUpdateTrigger, check.Equals, TriggerRepair)
	c.Check(got.LastUpdated.After(env.LastUpdated), check.Equals, true)

	env = s.addEnv(c, "provisioning", resource.EnvironmentProvisioning, 2*time.Hour)
	c.Assert(ea.Fail(s.ctx, env), check.IsNil)
	got, err = s.repo.GetEnvironment(s.ctx, "provisioning")
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, resource.EnvironmentFailed)
	c.Check(got.IsDeleted, check.Equals, false)

	env = s.addEnv(c, "failed", resource.EnvironmentFailed, 2*time.Hour)
	c.Assert(ea.HardDelete(s.ctx, env), check.IsNil)
	c.Check(fb.deleted, check.DeepEquals, []string{"failed-vm"})
	got, err = s.repo.GetEnvironment(s.ctx, "failed")
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, resource.EnvironmentDeleted)
	c.Check(got.IsDeleted, check.Equals, true)
}

func (s *suite) TestEnvironmentActionsErrors(c *check.C) {
	fb := &fakeBroker{err: errors.New("activator unavailable")}
	ea := &EnvironmentActions{Environments: s.repo, Broker: fb}

	env := s.addEnv(c, "env1", resource.EnvironmentUnavailable, 2*time.Hour)
	c.Check(ea.Suspend(s.ctx, env), check.ErrorMatches, "activator unavailable")
	got, err := s.repo.GetEnvironment(s.ctx, "env1")
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, resource.EnvironmentUnavailable)

	// State moved on since the sweep looked at it.
	stale := env.Copy()
	stale.State = resource.EnvironmentStarting
	err = ea.Fail(s.ctx, stale)
	var sce *StateChangedError
	c.Assert(errors.As(err, &sce), check.Equals, true)
	c.Check(sce.Actual, check.Equals, resource.EnvironmentUnavailable)
}
