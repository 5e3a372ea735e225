// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package continuation

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/lib/cloud/loopback"
	"git.arvados.org/resourcebroker.git/lib/heartbeat"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&OperationsSuite{})

type OperationsSuite struct {
	repo     *repository.Memory
	provider *loopback.Provider
	act      *Activator
	ops      *Operations
	ctx      context.Context
}

func (s *OperationsSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.repo = repository.NewMemory()
	s.provider = loopback.New(logger)
	s.act = NewActivator(s.repo, nil, resource.ContinuationConfig{
		MaxAttempts: 2,
		RetryDelay:  resource.Duration(time.Millisecond),
	}, logger, nil)
	s.setProvider(c, s.provider)
	s.ops = NewOperations(s.act, s.repo, logger)
	s.ctx = context.Background()
}

func (s *OperationsSuite) setProvider(c *check.C, p cloud.Provider) {
	logger := ctxlog.TestLogger(c)
	(&Handlers{
		Records:      s.repo,
		Environments: s.repo,
		Provider:     p,
		Heartbeats:   heartbeat.NewManager(s.repo, time.Minute, logger, nil),
	}).Register(s.act)
}

func (s *OperationsSuite) run(c *check.C) {
	_, err := s.act.RunPending(s.ctx)
	c.Assert(err, check.IsNil)
}

func (s *OperationsSuite) get(c *check.C, id string) *resource.Record {
	rec, err := s.repo.Get(s.ctx, id)
	c.Assert(err, check.IsNil)
	return rec
}

func computeInput(id string) CreateInput {
	return CreateInput{
		ResourceID:         id,
		Type:               resource.TypeComputeVM,
		SkuName:            "Standard_D4s_v3",
		Location:           "westus2",
		PoolReference:      resource.PoolReference{Code: "pool1"},
		Details:            resource.Details{ImageName: "img", ComputeOS: resource.ComputeOSLinux},
		CreateOSDiskRecord: true,
	}
}

func (s *OperationsSuite) TestCreateProvisionsComputeAndDisk(c *check.C) {
	res, err := s.ops.Create(s.ctx, computeInput("r1"), ReasonPoolReplenish)
	c.Assert(err, check.IsNil)
	c.Check(res.Status, check.Equals, resource.ContinuationInProgress)

	rec := s.get(c, "r1")
	c.Check(rec.IsReady, check.Equals, false)
	c.Check(rec.IsAssigned, check.Equals, false)
	c.Check(rec.ProvisioningStatus, check.Equals, resource.OperationQueued)

	s.run(c)
	rec = s.get(c, "r1")
	c.Check(rec.IsReady, check.Equals, true)
	c.Check(rec.ProvisioningStatus, check.Equals, resource.OperationSucceeded)
	c.Check(rec.Details.ProviderID, check.Equals, "loopback/ComputeVM/r1")
	c.Check(rec.Details.OSDiskRecordID, check.Equals, OSDiskRecordID("r1"))

	disk := s.get(c, OSDiskRecordID("r1"))
	c.Check(disk.Type, check.Equals, resource.TypeOSDisk)
	c.Check(disk.IsReady, check.Equals, true)
	c.Check(disk.IsAssigned, check.Equals, false)
	c.Check(disk.Details.ProviderID, check.Equals, "loopback/OSDisk/"+disk.ID)
	detached, err := s.provider.IsDetached(s.ctx, disk.Details.ProviderID)
	c.Assert(err, check.IsNil)
	c.Check(detached, check.Equals, false)
	c.Check(s.provider.Len(), check.Equals, 2)
}

func (s *OperationsSuite) TestQueueCreateReturnsAssignedRecord(c *check.C) {
	in := computeInput("r1")
	in.CreateOSDiskRecord = false
	rec, res, err := s.ops.QueueCreate(s.ctx, in, ReasonQueueAllocate)
	c.Assert(err, check.IsNil)
	c.Check(res.WorkflowID, check.Not(check.Equals), "")
	c.Check(rec.ID, check.Equals, "r1")
	c.Check(rec.IsAssigned, check.Equals, true)
	c.Check(rec.IsReady, check.Equals, false)

	s.run(c)
	rec = s.get(c, "r1")
	c.Check(rec.IsReady, check.Equals, true)
	c.Check(rec.IsAssigned, check.Equals, true)
	c.Check(rec.Details.OSDiskRecordID, check.Equals, "")
}

func (s *OperationsSuite) TestExistingResourceOperationsCheckRecord(c *check.C) {
	_, err := s.ops.Delete(s.ctx, "missing", "test")
	c.Check(resource.IsNotFound(err), check.Equals, true)
	_, err = s.ops.Suspend(s.ctx, "missing", "test")
	c.Check(resource.IsNotFound(err), check.Equals, true)
	_, err = s.ops.StartEnvironment(s.ctx, StartInput{ComputeResourceID: "missing"}, "test")
	c.Check(resource.IsNotFound(err), check.Equals, true)
	_, err = s.ops.StartArchive(s.ctx, ArchiveInput{BlobResourceID: "missing"}, "test")
	c.Check(resource.IsNotFound(err), check.Equals, true)
	_, err = s.ops.ProcessHeartbeat(s.ctx, resource.HeartBeat{ResourceID: "missing"}, "test")
	c.Check(resource.IsNotFound(err), check.Equals, true)

	due, err := s.repo.ListDueWorkflows(s.ctx, time.Now(), 0)
	c.Assert(err, check.IsNil)
	c.Check(due, check.HasLen, 0)
}

func (s *OperationsSuite) TestDeleteRemovesUnassignedDisk(c *check.C) {
	_, err := s.ops.Create(s.ctx, computeInput("r1"), ReasonPoolReplenish)
	c.Assert(err, check.IsNil)
	s.run(c)

	_, err = s.ops.Delete(s.ctx, "r1", ReasonPoolShrink)
	c.Assert(err, check.IsNil)
	s.run(c)

	rec := s.get(c, "r1")
	c.Check(rec.IsDeleted, check.Equals, true)
	c.Check(rec.DeletingStatus, check.Equals, resource.OperationSucceeded)
	c.Check(rec.DeleteAttempts, check.Equals, 1)
	c.Check(s.get(c, OSDiskRecordID("r1")).IsDeleted, check.Equals, true)
	c.Check(s.provider.Len(), check.Equals, 0)

	// Deleted records are gone as far as new operations go.
	_, err = s.ops.Delete(s.ctx, "r1", "test")
	c.Check(resource.IsNotFound(err), check.Equals, true)
}

func (s *OperationsSuite) TestPoolShrinkSparesClaimedRecord(c *check.C) {
	_, err := s.ops.Create(s.ctx, computeInput("r1"), ReasonPoolReplenish)
	c.Assert(err, check.IsNil)
	s.run(c)

	_, err = s.ops.Delete(s.ctx, "r1", ReasonPoolShrink)
	c.Assert(err, check.IsNil)
	// Claimed before the delete workflow runs.
	_, err = repository.Modify(s.ctx, s.repo, "r1", 3, func(rec *resource.Record) error {
		rec.IsAssigned = true
		return nil
	})
	c.Assert(err, check.IsNil)
	s.run(c)

	rec := s.get(c, "r1")
	c.Check(rec.IsDeleted, check.Equals, false)
	c.Check(rec.IsAssigned, check.Equals, true)
	c.Check(rec.DeletingStatus, check.Equals, resource.OperationState(""))
	c.Check(s.provider.Exists("loopback/ComputeVM/r1"), check.Equals, true)

	// A delete requested by the record's owner still goes ahead.
	_, err = s.ops.Delete(s.ctx, "r1", "test")
	c.Assert(err, check.IsNil)
	s.run(c)
	c.Check(s.get(c, "r1").IsDeleted, check.Equals, true)
}

func (s *OperationsSuite) TestSuspendKeepsOSDisk(c *check.C) {
	_, _, err := s.ops.QueueCreate(s.ctx, computeInput("r1"), ReasonQueueAllocate)
	c.Assert(err, check.IsNil)
	s.run(c)
	diskID := OSDiskRecordID("r1")
	c.Check(s.get(c, diskID).IsAssigned, check.Equals, true)

	_, err = s.ops.Suspend(s.ctx, "r1", "test")
	c.Assert(err, check.IsNil)
	s.run(c)

	rec := s.get(c, "r1")
	c.Check(rec.CleanupStatus, check.Equals, resource.OperationSucceeded)
	c.Check(rec.IsDeleted, check.Equals, true)
	c.Check(s.provider.Exists("loopback/ComputeVM/r1"), check.Equals, false)

	disk := s.get(c, diskID)
	c.Check(disk.IsDeleted, check.Equals, false)
	detached, err := s.provider.IsDetached(s.ctx, disk.Details.ProviderID)
	c.Assert(err, check.IsNil)
	c.Check(detached, check.Equals, true)
}

func (s *OperationsSuite) TestSuspendDeallocates(c *check.C) {
	in := computeInput("r1")
	in.CreateOSDiskRecord = false
	_, _, err := s.ops.QueueCreate(s.ctx, in, ReasonQueueAllocate)
	c.Assert(err, check.IsNil)
	s.run(c)

	_, err = s.ops.Suspend(s.ctx, "r1", "test")
	c.Assert(err, check.IsNil)
	s.run(c)
	rec := s.get(c, "r1")
	c.Check(rec.CleanupStatus, check.Equals, resource.OperationSucceeded)
	c.Check(rec.IsDeleted, check.Equals, false)
	c.Check(s.provider.Deallocated("loopback/ComputeVM/r1"), check.Equals, true)
}

func (s *OperationsSuite) TestStartEnvironment(c *check.C) {
	in := computeInput("r1")
	in.CreateOSDiskRecord = false
	_, _, err := s.ops.QueueCreate(s.ctx, in, ReasonQueueAllocate)
	c.Assert(err, check.IsNil)
	s.run(c)
	c.Assert(s.provider.Deallocate(s.ctx, "loopback/ComputeVM/r1"), check.IsNil)
	c.Assert(s.repo.CreateEnvironment(s.ctx, &resource.Environment{
		ID:                "env1",
		State:             resource.EnvironmentStarting,
		ComputeResourceID: "r1",
	}), check.IsNil)

	_, err = s.ops.StartEnvironment(s.ctx, StartInput{EnvironmentID: "env1", ComputeResourceID: "r1"}, "test")
	c.Assert(err, check.IsNil)
	s.run(c)

	c.Check(s.get(c, "r1").StartingStatus, check.Equals, resource.OperationSucceeded)
	c.Check(s.provider.Deallocated("loopback/ComputeVM/r1"), check.Equals, false)
	env, err := s.repo.GetEnvironment(s.ctx, "env1")
	c.Assert(err, check.IsNil)
	c.Check(env.State, check.Equals, resource.EnvironmentAvailable)
	c.Check(env.LastStateUpdateTrigger, check.Equals, string(resource.StartCompute))
}

func (s *OperationsSuite) TestHeartbeat(c *check.C) {
	in := computeInput("r1")
	in.CreateOSDiskRecord = false
	_, err := s.ops.Create(s.ctx, in, ReasonPoolReplenish)
	c.Assert(err, check.IsNil)
	s.run(c)

	hb := resource.HeartBeat{
		ResourceID:        "r1",
		TimeStamp:         time.Now().UTC(),
		AgentVersion:      "2.0.0",
		CollectedDataList: []resource.CollectedData{{Name: "A", Value: []byte("1")}},
	}
	first, err := s.ops.ProcessHeartbeat(s.ctx, hb, ReasonHeartbeat)
	c.Assert(err, check.IsNil)
	second, err := s.ops.ProcessHeartbeat(s.ctx, hb, ReasonHeartbeat)
	c.Assert(err, check.IsNil)
	c.Check(second.Deduplicated, check.Equals, true)
	c.Check(second.WorkflowID, check.Equals, first.WorkflowID)

	s.run(c)
	rec := s.get(c, "r1")
	c.Check(rec.HeartBeatSummary.AgentVersion(), check.Equals, "2.0.0")
	c.Check(rec.HeartBeatSummary.MergedHeartBeat, check.HasLen, 1)
}

func (s *OperationsSuite) TestDeleteOrphaned(c *check.C) {
	pid, err := s.provider.Create(s.ctx, cloud.CreateSpec{Name: "stray", Type: resource.TypeComputeVM})
	c.Assert(err, check.IsNil)
	_, err = s.ops.DeleteOrphanedCompute(s.ctx, pid, "westus2", "test")
	c.Assert(err, check.IsNil)
	s.run(c)
	c.Check(s.provider.Exists(pid), check.Equals, false)

	_, err = s.ops.DeleteOrphanedStorage(s.ctx, "", "westus2", "test")
	c.Check(err, check.NotNil)
}

type rejectingProvider struct {
	cloud.Provider
}

func (rejectingProvider) Create(context.Context, cloud.CreateSpec) (string, error) {
	return "", &resource.ProviderError{Kind: resource.ProviderInvalidData, Op: "Create", Err: errors.New("bad sku")}
}

func (s *OperationsSuite) TestCreateFailureMarksRecordFailed(c *check.C) {
	s.setProvider(c, rejectingProvider{s.provider})
	res, err := s.ops.Create(s.ctx, computeInput("r1"), ReasonPoolReplenish)
	c.Assert(err, check.IsNil)
	s.run(c)

	rec := s.get(c, "r1")
	c.Check(rec.ProvisioningStatus, check.Equals, resource.OperationFailed)
	c.Check(rec.IsReady, check.Equals, false)
	c.Check(s.get(c, OSDiskRecordID("r1")).ProvisioningStatus, check.Equals, resource.OperationFailed)
	wf, err := s.repo.GetWorkflow(s.ctx, res.WorkflowID)
	c.Assert(err, check.IsNil)
	c.Check(wf.State, check.Equals, resource.WorkflowFailed)
	c.Check(wf.Attempts, check.Equals, 1)
}
