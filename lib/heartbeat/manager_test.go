// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ManagerSuite{})

// countingRecords counts writes.
type countingRecords struct {
	repository.Records
	mtx    sync.Mutex
	writes int
}

func (cr *countingRecords) Update(ctx context.Context, rec *resource.Record) error {
	cr.mtx.Lock()
	cr.writes++
	cr.mtx.Unlock()
	return cr.Records.Update(ctx, rec)
}

func (cr *countingRecords) Create(ctx context.Context, rec *resource.Record) error {
	cr.mtx.Lock()
	cr.writes++
	cr.mtx.Unlock()
	return cr.Records.Create(ctx, rec)
}

type ManagerSuite struct {
	repo *countingRecords
	mgr  *Manager
	ctx  context.Context
}

func (s *ManagerSuite) SetUpTest(c *check.C) {
	s.repo = &countingRecords{Records: repository.NewMemory()}
	s.mgr = NewManager(s.repo, time.Minute, ctxlog.TestLogger(c), prometheus.NewRegistry())
	s.ctx = context.Background()
}

func datum(name string, v int) resource.CollectedData {
	buf, _ := json.Marshal(v)
	return resource.CollectedData{Name: name, Value: buf}
}

func names(list []resource.CollectedData) []string {
	var out []string
	for _, d := range list {
		out = append(out, d.Name+"="+string(d.Value))
	}
	return out
}

func (s *ManagerSuite) TestMerge(c *check.C) {
	existing := []resource.CollectedData{datum("A", 1), datum("B", 2)}
	merged := Merge(existing, []resource.CollectedData{datum("B", 3), datum("C", 4)})
	c.Check(names(merged), check.DeepEquals, []string{"A=1", "B=3", "C=4"})
	// Inputs are untouched.
	c.Check(names(existing), check.DeepEquals, []string{"A=1", "B=2"})

	c.Check(names(Merge(nil, []resource.CollectedData{datum("A", 1)})), check.DeepEquals, []string{"A=1"})
	c.Check(names(Merge(existing, nil)), check.DeepEquals, []string{"A=1", "B=2"})

	// A replaced entry keeps its position.
	three := []resource.CollectedData{datum("A", 1), datum("B", 2), datum("C", 3)}
	c.Check(names(Merge(three, []resource.CollectedData{datum("A", 9)})), check.DeepEquals, []string{"A=9", "B=2", "C=3"})
	c.Check(names(Merge(three, []resource.CollectedData{datum("B", 8), datum("D", 4), datum("A", 7)})), check.DeepEquals, []string{"A=7", "B=8", "C=3", "D=4"})
}

func (s *ManagerSuite) TestUnknownResource(c *check.C) {
	saved, err := s.mgr.SaveHeartbeat(s.ctx, "missing", resource.HeartBeat{TimeStamp: time.Now()})
	c.Check(resource.IsNotFound(err), check.Equals, true)
	c.Check(saved, check.Equals, false)
	c.Check(s.repo.writes, check.Equals, 0)
	c.Check(testutil.ToFloat64(s.mgr.mSaves.WithLabelValues("error")), check.Equals, 1.0)
}

func (s *ManagerSuite) TestSaveMergesAndMarksReady(c *check.C) {
	c.Assert(s.repo.Create(s.ctx, &resource.Record{ID: "r1", Type: resource.TypeComputeVM}), check.IsNil)
	t0 := time.Now().UTC()

	saved, err := s.mgr.SaveHeartbeat(s.ctx, "r1", resource.HeartBeat{
		ResourceID:        "r1",
		TimeStamp:         t0,
		AgentVersion:      "1.2.3",
		CollectedDataList: []resource.CollectedData{datum("A", 1), datum("B", 2)},
	})
	c.Assert(err, check.IsNil)
	c.Check(saved, check.Equals, true)
	rec, err := s.repo.Get(s.ctx, "r1")
	c.Assert(err, check.IsNil)
	c.Check(rec.IsReady, check.Equals, true)
	c.Check(rec.HeartBeatSummary.LastSeen.Equal(t0), check.Equals, true)
	c.Check(rec.HeartBeatSummary.AgentVersion(), check.Equals, "1.2.3")

	// Within the throttle interval of a ready record: skipped.
	saved, err = s.mgr.SaveHeartbeat(s.ctx, "r1", resource.HeartBeat{
		TimeStamp:         t0.Add(30 * time.Second),
		CollectedDataList: []resource.CollectedData{datum("B", 9)},
	})
	c.Assert(err, check.IsNil)
	c.Check(saved, check.Equals, false)
	c.Check(testutil.ToFloat64(s.mgr.mSaves.WithLabelValues("throttled")), check.Equals, 1.0)

	saved, err = s.mgr.SaveHeartbeat(s.ctx, "r1", resource.HeartBeat{
		TimeStamp:         t0.Add(2 * time.Minute),
		AgentVersion:      "1.2.4",
		CollectedDataList: []resource.CollectedData{datum("B", 3), datum("C", 4)},
	})
	c.Assert(err, check.IsNil)
	c.Check(saved, check.Equals, true)
	rec, err = s.repo.Get(s.ctx, "r1")
	c.Assert(err, check.IsNil)
	c.Check(names(rec.HeartBeatSummary.MergedHeartBeat), check.DeepEquals, []string{"A=1", "B=3", "C=4"})
	c.Check(names(rec.HeartBeatSummary.LatestRawHeartBeat.CollectedDataList), check.DeepEquals, []string{"B=3", "C=4"})
	c.Check(rec.HeartBeatSummary.AgentVersion(), check.Equals, "1.2.4")
}

func (s *ManagerSuite) TestConcurrentSavesKeepAllNames(c *check.C) {
	c.Assert(s.repo.Create(s.ctx, &resource.Record{ID: "r1", Type: resource.TypeComputeVM}), check.IsNil)
	mgr := NewManager(s.repo, time.Nanosecond, ctxlog.TestLogger(c), nil)
	t0 := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.SaveHeartbeat(s.ctx, "r1", resource.HeartBeat{
				TimeStamp:         t0.Add(time.Duration(i) * time.Hour),
				CollectedDataList: []resource.CollectedData{datum(string(rune('A'+i)), i)},
			})
			c.Check(err, check.IsNil)
		}()
	}
	wg.Wait()
	rec, err := s.repo.Get(s.ctx, "r1")
	c.Assert(err, check.IsNil)
	// Each report may be throttled by a later one that won the
	// race, but no saved name is ever lost.
	seen := map[string]bool{}
	for _, d := range rec.HeartBeatSummary.MergedHeartBeat {
		c.Check(seen[d.Name], check.Equals, false)
		seen[d.Name] = true
	}
	c.Check(len(seen) >= 1, check.Equals, true)
}
