// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ResourceSuite{})

type ResourceSuite struct{}

func (s *ResourceSuite) TestErrorClassification(c *check.C) {
	var err error = &OutOfCapacityError{SkuName: "small", Type: TypeComputeVM, Location: "westus2"}
	wrapped := fmt.Errorf("allocate: %w", err)
	c.Check(IsOutOfCapacity(wrapped), check.Equals, true)
	c.Check(IsNotFound(wrapped), check.Equals, false)
	c.Check(err.Error(), check.Matches, `.*"small".*ComputeVM.*"westus2".*`)

	c.Check(IsNotFound(fmt.Errorf("x: %w", &NotFoundError{ID: "abc"})), check.Equals, true)
	c.Check(IsVersionConflict(fmt.Errorf("update: %w", ErrVersionConflict)), check.Equals, true)
	c.Check(IsUnsupported(&UnsupportedError{What: "mixed"}), check.Equals, true)

	perr := fmt.Errorf("snapshot: %w", &ProviderError{Kind: ProviderProcessingFailed, Op: "CreateSnapshot"})
	c.Check(ProviderErrorKindOf(perr), check.Equals, ProviderProcessingFailed)
	c.Check(ProviderErrorKindOf(err), check.Equals, ProviderErrorKind(""))
}

func (s *ResourceSuite) TestDurationJSON(c *check.C) {
	var cfg struct{ D Duration }
	c.Assert(json.Unmarshal([]byte(`{"D":"90s"}`), &cfg), check.IsNil)
	c.Check(cfg.D.Duration(), check.Equals, 90*time.Second)
	c.Check(json.Unmarshal([]byte(`{"D":90}`), &cfg), check.NotNil)
	c.Check(Duration(time.Hour).String(), check.Equals, "1h")
	c.Check(Duration(90*time.Second).String(), check.Equals, "1m30s")
}

func (s *ResourceSuite) TestRecordCopyIsDeep(c *check.C) {
	rec := &Record{
		ID:            "r1",
		PoolReference: PoolReference{Code: "p", Dimensions: map[string]string{"a": "b"}},
		HeartBeatSummary: HeartBeatSummary{
			MergedHeartBeat: []CollectedData{{Name: "A"}},
		},
	}
	cp := rec.Copy()
	cp.PoolReference.Dimensions["a"] = "changed"
	cp.HeartBeatSummary.MergedHeartBeat[0].Name = "changed"
	c.Check(rec.PoolReference.Dimensions["a"], check.Equals, "b")
	c.Check(rec.HeartBeatSummary.MergedHeartBeat[0].Name, check.Equals, "A")
}

func (s *ResourceSuite) TestPooledAndNeedsCleanup(c *check.C) {
	for _, trial := range []struct {
		rec     Record
		pooled  bool
		cleanup bool
	}{
		{Record{PoolReference: PoolReference{Code: "p"}}, true, false},
		{Record{PoolReference: PoolReference{Code: "p"}, ProvisioningStatus: OperationSucceeded}, true, false},
		{Record{}, false, false},
		{Record{PoolReference: PoolReference{Code: "p"}, IsAssigned: true}, false, false},
		{Record{PoolReference: PoolReference{Code: "p"}, IsDeleted: true, ProvisioningStatus: OperationFailed}, false, false},
		{Record{PoolReference: PoolReference{Code: "p"}, ProvisioningStatus: OperationFailed}, false, true},
		{Record{PoolReference: PoolReference{Code: "p"}, StartingStatus: OperationFailed}, false, true},
		{Record{PoolReference: PoolReference{Code: "p"}, DeletingStatus: OperationQueued}, false, true},
		{Record{PoolReference: PoolReference{Code: "p"}, DeletingStatus: OperationInProgress}, false, true},
		{Record{PoolReference: PoolReference{Code: "p"}, DeletingStatus: OperationFailed}, false, true},
		{Record{PoolReference: PoolReference{Code: "p"}, IsAssigned: true, ProvisioningStatus: OperationFailed}, false, false},
	} {
		c.Check(trial.rec.Pooled(), check.Equals, trial.pooled, check.Commentf("%+v", trial.rec))
		c.Check(trial.rec.NeedsCleanup(), check.Equals, trial.cleanup, check.Commentf("%+v", trial.rec))
	}
}

func (s *ResourceSuite) TestGetCluster(c *check.C) {
	cfg := Config{Clusters: map[string]Cluster{"zzzzz": {}}}
	cc, err := cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	c.Check(cc.ClusterID, check.Equals, "zzzzz")
	_, err = cfg.GetCluster("xxxxx")
	c.Check(err, check.NotNil)
}

func (s *ResourceSuite) TestPostgreSQLConnectionString(c *check.C) {
	conn := PostgreSQLConnection{"host": "localhost", "password": `it's`, "dbname": "broker", "sslmode": ""}
	c.Check(conn.String(), check.Equals, `dbname='broker' host='localhost' password='it\'s' `)
}

func (s *ResourceSuite) TestPoolDefinitionValidate(c *check.C) {
	def := PoolDefinition{Code: "p", SkuName: "small", Type: TypeComputeVM, Location: "westus2", TargetCount: 3}
	c.Check(def.Validate(), check.IsNil)
	def.TargetCount = -1
	c.Check(def.Validate(), check.NotNil)
	def.TargetCount = 1
	def.Location = ""
	c.Check(def.Validate(), check.NotNil)
}
