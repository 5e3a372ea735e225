// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

var emptyConfigYAML = `Clusters: {"z1111": {}}`

// Return a new Loader that reads cluster config from configdata
// (instead of the usual default /etc/resourcebroker/config.yml), and
// logs to logdst or (if that's nil) c.Log.
func testLoader(c *check.C, configdata string, logdst io.Writer) *Loader {
	logger := ctxlog.TestLogger(c)
	if logdst != nil {
		lgr := logrus.New()
		lgr.Out = logdst
		logger = lgr
	}
	ldr := NewLoader(bytes.NewBufferString(configdata), logger)
	ldr.Path = "-"
	return ldr
}

type LoadSuite struct{}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := testLoader(c, "", nil).Load()
	c.Check(cfg, check.IsNil)
	c.Assert(err, check.ErrorMatches, `config does not define any clusters`)
}

func (s *LoadSuite) TestNoConfigs(c *check.C) {
	cfg, err := testLoader(c, emptyConfigYAML, nil).Load()
	c.Assert(err, check.IsNil)
	c.Assert(cfg.Clusters, check.HasLen, 1)
	cc, err := cfg.GetCluster("z1111")
	c.Assert(err, check.IsNil)
	c.Check(cc.ClusterID, check.Equals, "z1111")
	c.Check(cc.Repository.Driver, check.Equals, "memory")
	c.Check(cc.Cloud.Driver, check.Equals, "loopback")
	c.Check(cc.Pool.ClaimAttempts, check.Equals, 3)
	c.Check(cc.Pool.MaxCreateBatchCount, check.Equals, 10)
	c.Check(cc.Pool.MaxDeleteBatchCount, check.Equals, 10)
	c.Check(cc.Pool.WatchInterval.Duration(), check.Equals, time.Minute)
	c.Check(cc.Repair.Interval.Duration(), check.Equals, 24*time.Hour)
	c.Check(cc.Repair.StaleAfter.Duration(), check.Equals, time.Hour)
	c.Check(cc.Heartbeat.ThrottleInterval.Duration(), check.Equals, time.Minute)
	c.Check(cc.Broker.KeepAliveCacheSize, check.Equals, 10000)
	c.Check(cc.PostgreSQL.Connection["sslmode"], check.Equals, "require")
	c.Check(cc.ScaleLevels, check.HasLen, 0)
}

func (s *LoadSuite) TestMultipleClusters(c *check.C) {
	cfg, err := testLoader(c, `{"Clusters":{"z1111":{},"z2222":{}}}`, nil).Load()
	c.Assert(err, check.IsNil)
	c1, err := cfg.GetCluster("z1111")
	c.Assert(err, check.IsNil)
	c.Check(c1.ClusterID, check.Equals, "z1111")
	c2, err := cfg.GetCluster("z2222")
	c.Assert(err, check.IsNil)
	c.Check(c2.ClusterID, check.Equals, "z2222")
	_, err = cfg.GetCluster("")
	c.Check(err, check.ErrorMatches, `multiple clusters configured.*`)
}

func (s *LoadSuite) TestOverrides(c *check.C) {
	cfg, err := testLoader(c, `
Clusters:
  z1111:
    ManagementToken: xyzzy
    Repository:
      Driver: badger
    Badger:
      InMemory: true
    Pool:
      MaxCreateBatchCount: 2
      WatchInterval: 30s
      DisabledPools: [legacy]
    Broker:
      QueueFallback: true
      MinimumAgentVersion: 1.4.2
    ScaleLevels:
      - sku_name: Premium_LRS
        type: StorageFileShare
        location: westus2
        target_count: 4
        is_enabled: true
`, nil).Load()
	c.Assert(err, check.IsNil)
	cc, err := cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	c.Check(cc.ManagementToken, check.Equals, "xyzzy")
	c.Check(cc.Repository.Driver, check.Equals, "badger")
	c.Check(cc.Pool.MaxCreateBatchCount, check.Equals, 2)
	c.Check(cc.Pool.MaxDeleteBatchCount, check.Equals, 10)
	c.Check(cc.Pool.WatchInterval.Duration(), check.Equals, 30*time.Second)
	c.Check(cc.Pool.DisabledPools, check.DeepEquals, []string{"legacy"})
	c.Check(cc.Broker.QueueFallback, check.Equals, true)
	c.Check(cc.Broker.MinimumAgentVersion, check.Equals, "1.4.2")
	c.Assert(cc.ScaleLevels, check.HasLen, 1)
	c.Check(cc.ScaleLevels[0].Type, check.Equals, resource.TypeStorageFileShare)
	c.Check(cc.ScaleLevels[0].TargetCount, check.Equals, 4)
	c.Check(cc.ScaleLevels[0].IsEnabled, check.Equals, true)
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		config string
		err    string
	}{
		{`{"Clusters":{"z1111":{"Repository":{"Driver":"mongodb"}}}}`, `z1111: Repository.Driver: unknown driver "mongodb"`},
		{`{"Clusters":{"z1111":{"Repository":{"Driver":"badger"}}}}`, `z1111: Badger.Path must be set.*`},
		{`{"Clusters":{"z1111":{"Broker":{"MinimumAgentVersion":"latest"}}}}`, `z1111: Broker.MinimumAgentVersion: .*`},
		{`{"Clusters":{"z1111":{"Pool":{"ClaimAttempts":0}}}}`, `z1111: Pool.ClaimAttempts must be at least 1, not 0`},
		{`{"Clusters":{"z1111":{"Pool":{"WatchInterval":60}}}}`, `.*duration must be given as a string.*`},
		{`{"Clusters":{"z1111":{"ScaleLevels":[{"type":"KeyVault"}]}}}`, `z1111: pool definition "": missing sku_name`},
		{`{"Clusters":{"z1111":{"ScaleLevels":[{"sku_name":"a","type":"KeyVault","location":"x"},{"sku_name":"a","type":"KeyVault","location":"x"}]}}}`, `z1111: duplicate pool definition "keyvault_a_x"`},
	} {
		_, err := testLoader(c, trial.config, nil).Load()
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%s", trial.config))
	}
}

func (s *LoadSuite) TestUnknownKeys(c *check.C) {
	var logbuf bytes.Buffer
	_, err := testLoader(c, `
Clients: {}
Clusters:
  z1111:
    ManagementToken: xyzzy
    BogusKey: true
    Pool:
      MaxBatchCount: 3
    PostgreSQL:
      Connection:
        connect_timeout: "10"
    Cloud:
      DriverParameters:
        SubscriptionID: abc
`, &logbuf).Load()
	c.Assert(err, check.IsNil)
	logs := logbuf.String()
	c.Check(logs, check.Matches, `(?ms).*unknown config entry: Clients.*`)
	c.Check(logs, check.Matches, `(?ms).*unknown config entry: Clusters\.z1111\.BogusKey.*`)
	c.Check(logs, check.Matches, `(?ms).*unknown config entry: Clusters\.z1111\.Pool\.MaxBatchCount.*`)
	c.Check(logs, check.Not(check.Matches), `(?ms).*connect_timeout.*`)
	c.Check(logs, check.Not(check.Matches), `(?ms).*SubscriptionID.*`)
	c.Check(logs, check.Not(check.Matches), `(?ms).*ManagementToken.*`)
}

func (s *LoadSuite) TestScaleLevelsFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "scale.yml")
	err := os.WriteFile(path, []byte(`
Defaults:
  location: westus2
  environment_skus: [small]
  target_count: 99
  is_enabled: true
Pools:
  - sku_name: Premium_LRS
    type: StorageFileShare
    target_count: 3
    is_enabled: true
  - sku_name: Standard_D4s_v3
    type: ComputeVM
    location: eastus
    environment_skus: [large]
    details:
      image_name: ubuntu
      separate_os_disk: true
`), 0644)
	c.Assert(err, check.IsNil)
	cfg, err := testLoader(c, `{"Clusters":{"z1111":{"ScaleLevelsFile":"`+path+`","ScaleLevels":[{"sku_name":"x","type":"KeyVault","location":"y"}]}}}`, nil).Load()
	c.Assert(err, check.IsNil)
	cc, err := cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	c.Assert(cc.ScaleLevels, check.HasLen, 2)

	share := cc.ScaleLevels[0]
	c.Check(share.Location, check.Equals, "westus2")
	c.Check(share.EnvironmentSkus, check.DeepEquals, []string{"small"})
	c.Check(share.TargetCount, check.Equals, 3)
	c.Check(share.IsEnabled, check.Equals, true)

	vm := cc.ScaleLevels[1]
	c.Check(vm.Location, check.Equals, "eastus")
	c.Check(vm.EnvironmentSkus, check.DeepEquals, []string{"large"})
	c.Check(vm.TargetCount, check.Equals, 0)
	c.Check(vm.IsEnabled, check.Equals, false)
	c.Check(vm.Details.ImageName, check.Equals, "ubuntu")
	c.Check(vm.Details.SeparateOSDisk, check.Equals, true)

	// SkipScaleLevelsFile keeps the inline definitions.
	ldr := testLoader(c, `{"Clusters":{"z1111":{"ScaleLevelsFile":"`+path+`","ScaleLevels":[{"sku_name":"x","type":"KeyVault","location":"y"}]}}}`, nil)
	ldr.SkipScaleLevelsFile = true
	cfg, err = ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Clusters["z1111"].ScaleLevels, check.HasLen, 1)
}

func (s *LoadSuite) TestScaleLevelsFileMissing(c *check.C) {
	_, err := testLoader(c, `{"Clusters":{"z1111":{"ScaleLevelsFile":"/nonexistent/scale.yml"}}}`, nil).Load()
	c.Check(err, check.ErrorMatches, `z1111: open /nonexistent/scale.yml: .*`)
}

func (s *LoadSuite) TestDumpRoundTrip(c *check.C) {
	cfg, err := testLoader(c, `{"Clusters":{"z1111":{"ManagementToken":"xyzzy","Pool":{"WatchInterval":"45s"}}}}`, nil).Load()
	c.Assert(err, check.IsNil)
	out, err := Dump(cfg)
	c.Assert(err, check.IsNil)
	cfg2, err := testLoader(c, string(out), nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg2.Clusters["z1111"].ManagementToken, check.Equals, "xyzzy")
	c.Check(cfg2.Clusters["z1111"].Pool.WatchInterval.Duration(), check.Equals, 45*time.Second)
}
