// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ScaleLevelsSuite{})

type ScaleLevelsSuite struct{}

func (s *ScaleLevelsSuite) SetUpSuite(c *check.C) {
	debounceDelay = 10 * time.Millisecond
}

func (s *ScaleLevelsSuite) TestParseErrors(c *check.C) {
	_, err := parseScaleLevels([]byte(`Pools: [{sku_name: x, type: KeyVault}]`))
	c.Check(err, check.ErrorMatches, `scale levels: pool 0: pool definition "": missing location`)
	_, err = parseScaleLevels([]byte(`Pools: {}`))
	c.Check(err, check.ErrorMatches, `scale levels: .*`)
	defs, err := parseScaleLevels([]byte(`Pools: []`))
	c.Check(err, check.IsNil)
	c.Check(defs, check.HasLen, 0)
}

func (s *ScaleLevelsSuite) TestWatch(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := c.MkDir()
	path := filepath.Join(dir, "scale.yml")
	c.Assert(os.WriteFile(path, []byte(`Pools: []`), 0644), check.IsNil)

	got := make(chan []resource.PoolDefinition, 10)
	err := WatchScaleLevels(ctx, ctxlog.TestLogger(c), path, func(defs []resource.PoolDefinition) {
		got <- defs
	})
	c.Assert(err, check.IsNil)

	// Unrelated files in the same directory are ignored.
	c.Assert(os.WriteFile(filepath.Join(dir, "other.yml"), []byte(`x`), 0644), check.IsNil)

	// A file that does not parse is logged and skipped.
	c.Assert(os.WriteFile(path, []byte(`Pools: [{type: KeyVault}]`), 0644), check.IsNil)
	select {
	case defs := <-got:
		c.Fatalf("unexpected reload %v", defs)
	case <-time.After(200 * time.Millisecond):
	}

	// Replace the file by renaming a new one over it.
	tmp := filepath.Join(dir, ".scale.yml.tmp")
	c.Assert(os.WriteFile(tmp, []byte(`
Defaults: {location: westus2}
Pools: [{sku_name: standard, type: KeyVault, target_count: 2, is_enabled: true}]
`), 0644), check.IsNil)
	c.Assert(os.Rename(tmp, path), check.IsNil)
	select {
	case defs := <-got:
		c.Assert(defs, check.HasLen, 1)
		c.Check(defs[0].Location, check.Equals, "westus2")
		c.Check(defs[0].TargetCount, check.Equals, 2)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for reload")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	c.Assert(os.WriteFile(path, []byte(`Pools: []`), 0644), check.IsNil)
	select {
	case defs := <-got:
		c.Fatalf("reloaded after cancel: %v", defs)
	case <-time.After(200 * time.Millisecond):
	}
}
