// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/Masterminds/semver/v3"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is the config file read when no -config flag is
// given and $RESOURCEBROKER_CONFIG is empty.
const DefaultConfigFile = "/etc/resourcebroker/config.yml"

// Cluster config entries whose keys are not checked against the
// defaults.
var freeformKeys = map[string]bool{
	"PostgreSQL.Connection":  true,
	"Cloud.DriverParameters": true,
}

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file location, or "-" to read from Stdin.
	Path string

	// Do not replace ScaleLevels with the contents of
	// ScaleLevelsFile.
	SkipScaleLevelsFile bool
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.Path = os.Getenv("RESOURCEBROKER_CONFIG")
	if ldr.Path == "" {
		ldr.Path = DefaultConfigFile
	}
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting a RESOURCEBROKER_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	return os.ReadFile(path)
}

// Load reads the config file, applies defaults for each cluster it
// defines, and checks the result.
func (ldr *Loader) Load() (*resource.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*resource.Config, error) {
	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}

	var cfg resource.Config
	for id := range dummy.Clusters {
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &cfg)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	if ldr.Logger != nil {
		var supplied, defaults map[string]interface{}
		if err := yaml.Unmarshal(buf, &supplied); err == nil {
			if err := yaml.Unmarshal(DefaultYAML, &defaults); err == nil {
				ldr.logExtraKeys(defaults, supplied)
			}
		}
	}

	ids := make([]string, 0, len(cfg.Clusters))
	for id := range cfg.Clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cc := cfg.Clusters[id]
		if cc.ScaleLevelsFile != "" && !ldr.SkipScaleLevelsFile {
			cc.ScaleLevels, err = LoadScaleLevels(cc.ScaleLevelsFile)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", id, err)
			}
		}
		if err := checkCluster(&cc); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

func checkCluster(cc *resource.Cluster) error {
	switch cc.Repository.Driver {
	case "memory", "postgresql", "badger":
	default:
		return fmt.Errorf("Repository.Driver: unknown driver %q", cc.Repository.Driver)
	}
	if cc.Repository.Driver == "badger" && cc.Badger.Path == "" && !cc.Badger.InMemory {
		return errors.New("Badger.Path must be set when Repository.Driver is badger")
	}
	if v := cc.Broker.MinimumAgentVersion; v != "" {
		if _, err := semver.NewVersion(v); err != nil {
			return fmt.Errorf("Broker.MinimumAgentVersion: %w", err)
		}
	}
	if cc.Pool.ClaimAttempts < 1 {
		return fmt.Errorf("Pool.ClaimAttempts must be at least 1, not %d", cc.Pool.ClaimAttempts)
	}
	if cc.Pool.MaxCreateBatchCount < 1 || cc.Pool.MaxDeleteBatchCount < 1 {
		return errors.New("Pool.MaxCreateBatchCount and Pool.MaxDeleteBatchCount must be at least 1")
	}
	seen := map[string]bool{}
	for _, def := range cc.ScaleLevels {
		if err := def.Validate(); err != nil {
			return err
		}
		code := def.Code
		if code == "" {
			code = resource.PoolCode(def.SkuName, def.Type, def.Location)
		}
		if seen[code] {
			return fmt.Errorf("duplicate pool definition %q", code)
		}
		seen[code] = true
	}
	return nil
}

// logExtraKeys warns about entries in the supplied config that have
// no counterpart in the default config.
func (ldr *Loader) logExtraKeys(defaults, supplied map[string]interface{}) {
	defclusters, _ := defaults["Clusters"].(map[string]interface{})
	defcluster, _ := defclusters["xxxxx"].(map[string]interface{})
	for k := range supplied {
		if k != "Clusters" {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s", k)
		}
	}
	clusters, _ := supplied["Clusters"].(map[string]interface{})
	for id, cc := range clusters {
		if cc, ok := cc.(map[string]interface{}); ok {
			ldr.logExtraClusterKeys(defcluster, cc, "Clusters."+id+".", "")
		}
	}
}

func (ldr *Loader) logExtraClusterKeys(expected, supplied map[string]interface{}, prefix, path string) {
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s%s", prefix, path, k)
			continue
		}
		if freeformKeys[path+k] {
			continue
		}
		msupp, ok := vsupp.(map[string]interface{})
		if !ok {
			continue
		}
		mexp, ok := vexp.(map[string]interface{})
		if !ok {
			continue
		}
		ldr.logExtraClusterKeys(mexp, msupp, prefix, path+k+".")
	}
}

// Dump returns cfg in the config file format.
func Dump(cfg *resource.Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
