// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// Wait for events to settle before reloading a changed file.
var debounceDelay = 250 * time.Millisecond

// scaleLevelsFile is the format of a ScaleLevelsFile:
//
//	Defaults:
//	  location: westus2
//	  environment_skus: [small]
//	Pools:
//	  - sku_name: Standard_D4s_v3
//	    type: ComputeVM
//	    target_count: 10
//	    is_enabled: true
//
// Empty fields of each pool are filled in from Defaults, except code,
// target_count, and is_enabled.
type scaleLevelsFile struct {
	Defaults resource.PoolDefinition
	Pools    []resource.PoolDefinition
}

// LoadScaleLevels reads pool definitions from a scale levels file.
func LoadScaleLevels(path string) ([]resource.PoolDefinition, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseScaleLevels(buf)
}

func parseScaleLevels(buf []byte) ([]resource.PoolDefinition, error) {
	var f scaleLevelsFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("scale levels: %w", err)
	}
	defaults := f.Defaults
	defaults.Code = ""
	defaults.TargetCount = 0
	defaults.IsEnabled = false
	defs := make([]resource.PoolDefinition, 0, len(f.Pools))
	for i, def := range f.Pools {
		if err := mergo.Merge(&def, defaults); err != nil {
			return nil, fmt.Errorf("scale levels: pool %d: %w", i, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("scale levels: pool %d: %w", i, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// WatchScaleLevels calls fn with the new pool definitions each time
// the file at path changes, until ctx is done. If the changed file
// cannot be loaded, the error is logged and fn is not called.
//
// The directory containing path is watched, so a file replaced by
// rename is noticed.
func WatchScaleLevels(ctx context.Context, logger logrus.FieldLogger, path string, fn func([]resource.PoolDefinition)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify setup failed: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %q: %w", path, err)
	}
	logger = logger.WithField("ScaleLevelsFile", path)

	go func() {
		defer watcher.Close()
		reload := make(chan struct{}, 1)
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("fsnotify watcher reported error")
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				defs, err := LoadScaleLevels(abs)
				if err != nil {
					logger.WithError(err).Warn("error reloading scale levels, keeping previous definitions")
					continue
				}
				logger.WithField("Pools", len(defs)).Info("reloaded scale levels")
				fn(defs)
			}
		}
	}()
	return nil
}
