// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Config is the top level of a config file.
type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		}
		for id, cc := range sc.Clusters {
			cc.ClusterID = id
			return &cc, nil
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string

	SystemLogs struct {
		Format   string
		LogLevel string
	}

	Services struct {
		ResourceBroker struct {
			Listen string
		}
	}

	PostgreSQL struct {
		Connection     PostgreSQLConnection
		ConnectionPool int
	}

	Repository struct {
		// "memory", "postgresql", or "badger"
		Driver string
	}

	Badger struct {
		Path     string
		InMemory bool
	}

	NATS struct {
		// Empty URL means workers are woken in-process only.
		URL           string
		SubjectPrefix string
	}

	Cloud struct {
		// "azure", "ec2", or "loopback"
		Driver               string
		DriverParameters     json.RawMessage
		MaxCloudOpsPerSecond int
	}

	Pool         PoolConfig
	Broker       BrokerConfig
	Continuation ContinuationConfig
	Repair       RepairConfig
	Heartbeat    HeartbeatConfig

	// ScaleLevels are pool definitions loaded with the config.
	// ScaleLevelsFile, if set, is watched and replaces them
	// whenever it changes.
	ScaleLevels     []PoolDefinition
	ScaleLevelsFile string
}

type PoolConfig struct {
	// ClaimAttempts bounds the optimistic claim retry loop.
	ClaimAttempts       int
	MaxCreateBatchCount int
	MaxDeleteBatchCount int
	WatchInterval       Duration
	DisabledPools       []string
}

type BrokerConfig struct {
	// QueueFallback makes an empty compute pool fall back to a
	// queued creation instead of failing with OutOfCapacity.
	QueueFallback       bool
	MinimumAgentVersion string
	KeepAliveInterval   Duration
	KeepAliveCacheSize  int
}

type ContinuationConfig struct {
	Workers       int
	LeaseDuration Duration
	MaxAttempts   int
	PollInterval  Duration
	RetryDelay    Duration
}

type RepairConfig struct {
	Interval   Duration
	StaleAfter Duration
}

type HeartbeatConfig struct {
	ThrottleInterval Duration
}

// PostgreSQLConnection holds libpq connection parameters, like
// {"host": "localhost", "dbname": "broker"}.
type PostgreSQLConnection map[string]string

// String returns a libpq connection string.
func (c PostgreSQLConnection) String() string {
	var keys []string
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		v := c[k]
		if v == "" {
			continue
		}
		v = strings.Replace(v, `\`, `\\`, -1)
		v = strings.Replace(v, `'`, `\'`, -1)
		s += k + "='" + v + "' "
	}
	return s
}
