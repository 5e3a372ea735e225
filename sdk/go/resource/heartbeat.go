// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resource

import (
	"encoding/json"
	"time"
)

// CollectedData is one named, timestamped monitoring datum.
type CollectedData struct {
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// HeartBeat is a monitoring report sent by a running environment.
type HeartBeat struct {
	ResourceID        string          `json:"resource_id"`
	TimeStamp         time.Time       `json:"timestamp"`
	AgentVersion      string          `json:"agent_version,omitempty"`
	CollectedDataList []CollectedData `json:"collected_data,omitempty"`
}

// HeartBeatSummary is the running summary of all heartbeats a
// resource has reported. MergedHeartBeat holds at most one entry per
// name.
type HeartBeatSummary struct {
	MergedHeartBeat    []CollectedData `json:"merged_heartbeat,omitempty"`
	LatestRawHeartBeat *HeartBeat      `json:"latest_raw_heartbeat,omitempty"`
	LastSeen           time.Time       `json:"last_seen,omitempty"`
}

func (s HeartBeatSummary) copy() HeartBeatSummary {
	cp := s
	if s.MergedHeartBeat != nil {
		cp.MergedHeartBeat = append([]CollectedData(nil), s.MergedHeartBeat...)
	}
	if s.LatestRawHeartBeat != nil {
		hb := *s.LatestRawHeartBeat
		hb.CollectedDataList = append([]CollectedData(nil), hb.CollectedDataList...)
		cp.LatestRawHeartBeat = &hb
	}
	return cp
}

// AgentVersion returns the agent version from the most recent raw
// heartbeat, or "" if none has been reported.
func (s HeartBeatSummary) AgentVersion() string {
	if s.LatestRawHeartBeat == nil {
		return ""
	}
	return s.LatestRawHeartBeat.AgentVersion
}
