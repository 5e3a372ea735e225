// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
)

// DefaultYAML is the default configuration for a cluster with ID
// "xxxxx".
//
//go:embed config.default.yml
var DefaultYAML []byte
