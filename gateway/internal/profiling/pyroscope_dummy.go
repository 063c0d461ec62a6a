// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

package profiling

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/gateway/config"
)

// Start does nothing, the binary was built without the pyroscope tag.
func Start(cfg *config.Profiling, log *logging.Logger) (func(), error) {
	if cfg.ServerAddress != "" {
		log.Warning("Profiling is configured but pyroscope support is not compiled in")
	} else {
		log.Info("Pyroscope is disabled")
	}
	return func() {}, nil
}
