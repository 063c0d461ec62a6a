// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope
// +build pyroscope

// Package profiling starts continuous profiling when built with the
// pyroscope tag.
package profiling

import (
	"errors"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/gateway/config"
)

// Start starts sending profiles to the configured pyroscope server.  The
// returned function stops profiling.
func Start(cfg *config.Profiling, log *logging.Logger) (func(), error) {
	if cfg.ServerAddress == "" {
		log.Info("Pyroscope is not configured")
		return func() {}, nil
	}
	if cfg.ApplicationName == "" {
		return nil, errors.New("profiling: ApplicationName is not set")
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          log,
		Tags:            cfg.Tags,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started, server: %s, app name: %s", cfg.ServerAddress, cfg.ApplicationName)
	return func() {
		if err := p.Stop(); err != nil {
			log.Warningf("Failed to stop pyroscope: %v", err)
		}
	}, nil
}
