// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package collector contains the background jobs performed by
// waterbalance-collect: the periodic balance recalculation, the license
// revalidation loop, and usage reporting.
package collector

import (
	"math/rand"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/waterbalance/internal/balance"
	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/license"
	"github.com/sapcc/waterbalance/internal/pump"
)

// Collector provides methods that implement the background jobs. The struct
// contains references to everything that needs to be replaced by a mock
// implementation for the collector's unit tests.
type Collector struct {
	Config     core.SiteConfiguration
	DB         *gorp.DbMap
	Calculator *balance.Calculator
	Pump       *pump.Engine
	License    *license.Manager
	// Usually logg.Error, but can be changed inside unit tests.
	LogError func(msg string, args ...any)
	// Usually time.Now, but can be changed inside unit tests.
	TimeNow func() time.Time
	// Usually addJitter, but can be changed inside unit tests.
	AddJitter func(time.Duration) time.Duration
}

// NewCollector creates a Collector instance.
func NewCollector(cfg core.SiteConfiguration, dbm *gorp.DbMap, calc *balance.Calculator, engine *pump.Engine, mgr *license.Manager) *Collector {
	return &Collector{
		Config:     cfg,
		DB:         dbm,
		Calculator: calc,
		Pump:       engine,
		License:    mgr,
		LogError:   logg.Error,
		TimeNow:    time.Now,
		AddJitter:  addJitter,
	}
}

// addJitter returns a random duration within +/- 10% of the requested value.
// This can be used to even out the load on a scheduled job over time, by
// spreading jobs that would normally be scheduled right next to each other out
// over time without corrupting the individual schedules too much.
func addJitter(duration time.Duration) time.Duration {
	//nolint:gosec // This is not crypto-relevant, so math/rand is okay.
	r := rand.Float64() //NOTE: 0 <= r < 1
	return time.Duration(float64(duration) * (0.9 + 0.2*r))
}
