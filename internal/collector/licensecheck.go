// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
)

var licenseAuthorizedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "waterbalance_license_authorized",
	Help: "1 when the license currently permits calculations, else 0.",
})

func init() {
	prometheus.MustRegister(licenseAuthorizedGauge)
}

// LicenseCheckJob is a jobloop.CronJob.
//
// The job ticks hourly; the license manager itself decides per tier whether
// an online revalidation is actually due, so faster tiers (trial) revalidate
// on every tick while slower tiers (premium) mostly no-op.
func (c *Collector) LicenseCheckJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: "revalidate license",
			CounterOpts: prometheus.CounterOpts{
				Name: "waterbalance_license_checks",
				Help: "Counter for periodic license revalidation runs.",
			},
		},
		Interval: 1 * time.Hour,
		Task:     c.checkLicense,
	}).Setup(registerer)
}

func (c *Collector) checkLicense(ctx context.Context, _ prometheus.Labels) error {
	err := c.License.Check(ctx)
	if err != nil {
		return err
	}
	if c.License.IsAuthorized() {
		licenseAuthorizedGauge.Set(1)
	} else {
		licenseAuthorizedGauge.Set(0)
	}
	return nil
}

// WatchLicenseStateChanges consumes the manager's state change channel until
// the context ends. Run it in its own goroutine.
func (c *Collector) WatchLicenseStateChanges(ctx context.Context) {
	changes := c.License.StateChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			if change.To.Authorized() {
				licenseAuthorizedGauge.Set(1)
			} else {
				licenseAuthorizedGauge.Set(0)
				logg.Info("calculations are now blocked: license moved to state %q", change.To)
			}
		}
	}
}
