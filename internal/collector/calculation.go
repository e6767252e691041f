// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/waterbalance/internal/db"
	"github.com/sapcc/waterbalance/internal/license"
)

// CalculationJob is a jobloop.CronJob.
//
// Each run recomputes and persists the mass balance for the current calendar
// month, applies pump transfers when the automation is enabled, and submits
// the monthly usage report. A run is refused outright when the license does
// not permit calculations.
func (c *Collector) CalculationJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: "recalculate monthly water balance",
			CounterOpts: prometheus.CounterOpts{
				Name: "waterbalance_calculation_runs",
				Help: "Counter for periodic balance recalculation runs.",
			},
		},
		Interval: c.Config.Collector.RecalculationInterval(),
		Task:     c.recalculateBalance,
	}).Setup(registerer)
}

func (c *Collector) recalculateBalance(ctx context.Context, _ prometheus.Labels) error {
	if !c.License.CheckInstantRevocation(ctx) {
		return c.License.DenialError()
	}

	month := db.MonthStart(c.TimeNow())
	c.logDatasetStaleness(month)
	result, err := c.Calculator.Calculate(month, -1)
	if err != nil {
		return fmt.Errorf("while calculating balance for %s: %w", month.Format("2006-01"), err)
	}
	err = c.Calculator.Save(result)
	if err != nil {
		return fmt.Errorf("while saving balance for %s: %w", month.Format("2006-01"), err)
	}
	for _, warning := range c.Calculator.CapacityWarnings() {
		logg.Info("capacity warning for %s: %s of %.0f m3", warning.FacilityCode, warning.Kind, warning.AmountM3)
	}

	transfersApplied, err := c.autoApplyTransfers(month)
	if err != nil {
		// transfer automation failing must not unwind the saved balance
		c.LogError("while applying automatic pump transfers: %s", err.Error())
	}

	c.submitUsageReport(ctx, month.Format("2006-01"), transfersApplied)
	return nil
}

// logDatasetStaleness flags when the measurement datasets do not reach into
// the month about to be calculated, so operators can tell a genuinely dry
// month from one where the ingestion is lagging behind.
func (c *Collector) logDatasetStaleness(month time.Time) {
	latest, ok, err := c.Calculator.Flow.LatestDate()
	if err != nil {
		c.LogError("while reading the latest flow-diagram measurement date: %s", err.Error())
		return
	}
	if !ok || latest.Before(month) {
		latest, ok, err = c.Calculator.Meter.LatestDate()
		if err != nil {
			c.LogError("while reading the latest meter-readings measurement date: %s", err.Error())
			return
		}
	}
	switch {
	case !ok:
		logg.Info("no measurements ingested yet; the balance for %s will rely on fallbacks", month.Format("2006-01"))
	case latest.Before(month):
		logg.Info("latest ingested measurement is from %s; the balance for %s will rely on fallbacks",
			latest.Format("2006-01-02"), month.Format("2006-01"))
	}
}

func (c *Collector) autoApplyTransfers(month time.Time) (int, error) {
	if !c.Config.Features.AutoApplyPumpTransfers {
		return 0, nil
	}
	if !c.License.HasFeature("auto_pump_transfers") {
		logg.Debug("skipping automatic pump transfers: not included in the licensed tier")
		return 0, nil
	}

	transfers, err := c.Pump.ProposeTransfers(month)
	if err != nil {
		return 0, err
	}
	if len(transfers) == 0 {
		return 0, nil
	}
	return c.Pump.ApplyTransfers(c.TimeNow(), transfers, "collector")
}

// submitUsageReport sends the anonymized monthly statistics to the license
// registry. Reporting is best-effort: failures are logged and dropped.
func (c *Collector) submitUsageReport(ctx context.Context, month string, transfersApplied int) {
	report := license.UsageReport{
		Month:            month,
		TransfersApplied: transfersApplied,
		SoftwareVersion:  bininfo.Version(),
	}

	err := c.DB.SelectOne(&report.CalculationsRun,
		`SELECT COUNT(*) FROM calculations`)
	if err != nil {
		c.LogError("while counting calculations for the usage report: %s", err.Error())
		return
	}
	err = c.DB.SelectOne(&report.FacilitiesActive,
		`SELECT COUNT(*) FROM facilities WHERE active`)
	if err != nil {
		c.LogError("while counting facilities for the usage report: %s", err.Error())
		return
	}
	var pct *float64
	err = c.DB.SelectOne(&pct,
		`SELECT closure_error_pct FROM calculations ORDER BY calc_date DESC LIMIT 1`)
	if err != nil && !db.IsNoRows(err) {
		c.LogError("while reading the closure error for the usage report: %s", err.Error())
		return
	}
	if pct != nil {
		report.ClosureErrorPct = *pct
	}

	c.License.ReportMonthlyUsage(ctx, report)
}
