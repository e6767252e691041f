// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"database/sql"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/waterbalance/internal/db"
)

var facilityFillLevelGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "waterbalance_facility_fill_level_pct",
		Help: "Current fill level of each active storage facility in percent of total capacity.",
	},
	[]string{"facility", "area"},
)

var facilityVolumeGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "waterbalance_facility_volume_m3",
		Help: "Current stored volume of each active storage facility in cubic meters.",
	},
	[]string{"facility", "area"},
)

var lastClosureErrorGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "waterbalance_last_closure_error_pct",
		Help: "Closure error of the most recent saved monthly balance, in percent of fresh inflows.",
	},
)

// SiteMetricsCollector is a prometheus.Collector that submits
// dynamically-calculated metrics about facility levels and balance quality.
type SiteMetricsCollector struct {
	DB *gorp.DbMap
}

// Describe implements the prometheus.Collector interface.
func (c *SiteMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	facilityFillLevelGauge.Describe(ch)
	facilityVolumeGauge.Describe(ch)
	lastClosureErrorGauge.Describe(ch)
}

var facilityLevelsQuery = sqlext.SimplifyWhitespace(`
	SELECT code, area_code, total_capacity_m3, current_volume_m3
	  FROM facilities
	 WHERE active
`)

var lastClosureErrorQuery = sqlext.SimplifyWhitespace(`
	SELECT closure_error_pct
	  FROM calculations
	 WHERE closure_error_pct IS NOT NULL
	 ORDER BY calc_date DESC LIMIT 1
`)

// Collect implements the prometheus.Collector interface.
func (c *SiteMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	// NewConstMetric() is used instead of storing values in the GaugeVec
	// instances because it is faster
	descCh := make(chan *prometheus.Desc, 1)
	facilityFillLevelGauge.Describe(descCh)
	fillLevelDesc := <-descCh
	facilityVolumeGauge.Describe(descCh)
	volumeDesc := <-descCh
	lastClosureErrorGauge.Describe(descCh)
	closureErrorDesc := <-descCh

	err := sqlext.ForeachRow(c.DB, facilityLevelsQuery, nil, func(rows *sql.Rows) error {
		var (
			code       string
			areaCode   string
			capacityM3 float64
			volumeM3   float64
		)
		err := rows.Scan(&code, &areaCode, &capacityM3, &volumeM3)
		if err != nil {
			return err
		}
		ch <- prometheus.MustNewConstMetric(volumeDesc, prometheus.GaugeValue, volumeM3, code, areaCode)
		if capacityM3 > 0 {
			ch <- prometheus.MustNewConstMetric(fillLevelDesc, prometheus.GaugeValue, 100*volumeM3/capacityM3, code, areaCode)
		}
		return nil
	})
	if err != nil {
		logg.Error("collect facility level metrics failed: %s", err.Error())
	}

	var closureErrorPct float64
	err = c.DB.QueryRow(lastClosureErrorQuery).Scan(&closureErrorPct)
	switch {
	case db.IsNoRows(err):
		// no saved balance yet
	case err != nil:
		logg.Error("collect closure error metric failed: %s", err.Error())
	default:
		ch <- prometheus.MustNewConstMetric(closureErrorDesc, prometheus.GaugeValue, closureErrorPct)
	}
}
