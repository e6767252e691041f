// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/waterbalance/internal/db"
)

// Keys in the `site_constants` table that the balance calculator consumes.
// Site operators may override any of these; the defaults below apply when no
// row exists.
const (
	ConstantTSFReturnRate        = "TSF_RETURN_RATE"
	ConstantMiningWaterRate      = "MINING_WATER_RATE"
	ConstantOreMoisturePct       = "ORE_MOISTURE_PCT"
	ConstantOreDensity           = "ORE_DENSITY"
	ConstantDefaultRainfallMM    = "DEFAULT_MONTHLY_RAINFALL_MM"
	ConstantUnlinedSeepageRate   = "UNLINED_SEEPAGE_RATE"
	ConstantWaterPerTonne        = "WATER_PER_TONNE"
	ConstantDustSuppressionRate  = "DUST_SUPPRESSION_RATE"
	ConstantDomesticWaterRate    = "DOMESTIC_WATER_RATE"
	ConstantClosureAlertPct      = "CLOSURE_ALERT_PCT"
	ConstantMonthlyEvaporationMM = "MONTHLY_EVAPORATION_MM"
)

var constantDefaults = map[string]float64{
	ConstantTSFReturnRate:        0.56,
	ConstantMiningWaterRate:      0.18,  // m³ per tonne
	ConstantOreMoisturePct:       3.4,   // percent
	ConstantOreDensity:           2.7,   // t/m³
	ConstantDefaultRainfallMM:    60,    // mm/month
	ConstantUnlinedSeepageRate:   0.005, // fraction of volume per month
	ConstantWaterPerTonne:        0.45,  // m³ per tonne of ore
	ConstantDustSuppressionRate:  0.02,  // m³ per tonne of ore
	ConstantDomesticWaterRate:    0.01,  // m³ per tonne of ore
	ConstantClosureAlertPct:      5,     // percent of fresh inflows
	ConstantMonthlyEvaporationMM: 150,   // mm/month
}

// ConstantDefault returns the built-in default for a constant key.
func ConstantDefault(key string) float64 {
	value, ok := constantDefaults[key]
	if !ok {
		logg.Debug("no default for site constant %q, using 0", key)
	}
	return value
}

// GetConstant reads a site constant from the DB, falling back to the built-in
// default when no row exists. DB errors are surfaced.
func GetConstant(dbi db.Interface, key string) (float64, error) {
	var row db.SiteConstant
	err := dbi.SelectOne(&row, `SELECT * FROM site_constants WHERE key = $1`, key)
	if err != nil {
		if db.IsNoRows(err) {
			return ConstantDefault(key), nil
		}
		return 0, err
	}
	return row.Value, nil
}
