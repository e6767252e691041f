// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package balance

import (
	"fmt"
	"time"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
)

var previousClosingQuery = sqlext.SimplifyWhitespace(`
	SELECT cf.closing_volume_m3
	  FROM calculation_facilities cf JOIN calculations c ON c.id = cf.calculation_id
	 WHERE c.calc_date = $1 AND c.calc_type = $2 AND cf.facility_code = $3
`)

func (c *Calculator) computeStorage(b *Balance, month time.Time, facilities []db.Facility, ctx *computeCtx) error {
	seepageRate, err := core.GetConstant(c.DB, core.ConstantUnlinedSeepageRate)
	if err != nil {
		return err
	}

	daysInMonth := float64(db.DaysInMonth(month))
	previousMonth := month.AddDate(0, -1, 0)

	for _, facility := range facilities {
		driver := ctx.driver(facility.Code)

		opening, err := c.openingVolume(previousMonth, facility)
		if err != nil {
			return err
		}

		// seepage loss: accounting loss on unlined facilities only; it enters
		// the storage change but never the total outflows
		seepageLoss := 0.0
		if !facility.IsLined {
			seepageLoss = facility.CurrentVolumeM3 * seepageRate
		}
		b.SeepageLossM3 += seepageLoss

		rawClosing := opening + driver.InflowM3 + driver.RainfallM3 -
			driver.OutflowM3 - driver.EvapLossM3 - seepageLoss

		closing := rawClosing
		if closing < 0 {
			closing = 0
		}
		if closing > facility.TotalCapacityM3 {
			closing = facility.TotalCapacityM3
		}

		result := FacilityResult{
			Code:            facility.Code,
			OpeningVolumeM3: opening,
			ClosingVolumeM3: closing,
			RawClosingM3:    rawClosing,
			RainfallM3:      driver.RainfallM3,
			EvapLossM3:      driver.EvapLossM3,
			SeepageLossM3:   seepageLoss,
		}

		// days until the facility drains to its minimum operating volume
		dailyConsumption := (driver.OutflowM3 + driver.EvapLossM3 + seepageLoss) / daysInMonth
		if dailyConsumption > 0 {
			days := (closing - facility.MinVolumeM3) / dailyConsumption
			if days < 0 {
				result.IsBelowMinimum = true
				days = 0
			}
			result.DaysToMinimum = days
		} else if closing < facility.MinVolumeM3 {
			result.IsBelowMinimum = true
		}

		b.Facilities = append(b.Facilities, result)
		b.StorageChangeM3 += closing - opening
	}
	return nil
}

// openingVolume returns the previous month's closing volume for this
// facility, or the 10%-of-capacity baseline when no prior calculation exists.
func (c *Calculator) openingVolume(previousMonth time.Time, facility db.Facility) (float64, error) {
	var closing float64
	err := c.DB.SelectOne(&closing, previousClosingQuery,
		db.MonthStart(previousMonth), CalcTypeMonthly, facility.Code)
	if err != nil {
		if db.IsNoRows(err) {
			return facility.TotalCapacityM3 * 0.10, nil
		}
		return 0, fmt.Errorf("while reading previous closing for %s: %w", facility.Code, err)
	}
	return closing, nil
}
