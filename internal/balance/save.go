// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package balance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/waterbalance/internal/cache"
	"github.com/sapcc/waterbalance/internal/db"
	"github.com/sapcc/waterbalance/internal/util"
)

// levelHistoryRetention bounds the facilities.level_history series. Older
// points only matter for long-term trend reports, which work off the
// calculations table instead.
const levelHistoryRetention = 3 * 365 * 24 * time.Hour

var restoreOpeningsQuery = sqlext.SimplifyWhitespace(`
	UPDATE facilities f
	   SET current_volume_m3 = cf.opening_volume_m3
	  FROM calculation_facilities cf
	 WHERE cf.calculation_id = $1 AND cf.facility_code = f.code
`)

// Save atomically persists a balance record. An existing record for the same
// (calc_date, calc_type) is replaced: its facility opening volumes are
// restored from the snapshot first, then the record is deleted, then the new
// one is written and the facility volumes are rolled forward to the new
// closings. Any failure rolls the whole sequence back, volumes included.
func (c *Calculator) Save(b Balance) error {
	flagsJSON, err := json.Marshal(b.Flags)
	if err != nil {
		return err
	}

	err = db.WithTransaction(c.DB, func(tx *gorp.Transaction) error {
		var existing db.Calculation
		err := tx.SelectOne(&existing,
			`SELECT * FROM calculations WHERE calc_date = $1 AND calc_type = $2`,
			b.CalcDate, b.CalcType)
		switch {
		case err == nil:
			_, err = tx.Exec(restoreOpeningsQuery, existing.ID)
			if err != nil {
				return fmt.Errorf("while restoring opening volumes: %w", err)
			}
			_, err = tx.Delete(&existing)
			if err != nil {
				return fmt.Errorf("while deleting previous record: %w", err)
			}
		case db.IsNoRows(err):
			// first calculation for this month
		default:
			return err
		}

		record := recordFromBalance(b)
		record.FlagsJSON = string(flagsJSON)
		record.CreatedAt = c.TimeNow()
		err = tx.Insert(&record)
		if err != nil {
			return fmt.Errorf("while inserting calculation: %w", err)
		}

		for _, f := range b.Facilities {
			line := db.CalculationFacility{
				CalculationID:   record.ID,
				FacilityCode:    f.Code,
				OpeningVolumeM3: f.OpeningVolumeM3,
				ClosingVolumeM3: f.ClosingVolumeM3,
				RawClosingM3:    f.RawClosingM3,
				RainfallM3:      f.RainfallM3,
				EvapLossM3:      f.EvapLossM3,
				SeepageLossM3:   f.SeepageLossM3,
				DaysToMinimum:   f.DaysToMinimum,
				IsBelowMinimum:  f.IsBelowMinimum,
			}
			err = tx.Insert(&line)
			if err != nil {
				return fmt.Errorf("while inserting facility line for %s: %w", f.Code, err)
			}

			history, err := c.updatedLevelHistory(tx, f.Code, b.CalcDate, f.ClosingVolumeM3)
			if err != nil {
				return fmt.Errorf("while updating level history for %s: %w", f.Code, err)
			}
			_, err = tx.Exec(
				`UPDATE facilities SET current_volume_m3 = $1, level_history = $2 WHERE code = $3`,
				f.ClosingVolumeM3, history, f.Code)
			if err != nil {
				return fmt.Errorf("while writing closing volume for %s: %w", f.Code, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// facility volumes changed, so every derived result is stale now
	c.Cache.InvalidateFacilities()
	c.Cache.Notify(cache.EventBalanceWritten)
	return nil
}

// updatedLevelHistory appends the month-end closing volume to the facility's
// stored level history and returns the new serialization. A recomputation of
// the same month replaces the previously recorded point.
func (c *Calculator) updatedLevelHistory(tx *gorp.Transaction, facilityCode string, calcDate time.Time, closingVolumeM3 float64) (string, error) {
	var serialized string
	err := tx.QueryRow(`SELECT level_history FROM facilities WHERE code = $1`, facilityCode).Scan(&serialized)
	if err != nil {
		return "", err
	}
	history, err := util.ParseTimeSeries[float64](serialized)
	if err != nil {
		return "", err
	}

	monthEnd := db.MonthStart(calcDate).AddDate(0, 1, 0)
	history.TruncateFrom(monthEnd)
	err = history.AddMeasurement(monthEnd, closingVolumeM3)
	if err != nil {
		return "", err
	}
	history.PruneOldValues(c.TimeNow(), levelHistoryRetention)
	return history.Serialize()
}

func recordFromBalance(b Balance) db.Calculation {
	record := db.Calculation{
		CalcDate:            b.CalcDate,
		CalcType:            b.CalcType,
		OreTonnes:           b.OreTonnes,
		ConcentrateTonnes:   b.ConcentrateTonnes,
		SurfaceWaterM3:      b.Inflows.SurfaceWaterM3,
		GroundwaterM3:       b.Inflows.GroundwaterM3,
		UndergroundWaterM3:  b.Inflows.UndergroundWaterM3,
		RainfallM3:          b.Inflows.RainfallM3,
		OreMoistureM3:       b.Inflows.OreMoistureM3,
		AquiferSeepageM3:    b.Inflows.AquiferSeepageM3,
		TSFReturnM3:         b.Inflows.TSFReturnM3,
		TotalInflowsM3:      b.Inflows.TotalM3(),
		FreshInflowsM3:      b.Inflows.FreshM3(),
		EvaporationM3:       b.Outflows.EvaporationM3,
		PlantNetM3:          b.Outflows.PlantNetM3,
		AuxiliaryM3:         b.Outflows.AuxiliaryM3,
		DischargeM3:         b.Outflows.DischargeM3,
		TailingsRetentionM3: b.Outflows.TailingsRetentionM3,
		TotalOutflowsM3:     b.Outflows.TotalM3(),
		SeepageLossM3:       b.SeepageLossM3,
		StorageChangeM3:     b.StorageChangeM3,
		ClosureErrorM3:      b.ClosureErrorM3,
		HasLowFreshInflows:  b.HasLowFreshInflows,
	}
	if b.ClosureErrorPct != nil {
		pct := *b.ClosureErrorPct
		record.ClosureErrorPct = &pct
	}
	return record
}

// LoadSaved reads a previously saved balance record and its facility lines
// from the store. ok is false when no record exists for that month.
func (c *Calculator) LoadSaved(calcDate time.Time, calcType string) (record db.Calculation, lines []db.CalculationFacility, ok bool, err error) {
	err = c.DB.SelectOne(&record,
		`SELECT * FROM calculations WHERE calc_date = $1 AND calc_type = $2`,
		db.MonthStart(calcDate), calcType)
	if err != nil {
		if db.IsNoRows(err) {
			return db.Calculation{}, nil, false, nil
		}
		return db.Calculation{}, nil, false, err
	}
	_, err = c.DB.Select(&lines,
		`SELECT * FROM calculation_facilities WHERE calculation_id = $1 ORDER BY facility_code`,
		record.ID)
	if err != nil {
		return db.Calculation{}, nil, false, err
	}
	return record, lines, true, nil
}
