// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package balance

import (
	"time"

	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
)

func (c *Calculator) computeOutflows(b *Balance, month time.Time, facilities []db.Facility, ctx *computeCtx) error {
	// evaporation is the only per-facility loss; it is hard-capped by the
	// facility's current volume
	for _, facility := range facilities {
		if !facility.EvapActive {
			continue
		}
		evapMM, err := c.evaporationMM(month, facility.Code)
		if err != nil {
			return err
		}
		loss := evapMM / 1000 * facility.SurfaceAreaM2
		if loss > facility.CurrentVolumeM3 {
			loss = facility.CurrentVolumeM3
		}
		if loss < 0 {
			loss = 0
		}
		ctx.driver(facility.Code).EvapLossM3 = loss
		b.Outflows.EvaporationM3 += loss
	}

	// net plant consumption: gross minus the recycled return that already
	// counted as inflow (I3)
	b.Outflows.PlantNetM3 = ctx.grossPlantM3 - b.Inflows.TSFReturnM3

	// auxiliary uses: dust suppression + mining + domestic, each from the
	// time series with a constant-rate fallback per tonne of ore
	for _, aux := range []struct {
		field       string
		constantKey string
	}{
		{FieldDustSuppression, core.ConstantDustSuppressionRate},
		{FieldMiningWater, core.ConstantMiningWaterRate},
		{FieldDomesticWater, core.ConstantDomesticWaterRate},
	} {
		value, ok, err := c.getSeriesValue(month, aux.field)
		if err != nil {
			return err
		}
		if !ok {
			rate, err := core.GetConstant(c.DB, aux.constantKey)
			if err != nil {
				return err
			}
			value = b.OreTonnes * rate
		}
		b.Outflows.AuxiliaryM3 += value
	}

	// discharge: time-series value or 0
	discharge, ok, err := c.getSeriesValue(month, FieldDischarge)
	if err != nil {
		return err
	}
	if ok {
		b.Outflows.DischargeM3 = discharge
	}

	// per-facility outflow drivers from the flow diagram, default 0
	for _, facility := range facilities {
		outflow, ok, err := c.getFacilityValue(month, FieldFacilityOutflow, facility.Code)
		if err != nil {
			return err
		}
		if ok {
			ctx.driver(facility.Code).OutflowM3 = outflow
		}
	}

	// tailings retention: (ore − concentrate) × monthly moisture percentage;
	// a missing monthly moisture row means 0, deliberately not a constant
	concentrate, ok, err := c.getSeriesValue(month, FieldConcentrate)
	if err != nil {
		return err
	}
	if !ok {
		concentrate = 0
		c.addFlag(b, FlagSubstitutedInput, FieldConcentrate)
	}
	b.ConcentrateTonnes = concentrate

	moisturePct, err := c.tailingsMoisturePct(month)
	if err != nil {
		return err
	}
	b.Outflows.TailingsRetentionM3 = (b.OreTonnes - concentrate) * moisturePct / 100

	c.checkNegative(b, "evaporation", b.Outflows.EvaporationM3)
	c.checkNegative(b, "plant_net", b.Outflows.PlantNetM3)
	c.checkNegative(b, "auxiliary", b.Outflows.AuxiliaryM3)
	c.checkNegative(b, "discharge", b.Outflows.DischargeM3)
	c.checkNegative(b, "tailings_retention", b.Outflows.TailingsRetentionM3)
	return nil
}

// evaporationMM resolves the monthly evaporation for one facility through the
// same chain as rainfall.
func (c *Calculator) evaporationMM(month time.Time, facilityCode string) (float64, error) {
	value, ok, err := c.getOverride(month, FieldEvaporationMM)
	if err != nil {
		return 0, err
	}
	if ok {
		return value, nil
	}

	value, ok, err = c.getFacilityValue(month, FieldEvaporationMM, facilityCode)
	if err != nil {
		return 0, err
	}
	if ok {
		return value, nil
	}

	value, ok, err = c.getSeriesValue(month, FieldEvaporationMM)
	if err != nil {
		return 0, err
	}
	if ok {
		return value, nil
	}

	return core.GetConstant(c.DB, core.ConstantMonthlyEvaporationMM)
}

func (c *Calculator) tailingsMoisturePct(month time.Time) (float64, error) {
	var row db.TailingsMoisture
	err := c.DB.SelectOne(&row,
		`SELECT * FROM tailings_moisture_monthly WHERE month = $1 AND year = $2`,
		int(month.Month()), month.Year())
	if err != nil {
		if db.IsNoRows(err) {
			return 0, nil
		}
		return 0, err
	}
	return row.Pct, nil
}
