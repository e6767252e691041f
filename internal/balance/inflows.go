// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package balance

import (
	"fmt"
	"time"

	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
)

// computeCtx carries intermediate values between the inflow, outflow and
// storage passes of one calculation.
type computeCtx struct {
	drivers      map[string]*facilityDriver
	grossPlantM3 float64
}

// facilityDriver accumulates the per-facility terms before the storage pass
// turns them into FacilityResult lines.
type facilityDriver struct {
	RainfallM3 float64
	EvapLossM3 float64
	InflowM3   float64
	OutflowM3  float64
}

func (ctx *computeCtx) driver(code string) *facilityDriver {
	d, ok := ctx.drivers[code]
	if !ok {
		d = &facilityDriver{}
		ctx.drivers[code] = d
	}
	return d
}

func (c *Calculator) computeInflows(b *Balance, month time.Time, facilities []db.Facility, ctx *computeCtx) error {
	// surface, ground and underground water: sums over active sources of the
	// respective type
	var err error
	b.Inflows.SurfaceWaterM3, err = c.sourceTypeTotal(month, db.SourceTypeSurface)
	if err != nil {
		return err
	}
	b.Inflows.GroundwaterM3, err = c.sourceTypeTotal(month, db.SourceTypeGround)
	if err != nil {
		return err
	}
	b.Inflows.UndergroundWaterM3, err = c.sourceTypeTotal(month, db.SourceTypeUnderground)
	if err != nil {
		return err
	}

	// rainfall: per facility, max(0, rainfall_mm/1000 × surface_area_m²)
	for _, facility := range facilities {
		rainfallMM, err := c.rainfallMM(month, facility.Code)
		if err != nil {
			return err
		}
		volume := rainfallMM / 1000 * facility.SurfaceAreaM2
		if volume < 0 {
			volume = 0
		}
		ctx.driver(facility.Code).RainfallM3 = volume
		b.Inflows.RainfallM3 += volume

		// per-facility driver overrides from the flow diagram, default 0
		inflow, ok, err := c.getFacilityValue(month, FieldFacilityInflow, facility.Code)
		if err != nil {
			return err
		}
		if ok {
			ctx.driver(facility.Code).InflowM3 = inflow
		}
	}

	// ore moisture: ore_tonnes × moisture_pct/100 / density
	moisturePct, err := core.GetConstant(c.DB, core.ConstantOreMoisturePct)
	if err != nil {
		return err
	}
	oreDensity, err := core.GetConstant(c.DB, core.ConstantOreDensity)
	if err != nil {
		return err
	}
	if oreDensity > 0 {
		b.Inflows.OreMoistureM3 = b.OreTonnes * moisturePct / 100 / oreDensity
	}

	// aquifer seepage gain: time-series value if present, else 0
	seepageGain, ok, err := c.getSeriesValue(month, FieldAquiferSeepage)
	if err != nil {
		return err
	}
	if ok {
		b.Inflows.AquiferSeepageM3 = seepageGain
	}

	// gross plant consumption is needed both for the TSF return fallback here
	// and for the net plant outflow later
	grossPlant, ok, err := c.getSeriesValue(month, FieldPlantConsumption)
	if err != nil {
		return err
	}
	if !ok {
		waterPerTonne, err := core.GetConstant(c.DB, core.ConstantWaterPerTonne)
		if err != nil {
			return err
		}
		grossPlant = b.OreTonnes * waterPerTonne
	}
	ctx.grossPlantM3 = grossPlant

	// TSF / recycled return: time-series column if present, else
	// gross plant × return rate
	tsfReturn, ok, err := c.getSeriesValue(month, FieldTSFReturn)
	if err != nil {
		return err
	}
	if !ok {
		returnRate, err := core.GetConstant(c.DB, core.ConstantTSFReturnRate)
		if err != nil {
			return err
		}
		tsfReturn = grossPlant * returnRate
	}
	b.Inflows.TSFReturnM3 = tsfReturn

	c.checkNegative(b, "surface_water", b.Inflows.SurfaceWaterM3)
	c.checkNegative(b, "groundwater", b.Inflows.GroundwaterM3)
	c.checkNegative(b, "underground_water", b.Inflows.UndergroundWaterM3)
	c.checkNegative(b, "ore_moisture", b.Inflows.OreMoistureM3)
	c.checkNegative(b, "aquifer_seepage", b.Inflows.AquiferSeepageM3)
	c.checkNegative(b, "tsf_return", b.Inflows.TSFReturnM3)
	return nil
}

// sourceTypeTotal sums the monthly abstraction measurements over all active
// sources of the given type. The flow-diagram dataset wins; the legacy meter
// readings only count when the flow diagram has nothing for this type.
func (c *Calculator) sourceTypeTotal(month time.Time, sourceType db.SourceType) (float64, error) {
	value, err := c.Flow.GetValueForSourceType(month, FieldAbstraction, sourceType)
	if err != nil {
		return 0, fmt.Errorf("while summing %s abstraction: %w", sourceType, err)
	}
	if value != 0 {
		return value, nil
	}
	value, err = c.Meter.GetValueForSourceType(month, FieldAbstraction, sourceType)
	if err != nil {
		return 0, fmt.Errorf("while summing %s abstraction: %w", sourceType, err)
	}
	return value, nil
}

// rainfallMM resolves the monthly rainfall for one facility:
// manual override, then facility-level series value, then site-wide series
// value, then the regional monthly rainfall constant.
func (c *Calculator) rainfallMM(month time.Time, facilityCode string) (float64, error) {
	value, ok, err := c.getOverride(month, FieldRainfallMM)
	if err != nil {
		return 0, err
	}
	if ok {
		return value, nil
	}

	value, ok, err = c.getFacilityValue(month, FieldRainfallMM, facilityCode)
	if err != nil {
		return 0, err
	}
	if ok {
		return value, nil
	}

	value, ok, err = c.getSeriesValue(month, FieldRainfallMM)
	if err != nil {
		return 0, err
	}
	if ok {
		return value, nil
	}

	return core.GetConstant(c.DB, core.ConstantDefaultRainfallMM)
}
