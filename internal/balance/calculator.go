// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package balance

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/waterbalance/internal/cache"
	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
	"github.com/sapcc/waterbalance/internal/series"
)

// Time-series field names that the calculator consumes. The ingestion
// collaborator writes measurement rows under these fields.
const (
	FieldAbstraction      = "abstraction"
	FieldRainfallMM       = "rainfall_mm"
	FieldEvaporationMM    = "evaporation_mm"
	FieldAquiferSeepage   = "aquifer_seepage"
	FieldTSFReturn        = "tsf_return"
	FieldPlantConsumption = "plant_consumption"
	FieldDustSuppression  = "dust_suppression"
	FieldMiningWater      = "mining_water"
	FieldDomesticWater    = "domestic_water"
	FieldDischarge        = "discharge"
	FieldOreTonnes        = "ore_tonnes"
	FieldConcentrate      = "concentrate_tonnes"
	FieldFacilityInflow   = "facility_inflow"
	FieldFacilityOutflow  = "facility_outflow"
)

// CalcTypeMonthly is the calc_type of the standard monthly balance.
const CalcTypeMonthly = "monthly"

// lowFreshInflowsThresholdM3 is the fresh-inflow volume below which the
// closure error percentage is undefined.
const lowFreshInflowsThresholdM3 = 100

// Calculator computes monthly balance records. Construct one instance at the
// composition root and pass it by reference; it is not safe for concurrent
// use (the calculation path is main-thread only).
type Calculator struct {
	DB    *gorp.DbMap
	Flow  series.Repository // flow-diagram view (preferred)
	Meter series.Repository // legacy meter-readings view (fallback)
	Cache *cache.Cache
	// Usually logg.Error, but can be changed inside unit tests.
	LogError func(msg string, args ...any)
	// Usually time.Now, but can be changed inside unit tests.
	TimeNow func() time.Time

	capacityWarnings []Warning
}

// NewCalculator creates a Calculator.
func NewCalculator(dbm *gorp.DbMap, flow, meter series.Repository, c *cache.Cache) *Calculator {
	return &Calculator{
		DB:       dbm,
		Flow:     flow,
		Meter:    meter,
		Cache:    c,
		LogError: logg.Error,
		TimeNow:  time.Now,
	}
}

// CapacityWarnings returns the warnings collected by the most recent
// Calculate call. The list is reset at the start of every call.
func (c *Calculator) CapacityWarnings() []Warning {
	return c.capacityWarnings
}

// ClearCache flushes all memoised results.
func (c *Calculator) ClearCache() {
	c.Cache.FullClear()
}

// RegisterCacheListener registers a listener for cache events and returns a
// deregistration handle.
func (c *Calculator) RegisterCacheListener(listener cache.Listener) int {
	return c.Cache.RegisterListener(listener)
}

// Calculate computes the balance for the month containing date. When
// oreTonnes is negative, the monthly ore tonnage is resolved from overrides
// and time-series data instead.
//
// The calculation never fails on missing data: absent inputs are substituted
// per the documented fallback chain and recorded as quality flags. Only store
// errors are surfaced.
func (c *Calculator) Calculate(date time.Time, oreTonnes float64) (Balance, error) {
	c.capacityWarnings = nil
	err := c.observeSourcePaths()
	if err != nil {
		return Balance{}, err
	}

	month := db.MonthStart(date)
	if oreTonnes < 0 {
		var err error
		oreTonnes, _, err = c.resolveInput(month, FieldOreTonnes, "", 0)
		if err != nil {
			return Balance{}, err
		}
	}

	key := cache.BalanceKey{Date: month, OreTonnes: oreTonnes}
	result, err := c.Cache.GetOrComputeBalance(key, func() (any, error) {
		b, err := c.compute(month, oreTonnes)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return Balance{}, err
	}
	b := result.(Balance)
	// warnings were collected during compute; on a cache hit, replay them from
	// the memoised record so that I7 semantics hold for the caller
	c.capacityWarnings = warningsFromBalance(b)
	return b, nil
}

// observeSourcePaths feeds the repositories' dataset identities into the
// cache. When an underlying dataset file was swapped since the last
// calculation, every memoised result is stale and gets flushed.
func (c *Calculator) observeSourcePaths() error {
	flowPath, err := c.Flow.SourcePath()
	if err != nil {
		return fmt.Errorf("while reading the flow-diagram dataset identity: %w", err)
	}
	meterPath, err := c.Meter.SourcePath()
	if err != nil {
		return fmt.Errorf("while reading the meter-readings dataset identity: %w", err)
	}
	c.Cache.OnSourcePathChange(db.DatasetFlowDiagram, flowPath)
	c.Cache.OnSourcePathChange(db.DatasetMeterReadings, meterPath)
	return nil
}

func warningsFromBalance(b Balance) []Warning {
	var warnings []Warning
	for _, f := range b.Facilities {
		// a raw closing outside [0, capacity] was clamped; the facility line
		// retains the raw value
		if f.RawClosingM3 < 0 {
			warnings = append(warnings, Warning{f.Code, WarningDeficit, -f.RawClosingM3})
		} else if f.RawClosingM3 > f.ClosingVolumeM3 {
			warnings = append(warnings, Warning{f.Code, WarningOverflow, f.RawClosingM3 - f.ClosingVolumeM3})
		}
	}
	return warnings
}

func (c *Calculator) compute(month time.Time, oreTonnes float64) (Balance, error) {
	b := Balance{
		CalcDate:  month,
		CalcType:  CalcTypeMonthly,
		OreTonnes: oreTonnes,
	}

	facilities, err := c.activeFacilities()
	if err != nil {
		return Balance{}, err
	}

	ctx := &computeCtx{drivers: make(map[string]*facilityDriver)}
	err = c.computeInflows(&b, month, facilities, ctx)
	if err != nil {
		return Balance{}, err
	}
	err = c.computeOutflows(&b, month, facilities, ctx)
	if err != nil {
		return Balance{}, err
	}
	err = c.computeStorage(&b, month, facilities, ctx)
	if err != nil {
		return Balance{}, err
	}

	c.deriveDiagnostics(&b)
	return b, nil
}

func (c *Calculator) activeFacilities() ([]db.Facility, error) {
	return c.Cache.GetOrComputeFacilities(func() ([]db.Facility, error) {
		var facilities []db.Facility
		_, err := c.DB.Select(&facilities, `SELECT * FROM facilities WHERE active ORDER BY code`)
		if err != nil {
			return nil, fmt.Errorf("while loading facilities: %w", err)
		}
		sort.Slice(facilities, func(i, j int) bool { return facilities[i].Code < facilities[j].Code })
		return facilities, nil
	})
}

// resolveInput resolves a site-wide monthly input through the priority chain:
// manual override, then time-series data (flow diagram before legacy meter
// readings), then the site constant for constantKey, then the literal.
// substituted is true only when the literal fallback was used without a
// constant key, i.e. when the value was invented.
func (c *Calculator) resolveInput(month time.Time, field, constantKey string, literal float64) (value float64, substituted bool, err error) {
	value, ok, err := c.getOverride(month, field)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return value, false, nil
	}

	value, ok, err = c.getSeriesValue(month, field)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return value, false, nil
	}

	if constantKey != "" {
		value, err = core.GetConstant(c.DB, constantKey)
		return value, false, err
	}
	return literal, true, nil
}

func (c *Calculator) getOverride(month time.Time, key string) (float64, bool, error) {
	var row db.ManualOverride
	err := c.DB.SelectOne(&row, `SELECT * FROM manual_overrides WHERE date = $1 AND key = $2`, month, key)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("while reading override %q: %w", key, err)
	}
	return row.Value, true, nil
}

func (c *Calculator) getSeriesValue(month time.Time, field string) (float64, bool, error) {
	// memoised because the UI recomputes eagerly while users edit inputs
	cacheKey := month.Format("2006-01") + "/" + field
	missing := false
	value, err := c.Cache.GetOrComputeSeriesValue(cacheKey, func() (float64, error) {
		value, ok, err := c.Flow.GetValue(month, field)
		if err != nil {
			return 0, err
		}
		if ok {
			return value, nil
		}
		value, ok, err = c.Meter.GetValue(month, field)
		if err != nil {
			return 0, err
		}
		if !ok {
			missing = true
			return 0, nil
		}
		return value, nil
	})
	if err != nil {
		return 0, false, err
	}
	return value, !missing, nil
}

func (c *Calculator) getFacilityValue(month time.Time, field, facilityCode string) (float64, bool, error) {
	value, ok, err := c.Flow.GetValueForFacility(month, field, facilityCode)
	if err != nil || ok {
		return value, ok, err
	}
	return c.Meter.GetValueForFacility(month, field, facilityCode)
}

func (c *Calculator) addFlag(b *Balance, kind FlagKind, detail string) {
	b.Flags = append(b.Flags, QualityFlag{Kind: kind, Detail: detail})
}

// checkNegative flags metrics that carry a negative value, which must not
// happen for physical quantities.
func (c *Calculator) checkNegative(b *Balance, metric string, value float64) {
	if value < 0 {
		c.LogError("balance %s: %s is negative (%g m³)", b.CalcDate.Format("2006-01"), metric, value)
		c.addFlag(b, FlagNegativeValue, metric)
	}
}

func (c *Calculator) deriveDiagnostics(b *Balance) {
	freshInflows := b.Inflows.FreshM3()
	b.ClosureErrorM3 = freshInflows - b.Outflows.TotalM3() - b.StorageChangeM3

	if freshInflows < lowFreshInflowsThresholdM3 {
		// the percentage is undefined here, never silently 0
		b.HasLowFreshInflows = true
		b.ClosureErrorPct = nil
		c.addFlag(b, FlagLowFreshInflows, "")
	} else {
		pct := abs(b.ClosureErrorM3) / freshInflows * 100
		b.ClosureErrorPct = &pct

		alertPct, err := core.GetConstant(c.DB, core.ConstantClosureAlertPct)
		if err != nil {
			c.LogError("while reading closure alert threshold: %s", err.Error())
			alertPct = core.ConstantDefault(core.ConstantClosureAlertPct)
		}
		if pct > alertPct {
			c.addFlag(b, FlagHighClosureError, fmt.Sprintf("%.1f%%", pct))
		}
	}

	for _, f := range b.Facilities {
		if f.RawClosingM3 < 0 {
			c.capacityWarnings = append(c.capacityWarnings, Warning{f.Code, WarningDeficit, -f.RawClosingM3})
			c.addFlag(b, FlagCapacityClamp, f.Code)
		} else if f.RawClosingM3 > f.ClosingVolumeM3 {
			c.capacityWarnings = append(c.capacityWarnings, Warning{f.Code, WarningOverflow, f.RawClosingM3 - f.ClosingVolumeM3})
			c.addFlag(b, FlagCapacityClamp, f.Code)
		}
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// RecycledWaterRatio is a KPI: the share of recycled return water in the
// total inflows of the given month.
func (c *Calculator) RecycledWaterRatio(date time.Time, oreTonnes float64) (float64, error) {
	return c.Cache.GetOrComputeKPI("recycled_ratio/"+date.Format("2006-01"), func() (float64, error) {
		b, err := c.Calculate(date, oreTonnes)
		if err != nil {
			return 0, err
		}
		total := b.Inflows.TotalM3()
		if total == 0 {
			return 0, nil
		}
		return b.Inflows.TSFReturnM3 / total, nil
	})
}

// StorageUtilizationPct is a KPI: the current total stored volume as a
// percentage of the total capacity over all active facilities.
func (c *Calculator) StorageUtilizationPct() (float64, error) {
	return c.Cache.GetOrComputeKPI("storage_utilization", func() (float64, error) {
		var result struct {
			Volume   float64 `db:"volume"`
			Capacity float64 `db:"capacity"`
		}
		query := sqlext.SimplifyWhitespace(`
			SELECT COALESCE(SUM(current_volume_m3), 0) AS volume,
			       COALESCE(SUM(total_capacity_m3), 0) AS capacity
			  FROM facilities WHERE active
		`)
		err := c.DB.SelectOne(&result, query)
		if err != nil {
			return 0, err
		}
		if result.Capacity == 0 {
			return 0, nil
		}
		return 100 * result.Volume / result.Capacity, nil
	})
}
