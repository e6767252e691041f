// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package balance implements the monthly water mass balance calculation.
//
// The mass balance identity is:
//
//	fresh_inflows = total_inflows - recycled_return
//	closure_error = fresh_inflows - total_outflows - storage_change
//
// Recycled (tailings return) water counts as inflow exactly once and is
// subtracted from gross plant consumption before the net value enters the
// outflows, so that it is never double-counted.
package balance

import (
	"time"
)

// FlagKind classifies a data-quality flag on a Balance.
type FlagKind string

const (
	// FlagSubstitutedInput records that a required input was absent without a
	// defined fallback and was substituted with zero.
	FlagSubstitutedInput FlagKind = "substituted_input"
	// FlagNegativeValue records a negative physical quantity, which must not
	// happen for inflows or outflows.
	FlagNegativeValue FlagKind = "negative_value"
	// FlagHighClosureError records a closure error above the alert threshold.
	FlagHighClosureError FlagKind = "high_closure_error"
	// FlagLowFreshInflows records a degenerate month with fresh inflows below
	// 100 m³, for which no closure error percentage is reported.
	FlagLowFreshInflows FlagKind = "low_fresh_inflows"
	// FlagCapacityClamp records that a facility's closing volume had to be
	// clamped into [0, capacity].
	FlagCapacityClamp FlagKind = "capacity_clamp"
)

// QualityFlag is one data-quality signal on a Balance.
type QualityFlag struct {
	Kind   FlagKind `json:"kind"`
	Detail string   `json:"detail,omitempty"`
}

// WarningKind classifies a capacity warning.
type WarningKind string

const (
	WarningOverflow WarningKind = "overflow"
	WarningDeficit  WarningKind = "deficit"
)

// Warning is a per-facility capacity warning. The list on the calculator is
// reset at the start of every Calculate call; warnings never accumulate
// across calls.
type Warning struct {
	FacilityCode string      `json:"facility_code"`
	Kind         WarningKind `json:"kind"`
	// AmountM3 is the raw overflow above capacity resp. deficit below zero
	// that was clamped away.
	AmountM3 float64 `json:"amount_m3"`
}

// Inflows contains the monthly inflow breakdown in m³.
type Inflows struct {
	SurfaceWaterM3     float64 `json:"surface_water_m3"`
	GroundwaterM3      float64 `json:"groundwater_m3"`
	UndergroundWaterM3 float64 `json:"underground_water_m3"`
	RainfallM3         float64 `json:"rainfall_m3"`
	OreMoistureM3      float64 `json:"ore_moisture_m3"`
	AquiferSeepageM3   float64 `json:"aquifer_seepage_m3"`
	TSFReturnM3        float64 `json:"tsf_return_m3"`
}

// TotalM3 returns the total inflows.
func (i Inflows) TotalM3() float64 {
	return i.SurfaceWaterM3 + i.GroundwaterM3 + i.UndergroundWaterM3 +
		i.RainfallM3 + i.OreMoistureM3 + i.AquiferSeepageM3 + i.TSFReturnM3
}

// FreshM3 returns the total inflows minus the recycled return water.
func (i Inflows) FreshM3() float64 {
	return i.TotalM3() - i.TSFReturnM3
}

// Outflows contains the monthly outflow breakdown in m³. Seepage loss is not
// part of this struct: it is an accounting loss that enters the storage
// change only.
type Outflows struct {
	EvaporationM3       float64 `json:"evaporation_m3"`
	PlantNetM3          float64 `json:"plant_net_m3"`
	AuxiliaryM3         float64 `json:"auxiliary_m3"`
	DischargeM3         float64 `json:"discharge_m3"`
	TailingsRetentionM3 float64 `json:"tailings_retention_m3"`
}

// TotalM3 returns the total outflows.
func (o Outflows) TotalM3() float64 {
	return o.EvaporationM3 + o.PlantNetM3 + o.AuxiliaryM3 + o.DischargeM3 + o.TailingsRetentionM3
}

// FacilityResult contains the per-facility lines of a Balance.
type FacilityResult struct {
	Code            string  `json:"code"`
	OpeningVolumeM3 float64 `json:"opening_volume_m3"`
	ClosingVolumeM3 float64 `json:"closing_volume_m3"`
	// RawClosingM3 is the closing volume before clamping into [0, capacity].
	RawClosingM3  float64 `json:"raw_closing_m3"`
	RainfallM3    float64 `json:"rainfall_m3"`
	EvapLossM3    float64 `json:"evap_loss_m3"`
	SeepageLossM3 float64 `json:"seepage_loss_m3"`
	// DaysToMinimum is clamped at 0; a raw negative value is reported through
	// IsBelowMinimum instead.
	DaysToMinimum  float64 `json:"days_to_minimum"`
	IsBelowMinimum bool    `json:"is_below_minimum"`
}

// Balance is the computed monthly balance record. It is a transient snapshot
// returned to callers and holds no references to store rows.
type Balance struct {
	CalcDate  time.Time `json:"calc_date"`
	CalcType  string    `json:"calc_type"`
	OreTonnes float64   `json:"ore_tonnes"`

	ConcentrateTonnes float64 `json:"concentrate_tonnes"`

	Inflows  Inflows  `json:"inflows"`
	Outflows Outflows `json:"outflows"`

	SeepageLossM3   float64 `json:"seepage_loss_m3"`
	StorageChangeM3 float64 `json:"storage_change_m3"`

	ClosureErrorM3 float64 `json:"closure_error_m3"`
	// ClosureErrorPct is nil when fresh inflows are below 100 m³.
	ClosureErrorPct    *float64 `json:"closure_error_pct,omitempty"`
	HasLowFreshInflows bool     `json:"has_low_fresh_inflows"`

	Facilities []FacilityResult `json:"facilities"`
	Flags      []QualityFlag    `json:"flags"`
}

// HasFlag reports whether a flag of the given kind is present.
func (b Balance) HasFlag(kind FlagKind) bool {
	for _, flag := range b.Flags {
		if flag.Kind == kind {
			return true
		}
	}
	return false
}

// MetricStatus describes the data-quality status of one metric.
type MetricStatus string

const (
	MetricOK   MetricStatus = "OK"
	MetricWarn MetricStatus = "WARN"
)

// StatusOf returns WARN for metrics that carry a negative-value flag.
func (b Balance) StatusOf(metric string) MetricStatus {
	for _, flag := range b.Flags {
		if flag.Kind == FlagNegativeValue && flag.Detail == metric {
			return MetricWarn
		}
	}
	return MetricOK
}
