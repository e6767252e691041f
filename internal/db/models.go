// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"encoding/json"
	"time"

	"github.com/go-gorp/gorp/v3"
)

// Facility contains a record from the `facilities` table.
//
// A facility is a storage entity (dam, tank, pond) with finite capacity.
// CurrentVolumeM3 is only ever mutated by transfer application and by the
// monthly closing writes of the balance calculator.
type Facility struct {
	ID              int64   `db:"id"`
	Code            string  `db:"code"`
	Name            string  `db:"name"`
	AreaCode        string  `db:"area_code"`
	TotalCapacityM3 float64 `db:"total_capacity_m3"`
	SurfaceAreaM2   float64 `db:"surface_area_m2"`
	MinVolumeM3     float64 `db:"min_volume_m3"`
	IsLined         bool    `db:"is_lined"`
	EvapActive      bool    `db:"evap_active"`
	PumpStartPct    float64 `db:"pump_start_pct"`
	PumpStopPct     float64 `db:"pump_stop_pct"`
	FeedsToJSON     string  `db:"feeds_to"` // JSON list of facility codes, in priority order
	Active          bool    `db:"active"`
	CurrentVolumeM3 float64 `db:"current_volume_m3"`
	// LevelHistoryJSON is a util.TimeSeries of month-end volumes in m³.
	LevelHistoryJSON string `db:"level_history"`
}

// FeedsTo decodes the ordered list of destination facility codes.
func (f Facility) FeedsTo() []string {
	if f.FeedsToJSON == "" {
		return nil
	}
	var codes []string
	err := json.Unmarshal([]byte(f.FeedsToJSON), &codes)
	if err != nil {
		return nil
	}
	return codes
}

// FillLevelPct returns the fill level of this facility in percent of total capacity.
func (f Facility) FillLevelPct() float64 {
	if f.TotalCapacityM3 <= 0 {
		return 0
	}
	return 100 * f.CurrentVolumeM3 / f.TotalCapacityM3
}

// SourceType is an enum of the water source categories that the balance
// calculator distinguishes.
type SourceType string

const (
	SourceTypeSurface     SourceType = "surface"
	SourceTypeGround      SourceType = "ground"
	SourceTypeUnderground SourceType = "underground"
	SourceTypeRainfall    SourceType = "rainfall"
	SourceTypeReturn      SourceType = "return"
)

// WaterSource contains a record from the `water_sources` table.
type WaterSource struct {
	ID       int64      `db:"id"`
	Code     string     `db:"code"`
	Name     string     `db:"name"`
	Type     SourceType `db:"type"`
	AreaCode string     `db:"area_code"`
	Active   bool       `db:"active"`
}

// SiteConstant contains a record from the `site_constants` table.
// Constants are admin-managed and read-only at runtime.
type SiteConstant struct {
	Key   string  `db:"key"`
	Value float64 `db:"value"`
	Unit  string  `db:"unit"`
}

// DatasetSource contains a record from the `dataset_sources` table. It tracks
// which external file a measurement dataset was last ingested from; the cache
// layer flushes everything when this path changes.
type DatasetSource struct {
	Dataset    string `db:"dataset"`
	SourcePath string `db:"source_path"`
}

// Known values for DatasetSource.Dataset resp. Measurement.Dataset.
const (
	DatasetMeterReadings = "meter_readings"
	DatasetFlowDiagram   = "flow_diagram"
)

// Measurement contains a record from the `measurements` table. Rows are
// appended by the ingestion collaborator and never updated.
type Measurement struct {
	ID           int64     `db:"id"`
	Dataset      string    `db:"dataset"`
	Date         time.Time `db:"date"`
	Field        string    `db:"field"`
	SourceCode   *string   `db:"source_code"`   // NULL for site-wide fields
	FacilityCode *string   `db:"facility_code"` // NULL for non-facility fields
	Value        float64   `db:"value"`
	Quality      string    `db:"quality"`
}

// ManualOverride contains a record from the `manual_overrides` table.
// An override takes precedence over time-series data for its key and month.
type ManualOverride struct {
	Date      time.Time `db:"date"`
	Key       string    `db:"key"`
	Value     float64   `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TailingsMoisture contains a record from the `tailings_moisture_monthly`
// table. Absence of a row for a given month means 0% retention.
type TailingsMoisture struct {
	Month int     `db:"month"`
	Year  int     `db:"year"`
	Pct   float64 `db:"tailings_moisture_pct"`
}

// Calculation contains a record from the `calculations` table. There is at
// most one record per (calc_date, calc_type); overwrites restore facility
// opening volumes from the previous record's snapshot lines first.
type Calculation struct {
	ID       int64     `db:"id"`
	CalcDate time.Time `db:"calc_date"`
	CalcType string    `db:"calc_type"`

	OreTonnes         float64 `db:"ore_tonnes"`
	ConcentrateTonnes float64 `db:"concentrate_tonnes"`

	// inflows
	SurfaceWaterM3     float64 `db:"surface_water_m3"`
	GroundwaterM3      float64 `db:"groundwater_m3"`
	UndergroundWaterM3 float64 `db:"underground_water_m3"`
	RainfallM3         float64 `db:"rainfall_m3"`
	OreMoistureM3      float64 `db:"ore_moisture_m3"`
	AquiferSeepageM3   float64 `db:"aquifer_seepage_m3"`
	TSFReturnM3        float64 `db:"tsf_return_m3"`
	TotalInflowsM3     float64 `db:"total_inflows_m3"`
	FreshInflowsM3     float64 `db:"fresh_inflows_m3"`

	// outflows (seepage loss is deliberately not part of total_outflows_m3;
	// it only enters the storage change)
	EvaporationM3       float64 `db:"evaporation_m3"`
	PlantNetM3          float64 `db:"plant_net_m3"`
	AuxiliaryM3         float64 `db:"auxiliary_m3"`
	DischargeM3         float64 `db:"discharge_m3"`
	TailingsRetentionM3 float64 `db:"tailings_retention_m3"`
	TotalOutflowsM3     float64 `db:"total_outflows_m3"`

	SeepageLossM3   float64 `db:"seepage_loss_m3"`
	StorageChangeM3 float64 `db:"storage_change_m3"`

	ClosureErrorM3     float64  `db:"closure_error_m3"`
	ClosureErrorPct    *float64 `db:"closure_error_pct"` // NULL when fresh inflows < 100 m³
	HasLowFreshInflows bool     `db:"has_low_fresh_inflows"`

	FlagsJSON string    `db:"flags"` // JSON list of data-quality flags
	CreatedAt time.Time `db:"created_at"`
}

// CalculationFacility contains a record from the `calculation_facilities`
// table. It snapshots one facility's opening and closing volume for one
// calculation, which is what allows an overwrite to roll volumes back.
type CalculationFacility struct {
	CalculationID   int64   `db:"calculation_id"`
	FacilityCode    string  `db:"facility_code"`
	OpeningVolumeM3 float64 `db:"opening_volume_m3"`
	ClosingVolumeM3 float64 `db:"closing_volume_m3"`
	// RawClosingM3 retains the unclamped closing volume as a diagnostic.
	RawClosingM3   float64 `db:"raw_closing_m3"`
	RainfallM3     float64 `db:"rainfall_m3"`
	EvapLossM3     float64 `db:"evap_loss_m3"`
	SeepageLossM3  float64 `db:"seepage_loss_m3"`
	DaysToMinimum  float64 `db:"days_to_minimum"`
	IsBelowMinimum bool    `db:"is_below_minimum"`
}

// PumpTransferEvent contains a record from the `pump_transfer_events` table.
// The UNIQUE(calc_date, source_code, dest_code) constraint is the idempotency
// guard for transfer application.
type PumpTransferEvent struct {
	ID         int64     `db:"id"`
	CalcDate   time.Time `db:"calc_date"`
	SourceCode string    `db:"source_code"`
	DestCode   string    `db:"dest_code"`
	VolumeM3   float64   `db:"volume_m3"`
	AppliedAt  time.Time `db:"applied_at"`
	AppliedBy  string    `db:"applied_by"`
}

// LicenseStatus is an enum of the status values that the license registry
// reports for a license key.
type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "active"
	LicenseStatusRevoked LicenseStatus = "revoked"
	LicenseStatusExpired LicenseStatus = "expired"
	LicenseStatusPending LicenseStatus = "pending"
)

// LicenseTier is an enum of the known license tiers.
type LicenseTier string

const (
	LicenseTierTrial    LicenseTier = "trial"
	LicenseTierStandard LicenseTier = "standard"
	LicenseTierPremium  LicenseTier = "premium"
)

// LicenseInfo contains the record from the `license_info` table.
// There is at most one row per device.
type LicenseInfo struct {
	ID                int64         `db:"id"`
	LicenseKey        string        `db:"license_key"`
	Tier              LicenseTier   `db:"tier"`
	Status            LicenseStatus `db:"status"`
	ExpiryDate        time.Time     `db:"expiry_date"`
	HW1               string        `db:"hw_1"` // motherboard hash
	HW2               string        `db:"hw_2"` // CPU hash
	HW3               string        `db:"hw_3"` // MAC hash
	LastOnlineCheck   *time.Time    `db:"last_online_check"`
	OfflineGraceUntil *time.Time    `db:"offline_grace_until"`
	TransferCount     int           `db:"transfer_count"`
	ActivatedAt       time.Time     `db:"activated_at"`
}

// LicenseEventType is a closed enumeration of the event types that appear in
// the `license_audit_log` table.
type LicenseEventType string

const (
	LicenseEventActivate         LicenseEventType = "activate"
	LicenseEventValidate         LicenseEventType = "validate"
	LicenseEventTransfer         LicenseEventType = "transfer"
	LicenseEventRevokeObserved   LicenseEventType = "revoke_observed"
	LicenseEventExpiryWarning    LicenseEventType = "expiry_warning"
	LicenseEventTransferLimit    LicenseEventType = "transfer_limit"
	LicenseEventHardwareMismatch LicenseEventType = "hardware_mismatch"
	LicenseEventOfflineGrace     LicenseEventType = "offline_grace"
	LicenseEventOnlineFailed     LicenseEventType = "online_failed"
	LicenseEventNetworkError     LicenseEventType = "network_error"
)

// LicenseAuditLog contains a record from the `license_audit_log` table.
// Rows are append-only.
type LicenseAuditLog struct {
	ID           int64            `db:"id"`
	LicenseID    int64            `db:"license_id"`
	EventType    LicenseEventType `db:"event_type"`
	EventDetails string           `db:"event_details"`
	CreatedAt    time.Time        `db:"created_at"`
}

// initGorp is used by InitORM() to set up the ORM part of the database connection.
func initGorp(dbMap *gorp.DbMap) {
	dbMap.AddTableWithName(Facility{}, "facilities").SetKeys(true, "id")
	dbMap.AddTableWithName(WaterSource{}, "water_sources").SetKeys(true, "id")
	dbMap.AddTableWithName(SiteConstant{}, "site_constants").SetKeys(false, "key")
	dbMap.AddTableWithName(DatasetSource{}, "dataset_sources").SetKeys(false, "dataset")
	dbMap.AddTableWithName(Measurement{}, "measurements").SetKeys(true, "id")
	dbMap.AddTableWithName(ManualOverride{}, "manual_overrides").SetKeys(false, "date", "key")
	dbMap.AddTableWithName(TailingsMoisture{}, "tailings_moisture_monthly").SetKeys(false, "month", "year")
	dbMap.AddTableWithName(Calculation{}, "calculations").SetKeys(true, "id")
	dbMap.AddTableWithName(CalculationFacility{}, "calculation_facilities").SetKeys(false, "calculation_id", "facility_code")
	dbMap.AddTableWithName(PumpTransferEvent{}, "pump_transfer_events").SetKeys(true, "id")
	dbMap.AddTableWithName(LicenseInfo{}, "license_info").SetKeys(true, "id")
	dbMap.AddTableWithName(LicenseAuditLog{}, "license_audit_log").SetKeys(true, "id")
}
