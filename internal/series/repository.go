// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package series provides read-only access to externally ingested time-series
// measurements. Two logical repositories exist over the same interface: the
// legacy meter-readings view and the flow-diagram view. Values are keyed by
// (date, field) or (date, field, facility); multiple rows within the same
// calendar month are summed.
package series

import (
	"time"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/waterbalance/internal/db"
)

// Repository is the interface through which the balance calculator reads
// time-series measurements.
type Repository interface {
	// GetValue returns the monthly total for a site-wide field.
	// ok is false if no measurement exists for that month.
	GetValue(date time.Time, field string) (value float64, ok bool, err error)
	// GetValueForFacility is like GetValue, but restricted to one facility.
	GetValueForFacility(date time.Time, field, facilityCode string) (value float64, ok bool, err error)
	// GetValueForSourceType returns the monthly total over all measurements
	// attributed to active sources of the given type.
	GetValueForSourceType(date time.Time, field string, sourceType db.SourceType) (float64, error)
	// LatestDate returns the most recent measurement date in this dataset.
	LatestDate() (date time.Time, ok bool, err error)
	// SourcePath identifies the underlying dataset file. The cache layer
	// compares this against its stored path to detect dataset swaps.
	SourcePath() (string, error)
}

// TableRepository is a Repository backed by the `measurements` table, filtered
// down to one dataset.
type TableRepository struct {
	DB      db.Interface
	Dataset string
}

// NewMeterReadings returns the legacy meter-readings view.
func NewMeterReadings(dbi db.Interface) *TableRepository {
	return &TableRepository{DB: dbi, Dataset: db.DatasetMeterReadings}
}

// NewFlowDiagram returns the flow-diagram view.
func NewFlowDiagram(dbi db.Interface) *TableRepository {
	return &TableRepository{DB: dbi, Dataset: db.DatasetFlowDiagram}
}

var monthlyValueQuery = sqlext.SimplifyWhitespace(`
	SELECT COALESCE(SUM(value), 0), COUNT(*) FROM measurements
	 WHERE dataset = $1 AND field = $2 AND source_code IS NULL AND facility_code IS NULL
	   AND date >= $3 AND date < $4
`)

// GetValue implements the Repository interface.
func (r *TableRepository) GetValue(date time.Time, field string) (float64, bool, error) {
	from := db.MonthStart(date)
	until := from.AddDate(0, 1, 0)
	var (
		value float64
		count int
	)
	err := r.DB.QueryRow(monthlyValueQuery, r.Dataset, field, from, until).Scan(&value, &count)
	if err != nil {
		return 0, false, err
	}
	return value, count > 0, nil
}

// GetValueForFacility implements the Repository interface.
func (r *TableRepository) GetValueForFacility(date time.Time, field, facilityCode string) (float64, bool, error) {
	from := db.MonthStart(date)
	until := from.AddDate(0, 1, 0)
	var (
		value float64
		count int
	)
	query := sqlext.SimplifyWhitespace(`
		SELECT COALESCE(SUM(value), 0), COUNT(*) FROM measurements
		 WHERE dataset = $1 AND field = $2 AND facility_code = $3
		   AND date >= $4 AND date < $5
	`)
	err := r.DB.QueryRow(query, r.Dataset, field, facilityCode, from, until).Scan(&value, &count)
	if err != nil {
		return 0, false, err
	}
	return value, count > 0, nil
}

// GetValueForSourceType returns the monthly total over all measurements
// attributed to active sources of the given type. This is what feeds the
// surface/ground/underground inflow lines.
func (r *TableRepository) GetValueForSourceType(date time.Time, field string, sourceType db.SourceType) (float64, error) {
	from := db.MonthStart(date)
	until := from.AddDate(0, 1, 0)
	query := sqlext.SimplifyWhitespace(`
		SELECT COALESCE(SUM(m.value), 0)
		  FROM measurements m JOIN water_sources s ON s.code = m.source_code
		 WHERE m.dataset = $1 AND m.field = $2 AND s.type = $3 AND s.active
		   AND m.date >= $4 AND m.date < $5
	`)
	var value float64
	err := r.DB.QueryRow(query, r.Dataset, field, sourceType, from, until).Scan(&value)
	return value, err
}

// LatestDate implements the Repository interface.
func (r *TableRepository) LatestDate() (time.Time, bool, error) {
	var date *time.Time
	err := r.DB.QueryRow(`SELECT MAX(date) FROM measurements WHERE dataset = $1`, r.Dataset).Scan(&date)
	if err != nil {
		return time.Time{}, false, err
	}
	if date == nil {
		return time.Time{}, false, nil
	}
	return *date, true, nil
}

// SourcePath implements the Repository interface.
func (r *TableRepository) SourcePath() (string, error) {
	var path string
	err := r.DB.QueryRow(`SELECT source_path FROM dataset_sources WHERE dataset = $1`, r.Dataset).Scan(&path)
	if err != nil {
		if db.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}
