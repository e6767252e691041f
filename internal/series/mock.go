// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package series

import (
	"time"

	"github.com/sapcc/waterbalance/internal/db"
)

// MockRepository is a Repository with static contents, for use in unit tests.
type MockRepository struct {
	// Values maps "2006-01/field" to a monthly total.
	Values map[string]float64
	// FacilityValues maps "2006-01/field/facility" to a monthly total.
	FacilityValues map[string]float64
	// SourceTypeValues maps "2006-01/field/type" to a monthly total.
	SourceTypeValues map[string]float64
	Latest           time.Time
	Path             string
}

func mockKey(date time.Time, parts ...string) string {
	key := date.Format("2006-01")
	for _, part := range parts {
		key += "/" + part
	}
	return key
}

// Set stores a monthly total for a site-wide field.
func (r *MockRepository) Set(date time.Time, field string, value float64) {
	if r.Values == nil {
		r.Values = make(map[string]float64)
	}
	r.Values[mockKey(date, field)] = value
}

// SetForFacility stores a monthly total for a facility field.
func (r *MockRepository) SetForFacility(date time.Time, field, facilityCode string, value float64) {
	if r.FacilityValues == nil {
		r.FacilityValues = make(map[string]float64)
	}
	r.FacilityValues[mockKey(date, field, facilityCode)] = value
}

// SetForSourceType stores a monthly total for a source type.
func (r *MockRepository) SetForSourceType(date time.Time, field string, sourceType db.SourceType, value float64) {
	if r.SourceTypeValues == nil {
		r.SourceTypeValues = make(map[string]float64)
	}
	r.SourceTypeValues[mockKey(date, field, string(sourceType))] = value
}

// GetValue implements the Repository interface.
func (r *MockRepository) GetValue(date time.Time, field string) (float64, bool, error) {
	value, ok := r.Values[mockKey(date, field)]
	return value, ok, nil
}

// GetValueForFacility implements the Repository interface.
func (r *MockRepository) GetValueForFacility(date time.Time, field, facilityCode string) (float64, bool, error) {
	value, ok := r.FacilityValues[mockKey(date, field, facilityCode)]
	return value, ok, nil
}

// GetValueForSourceType implements the Repository interface.
func (r *MockRepository) GetValueForSourceType(date time.Time, field string, sourceType db.SourceType) (float64, error) {
	return r.SourceTypeValues[mockKey(date, field, string(sourceType))], nil
}

// LatestDate implements the Repository interface.
func (r *MockRepository) LatestDate() (time.Time, bool, error) {
	return r.Latest, !r.Latest.IsZero(), nil
}

// SourcePath implements the Repository interface.
func (r *MockRepository) SourcePath() (string, error) {
	return r.Path, nil
}

// interface check
var (
	_ Repository = &TableRepository{}
	_ Repository = &MockRepository{}
)
