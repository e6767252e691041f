// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"errors"
	"time"

	gorp "github.com/go-gorp/gorp/v3"

	"github.com/sapcc/go-bits/sqlext"
)

// WithTransaction executes the given action within a database transaction. If
// the action returns an error, the transaction is rolled back; otherwise it is
// committed.
func WithTransaction(dbi *gorp.DbMap, action func(*gorp.Transaction) error) error {
	tx, err := dbi.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)
	err = action(tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// MonthStart truncates a timestamp to midnight UTC on the first of its month.
// All calc_date values are normalized like this before hitting the DB, so
// that one calendar month maps to exactly one calculations row.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DayStart truncates a timestamp to midnight UTC. Pump transfer events are
// keyed by calendar day.
func DayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysInMonth returns the number of days of t's calendar month.
func DaysInMonth(t time.Time) int {
	firstOfMonth := MonthStart(t)
	return firstOfMonth.AddDate(0, 1, 0).Add(-time.Hour).Day()
}
