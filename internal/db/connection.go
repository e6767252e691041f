// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"net/url"
	"os"

	"github.com/dlmiddlecote/sqlstats"
	gorp "github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/osext"
	"github.com/sapcc/go-bits/sqlext"
)

// Configuration returns the easypg.Configuration object that func Init() needs
// to initialize the DB connection.
func Configuration() easypg.Configuration {
	return easypg.Configuration{
		Migrations: sqlMigrations,
	}
}

// Init initializes the connection to the database using the
// WATERBALANCE_DB_* environment variables.
func Init() (*gorp.DbMap, error) {
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("WATERBALANCE_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("WATERBALANCE_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("WATERBALANCE_DB_USERNAME", "postgres"),
		Password:          os.Getenv("WATERBALANCE_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("WATERBALANCE_DB_CONNECTION_OPTIONS"),
		DatabaseName:      osext.GetenvOrDefault("WATERBALANCE_DB_NAME", "waterbalance"),
	})
	if err != nil {
		return nil, err
	}
	return InitFromURL(dbURL)
}

// InitFromURL is like Init, but takes an explicit URL. It is used by unit
// tests to connect to their throwaway database.
func InitFromURL(dbURL *url.URL) (*gorp.DbMap, error) {
	cfg := Configuration()
	cfg.PostgresURL = dbURL
	dbConn, err := easypg.Connect(cfg)
	if err != nil {
		return nil, err
	}
	prometheus.DefaultRegisterer.Unregister(sqlstats.NewStatsCollector("waterbalance", dbConn)) // unregister from previous test run, if any
	prometheus.MustRegister(sqlstats.NewStatsCollector("waterbalance", dbConn))
	return InitORM(dbConn), nil
}

// InitORM wraps a database connection into a gorp.DbMap instance.
func InitORM(dbConn *sql.DB) *gorp.DbMap {
	// ensure that this process does not starve other processes for DB connections
	dbConn.SetMaxOpenConns(16)

	dbMap := &gorp.DbMap{Db: dbConn, Dialect: gorp.PostgresDialect{}}
	initGorp(dbMap)
	return dbMap
}

// Interface provides the common methods that both SQL connections and
// transactions implement.
type Interface interface {
	// from database/sql
	sqlext.Executor

	// from github.com/go-gorp/gorp
	Insert(args ...any) error
	Update(args ...any) (int64, error)
	Delete(args ...any) (int64, error)
	Select(i any, query string, args ...any) ([]any, error)
	SelectOne(holder any, query string, args ...any) error
}
