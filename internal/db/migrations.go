// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package db

var sqlMigrations = map[string]string{
	"001_initial.down.sql": `
		DROP TABLE license_audit_log;
		DROP TABLE license_info;
		DROP TABLE pump_transfer_events;
		DROP TABLE calculation_facilities;
		DROP TABLE calculations;
		DROP TABLE tailings_moisture_monthly;
		DROP TABLE manual_overrides;
		DROP TABLE measurements;
		DROP TABLE dataset_sources;
		DROP TABLE site_constants;
		DROP TABLE water_sources;
		DROP TABLE facilities;
	`,
	"001_initial.up.sql": `
		---------- site model

		CREATE TABLE facilities (
			id                 BIGSERIAL         NOT NULL PRIMARY KEY,
			code               TEXT              NOT NULL UNIQUE,
			name               TEXT              NOT NULL DEFAULT '',
			area_code          TEXT              NOT NULL DEFAULT '',
			total_capacity_m3  DOUBLE PRECISION  NOT NULL,
			surface_area_m2    DOUBLE PRECISION  NOT NULL DEFAULT 0,
			min_volume_m3      DOUBLE PRECISION  NOT NULL DEFAULT 0,
			is_lined           BOOLEAN           NOT NULL DEFAULT FALSE,
			evap_active        BOOLEAN           NOT NULL DEFAULT TRUE,
			pump_start_pct     DOUBLE PRECISION  NOT NULL DEFAULT 70,
			pump_stop_pct      DOUBLE PRECISION  NOT NULL DEFAULT 30,
			feeds_to           TEXT              NOT NULL DEFAULT '',
			active             BOOLEAN           NOT NULL DEFAULT TRUE,
			current_volume_m3  DOUBLE PRECISION  NOT NULL DEFAULT 0,
			level_history      TEXT              NOT NULL DEFAULT ''
		);

		CREATE TABLE water_sources (
			id         BIGSERIAL  NOT NULL PRIMARY KEY,
			code       TEXT       NOT NULL UNIQUE,
			name       TEXT       NOT NULL DEFAULT '',
			type       TEXT       NOT NULL,
			area_code  TEXT       NOT NULL DEFAULT '',
			active     BOOLEAN    NOT NULL DEFAULT TRUE
		);

		CREATE TABLE site_constants (
			key    TEXT              NOT NULL PRIMARY KEY,
			value  DOUBLE PRECISION  NOT NULL,
			unit   TEXT              NOT NULL DEFAULT ''
		);

		---------- measured and user-supplied inputs

		CREATE TABLE dataset_sources (
			dataset      TEXT  NOT NULL PRIMARY KEY,
			source_path  TEXT  NOT NULL DEFAULT ''
		);

		CREATE TABLE measurements (
			id             BIGSERIAL         NOT NULL PRIMARY KEY,
			dataset        TEXT              NOT NULL REFERENCES dataset_sources ON DELETE CASCADE,
			date           DATE              NOT NULL,
			field          TEXT              NOT NULL,
			source_code    TEXT              DEFAULT NULL,
			facility_code  TEXT              DEFAULT NULL,
			value          DOUBLE PRECISION  NOT NULL,
			quality        TEXT              NOT NULL DEFAULT ''
		);
		CREATE INDEX measurements_date_field_idx ON measurements (date, field);

		CREATE TABLE manual_overrides (
			date        DATE              NOT NULL,
			key         TEXT              NOT NULL,
			value       DOUBLE PRECISION  NOT NULL,
			updated_at  TIMESTAMP         NOT NULL DEFAULT NOW(),
			PRIMARY KEY (date, key)
		);

		CREATE TABLE tailings_moisture_monthly (
			month                  INT               NOT NULL,
			year                   INT               NOT NULL,
			tailings_moisture_pct  DOUBLE PRECISION  NOT NULL CHECK (tailings_moisture_pct BETWEEN 0 AND 100),
			PRIMARY KEY (month, year)
		);

		---------- computed balances

		CREATE TABLE calculations (
			id                     BIGSERIAL         NOT NULL PRIMARY KEY,
			calc_date              DATE              NOT NULL,
			calc_type              TEXT              NOT NULL,
			ore_tonnes             DOUBLE PRECISION  NOT NULL DEFAULT 0,
			concentrate_tonnes     DOUBLE PRECISION  NOT NULL DEFAULT 0,
			surface_water_m3       DOUBLE PRECISION  NOT NULL DEFAULT 0,
			groundwater_m3         DOUBLE PRECISION  NOT NULL DEFAULT 0,
			underground_water_m3   DOUBLE PRECISION  NOT NULL DEFAULT 0,
			rainfall_m3            DOUBLE PRECISION  NOT NULL DEFAULT 0,
			ore_moisture_m3        DOUBLE PRECISION  NOT NULL DEFAULT 0,
			aquifer_seepage_m3     DOUBLE PRECISION  NOT NULL DEFAULT 0,
			tsf_return_m3          DOUBLE PRECISION  NOT NULL DEFAULT 0,
			total_inflows_m3       DOUBLE PRECISION  NOT NULL DEFAULT 0,
			fresh_inflows_m3       DOUBLE PRECISION  NOT NULL DEFAULT 0,
			evaporation_m3         DOUBLE PRECISION  NOT NULL DEFAULT 0,
			plant_net_m3           DOUBLE PRECISION  NOT NULL DEFAULT 0,
			auxiliary_m3           DOUBLE PRECISION  NOT NULL DEFAULT 0,
			discharge_m3           DOUBLE PRECISION  NOT NULL DEFAULT 0,
			tailings_retention_m3  DOUBLE PRECISION  NOT NULL DEFAULT 0,
			total_outflows_m3      DOUBLE PRECISION  NOT NULL DEFAULT 0,
			seepage_loss_m3        DOUBLE PRECISION  NOT NULL DEFAULT 0,
			storage_change_m3      DOUBLE PRECISION  NOT NULL DEFAULT 0,
			closure_error_m3       DOUBLE PRECISION  NOT NULL DEFAULT 0,
			closure_error_pct      DOUBLE PRECISION  DEFAULT NULL,
			has_low_fresh_inflows  BOOLEAN           NOT NULL DEFAULT FALSE,
			flags                  TEXT              NOT NULL DEFAULT '',
			created_at             TIMESTAMP         NOT NULL DEFAULT NOW(),
			UNIQUE (calc_date, calc_type)
		);

		CREATE TABLE calculation_facilities (
			calculation_id     BIGINT            NOT NULL REFERENCES calculations ON DELETE CASCADE,
			facility_code      TEXT              NOT NULL,
			opening_volume_m3  DOUBLE PRECISION  NOT NULL,
			closing_volume_m3  DOUBLE PRECISION  NOT NULL,
			raw_closing_m3     DOUBLE PRECISION  NOT NULL,
			rainfall_m3        DOUBLE PRECISION  NOT NULL DEFAULT 0,
			evap_loss_m3       DOUBLE PRECISION  NOT NULL DEFAULT 0,
			seepage_loss_m3    DOUBLE PRECISION  NOT NULL DEFAULT 0,
			days_to_minimum    DOUBLE PRECISION  NOT NULL DEFAULT 0,
			is_below_minimum   BOOLEAN           NOT NULL DEFAULT FALSE,
			PRIMARY KEY (calculation_id, facility_code)
		);

		---------- pump transfers

		CREATE TABLE pump_transfer_events (
			id           BIGSERIAL         NOT NULL PRIMARY KEY,
			calc_date    DATE              NOT NULL,
			source_code  TEXT              NOT NULL,
			dest_code    TEXT              NOT NULL,
			volume_m3    DOUBLE PRECISION  NOT NULL,
			applied_at   TIMESTAMP         NOT NULL DEFAULT NOW(),
			applied_by   TEXT              NOT NULL DEFAULT '',
			UNIQUE (calc_date, source_code, dest_code)
		);

		---------- licensing

		CREATE TABLE license_info (
			id                   BIGSERIAL  NOT NULL PRIMARY KEY,
			license_key          TEXT       NOT NULL UNIQUE,
			tier                 TEXT       NOT NULL,
			status               TEXT       NOT NULL,
			expiry_date          TIMESTAMP  NOT NULL,
			hw_1                 TEXT       NOT NULL DEFAULT '',
			hw_2                 TEXT       NOT NULL DEFAULT '',
			hw_3                 TEXT       NOT NULL DEFAULT '',
			last_online_check    TIMESTAMP  DEFAULT NULL,
			offline_grace_until  TIMESTAMP  DEFAULT NULL,
			transfer_count       INT        NOT NULL DEFAULT 0,
			activated_at         TIMESTAMP  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE license_audit_log (
			id             BIGSERIAL  NOT NULL PRIMARY KEY,
			license_id     BIGINT     NOT NULL REFERENCES license_info ON DELETE CASCADE,
			event_type     TEXT       NOT NULL,
			event_details  TEXT       NOT NULL DEFAULT '',
			created_at     TIMESTAMP  NOT NULL DEFAULT NOW()
		);
	`,
}
