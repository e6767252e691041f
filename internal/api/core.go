// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package api contains the HTTP API served by waterbalance-serve.
package api

import (
	"net/http"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/waterbalance/internal/balance"
	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/license"
	"github.com/sapcc/waterbalance/internal/pump"
)

// VersionData is the response payload for "GET /v1/".
type VersionData struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type v1Provider struct {
	Config     core.SiteConfiguration
	DB         *gorp.DbMap
	Calculator *balance.Calculator
	Pump       *pump.Engine
	License    *license.Manager
	// Usually time.Now, but can be changed inside unit tests.
	timeNow func() time.Time

	VersionData VersionData
}

// NewV1API creates an httpapi.API that serves the waterbalance v1 API.
func NewV1API(cfg core.SiteConfiguration, dbm *gorp.DbMap, calc *balance.Calculator, engine *pump.Engine, mgr *license.Manager, timeNow func() time.Time) httpapi.API {
	p := &v1Provider{Config: cfg, DB: dbm, Calculator: calc, Pump: engine, License: mgr, timeNow: timeNow}
	p.VersionData = VersionData{Status: "CURRENT", ID: "v1"}
	return p
}

// AddTo implements the httpapi.API interface.
func (p *v1Provider) AddTo(r *mux.Router) {
	r.Methods("HEAD", "GET").Path("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.IdentifyEndpoint(r, "/")
		httpapi.SkipRequestLog(r)
		respondwith.JSON(w, http.StatusMultipleChoices, map[string]any{"versions": []VersionData{p.VersionData}})
	})
	r.Methods("GET").Path("/v1/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.IdentifyEndpoint(r, "/v1/")
		httpapi.SkipRequestLog(r)
		respondwith.JSON(w, http.StatusOK, map[string]any{"version": p.VersionData})
	})

	r.Methods("GET").Path("/v1/balance").HandlerFunc(p.GetBalance)
	r.Methods("POST").Path("/v1/calculate").HandlerFunc(p.Calculate)

	r.Methods("GET").Path("/v1/facilities/{code}/history").HandlerFunc(p.GetFacilityHistory)

	r.Methods("GET").Path("/v1/transfers/propose").HandlerFunc(p.ProposeTransfers)
	r.Methods("POST").Path("/v1/transfers/apply").HandlerFunc(p.ApplyTransfers)

	r.Methods("GET").Path("/v1/license").HandlerFunc(p.GetLicense)
	r.Methods("POST").Path("/v1/license/activate").HandlerFunc(p.ActivateLicense)
	r.Methods("POST").Path("/v1/license/transfer").HandlerFunc(p.TransferLicense)
}

// requireAuthorizedLicense writes the 403 denial response when the license
// does not permit calculations. The response carries the support contact so
// that site operators know where to turn.
func (p *v1Provider) requireAuthorizedLicense(w http.ResponseWriter, r *http.Request) bool {
	if p.License.CheckInstantRevocation(r.Context()) {
		return true
	}
	respondwith.JSON(w, http.StatusForbidden, map[string]any{
		"error":   p.License.DenialError().Error(),
		"license": p.License.Snapshot(),
	})
	return false
}

// parseMonth reads the "date" query parameter as a calendar month. An absent
// parameter selects the current month.
func (p *v1Provider) parseMonth(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	dateStr := r.URL.Query().Get("date")
	if dateStr == "" {
		return p.timeNow(), true
	}
	date, err := parseFlexibleDate(dateStr)
	if err != nil {
		http.Error(w, `query parameter "date" must look like "2006-01-02" or "2006-01"`, http.StatusBadRequest)
		return time.Time{}, false
	}
	return date, true
}

func parseFlexibleDate(dateStr string) (time.Time, error) {
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		date, err = time.Parse("2006-01", dateStr)
	}
	return date, err
}
