// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/waterbalance/internal/balance"
	"github.com/sapcc/waterbalance/internal/db"
)

// GetBalance handles GET /v1/balance.
//
// Without a "date" parameter, it returns the saved record for the current
// month; "?date=2024-03" selects a past month. "?live=true" recomputes the
// balance in memory instead of reading the saved record.
func (p *v1Provider) GetBalance(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/balance")
	if !p.requireAuthorizedLicense(w, r) {
		return
	}
	date, ok := p.parseMonth(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("live") == "true" {
		result, err := p.Calculator.Calculate(date, p.parseOreTonnes(r))
		if respondwith.ErrorText(w, err) {
			return
		}
		respondwith.JSON(w, http.StatusOK, map[string]any{
			"balance":  result,
			"warnings": p.Calculator.CapacityWarnings(),
		})
		return
	}

	record, lines, found, err := p.Calculator.LoadSaved(date, balance.CalcTypeMonthly)
	if respondwith.ErrorText(w, err) {
		return
	}
	if !found {
		http.Error(w, "no balance has been calculated for this month", http.StatusNotFound)
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"calculation": record,
		"facilities":  lines,
	})
}

// Calculate handles POST /v1/calculate. The balance for the requested month
// is recomputed and persisted.
func (p *v1Provider) Calculate(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/calculate")
	if !p.requireAuthorizedLicense(w, r) {
		return
	}

	var request struct {
		Date      string   `json:"date"`
		OreTonnes *float64 `json:"ore_tonnes"`
	}
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil {
		http.Error(w, "request body is not valid JSON: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	date := p.timeNow()
	if request.Date != "" {
		date, err = parseFlexibleDate(request.Date)
		if err != nil {
			http.Error(w, `field "date" must look like "2006-01-02" or "2006-01"`, http.StatusUnprocessableEntity)
			return
		}
	}
	oreTonnes := -1.0
	if request.OreTonnes != nil {
		oreTonnes = *request.OreTonnes
	}

	result, err := p.Calculator.Calculate(db.MonthStart(date), oreTonnes)
	if respondwith.ErrorText(w, err) {
		return
	}
	err = p.Calculator.Save(result)
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"balance":  result,
		"warnings": p.Calculator.CapacityWarnings(),
	})
}

func (p *v1Provider) parseOreTonnes(r *http.Request) float64 {
	str := r.URL.Query().Get("ore_tonnes")
	if str == "" {
		return -1
	}
	value, err := strconv.ParseFloat(str, 64)
	if err != nil || value < 0 {
		return -1
	}
	return value
}
