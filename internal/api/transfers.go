// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/waterbalance/internal/pump"
)

// ProposeTransfers handles GET /v1/transfers/propose. The proposal is pure;
// nothing is written.
func (p *v1Provider) ProposeTransfers(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/transfers/propose")
	if !p.requireAuthorizedLicense(w, r) {
		return
	}
	date, ok := p.parseMonth(w, r)
	if !ok {
		return
	}

	transfers, err := p.Pump.ProposeTransfers(date)
	if respondwith.ErrorText(w, err) {
		return
	}
	if transfers == nil {
		transfers = []pump.Transfer{}
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}

// ApplyTransfers handles POST /v1/transfers/apply. Without an explicit
// transfer list in the body, the current proposal is applied.
func (p *v1Provider) ApplyTransfers(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/transfers/apply")
	if !p.requireAuthorizedLicense(w, r) {
		return
	}

	var request struct {
		Date      string          `json:"date"`
		Transfers []pump.Transfer `json:"transfers"`
	}
	if r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&request)
		if err != nil {
			http.Error(w, "request body is not valid JSON: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	date := p.timeNow()
	if request.Date != "" {
		var err error
		date, err = parseFlexibleDate(request.Date)
		if err != nil {
			http.Error(w, `field "date" must look like "2006-01-02" or "2006-01"`, http.StatusUnprocessableEntity)
			return
		}
	}

	transfers := request.Transfers
	if len(transfers) == 0 {
		var err error
		transfers, err = p.Pump.ProposeTransfers(date)
		if respondwith.ErrorText(w, err) {
			return
		}
	}

	applied, err := p.Pump.ApplyTransfers(date, transfers, "api")
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"proposed": len(transfers),
		"applied":  applied,
	})
}
