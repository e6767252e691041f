// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/waterbalance/internal/db"
	"github.com/sapcc/waterbalance/internal/util"
)

// GetFacilityHistory handles GET /v1/facilities/:code/history.
//
// The response carries the facility's recorded month-end volumes in the
// columnar form {"t": [...unix timestamps...], "v": [...volumes in m³...]}.
func (p *v1Provider) GetFacilityHistory(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/facilities/:code/history")
	if !p.requireAuthorizedLicense(w, r) {
		return
	}
	facilityCode := mux.Vars(r)["code"]

	var serialized string
	err := p.DB.QueryRow(`SELECT level_history FROM facilities WHERE code = $1`, facilityCode).Scan(&serialized)
	if db.IsNoRows(err) {
		http.Error(w, "no such facility", http.StatusNotFound)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}

	// reject stored garbage instead of passing it through
	history, err := util.ParseTimeSeries[float64](serialized)
	if respondwith.ErrorText(w, err) {
		return
	}
	serialized, err = history.Serialize()
	if respondwith.ErrorText(w, err) {
		return
	}

	respondwith.JSON(w, http.StatusOK, map[string]any{
		"facility": facilityCode,
		"levels":   json.RawMessage(serialized),
	})
}
