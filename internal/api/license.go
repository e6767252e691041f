// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/waterbalance/internal/license"
)

// GetLicense handles GET /v1/license. The endpoint works in every license
// state; it is the one place where a blocked installation can still see why.
func (p *v1Provider) GetLicense(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/license")
	respondwith.JSON(w, http.StatusOK, map[string]any{"license": p.License.Snapshot()})
}

// ActivateLicense handles POST /v1/license/activate.
func (p *v1Provider) ActivateLicense(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/license/activate")

	var request struct {
		LicenseKey string `json:"license_key"`
		Name       string `json:"name"`
		Email      string `json:"email"`
	}
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil {
		http.Error(w, "request body is not valid JSON: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if request.LicenseKey == "" {
		http.Error(w, `field "license_key" is missing`, http.StatusUnprocessableEntity)
		return
	}

	err = p.License.Activate(r.Context(), request.LicenseKey, license.UserInfo{
		Name:  request.Name,
		Email: request.Email,
	})
	if errors.Is(err, license.ErrUnauthorized) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"license": p.License.Snapshot()})
}

// TransferLicense handles POST /v1/license/transfer.
func (p *v1Provider) TransferLicense(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/license/transfer")

	err := p.License.RequestTransfer(r.Context())
	var limitErr license.TransferLimitError
	switch {
	case errors.As(err, &limitErr):
		respondwith.JSON(w, http.StatusForbidden, map[string]any{
			"error":   limitErr.Error(),
			"license": p.License.Snapshot(),
		})
	case errors.Is(err, license.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case respondwith.ErrorText(w, err):
		// response already written
	default:
		respondwith.JSON(w, http.StatusOK, map[string]any{"license": p.License.Snapshot()})
	}
}
