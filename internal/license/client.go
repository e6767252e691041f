// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
)

// ErrUnauthorized is returned by the Client when the license registry rejects
// our API key or the license key itself. This is a definitive answer, not a
// reachability problem, so callers must not fall back to the offline grace.
var ErrUnauthorized = errors.New("license registry rejected the request")

// Client talks to the remote license registry. All methods degrade to a
// "registry not reachable" result on network problems instead of returning an
// error, because offline operation is an expected mode for mine sites.
type Client struct {
	cfg  core.LicensingConfiguration
	http *retryablehttp.Client
}

// NewClient builds a Client from the licensing configuration.
func NewClient(cfg core.LicensingConfiguration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = cfg.RequestTimeoutOrDefault()
	// retry only transient failures: connection errors and 5xx
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 500, nil
	}
	rc.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		// 1s after the first failure, 4s after the second
		return time.Duration(1<<(2*attemptNum)) * time.Second
	}
	return &Client{cfg: cfg, http: rc}
}

// validationRequest is the JSON payload sent to the registry webhook. The
// hardware hashes are positional: hw1 = motherboard, hw2 = CPU, hw3 = MAC.
type validationRequest struct {
	EventType     string `json:"event_type"`
	LicenseKey    string `json:"license_key"`
	HW1           string `json:"hw1"`
	HW2           string `json:"hw2"`
	HW3           string `json:"hw3"`
	LicenseeName  string `json:"licensee_name,omitempty"`
	LicenseeEmail string `json:"licensee_email,omitempty"`
	IsTransfer    bool   `json:"is_transfer,omitempty"`

	// usage report payload, only set for event_type "usage_report"
	Usage *UsageReport `json:"usage,omitempty"`
}

type validationResponse struct {
	Status        *db.LicenseStatus `json:"status"`
	Tier          db.LicenseTier    `json:"license_tier"`
	ExpiryDate    string            `json:"expiry_date"`
	TransferCount *int              `json:"transfer_count"`
	Error         string            `json:"error"`
}

// Result is the outcome of one registry round-trip. When Reachable is false,
// all other fields are zero and the caller falls back to its offline rules.
type Result struct {
	Reachable     bool
	Status        db.LicenseStatus
	Tier          db.LicenseTier
	ExpiryDate    time.Time
	TransferCount int
	ErrorMessage  string
}

// UserInfo identifies the licensee during activation.
type UserInfo struct {
	Name  string
	Email string
}

// UsageReport carries the anonymized monthly statistics submitted to the
// registry after a successful calculation run.
type UsageReport struct {
	Month             string  `json:"month"` // "2006-01"
	CalculationsRun   int     `json:"calculations_run"`
	TransfersApplied  int     `json:"transfers_applied"`
	FacilitiesActive  int     `json:"facilities_active"`
	ClosureErrorPct   float64 `json:"closure_error_pct"`
	SoftwareVersion   string  `json:"software_version"`
	HardwareSlotsSame int     `json:"hardware_slots_same"`
}

// Activate registers this installation with the registry.
func (c *Client) Activate(ctx context.Context, licenseKey string, user UserInfo, hw Fingerprint) (Result, error) {
	return c.roundTrip(ctx, validationRequest{
		EventType:     "activate",
		LicenseKey:    licenseKey,
		HW1:           hw.Motherboard,
		HW2:           hw.CPU,
		HW3:           hw.MAC,
		LicenseeName:  user.Name,
		LicenseeEmail: user.Email,
	})
}

// Validate asks the registry for the current state of the license.
func (c *Client) Validate(ctx context.Context, licenseKey string, hw Fingerprint) (Result, error) {
	return c.roundTrip(ctx, validationRequest{
		EventType:  "validate",
		LicenseKey: licenseKey,
		HW1:        hw.Motherboard,
		HW2:        hw.CPU,
		HW3:        hw.MAC,
	})
}

// Transfer asks the registry to rebind the license to this host's hardware.
func (c *Client) Transfer(ctx context.Context, licenseKey string, hw Fingerprint) (Result, error) {
	return c.roundTrip(ctx, validationRequest{
		EventType:  "transfer",
		LicenseKey: licenseKey,
		HW1:        hw.Motherboard,
		HW2:        hw.CPU,
		HW3:        hw.MAC,
		IsTransfer: true,
	})
}

// CheckRevocation performs the lightweight pre-operation revocation probe.
func (c *Client) CheckRevocation(ctx context.Context, licenseKey string, hw Fingerprint) (Result, error) {
	return c.roundTrip(ctx, validationRequest{
		EventType:  "revocation_check",
		LicenseKey: licenseKey,
		HW1:        hw.Motherboard,
		HW2:        hw.CPU,
		HW3:        hw.MAC,
	})
}

// ReportUsage submits anonymized monthly usage statistics. Failures are not
// fatal to the caller; an unreachable registry just drops the report.
func (c *Client) ReportUsage(ctx context.Context, licenseKey string, hw Fingerprint, report UsageReport) (Result, error) {
	return c.roundTrip(ctx, validationRequest{
		EventType:  "usage_report",
		LicenseKey: licenseKey,
		HW1:        hw.Motherboard,
		HW2:        hw.CPU,
		HW3:        hw.MAC,
		Usage:      &report,
	})
}

func (c *Client) roundTrip(ctx context.Context, payload validationRequest) (Result, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(buf))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	// correlation ID for the registry's support tooling; retries reuse the
	// same ID since they belong to the same logical request
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		// network failure after retries: never fatal, the manager decides
		// whether the offline grace still covers us
		logg.Debug("license registry not reachable: %s", err.Error())
		return Result{Reachable: false}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseResult(resp)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("%w (HTTP %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// a definitive rejection, e.g. an unknown license key
		var parsed validationResponse
		msg := ""
		if json.NewDecoder(resp.Body).Decode(&parsed) == nil {
			msg = parsed.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return Result{}, fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	default:
		// 5xx that survived all retries counts as unreachable
		logg.Debug("license registry returned HTTP %d", resp.StatusCode)
		return Result{Reachable: false}, nil
	}
}

func parseResult(resp *http.Response) (Result, error) {
	var parsed validationResponse
	err := json.NewDecoder(resp.Body).Decode(&parsed)
	if err != nil {
		logg.Debug("license registry sent a malformed response: %s", err.Error())
		return Result{Reachable: false}, nil
	}
	// a response without a status field is treated like a network failure; we
	// never promote a license to active on a half-empty answer
	if parsed.Status == nil {
		logg.Debug("license registry response is missing the status field")
		return Result{Reachable: false}, nil
	}

	result := Result{
		Reachable:    true,
		Status:       *parsed.Status,
		Tier:         parsed.Tier,
		ErrorMessage: parsed.Error,
	}
	if parsed.TransferCount != nil {
		result.TransferCount = *parsed.TransferCount
	}
	if parsed.ExpiryDate != "" {
		result.ExpiryDate, err = time.Parse("2006-01-02", parsed.ExpiryDate)
		if err != nil {
			logg.Debug("license registry sent an unparseable expiry date %q", parsed.ExpiryDate)
			return Result{Reachable: false}, nil
		}
	}
	return result, nil
}
