// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package license

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sapcc/go-bits/sqlext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
	"github.com/sapcc/waterbalance/internal/test"
)

// managerTestSetup wires a Manager against the test DB and a fake registry.
type managerTestSetup struct {
	Setup        test.Setup
	Manager      *Manager
	RequestCount *int
}

func setupManager(t *testing.T, registryHandler http.HandlerFunc) managerTestSetup {
	t.Helper()
	s := test.NewSetup(t)

	requestCount := 0
	var server *httptest.Server
	if registryHandler != nil {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCount++
			registryHandler(w, r)
		}))
	} else {
		// an unreachable registry
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCount++
		}))
		server.Close()
	}
	t.Cleanup(server.Close)

	cfg := core.LicensingConfiguration{
		WebhookURL: server.URL,
		APIKey:     "unittest-key",
	}
	client := NewClient(cfg)
	client.http.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 0
	}

	mgr := NewManager(s.DB, client, cfg)
	mgr.Hardware = testFingerprint
	mgr.TimeNow = s.Clock.Now
	return managerTestSetup{Setup: s, Manager: mgr, RequestCount: &requestCount}
}

// insertActiveLicense seeds the DB with an active standard license bound to
// testFingerprint. lastCheck and graceUntil are offsets relative to now.
func insertActiveLicense(t *testing.T, ts managerTestSetup, lastCheckAgo, graceRemaining time.Duration) db.LicenseInfo {
	t.Helper()
	now := ts.Setup.Clock.Now()
	lastCheck := now.Add(-lastCheckAgo)
	graceUntil := now.Add(graceRemaining)
	info := db.LicenseInfo{
		LicenseKey:        "WB-1234",
		Tier:              db.LicenseTierStandard,
		Status:            db.LicenseStatusActive,
		ExpiryDate:        now.Add(200 * 24 * time.Hour),
		HW1:               testFingerprint.Motherboard,
		HW2:               testFingerprint.CPU,
		HW3:               testFingerprint.MAC,
		LastOnlineCheck:   &lastCheck,
		OfflineGraceUntil: &graceUntil,
		ActivatedAt:       now.Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, ts.Setup.DB.Insert(&info))
	return info
}

func auditEventTypes(t *testing.T, ts managerTestSetup) []string {
	t.Helper()
	var types []string
	err := sqlext.ForeachRow(ts.Setup.DB, `SELECT event_type FROM license_audit_log ORDER BY id`, nil, func(rows *sql.Rows) error {
		var eventType string
		err := rows.Scan(&eventType)
		types = append(types, eventType)
		return err
	})
	require.NoError(t, err)
	return types
}

func TestManagerUnactivatedWithoutLicenseRow(t *testing.T) {
	ts := setupManager(t, nil)
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	assert.Equal(t, StateUnactivated, ts.Manager.State())
	assert.False(t, ts.Manager.IsAuthorized())
}

func TestManagerOfflineGraceThenExpiry(t *testing.T) {
	// registry unreachable for the whole test
	ts := setupManager(t, nil)
	insertActiveLicense(t, ts, 48*time.Hour, 3*24*time.Hour)

	// within the grace period: operation continues
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	assert.Equal(t, StateGraceOffline, ts.Manager.State())
	assert.True(t, ts.Manager.IsAuthorized())
	assert.Contains(t, auditEventTypes(t, ts), string(db.LicenseEventOfflineGrace))

	// five days later the grace has run out
	ts.Setup.Clock.StepBy(5 * 24 * time.Hour)
	require.NoError(t, ts.Manager.Check(context.Background()))
	assert.Equal(t, StateExpired, ts.Manager.State())
	assert.False(t, ts.Manager.IsAuthorized())
}

func TestManagerHardwareMismatchBlocksWithoutNetwork(t *testing.T) {
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "active", "license_tier": "standard", "expiry_date": "2030-01-01"}`)) //nolint:errcheck
	})
	info := insertActiveLicense(t, ts, 0, 7*24*time.Hour)

	// two of three hardware components changed, similarity 0.40 < 0.60
	info.HW1 = "different-board"
	info.HW3 = "different-mac"
	_, err := ts.Setup.DB.Update(&info)
	require.NoError(t, err)

	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	assert.Equal(t, StateHardwareMismatch, ts.Manager.State())
	assert.False(t, ts.Manager.IsAuthorized())
	// the registry is never consulted for a hardware-mismatched license
	assert.Equal(t, 0, *ts.RequestCount)
	assert.Contains(t, auditEventTypes(t, ts), string(db.LicenseEventHardwareMismatch))
}

func TestManagerTierCheckCadence(t *testing.T) {
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "active", "license_tier": "standard", "expiry_date": "2030-01-01"}`)) //nolint:errcheck
	})
	// the last check was 2 hours ago; a standard license (24h cadence) does
	// not revalidate yet
	insertActiveLicense(t, ts, 2*time.Hour, 7*24*time.Hour)

	require.NoError(t, ts.Manager.Check(context.Background()))
	assert.Equal(t, StateActive, ts.Manager.State())
	assert.Equal(t, 0, *ts.RequestCount)

	// one day later the cadence calls for a revalidation
	ts.Setup.Clock.StepBy(24 * time.Hour)
	require.NoError(t, ts.Manager.Check(context.Background()))
	assert.Equal(t, StateActive, ts.Manager.State())
	assert.Equal(t, 1, *ts.RequestCount)
}

func TestManagerObservesRevocation(t *testing.T) {
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "revoked", "license_tier": "standard", "expiry_date": "2030-01-01", "error": "chargeback"}`)) //nolint:errcheck
	})
	insertActiveLicense(t, ts, 48*time.Hour, 7*24*time.Hour)

	require.NoError(t, ts.Manager.Check(context.Background()))
	assert.Equal(t, StateRevoked, ts.Manager.State())
	assert.False(t, ts.Manager.IsAuthorized())
	assert.Contains(t, auditEventTypes(t, ts), string(db.LicenseEventRevokeObserved))
}

func TestManagerStateChangeChannel(t *testing.T) {
	ts := setupManager(t, nil)
	insertActiveLicense(t, ts, 48*time.Hour, 3*24*time.Hour)

	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))

	select {
	case change := <-ts.Manager.StateChanges():
		assert.Equal(t, StateUnactivated, change.From)
		assert.Equal(t, StateGraceOffline, change.To)
	default:
		t.Fatal("expected a state change announcement")
	}
}

func TestTransferQuotaIsCheckedLocally(t *testing.T) {
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "active", "license_tier": "standard", "expiry_date": "2030-01-01", "transfer_count": 4}`)) //nolint:errcheck
	})
	info := insertActiveLicense(t, ts, 2*time.Hour, 7*24*time.Hour)
	info.TransferCount = 3
	_, err := ts.Setup.DB.Update(&info)
	require.NoError(t, err)
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	*ts.RequestCount = 0

	err = ts.Manager.RequestTransfer(context.Background())
	var limitErr TransferLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.MaxTransfers)
	// the quota check happens before any network traffic
	assert.Equal(t, 0, *ts.RequestCount)
	assert.Contains(t, auditEventTypes(t, ts), string(db.LicenseEventTransferLimit))
}

func TestTransferRebindsHardware(t *testing.T) {
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "active", "license_tier": "standard", "expiry_date": "2030-01-01", "transfer_count": 2}`)) //nolint:errcheck
	})
	info := insertActiveLicense(t, ts, 2*time.Hour, 7*24*time.Hour)
	// the license is still bound to the old machine
	info.HW1 = "old-board"
	info.HW2 = "old-cpu"
	info.HW3 = "old-mac"
	info.TransferCount = 1
	_, err := ts.Setup.DB.Update(&info)
	require.NoError(t, err)
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	assert.Equal(t, StateHardwareMismatch, ts.Manager.State())

	require.NoError(t, ts.Manager.RequestTransfer(context.Background()))
	assert.Equal(t, StateActive, ts.Manager.State())

	var stored db.LicenseInfo
	require.NoError(t, ts.Setup.DB.SelectOne(&stored, `SELECT * FROM license_info WHERE id = $1`, info.ID))
	assert.Equal(t, testFingerprint.Motherboard, stored.HW1)
	assert.Equal(t, testFingerprint.CPU, stored.HW2)
	assert.Equal(t, testFingerprint.MAC, stored.HW3)
	assert.Equal(t, 2, stored.TransferCount)
}

func TestActivation(t *testing.T) {
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "active", "license_tier": "trial", "expiry_date": "2024-02-14"}`)) //nolint:errcheck
	})

	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	assert.Equal(t, StateUnactivated, ts.Manager.State())

	user := UserInfo{Name: "Jane Miller", Email: "jane.miller@acme-mining.example"}
	require.NoError(t, ts.Manager.Activate(context.Background(), "WB-TRIAL-1", user))
	assert.Equal(t, StateActive, ts.Manager.State())
	assert.True(t, ts.Manager.IsAuthorized())

	var stored db.LicenseInfo
	require.NoError(t, ts.Setup.DB.SelectOne(&stored, `SELECT * FROM license_info`))
	assert.Equal(t, "WB-TRIAL-1", stored.LicenseKey)
	assert.Equal(t, db.LicenseTierTrial, stored.Tier)
	assert.Equal(t, testFingerprint.Motherboard, stored.HW1)
	assert.Contains(t, auditEventTypes(t, ts), string(db.LicenseEventActivate))
}

func TestActivationRequiresNetwork(t *testing.T) {
	ts := setupManager(t, nil)

	err := ts.Manager.Activate(context.Background(), "WB-1234", UserInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network connection")
	assert.Equal(t, StateUnactivated, ts.Manager.State())
}

func TestCheckInstantRevocationFallsBackWhenOffline(t *testing.T) {
	ts := setupManager(t, nil)
	insertActiveLicense(t, ts, 2*time.Hour, 7*24*time.Hour)
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	require.Equal(t, StateActive, ts.Manager.State())

	// the registry is unreachable, so the local state decides
	assert.True(t, ts.Manager.CheckInstantRevocation(context.Background()))
}

func TestCheckInstantRevocationObservesRevocation(t *testing.T) {
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "revoked", "license_tier": "standard", "expiry_date": "2030-01-01", "error": "chargeback"}`)) //nolint:errcheck
	})
	insertActiveLicense(t, ts, 2*time.Hour, 7*24*time.Hour)
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	require.Equal(t, StateActive, ts.Manager.State())

	assert.False(t, ts.Manager.CheckInstantRevocation(context.Background()))
	assert.Equal(t, StateRevoked, ts.Manager.State())
	assert.Contains(t, auditEventTypes(t, ts), string(db.LicenseEventRevokeObserved))

	var stored db.LicenseInfo
	require.NoError(t, ts.Setup.DB.SelectOne(&stored, `SELECT * FROM license_info`))
	assert.Equal(t, db.LicenseStatusRevoked, stored.Status)
}

func TestRevocationProbeDoesNotBlockStatusReads(t *testing.T) {
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	ts := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		close(probeStarted)
		<-probeRelease
		w.Write([]byte(`{"status": "active", "license_tier": "standard", "expiry_date": "2030-01-01"}`)) //nolint:errcheck
	})
	insertActiveLicense(t, ts, 2*time.Hour, 7*24*time.Hour)
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))
	require.Equal(t, StateActive, ts.Manager.State())

	probeResult := make(chan bool)
	go func() {
		probeResult <- ts.Manager.CheckInstantRevocation(context.Background())
	}()
	<-probeStarted

	// status reads must not wait for the in-flight registry round-trip
	snapshots := make(chan Snapshot, 1)
	go func() {
		snapshots <- ts.Manager.Snapshot()
	}()
	select {
	case snapshot := <-snapshots:
		assert.Equal(t, StateActive, snapshot.State)
	case <-time.After(3 * time.Second):
		t.Fatal("Snapshot() blocked while a revocation probe was in flight")
	}

	close(probeRelease)
	assert.True(t, <-probeResult)
}

func TestFeatureGatingByTier(t *testing.T) {
	ts := setupManager(t, nil)
	cfg := ts.Manager.Config
	cfg.TierFeatures = map[db.LicenseTier]map[string]core.FeatureValue{
		db.LicenseTierStandard: {
			"auto_pump_transfers": {Enabled: true},
			"max_facilities":      {Enabled: true, Limit: 20},
		},
	}
	ts.Manager.Config = cfg

	insertActiveLicense(t, ts, 2*time.Hour, 7*24*time.Hour)
	require.NoError(t, ts.Manager.ValidateStartup(context.Background()))

	assert.True(t, ts.Manager.HasFeature("auto_pump_transfers"))
	assert.False(t, ts.Manager.HasFeature("unknown_feature"))

	limit, ok := ts.Manager.FeatureLimit("max_facilities")
	assert.True(t, ok)
	assert.Equal(t, 20.0, limit)
	_, ok = ts.Manager.FeatureLimit("auto_pump_transfers")
	assert.False(t, ok)
}
