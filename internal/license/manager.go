// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package license enforces the commercial licensing rules: hardware binding,
// periodic online revalidation against the registry, offline grace, and the
// transfer quota.
package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/logg"

	"github.com/sapcc/waterbalance/internal/core"
	"github.com/sapcc/waterbalance/internal/db"
)

// State is the license state as seen by the rest of the application.
type State string

const (
	StateUnactivated      State = "unactivated"
	StateActive           State = "active"
	StateGraceOffline     State = "grace_offline"
	StateExpired          State = "expired"
	StateRevoked          State = "revoked"
	StateHardwareMismatch State = "hardware_mismatch"
)

// Authorized reports whether this state permits calculations.
func (s State) Authorized() bool {
	return s == StateActive || s == StateGraceOffline
}

// StateChange is emitted on the Manager's change channel whenever a
// revalidation moves the license into a different state.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// expiryWarningDays is how far ahead of the expiry date warnings start.
const expiryWarningDays = 7

// Manager owns the license lifecycle for this installation. All public
// methods are safe for concurrent use.
type Manager struct {
	DB     *gorp.DbMap
	Client *Client
	Config core.LicensingConfiguration
	// Hardware is this host's fingerprint, collected once at startup.
	Hardware Fingerprint
	// Usually time.Now, but can be changed inside unit tests.
	TimeNow func() time.Time

	mutex   sync.RWMutex
	state   State
	info    *db.LicenseInfo
	hwScore float64

	stateChanges chan StateChange
}

// NewManager creates a Manager. Call ValidateStartup before relying on it.
func NewManager(dbm *gorp.DbMap, client *Client, cfg core.LicensingConfiguration) *Manager {
	return &Manager{
		DB:           dbm,
		Client:       client,
		Config:       cfg,
		Hardware:     CollectFingerprint(),
		TimeNow:      time.Now,
		state:        StateUnactivated,
		stateChanges: make(chan StateChange, 16),
	}
}

// StateChanges returns the channel on which state transitions are announced.
// The channel is buffered; a slow consumer loses events rather than blocking
// revalidation.
func (m *Manager) StateChanges() <-chan StateChange {
	return m.stateChanges
}

// State returns the current license state.
func (m *Manager) State() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

// IsAuthorized reports whether calculations are currently permitted.
func (m *Manager) IsAuthorized() bool {
	return m.State().Authorized()
}

// Snapshot is a read-only view of the license for status displays.
type Snapshot struct {
	State              State          `json:"state"`
	Tier               db.LicenseTier `json:"tier,omitempty"`
	ExpiryDate         *time.Time     `json:"expiry_date,omitempty"`
	DaysRemaining      int            `json:"days_remaining"`
	TransferCount      int            `json:"transfer_count"`
	TransfersRemaining int            `json:"transfers_remaining"`
	HardwareScore      float64        `json:"hardware_score"`
	LastOnlineCheck    *time.Time     `json:"last_online_check,omitempty"`
	OfflineGraceUntil  *time.Time     `json:"offline_grace_until,omitempty"`
}

// Snapshot returns the current license state for display purposes.
func (m *Manager) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snapshot := Snapshot{State: m.state, HardwareScore: m.hwScore}
	if m.info == nil {
		return snapshot
	}
	snapshot.Tier = m.info.Tier
	expiry := m.info.ExpiryDate
	snapshot.ExpiryDate = &expiry
	snapshot.DaysRemaining = int(expiry.Sub(m.TimeNow()).Hours() / 24)
	if snapshot.DaysRemaining < 0 {
		snapshot.DaysRemaining = 0
	}
	snapshot.TransferCount = m.info.TransferCount
	snapshot.TransfersRemaining = m.Config.MaxTransfersOrDefault() - m.info.TransferCount
	if snapshot.TransfersRemaining < 0 {
		snapshot.TransfersRemaining = 0
	}
	snapshot.LastOnlineCheck = m.info.LastOnlineCheck
	snapshot.OfflineGraceUntil = m.info.OfflineGraceUntil
	return snapshot
}

// ValidateStartup establishes the license state when the application boots.
// It never returns an error for an unusable license (the state carries that);
// errors indicate infrastructure problems like an unreachable database.
func (m *Manager) ValidateStartup(ctx context.Context) error {
	return m.revalidate(ctx, true)
}

// Check is the periodic revalidation entry point for the background job.
func (m *Manager) Check(ctx context.Context) error {
	return m.revalidate(ctx, false)
}

func (m *Manager) revalidate(ctx context.Context, isStartup bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	info, err := m.loadInfo()
	if err != nil {
		return err
	}
	if info == nil {
		m.setState(StateUnactivated)
		m.info = nil
		return nil
	}
	m.info = info
	now := m.TimeNow()

	// hardware binding comes first: a moved disk image must not run, no
	// matter what the registry would say
	stored := Fingerprint{Motherboard: info.HW1, CPU: info.HW2, MAC: info.HW3}
	m.hwScore = Similarity(stored, m.Hardware)
	if m.hwScore < m.Config.SimilarityThresholdOrDefault() {
		if m.state != StateHardwareMismatch {
			m.audit(info.ID, db.LicenseEventHardwareMismatch,
				fmt.Sprintf("similarity score %.2f below threshold %.2f", m.hwScore, m.Config.SimilarityThresholdOrDefault()))
		}
		m.setState(StateHardwareMismatch)
		return nil
	}

	if m.onlineCheckDue(info, now, isStartup) {
		result, err := m.Client.Validate(ctx, info.LicenseKey, m.Hardware)
		switch {
		case errors.Is(err, ErrUnauthorized):
			m.audit(info.ID, db.LicenseEventOnlineFailed, err.Error())
			m.setState(StateRevoked)
			return nil
		case err != nil:
			return err
		case result.Reachable:
			return m.applyOnlineResult(info, result, now)
		default:
			return m.applyOfflineFallback(info, now)
		}
	}

	// no online check due: evaluate the local record
	if now.After(info.ExpiryDate) {
		m.setState(StateExpired)
		return nil
	}
	m.warnOnImminentExpiry(info, now)
	if info.Status == db.LicenseStatusRevoked {
		m.setState(StateRevoked)
	} else {
		m.setState(StateActive)
	}
	return nil
}

func (m *Manager) onlineCheckDue(info *db.LicenseInfo, now time.Time, isStartup bool) bool {
	if info.LastOnlineCheck == nil {
		return true
	}
	interval := m.Config.CheckIntervalFor(info.Tier)
	if isStartup && info.Tier == db.LicenseTierTrial {
		// trial installs always phone home on startup
		return true
	}
	return now.Sub(*info.LastOnlineCheck) >= interval
}

func (m *Manager) applyOnlineResult(info *db.LicenseInfo, result Result, now time.Time) error {
	info.Status = result.Status
	if result.Tier != "" {
		info.Tier = result.Tier
	}
	if !result.ExpiryDate.IsZero() {
		info.ExpiryDate = result.ExpiryDate
	}
	if result.TransferCount > 0 {
		info.TransferCount = result.TransferCount
	}
	info.LastOnlineCheck = &now
	graceUntil := now.Add(m.Config.OfflineGraceOrDefault())
	info.OfflineGraceUntil = &graceUntil

	_, err := m.DB.Update(info)
	if err != nil {
		return fmt.Errorf("while persisting validation result: %w", err)
	}
	m.audit(info.ID, db.LicenseEventValidate,
		fmt.Sprintf("registry reports status %q, tier %q", result.Status, info.Tier))

	switch result.Status {
	case db.LicenseStatusActive:
		if now.After(info.ExpiryDate) {
			m.setState(StateExpired)
			return nil
		}
		m.warnOnImminentExpiry(info, now)
		m.setState(StateActive)
	case db.LicenseStatusRevoked:
		m.audit(info.ID, db.LicenseEventRevokeObserved, result.ErrorMessage)
		m.setState(StateRevoked)
	case db.LicenseStatusExpired:
		m.setState(StateExpired)
	default:
		m.setState(StateUnactivated)
	}
	return nil
}

func (m *Manager) applyOfflineFallback(info *db.LicenseInfo, now time.Time) error {
	m.audit(info.ID, db.LicenseEventNetworkError, "registry not reachable during validation")

	if now.After(info.ExpiryDate) {
		m.setState(StateExpired)
		return nil
	}
	if info.OfflineGraceUntil != nil && !now.After(*info.OfflineGraceUntil) {
		if m.state != StateGraceOffline {
			m.audit(info.ID, db.LicenseEventOfflineGrace,
				fmt.Sprintf("operating offline, grace runs out at %s", info.OfflineGraceUntil.Format(time.RFC3339)))
		}
		m.setState(StateGraceOffline)
		return nil
	}
	// grace exhausted: the license cannot be confirmed anymore
	m.audit(info.ID, db.LicenseEventOnlineFailed, "offline grace period exceeded")
	m.setState(StateExpired)
	return nil
}

func (m *Manager) warnOnImminentExpiry(info *db.LicenseInfo, now time.Time) {
	daysLeft := int(info.ExpiryDate.Sub(now).Hours() / 24)
	if daysLeft >= 0 && daysLeft <= expiryWarningDays {
		logg.Info("license expires in %d days, contact %s to renew", daysLeft, m.supportContact())
		m.audit(info.ID, db.LicenseEventExpiryWarning, fmt.Sprintf("%d days remaining", daysLeft))
	}
}

// CheckInstantRevocation performs the lightweight pre-operation probe. It
// returns false only when the registry positively reports a revocation or the
// local state already forbids operation; an unreachable registry falls back
// to the local state.
func (m *Manager) CheckInstantRevocation(ctx context.Context) bool {
	m.mutex.RLock()
	info := m.info
	authorized := m.state.Authorized()
	m.mutex.RUnlock()

	if info == nil || !authorized {
		return authorized
	}

	// the registry round-trip runs without the lock, so that status reads and
	// concurrent operations stay responsive while the probe is in flight
	result, err := m.Client.CheckRevocation(ctx, info.LicenseKey, m.Hardware)
	if err != nil || !result.Reachable {
		return m.IsAuthorized()
	}
	if result.Status != db.LicenseStatusRevoked {
		return true
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.info != nil {
		m.info.Status = db.LicenseStatusRevoked
		_, updateErr := m.DB.Update(m.info)
		if updateErr != nil {
			logg.Error("while persisting observed revocation: %s", updateErr.Error())
		}
		m.audit(m.info.ID, db.LicenseEventRevokeObserved, "revocation observed during pre-operation check")
	}
	m.setState(StateRevoked)
	return false
}

// Activate performs first-time activation with the given license key.
// Activation strictly requires the registry to be reachable.
func (m *Manager) Activate(ctx context.Context, licenseKey string, user UserInfo) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result, err := m.Client.Activate(ctx, licenseKey, user, m.Hardware)
	if err != nil {
		return err
	}
	if !result.Reachable {
		return fmt.Errorf("activation requires a network connection to the license registry; if the problem persists, contact %s", m.supportContact())
	}
	if result.Status != db.LicenseStatusActive {
		return fmt.Errorf("license registry refused activation (status %q): %s", result.Status, result.ErrorMessage)
	}

	now := m.TimeNow()
	expiry := result.ExpiryDate
	if expiry.IsZero() {
		expiry = now.Add(m.Config.ExpiryPeriodFor(result.Tier))
	}
	graceUntil := now.Add(m.Config.OfflineGraceOrDefault())
	info := db.LicenseInfo{
		LicenseKey:        licenseKey,
		Tier:              result.Tier,
		Status:            db.LicenseStatusActive,
		ExpiryDate:        expiry,
		HW1:               m.Hardware.Motherboard,
		HW2:               m.Hardware.CPU,
		HW3:               m.Hardware.MAC,
		LastOnlineCheck:   &now,
		OfflineGraceUntil: &graceUntil,
		TransferCount:     result.TransferCount,
		ActivatedAt:       now,
	}

	existing, err := m.loadInfo()
	if err != nil {
		return err
	}
	if existing != nil {
		info.ID = existing.ID
		_, err = m.DB.Update(&info)
	} else {
		err = m.DB.Insert(&info)
	}
	if err != nil {
		return fmt.Errorf("while persisting activation: %w", err)
	}

	m.info = &info
	m.hwScore = 1
	m.audit(info.ID, db.LicenseEventActivate,
		fmt.Sprintf("activated tier %q for %s, expires %s", info.Tier, user.Email, expiry.Format("2006-01-02")))
	m.setState(StateActive)
	return nil
}

// TransferLimitError is returned by RequestTransfer when the quota is used up.
type TransferLimitError struct {
	MaxTransfers   int
	SupportContact string
}

// Error implements the builtin error interface.
func (e TransferLimitError) Error() string {
	return fmt.Sprintf("the hardware transfer limit of %d has been reached; contact %s to reset it", e.MaxTransfers, e.SupportContact)
}

// RequestTransfer rebinds the license to this host's hardware. The transfer
// quota is checked locally before any network traffic happens.
func (m *Manager) RequestTransfer(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.info == nil {
		return errors.New("no license is activated on this installation")
	}
	maxTransfers := m.Config.MaxTransfersOrDefault()
	if m.info.TransferCount >= maxTransfers {
		m.audit(m.info.ID, db.LicenseEventTransferLimit,
			fmt.Sprintf("transfer refused, quota of %d exhausted", maxTransfers))
		return TransferLimitError{MaxTransfers: maxTransfers, SupportContact: m.supportContact()}
	}

	result, err := m.Client.Transfer(ctx, m.info.LicenseKey, m.Hardware)
	if err != nil {
		return err
	}
	if !result.Reachable {
		return fmt.Errorf("a hardware transfer requires a network connection to the license registry; if the problem persists, contact %s", m.supportContact())
	}
	if result.Status != db.LicenseStatusActive {
		return fmt.Errorf("license registry refused the transfer (status %q): %s", result.Status, result.ErrorMessage)
	}

	now := m.TimeNow()
	m.info.HW1 = m.Hardware.Motherboard
	m.info.HW2 = m.Hardware.CPU
	m.info.HW3 = m.Hardware.MAC
	if result.TransferCount > 0 {
		m.info.TransferCount = result.TransferCount
	} else {
		m.info.TransferCount++
	}
	m.info.LastOnlineCheck = &now
	if !result.ExpiryDate.IsZero() {
		m.info.ExpiryDate = result.ExpiryDate
	}
	_, err = m.DB.Update(m.info)
	if err != nil {
		return fmt.Errorf("while persisting transfer: %w", err)
	}

	m.hwScore = 1
	m.audit(m.info.ID, db.LicenseEventTransfer,
		fmt.Sprintf("license rebound to new hardware, %d of %d transfers used", m.info.TransferCount, maxTransfers))
	m.setState(StateActive)
	return nil
}

// HasFeature reports whether the current tier enables the named feature. An
// unauthorized license has no features at all.
func (m *Manager) HasFeature(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.info == nil || !m.state.Authorized() {
		return false
	}
	value, ok := m.Config.TierFeatures[m.info.Tier][name]
	return ok && value.Enabled
}

// FeatureLimit returns the numeric limit of the named feature for the current
// tier. ok is false when the feature is absent or not numeric.
func (m *Manager) FeatureLimit(name string) (limit float64, ok bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.info == nil || !m.state.Authorized() {
		return 0, false
	}
	value, ok := m.Config.TierFeatures[m.info.Tier][name]
	if !ok || value.Limit == 0 {
		return 0, false
	}
	return value.Limit, true
}

// AuthDeniedError explains why an operation was refused and how to resolve it.
type AuthDeniedError struct {
	State          State
	SupportContact string
}

// Error implements the builtin error interface.
func (e AuthDeniedError) Error() string {
	var reason string
	switch e.State {
	case StateUnactivated:
		reason = "no license has been activated"
	case StateExpired:
		reason = "the license has expired"
	case StateRevoked:
		reason = "the license has been revoked"
	case StateHardwareMismatch:
		reason = "the license is bound to different hardware"
	default:
		reason = fmt.Sprintf("license state is %q", e.State)
	}
	return fmt.Sprintf("%s; contact %s", reason, e.SupportContact)
}

// DenialError builds the error that operations return when the license does
// not permit them.
func (m *Manager) DenialError() error {
	return AuthDeniedError{State: m.State(), SupportContact: m.supportContact()}
}

// ReportMonthlyUsage submits anonymized usage statistics to the registry.
// A failed submission is logged and dropped.
func (m *Manager) ReportMonthlyUsage(ctx context.Context, report UsageReport) {
	m.mutex.RLock()
	info := m.info
	m.mutex.RUnlock()
	if info == nil {
		return
	}
	_, err := m.Client.ReportUsage(ctx, info.LicenseKey, m.Hardware, report)
	if err != nil {
		logg.Error("while submitting usage report for %s: %s", report.Month, err.Error())
	}
}

func (m *Manager) loadInfo() (*db.LicenseInfo, error) {
	var info db.LicenseInfo
	err := m.DB.SelectOne(&info, `SELECT * FROM license_info ORDER BY id LIMIT 1`)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("while loading license info: %w", err)
	}
	return &info, nil
}

func (m *Manager) setState(next State) {
	if m.state == next {
		return
	}
	change := StateChange{From: m.state, To: next, At: m.TimeNow()}
	m.state = next
	logg.Info("license state changed from %q to %q", change.From, change.To)
	select {
	case m.stateChanges <- change:
	default:
		// a full channel must not block revalidation
	}
}

func (m *Manager) audit(licenseID int64, eventType db.LicenseEventType, details string) {
	err := m.DB.Insert(&db.LicenseAuditLog{
		LicenseID:    licenseID,
		EventType:    eventType,
		EventDetails: details,
		CreatedAt:    m.TimeNow(),
	})
	if err != nil {
		logg.Error("while writing license audit log entry %q: %s", string(eventType), err.Error())
	}
}

func (m *Manager) supportContact() string {
	email := m.Config.SupportEmail
	if email == "" {
		email = "your support contact"
	}
	if m.Config.SupportPhone != "" {
		return fmt.Sprintf("%s (phone %s)", email, m.Config.SupportPhone)
	}
	return email
}
