// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"os"
	"time"

	"github.com/sapcc/go-bits/errext"
	yaml "gopkg.in/yaml.v2"

	"github.com/sapcc/waterbalance/internal/db"
)

// SiteConfiguration contains all configuration for one mine site. It is
// instantiated from YAML during the startup phase and treated as immutable
// afterwards.
type SiteConfiguration struct {
	SiteName  string                 `yaml:"site_name"`
	Features  FeatureConfiguration   `yaml:"features"`
	Licensing LicensingConfiguration `yaml:"licensing"`
	Collector CollectorConfiguration `yaml:"collector"`
	API       APIConfiguration       `yaml:"api"`
}

// FeatureConfiguration contains the feature flags for the pump transfer
// automation.
type FeatureConfiguration struct {
	AutoApplyPumpTransfers bool `yaml:"auto_apply_pump_transfers"`
	// Scope is either "global" or "pilot-area".
	AutoApplyScope string `yaml:"auto_apply_pump_transfers_scope"`
	// PilotAreas lists the area codes that automatic application is
	// restricted to when Scope is "pilot-area".
	AutoApplyPilotAreas []string `yaml:"auto_apply_pump_transfers_pilot_areas"`
}

// IsPilotArea reports whether automatic transfer application is allowed for
// facilities in the given area under the current scope configuration.
func (f FeatureConfiguration) IsPilotArea(areaCode string) bool {
	if f.AutoApplyScope != "pilot-area" {
		return true
	}
	for _, area := range f.AutoApplyPilotAreas {
		if area == areaCode {
			return true
		}
	}
	return false
}

// LicensingConfiguration contains the configuration for the license manager
// and the license validation client.
type LicensingConfiguration struct {
	WebhookURL     string `yaml:"webhook_url"`
	APIKey         string `yaml:"api_key"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds

	MaxTransfers                int     `yaml:"max_transfers"`
	OfflineGraceDays            int     `yaml:"offline_grace_days"`
	HardwareSimilarityThreshold float64 `yaml:"hardware_similarity_threshold"`

	// CheckIntervals maps tier name to revalidation cadence in hours.
	CheckIntervals map[db.LicenseTier]int `yaml:"check_intervals"`
	// MinCheckInterval bounds the fastest background tick, in hours.
	MinCheckInterval int `yaml:"min_check_interval"`

	// TierFeatures maps tier name to a feature map. Feature values are either
	// booleans or numeric limits.
	TierFeatures map[db.LicenseTier]map[string]FeatureValue `yaml:"tier_features"`

	SupportEmail string `yaml:"support_email"`
	SupportPhone string `yaml:"support_phone"`
}

// FeatureValue is a bool or a numeric limit in the tier feature map.
type FeatureValue struct {
	Enabled bool
	Limit   float64
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (v *FeatureValue) UnmarshalYAML(unmarshal func(any) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		*v = FeatureValue{Enabled: b}
		return nil
	}
	var f float64
	err := unmarshal(&f)
	if err != nil {
		return err
	}
	*v = FeatureValue{Enabled: f > 0, Limit: f}
	return nil
}

// RequestTimeoutOrDefault returns the license client timeout.
func (l LicensingConfiguration) RequestTimeoutOrDefault() time.Duration {
	if l.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(l.RequestTimeout) * time.Second
}

// MaxTransfersOrDefault returns the transfer quota.
func (l LicensingConfiguration) MaxTransfersOrDefault() int {
	if l.MaxTransfers <= 0 {
		return 3
	}
	return l.MaxTransfers
}

// OfflineGraceOrDefault returns the offline grace period.
func (l LicensingConfiguration) OfflineGraceOrDefault() time.Duration {
	days := l.OfflineGraceDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// SimilarityThresholdOrDefault returns the hardware similarity threshold.
func (l LicensingConfiguration) SimilarityThresholdOrDefault() float64 {
	if l.HardwareSimilarityThreshold <= 0 {
		return 0.60
	}
	return l.HardwareSimilarityThreshold
}

// CheckIntervalFor returns the background revalidation cadence for the given
// tier, bounded below by MinCheckInterval.
func (l LicensingConfiguration) CheckIntervalFor(tier db.LicenseTier) time.Duration {
	hours, ok := l.CheckIntervals[tier]
	if !ok {
		switch tier {
		case db.LicenseTierTrial:
			hours = 1
		case db.LicenseTierPremium:
			hours = 168
		default:
			hours = 24
		}
	}
	minHours := l.MinCheckInterval
	if minHours <= 0 {
		minHours = 1
	}
	if hours < minHours {
		hours = minHours
	}
	return time.Duration(hours) * time.Hour
}

// ExpiryPeriodFor returns the license validity period that an activation of
// the given tier grants.
func (l LicensingConfiguration) ExpiryPeriodFor(tier db.LicenseTier) time.Duration {
	switch tier {
	case db.LicenseTierTrial:
		return 30 * 24 * time.Hour
	case db.LicenseTierPremium:
		return 730 * 24 * time.Hour
	default:
		return 365 * 24 * time.Hour
	}
}

// CollectorConfiguration contains the configuration for the background jobs.
type CollectorConfiguration struct {
	MetricsListenAddress string `yaml:"metrics_listen_address"`
	// RecalculationIntervalHours is the cadence of the automatic monthly
	// balance recomputation. Zero disables the job.
	RecalculationIntervalHours int `yaml:"recalculation_interval_hours"`
}

// RecalculationInterval returns the cadence of the calculation cron job.
func (c CollectorConfiguration) RecalculationInterval() time.Duration {
	if c.RecalculationIntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.RecalculationIntervalHours) * time.Hour
}

// APIConfiguration contains the configuration for the HTTP API.
type APIConfiguration struct {
	ListenAddress string `yaml:"listen_address"`
}

// NewConfiguration reads and validates the configuration in the given YAML file.
func NewConfiguration(path string) (cfg SiteConfiguration, errs errext.ErrorSet) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		errs.Addf("read configuration file: %s", err.Error())
		return
	}
	return NewConfigurationFromYAML(configBytes)
}

// NewConfigurationFromYAML reads and validates the configuration in the given
// YAML document.
func NewConfigurationFromYAML(configBytes []byte) (cfg SiteConfiguration, errs errext.ErrorSet) {
	err := yaml.UnmarshalStrict(configBytes, &cfg)
	if err != nil {
		errs.Addf("parse configuration: %s", err.Error())
		return
	}

	switch cfg.Features.AutoApplyScope {
	case "", "global", "pilot-area":
		// acceptable
	default:
		errs.Addf(`features.auto_apply_pump_transfers_scope must be "global" or "pilot-area", got %q`, cfg.Features.AutoApplyScope)
	}
	if cfg.Features.AutoApplyScope == "pilot-area" && len(cfg.Features.AutoApplyPilotAreas) == 0 {
		errs.Addf("features.auto_apply_pump_transfers_pilot_areas must not be empty in pilot-area scope")
	}
	if cfg.Licensing.WebhookURL == "" {
		errs.Addf("licensing.webhook_url is missing")
	}
	if cfg.Licensing.APIKey == "" {
		errs.Addf("licensing.api_key is missing")
	}
	if t := cfg.Licensing.HardwareSimilarityThreshold; t < 0 || t > 1 {
		errs.Addf("licensing.hardware_similarity_threshold must be within [0..1], got %g", t)
	}
	return
}
