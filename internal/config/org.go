package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// GateMode is the claims-gate enforcement mode for authorization matching.
type GateMode string

const (
	GateDisabled GateMode = "disabled"
	GateWarn     GateMode = "warn"
	GateStrict   GateMode = "strict"
)

// RoundingMode selects how visit durations snap to the rounding interval.
type RoundingMode string

const (
	RoundNearest RoundingMode = "nearest"
	RoundUp      RoundingMode = "up"
	RoundDown    RoundingMode = "down"
)

// OrgRules are the per-organization EVV business rules. They are resolved
// once per organization per job run from DefaultOrgRules, the organization's
// stored settings JSON and the optional overrides file.
type OrgRules struct {
	GeofenceRadiusMeters      float64      `json:"geofence_radius_meters" yaml:"geofence_radius_meters" mapstructure:"geofence_radius_meters"`
	GPSAccuracyWarnMeters     float64      `json:"gps_accuracy_warn_meters" yaml:"gps_accuracy_warn_meters" mapstructure:"gps_accuracy_warn_meters"`
	ClockInToleranceMinutes   int          `json:"clock_in_tolerance_minutes" yaml:"clock_in_tolerance_minutes" mapstructure:"clock_in_tolerance_minutes"`
	DurationVarianceMinutes   int          `json:"duration_variance_minutes" yaml:"duration_variance_minutes" mapstructure:"duration_variance_minutes"`
	RoundingIntervalMinutes   int          `json:"rounding_interval_minutes" yaml:"rounding_interval_minutes" mapstructure:"rounding_interval_minutes"`
	RoundingMode              RoundingMode `json:"rounding_mode" yaml:"rounding_mode" mapstructure:"rounding_mode"`
	MaxRetryAttempts          int          `json:"max_retry_attempts" yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	RetryDelaySecs            int          `json:"retry_delay_secs" yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	ClaimsGateMode            GateMode     `json:"claims_gate_mode" yaml:"claims_gate_mode" mapstructure:"claims_gate_mode"`
	RequireAuthorizationMatch bool         `json:"require_authorization_match" yaml:"require_authorization_match" mapstructure:"require_authorization_match"`
	BlockOverAuthorization    bool         `json:"block_over_authorization" yaml:"block_over_authorization" mapstructure:"block_over_authorization"`
	Timezone                  string       `json:"timezone" yaml:"timezone" mapstructure:"timezone"`
}

// DefaultOrgRules returns the rules applied when an organization sets nothing.
func DefaultOrgRules() OrgRules {
	return OrgRules{
		GeofenceRadiusMeters:      200,
		GPSAccuracyWarnMeters:     100,
		ClockInToleranceMinutes:   15,
		DurationVarianceMinutes:   30,
		RoundingIntervalMinutes:   6,
		RoundingMode:              RoundNearest,
		MaxRetryAttempts:          5,
		RetryDelaySecs:            300,
		ClaimsGateMode:            GateWarn,
		RequireAuthorizationMatch: true,
		BlockOverAuthorization:    true,
		Timezone:                  "UTC",
	}
}

// Validate rejects rule sets the pipeline cannot run with.
func (r OrgRules) Validate() error {
	switch r.ClaimsGateMode {
	case GateDisabled, GateWarn, GateStrict:
	default:
		return eris.Errorf("config: unknown claims gate mode %q", r.ClaimsGateMode)
	}
	switch r.RoundingMode {
	case RoundNearest, RoundUp, RoundDown:
	default:
		return eris.Errorf("config: unknown rounding mode %q", r.RoundingMode)
	}
	if r.GeofenceRadiusMeters <= 0 {
		return eris.New("config: geofence radius must be positive")
	}
	if r.RoundingIntervalMinutes <= 0 {
		return eris.New("config: rounding interval must be positive")
	}
	if r.MaxRetryAttempts < 0 {
		return eris.New("config: max retry attempts must not be negative")
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return eris.Wrapf(err, "config: timezone %q", r.Timezone)
	}
	return nil
}

// Location returns the organization's time zone, falling back to UTC.
func (r OrgRules) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ClockInTolerance is ClockInToleranceMinutes as a duration.
func (r OrgRules) ClockInTolerance() time.Duration {
	return time.Duration(r.ClockInToleranceMinutes) * time.Minute
}

// DurationVariance is DurationVarianceMinutes as a duration.
func (r OrgRules) DurationVariance() time.Duration {
	return time.Duration(r.DurationVarianceMinutes) * time.Minute
}

// RoundingInterval is RoundingIntervalMinutes as a duration.
func (r OrgRules) RoundingInterval() time.Duration {
	return time.Duration(r.RoundingIntervalMinutes) * time.Minute
}

// OrgOverrides holds per-organization rule overrides keyed by organization ID.
type OrgOverrides map[string]yaml.Node

// LoadOrgOverrides reads an overrides file of the form:
//
//	org-123:
//	  claims_gate_mode: strict
//	  geofence_radius_meters: 300
//
// An empty path yields no overrides.
func LoadOrgOverrides(path string) (OrgOverrides, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read orgs file %s", path)
	}
	var out OrgOverrides
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrapf(err, "config: parse orgs file %s", path)
	}
	return out, nil
}

// ResolveOrgRules layers the organization's stored settings JSON and any file
// override for orgID on top of base. Keys absent from a layer keep the value
// from the layer below; unknown keys are ignored.
func ResolveOrgRules(base OrgRules, settings []byte, overrides OrgOverrides, orgID string) (OrgRules, error) {
	rules := base
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &rules); err != nil {
			return base, eris.Wrapf(err, "config: decode settings for org %s", orgID)
		}
	}
	if node, ok := overrides[orgID]; ok {
		if err := node.Decode(&rules); err != nil {
			return base, eris.Wrapf(err, "config: decode overrides for org %s", orgID)
		}
	}
	if err := rules.Validate(); err != nil {
		return base, eris.Wrapf(err, "config: org %s", orgID)
	}
	return rules, nil
}
