// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds the orchestrator's run configuration. The struct is
// flat rather than nested, since every field here is a single top-level
// CLI knob.
package config

import "github.com/mlnoga/astroplan/internal/perrors"

// Config enumerates every input of a run.
type Config struct {
	RawCalibrationsRoot string `json:"rawCalibrationsRoot"`
	LightsRoot          string `json:"lightsRoot"`
	MastersRoot         string `json:"mastersRoot"`
	WorkspaceRoot       string `json:"workspaceRoot"`

	UseBias       bool `json:"useBias"`
	AutoReference bool `json:"autoReference"` // true: TOP-1, false: TOP-5

	PlateScale float64 `json:"plateScale"` // arcsec/px
	CameraGain float64 `json:"cameraGain"` // e-/ADU

	FWHMLow    float64 `json:"fwhmLow"`
	FWHMHigh   float64 `json:"fwhmHigh"`
	PSFDivisor float64 `json:"psfDivisor"`

	DrizzleScale int `json:"drizzleScale"` // 1, 2, or 3

	NotificationEndpoint string `json:"notificationEndpoint,omitempty"`

	// DryRun runs indexing through registration planning without invoking
	// the IPE or writing workspace artifacts.
	DryRun bool `json:"dryRun"`

	// HaltOnUnmatchedLight configures whether an unmatched light halts the
	// run instead of being skipped and logged.
	HaltOnUnmatchedLight bool `json:"haltOnUnmatchedLight"`
}

// TopN returns 1 when auto-reference is enabled, else 5.
func (c Config) TopN() int {
	if c.AutoReference {
		return 1
	}
	return 5
}

// Validate checks the fields the orchestrator cannot safely default.
func (c Config) Validate() error {
	if c.RawCalibrationsRoot == "" {
		return perrors.New(perrors.ConfigError, "rawCalibrationsRoot is required")
	}
	if c.LightsRoot == "" {
		return perrors.New(perrors.ConfigError, "lightsRoot is required")
	}
	if c.WorkspaceRoot == "" {
		return perrors.New(perrors.ConfigError, "workspaceRoot is required")
	}
	if c.PlateScale <= 0 {
		return perrors.New(perrors.ConfigError, "plateScale must be positive")
	}
	if c.FWHMLow <= 0 || c.FWHMHigh <= c.FWHMLow {
		return perrors.New(perrors.ConfigError, "fwhmLow must be positive and less than fwhmHigh")
	}
	if c.DrizzleScale != 1 && c.DrizzleScale != 2 && c.DrizzleScale != 3 {
		return perrors.New(perrors.ConfigError, "drizzleScale must be 1, 2, or 3")
	}
	return nil
}
