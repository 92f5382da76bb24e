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

// Package calibmatch is the calibration matcher: for every light frame it
// selects a unique bias/dark/flat master under strict equality plus a
// layered date-proximity policy, and aggregates matched lights into
// calibration plan groups.
package calibmatch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/perrors"
)

// Skipped records a light that could not be matched, with a human reason.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// PlanGroup is one composite-key bucket of matched lights and their chosen
// masters, carrying the light params the group was keyed on so downstream
// stages (selection, registration) don't need to re-derive them.
type PlanGroup struct {
	Setup        frame.Setup `json:"setup"`
	Object       string      `json:"object"`
	Filter       string      `json:"filter,omitempty"`
	BayerPattern string      `json:"bayerPattern,omitempty"`
	IsCFA        bool        `json:"isCFA"`
	Binning      string      `json:"binning"`
	Exposure     float64     `json:"exposure"`

	BiasPath string   `json:"bias,omitempty"`
	DarkPath string   `json:"dark,omitempty"`
	FlatPath string   `json:"flat,omitempty"`
	Lights   []string `json:"lights"`
}

// AcquisitionKey returns the selector's grouping key:
// setup|object|filter|binning|exposure.
func (g *PlanGroup) AcquisitionKey() string {
	filt := g.Filter
	if filt == "" {
		filt = "NONE"
	}
	return fmt.Sprintf("%s|%s|%s|%s|%g", g.Setup.Key(), g.Object, filt, g.Binning, g.Exposure)
}

// Plan is the matcher's output, serialized as the on-disk calibration
// plan JSON.
type Plan struct {
	GeneratedUTC string                `json:"generatedUTC"`
	Groups       map[string]*PlanGroup `json:"groups"`
	Skipped      []Skipped             `json:"skipped"`
}

// Masters is the candidate pool the matcher selects from, one slice per kind.
type Masters struct {
	Bias []*frame.Frame
	Dark []*frame.Frame
	Flat []*frame.Frame
}

// Options configures matcher behavior; UseBias off skips bias matching
// entirely.
type Options struct {
	UseBias bool
}

// Build matches every light against the master pool and aggregates matched
// lights into composite-key groups.
func Build(lights []*frame.Frame, masters Masters, opts Options, nowFn func() string) *Plan {
	plan := &Plan{Groups: make(map[string]*PlanGroup)}
	if nowFn != nil {
		plan.GeneratedUTC = nowFn()
	}

	for _, light := range lights {
		var bias, dark, flat *frame.Frame
		var reason string

		if opts.UseBias {
			bias = matchBias(light, masters.Bias)
			if bias == nil {
				reason = "no eligible bias master"
			}
		}
		if reason == "" {
			dark = matchDark(light, masters.Dark)
			if dark == nil {
				reason = "no eligible dark master"
			}
		}
		if reason == "" {
			flat = matchFlat(light, masters.Flat)
			if flat == nil {
				reason = "no eligible flat master"
			}
		}
		if reason != "" {
			plan.Skipped = append(plan.Skipped, Skipped{Path: light.Path, Reason: reason})
			continue
		}

		key := compositeKey(light, bias, dark, flat)
		g, ok := plan.Groups[key]
		if !ok {
			g = &PlanGroup{
				Setup:        light.Setup,
				Object:       light.Object,
				Filter:       light.Filter,
				BayerPattern: light.BayerPattern,
				IsCFA:        light.IsCFA(),
				Binning:      light.Binning,
				Exposure:     floatOr(light.Exposure),
			}
			if bias != nil {
				g.BiasPath = bias.Path
			}
			g.DarkPath = dark.Path
			g.FlatPath = flat.Path
			plan.Groups[key] = g
		}
		g.Lights = append(g.Lights, light.Path)
	}

	for _, g := range plan.Groups {
		sort.Strings(g.Lights)
	}
	return plan
}

func compositeKey(light, bias, dark, flat *frame.Frame) string {
	biasPath := ""
	if bias != nil {
		biasPath = bias.Path
	}
	return fmt.Sprintf("%s|%s|%s|%s|%v|%v|%v|%s|%v|%v|%s|%s|%s",
		light.Setup.Key(), light.Object, light.Filter, light.Readout,
		intOrNeg(light.Gain), intOrNeg(light.Offset), intOrNeg(light.USB),
		light.Binning, intOrNeg(light.SetTempC), floatOr(light.Exposure),
		biasPath, dark.Path, flat.Path)
}

func intOrNeg(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func floatOr(p *float64) float64 {
	if p == nil {
		return -1
	}
	return *p
}

func sensorEqual(light, master *frame.Frame) bool {
	return light.Setup == master.Setup &&
		light.Readout == master.Readout &&
		intOrNeg(light.Gain) == intOrNeg(master.Gain) &&
		intOrNeg(light.Offset) == intOrNeg(master.Offset) &&
		intOrNeg(light.USB) == intOrNeg(master.USB) &&
		light.Binning == master.Binning &&
		tempEqual(light.SetTempC, master.SetTempC)
}

// tempEqual compares set-point temperature rounded to 0.1C.
func tempEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func matchBias(light *frame.Frame, candidates []*frame.Frame) *frame.Frame {
	var eligible []*frame.Frame
	for _, m := range candidates {
		if sensorEqual(light, m) {
			eligible = append(eligible, m)
		}
	}
	return pickByDatePolicy(light, eligible)
}

func matchDark(light *frame.Frame, candidates []*frame.Frame) *frame.Frame {
	var eligible []*frame.Frame
	for _, m := range candidates {
		if sensorEqual(light, m) && floatOr(light.Exposure) == floatOr(m.Exposure) {
			eligible = append(eligible, m)
		}
	}
	return pickByDatePolicy(light, eligible)
}

// pickByDatePolicy implements the bias/dark date policy: closest-past
// non-negative days, tie-break more recent; else nearest future by absolute delta.
func pickByDatePolicy(light *frame.Frame, eligible []*frame.Frame) *frame.Frame {
	if len(eligible) == 0 {
		return nil
	}
	lightDate, _ := time.Parse("2006-01-02", light.Date)

	var bestPast *frame.Frame
	var bestPastDelta time.Duration
	var bestFuture *frame.Frame
	var bestFutureDelta time.Duration

	for _, m := range eligible {
		mDate, _ := time.Parse("2006-01-02", m.Date)
		delta := lightDate.Sub(mDate)
		if delta >= 0 {
			if bestPast == nil || delta < bestPastDelta || (delta == bestPastDelta && mDate.After(mustParse(bestPast.Date))) {
				bestPast, bestPastDelta = m, delta
			}
		} else {
			absDelta := -delta
			if bestFuture == nil || absDelta < bestFutureDelta {
				bestFuture, bestFutureDelta = m, absDelta
			}
		}
	}
	if bestPast != nil {
		return bestPast
	}
	return bestFuture
}

func mustParse(date string) time.Time {
	t, _ := time.Parse("2006-01-02", date)
	return t
}

// matchFlat implements the flat matcher: equality on (setup, binning) plus
// filter-or-Bayer per the light's CFA/mono-ness, then the three-tier date
// policy.
func matchFlat(light *frame.Frame, candidates []*frame.Frame) *frame.Frame {
	var eligible []*frame.Frame
	for _, m := range candidates {
		if light.Setup != m.Setup || light.Binning != m.Binning {
			continue
		}
		if light.IsCFA() != m.IsCFA() {
			continue // CFA/mono mismatch
		}
		if light.IsCFA() {
			if light.BayerPattern != m.BayerPattern {
				continue
			}
		} else if light.Filter != m.Filter {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return nil
	}

	lightTime, _ := time.Parse("2006-01-02T15:04:05", light.Timestamp)

	var within3d []*frame.Frame
	for _, m := range eligible {
		mTime, _ := time.Parse("2006-01-02T15:04:05", m.Timestamp)
		delta := mTime.Sub(lightTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= 3*24*time.Hour {
			within3d = append(within3d, m)
		}
	}
	if len(within3d) > 0 {
		return pickMinAbsDeltaPreferPastPreferRecent(light, within3d)
	}

	// (b) latest flat strictly before the light.
	var latestPast *frame.Frame
	var latestPastTime time.Time
	for _, m := range eligible {
		mTime, _ := time.Parse("2006-01-02T15:04:05", m.Timestamp)
		if mTime.Before(lightTime) {
			if latestPast == nil || mTime.After(latestPastTime) {
				latestPast, latestPastTime = m, mTime
			}
		}
	}
	if latestPast != nil {
		return latestPast
	}

	// (c) nearest future flat.
	var nearestFuture *frame.Frame
	var nearestDelta time.Duration
	for _, m := range eligible {
		mTime, _ := time.Parse("2006-01-02T15:04:05", m.Timestamp)
		delta := mTime.Sub(lightTime)
		if delta < 0 {
			continue
		}
		if nearestFuture == nil || delta < nearestDelta {
			nearestFuture, nearestDelta = m, delta
		}
	}
	return nearestFuture
}

func pickMinAbsDeltaPreferPastPreferRecent(light *frame.Frame, candidates []*frame.Frame) *frame.Frame {
	lightTime, _ := time.Parse("2006-01-02T15:04:05", light.Timestamp)
	var best *frame.Frame
	var bestAbs time.Duration
	var bestTime time.Time
	for _, m := range candidates {
		mTime, _ := time.Parse("2006-01-02T15:04:05", m.Timestamp)
		delta := mTime.Sub(lightTime)
		abs := delta
		if abs < 0 {
			abs = -abs
		}
		if best == nil {
			best, bestAbs, bestTime = m, abs, mTime
			continue
		}
		if abs < bestAbs {
			best, bestAbs, bestTime = m, abs, mTime
			continue
		}
		if abs == bestAbs {
			bestIsPast := !bestTime.After(lightTime)
			mIsPast := !mTime.After(lightTime)
			if mIsPast && !bestIsPast {
				best, bestAbs, bestTime = m, abs, mTime
				continue
			}
			if mIsPast == bestIsPast && mTime.After(bestTime) {
				best, bestAbs, bestTime = m, abs, mTime
			}
		}
	}
	return best
}

// Save persists the plan as JSON.
func Save(plan *Plan, path string) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return perrors.Wrap(perrors.PlanError, err, "marshaling calibration plan")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return perrors.Wrap(perrors.PlanError, err, fmt.Sprintf("writing calibration plan to %s", path))
	}
	return nil
}
