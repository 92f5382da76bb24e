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

// Package planner is the master builder planner: it partitions a raw
// calibration index into equivalence-keyed, temporally-bucketed groups,
// enforces the minimum-count threshold, matches flats to dark-flats, and
// emits IPE integration jobs plus the master's on-disk path.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/perrors"
	"github.com/mlnoga/astroplan/internal/workspace"
)

const minGroupSize = 30

const (
	darkSpan = 7 * 24 * time.Hour
	flatSpan = 3 * time.Hour
)

// Group is a committed, temporally-bucketed set of raw calibration frames
// sharing one equivalence key.
type Group struct {
	Kind       frame.Kind
	Key        string
	Setup      frame.Setup
	Filter     string // flats/dark-flats only
	Binning    string
	Readout    string
	Gain       int
	Offset     int
	USB        int
	SetTempC   int
	Exposure   float64 // darks/dark-flats
	Frames     []*frame.Frame
	EarliestDate string // YYYY-MM-DD, from the group's earliest frame

	// DarkFlatMaster is set on Flat groups once the dark-flat matcher finds one.
	DarkFlatMaster *Group
	RawFallback    bool // true when a Flat group found no eligible dark-flat
}

// Dropped records a sub-bucket that did not reach minGroupSize.
type Dropped struct {
	Kind  frame.Kind
	Key   string
	Count int
}

// Plan is the planner's output: committed groups ready for IPE integration, plus
// what got dropped for visibility in the run summary.
type Plan struct {
	DarkGroups     []*Group
	DarkFlatGroups []*Group
	FlatGroups     []*Group
	Dropped        []Dropped
}

// Build partitions raw calibration frames and produces the committed Plan.
func Build(frames []*frame.Frame) (*Plan, error) {
	var bias, darks, darkFlats, flats []*frame.Frame
	for _, f := range frames {
		switch f.Kind {
		case frame.KindBias:
			bias = append(bias, f)
		case frame.KindDark:
			if f.Filter == "" && !f.IsCFA() {
				darks = append(darks, f)
			} else {
				darkFlats = append(darkFlats, f)
			}
		case frame.KindDarkFlat:
			darkFlats = append(darkFlats, f)
		case frame.KindFlat:
			flats = append(flats, f)
		}
	}

	p := &Plan{}

	biasGroups, dropped := bucketAndCommit(bias, frame.KindBias, darkSpan, keyDarkOrBias)
	p.Dropped = append(p.Dropped, dropped...)
	p.DarkGroups = append(p.DarkGroups, biasGroups...)

	darkGroups, dropped := bucketAndCommit(darks, frame.KindDark, darkSpan, keyDarkOrBias)
	p.Dropped = append(p.Dropped, dropped...)
	p.DarkGroups = append(p.DarkGroups, darkGroups...)

	dfGroups, dropped := bucketAndCommit(darkFlats, frame.KindDarkFlat, flatSpan, keyDarkOrBias)
	p.Dropped = append(p.Dropped, dropped...)
	p.DarkFlatGroups = dfGroups

	flatGroups, dropped := bucketAndCommit(flats, frame.KindFlat, flatSpan, keyFlat)
	p.Dropped = append(p.Dropped, dropped...)
	p.FlatGroups = flatGroups

	for _, fg := range p.FlatGroups {
		matchDarkFlat(fg, p.DarkFlatGroups)
	}

	return p, nil
}

func keyDarkOrBias(f *frame.Frame) string {
	if f.Kind == frame.KindBias {
		return fmt.Sprintf("%s|%s|%v|%v|%v|%s|%v", f.Setup.Key(), f.Readout, intOrNeg(f.Gain), intOrNeg(f.Offset), intOrNeg(f.USB), f.Binning, intOrNeg(f.SetTempC))
	}
	return fmt.Sprintf("%s|%s|%v|%v|%v|%s|%v|%v", f.Setup.Key(), f.Readout, intOrNeg(f.Gain), intOrNeg(f.Offset), intOrNeg(f.USB), f.Binning, intOrNeg(f.SetTempC), floatOr(f.Exposure))
}

func keyFlat(f *frame.Frame) string {
	band := f.Filter
	if f.IsCFA() {
		band = f.BayerPattern
	}
	return fmt.Sprintf("%s|%s|%s", f.Setup.Key(), f.Binning, band)
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

// bucketAndCommit groups frames by equivalence key, splits each key's
// frames into contiguous temporal sub-buckets, and commits those with
// at least minGroupSize frames.
func bucketAndCommit(frames []*frame.Frame, kind frame.Kind, span time.Duration, keyFn func(*frame.Frame) string) ([]*Group, []Dropped) {
	byKey := make(map[string][]*frame.Frame)
	for _, f := range frames {
		byKey[keyFn(f)] = append(byKey[keyFn(f)], f)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var groups []*Group
	var dropped []Dropped
	for _, key := range keys {
		bucket := byKey[key]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Timestamp < bucket[j].Timestamp })

		subBuckets := splitByGap(bucket, span, kind)
		for _, sb := range subBuckets {
			if len(sb) < minGroupSize {
				dropped = append(dropped, Dropped{Kind: kind, Key: key, Count: len(sb)})
				continue
			}
			groups = append(groups, newGroup(kind, key, sb))
		}
	}
	return groups, dropped
}

// splitByGap breaks a time-sorted bucket wherever the gap between adjacent
// frames exceeds span, producing maximal runs where every adjacent pair is
// within span.
func splitByGap(sorted []*frame.Frame, span time.Duration, kind frame.Kind) [][]*frame.Frame {
	if len(sorted) == 0 {
		return nil
	}
	var result [][]*frame.Frame
	current := []*frame.Frame{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		gap := frameGap(sorted[i-1], sorted[i], kind)
		if gap <= span {
			current = append(current, sorted[i])
		} else {
			result = append(result, current)
			current = []*frame.Frame{sorted[i]}
		}
	}
	result = append(result, current)
	return result
}

func frameGap(a, b *frame.Frame, kind frame.Kind) time.Duration {
	if kind == frame.KindBias || kind == frame.KindDark {
		da, _ := time.Parse("2006-01-02", a.Date)
		db, _ := time.Parse("2006-01-02", b.Date)
		return db.Sub(da)
	}
	ta, _ := time.Parse("2006-01-02T15:04:05", a.Timestamp)
	tb, _ := time.Parse("2006-01-02T15:04:05", b.Timestamp)
	return tb.Sub(ta)
}

func newGroup(kind frame.Kind, key string, fs []*frame.Frame) *Group {
	g := &Group{Kind: kind, Key: key, Frames: fs}
	first := fs[0]
	g.Setup = first.Setup
	g.Readout = first.Readout
	g.Gain = intOrNeg(first.Gain)
	g.Offset = intOrNeg(first.Offset)
	g.USB = intOrNeg(first.USB)
	g.Binning = first.Binning
	g.SetTempC = intOrNeg(first.SetTempC)
	g.Exposure = floatOr(first.Exposure)
	if first.IsCFA() {
		g.Filter = first.BayerPattern
	} else {
		g.Filter = first.Filter
	}

	earliest := fs[0].Date
	for _, f := range fs {
		if f.Date < earliest {
			earliest = f.Date
		}
	}
	g.EarliestDate = earliest
	return g
}

// matchDarkFlat runs the dark-flat -> flat matcher for one flat group:
// equivalence fields equal, timestamp within +/-3h of the flat's oldest
// frame, tie-break future-over-past then minimum absolute delta.
func matchDarkFlat(flatGroup *Group, darkFlats []*Group) {
	oldestFlat, _ := time.Parse("2006-01-02T15:04:05", flatGroup.Frames[0].Timestamp)
	for _, f := range flatGroup.Frames {
		t, _ := time.Parse("2006-01-02T15:04:05", f.Timestamp)
		if t.Before(oldestFlat) {
			oldestFlat = t
		}
	}

	var best *Group
	var bestDelta time.Duration
	var bestIsFuture bool

	for _, df := range darkFlats {
		if !sameEquivalence(flatGroup, df) {
			continue
		}
		dfTime, _ := time.Parse("2006-01-02T15:04:05", df.Frames[0].Timestamp)
		delta := dfTime.Sub(oldestFlat)
		absDelta := delta
		if absDelta < 0 {
			absDelta = -absDelta
		}
		if absDelta > flatSpan {
			continue
		}
		isFuture := delta >= 0

		if best == nil {
			best, bestDelta, bestIsFuture = df, absDelta, isFuture
			continue
		}
		if isFuture && !bestIsFuture {
			best, bestDelta, bestIsFuture = df, absDelta, isFuture
			continue
		}
		if isFuture == bestIsFuture && absDelta < bestDelta {
			best, bestDelta, bestIsFuture = df, absDelta, isFuture
		}
	}

	if best != nil {
		flatGroup.DarkFlatMaster = best
	} else {
		flatGroup.RawFallback = true
	}
}

// sameEquivalence compares a flat group's full sensor identity against a
// dark-flat candidate's: setup, readout, gain, offset, usb, binning,
// set-temp, and exposure. Both groups carry these from their first frame
// regardless of which fields their own bucketing key used.
func sameEquivalence(flatGroup, darkFlatGroup *Group) bool {
	return flatGroup.Setup == darkFlatGroup.Setup &&
		flatGroup.Readout == darkFlatGroup.Readout &&
		flatGroup.Gain == darkFlatGroup.Gain &&
		flatGroup.Offset == darkFlatGroup.Offset &&
		flatGroup.USB == darkFlatGroup.USB &&
		flatGroup.Binning == darkFlatGroup.Binning &&
		flatGroup.SetTempC == darkFlatGroup.SetTempC &&
		flatGroup.Exposure == darkFlatGroup.Exposure
}

// MasterPath returns the canonical on-disk path for a committed group's
// integrated master.
func MasterPath(layout *workspace.Layout, g *Group) string {
	kindLabel := masterKindLabel(g.Kind)
	dir := layout.MasterDir(g.Setup.Key(), kindLabel, g.EarliestDate)
	y, m, d := splitDate(g.EarliestDate)
	var usbPtr *int
	if g.USB >= 0 {
		usbPtr = &g.USB
	}
	isDark := g.Kind == frame.KindBias || g.Kind == frame.KindDark
	filter := g.Filter
	if g.Kind == frame.KindBias || g.Kind == frame.KindDark {
		filter = ""
	}
	name := workspace.MasterName(g.Setup.Telescope, g.Setup.Camera, kindLabel, y, m, d, filter, g.Readout, g.Gain, g.Offset, usbPtr, g.Binning, g.Exposure, g.SetTempC, isDark)
	return dir + "/" + name
}

func masterKindLabel(k frame.Kind) string {
	switch k {
	case frame.KindBias:
		return "Bias"
	case frame.KindDark:
		return "Dark"
	case frame.KindDarkFlat:
		return "DarkFlat"
	case frame.KindFlat:
		return "Flat"
	}
	return "Unknown"
}

func splitDate(date string) (y, m, d int) {
	t, _ := time.Parse("2006-01-02", date)
	return t.Year(), int(t.Month()), t.Day()
}

// IntegrationJob builds the IPE integrate job for a committed group,
// selecting the Dark/Dark-Flat vs Flat rejection profile.
func IntegrationJob(layout *workspace.Layout, g *Group) ipe.IntegrateJob {
	profile := ipe.DarkProfile
	if g.Kind == frame.KindFlat {
		profile = ipe.FlatProfile
	}
	paths := make([]string, len(g.Frames))
	for i, f := range g.Frames {
		paths[i] = f.Path
	}
	return ipe.IntegrateJob{
		InputPaths: paths,
		Profile:    profile,
		OutputPath: MasterPath(layout, g),
		Resources:  ipe.DefaultResources(),
	}
}

// ErrNoGroups is returned when a partition produced zero committed groups,
// surfaced as a PlanError rather than failing the whole build.
var ErrNoGroups = perrors.New(perrors.PlanError, "no groups committed")
