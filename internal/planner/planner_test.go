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

package planner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/workspace"
)

func intp(v int) *int          { return &v }
func floatp(v float64) *float64 { return &v }

func biasFrame(i int, date string) *frame.Frame {
	return &frame.Frame{
		Path: fmt.Sprintf("/calib/bias_%03d.fits", i), Kind: frame.KindBias,
		Setup: frame.Setup{Telescope: "AP102", Camera: "QHY268M"},
		Readout: "High Gain Mode 16BIT", Gain: intp(100), Offset: intp(30), USB: intp(50),
		Binning: "1x1", SetTempC: intp(-10), Date: date, Timestamp: date + "T20:00:00",
	}
}

func darkFrame(i int, date string, exposure float64) *frame.Frame {
	f := biasFrame(i, date)
	f.Path = fmt.Sprintf("/calib/dark_%03d.fits", i)
	f.Kind = frame.KindDark
	f.Exposure = floatp(exposure)
	return f
}

func flatFrame(i int, ts string, filter string) *frame.Frame {
	return &frame.Frame{
		Path: fmt.Sprintf("/calib/flat_%03d.fits", i), Kind: frame.KindFlat,
		Setup: frame.Setup{Telescope: "AP102", Camera: "QHY268M"},
		Readout: "High Gain Mode 16BIT", Gain: intp(100), Offset: intp(30), USB: intp(50),
		Binning: "1x1", SetTempC: intp(-10), Exposure: floatp(2.5),
		Filter: filter, Timestamp: ts, Date: ts[:10],
	}
}

func darkFlatFrame(i int, ts string) *frame.Frame {
	f := flatFrame(i, ts, "")
	f.Path = fmt.Sprintf("/calib/darkflat_%03d.fits", i)
	f.Kind = frame.KindDarkFlat
	return f
}

func manyBias(n int, date string) []*frame.Frame {
	out := make([]*frame.Frame, n)
	for i := 0; i < n; i++ {
		out[i] = biasFrame(i, date)
	}
	return out
}

func TestBuildDropsGroupsBelowMinGroupSize(t *testing.T) {
	frames := manyBias(10, "2024-03-15")
	plan, err := Build(frames)
	require.NoError(t, err)
	assert.Empty(t, plan.DarkGroups)
	require.Len(t, plan.Dropped, 1)
	assert.Equal(t, 10, plan.Dropped[0].Count)
}

func TestBuildCommitsGroupAtMinGroupSize(t *testing.T) {
	frames := manyBias(minGroupSize, "2024-03-15")
	plan, err := Build(frames)
	require.NoError(t, err)
	require.Len(t, plan.DarkGroups, 1)
	assert.Equal(t, minGroupSize, len(plan.DarkGroups[0].Frames))
	assert.Equal(t, frame.KindBias, plan.DarkGroups[0].Kind)
}

func TestBuildSplitsByGapBeyondDarkSpan(t *testing.T) {
	var frames []*frame.Frame
	frames = append(frames, manyBias(minGroupSize, "2024-03-15")...)
	// second sub-bucket 10 days later, beyond the 7-day dark/bias span
	later := manyBias(minGroupSize, "2024-03-25")
	for i, f := range later {
		f.Path = fmt.Sprintf("/calib/bias_later_%03d.fits", i)
	}
	frames = append(frames, later...)

	plan, err := Build(frames)
	require.NoError(t, err)
	assert.Len(t, plan.DarkGroups, 2)
}

func TestBuildRoutesExplicitDarkFlatKindToDarkFlatGroups(t *testing.T) {
	var frames []*frame.Frame
	for i := 0; i < minGroupSize; i++ {
		frames = append(frames, darkFlatFrame(i, "2024-03-15T20:00:00"))
	}
	plan, err := Build(frames)
	require.NoError(t, err)
	assert.Empty(t, plan.DarkGroups)
	require.Len(t, plan.DarkFlatGroups, 1)
}

func TestBuildRoutesAmbiguousDarkWithFilterOrBayerToDarkFlat(t *testing.T) {
	var frames []*frame.Frame
	for i := 0; i < minGroupSize; i++ {
		f := flatFrame(i, "2024-03-15T20:00:00", "Ha")
		f.Path = fmt.Sprintf("/calib/dark_%03d.fits", i)
		f.Kind = frame.KindDark // generic "dark" IMAGETYP the parser leaves unclassified
		frames = append(frames, f)
	}
	plan, err := Build(frames)
	require.NoError(t, err)
	assert.Empty(t, plan.DarkGroups)
	require.Len(t, plan.DarkFlatGroups, 1)
}

func TestBuildRoutesPlainDarkWithNoFilterToDarkGroups(t *testing.T) {
	var frames []*frame.Frame
	for i := 0; i < minGroupSize; i++ {
		frames = append(frames, darkFrame(i, "2024-03-15", 300))
	}
	plan, err := Build(frames)
	require.NoError(t, err)
	assert.Empty(t, plan.DarkFlatGroups)
	require.Len(t, plan.DarkGroups, 1)
}

func TestMatchDarkFlatPrefersFutureWithinSpan(t *testing.T) {
	var flats []*frame.Frame
	for i := 0; i < minGroupSize; i++ {
		flats = append(flats, flatFrame(i, "2024-03-15T20:00:00", "L"))
	}
	var darkFlatsPast, darkFlatsFuture []*frame.Frame
	for i := 0; i < minGroupSize; i++ {
		darkFlatsPast = append(darkFlatsPast, darkFlatFrame(i, "2024-03-15T17:10:00"))
	}
	for i := 0; i < minGroupSize; i++ {
		f := darkFlatFrame(i, "2024-03-15T22:50:00")
		f.Path = fmt.Sprintf("/calib/darkflat_future_%03d.fits", i)
		darkFlatsFuture = append(darkFlatsFuture, f)
	}
	var raw []*frame.Frame
	raw = append(raw, flats...)
	raw = append(raw, darkFlatsPast...)
	raw = append(raw, darkFlatsFuture...)

	plan, err := Build(raw)
	require.NoError(t, err)
	require.Len(t, plan.FlatGroups, 1)
	require.NotNil(t, plan.FlatGroups[0].DarkFlatMaster)
	assert.False(t, plan.FlatGroups[0].RawFallback)
	// past and future candidates sit equidistant (2h50m) from the flat's
	// timestamp, within flatSpan (3h); the matcher breaks the tie toward the future one.
	assert.Contains(t, plan.FlatGroups[0].DarkFlatMaster.Frames[0].Path, "darkflat_future")
}

func TestMatchDarkFlatFallsBackToRawWhenNoneWithinSpan(t *testing.T) {
	var flats []*frame.Frame
	for i := 0; i < minGroupSize; i++ {
		flats = append(flats, flatFrame(i, "2024-03-15T20:00:00", "L"))
	}
	var darkFlats []*frame.Frame
	for i := 0; i < minGroupSize; i++ {
		// 5 hours away, outside the 3h flatSpan
		darkFlats = append(darkFlats, darkFlatFrame(i, "2024-03-16T01:00:00"))
	}
	var raw []*frame.Frame
	raw = append(raw, flats...)
	raw = append(raw, darkFlats...)

	plan, err := Build(raw)
	require.NoError(t, err)
	require.Len(t, plan.FlatGroups, 1)
	assert.Nil(t, plan.FlatGroups[0].DarkFlatMaster)
	assert.True(t, plan.FlatGroups[0].RawFallback)
}

func TestSameEquivalenceRejectsMismatchedExposure(t *testing.T) {
	flatGroup := &Group{Setup: frame.Setup{Telescope: "A", Camera: "B"}, Exposure: 2.5}
	darkFlatGroup := &Group{Setup: frame.Setup{Telescope: "A", Camera: "B"}, Exposure: 5.0}
	assert.False(t, sameEquivalence(flatGroup, darkFlatGroup))
}

func TestSameEquivalenceAcceptsFullMatch(t *testing.T) {
	flatGroup := &Group{
		Setup: frame.Setup{Telescope: "A", Camera: "B"}, Readout: "r", Gain: 1,
		Offset: 2, USB: 3, Binning: "1x1", SetTempC: -10, Exposure: 2.5,
	}
	darkFlatGroup := *flatGroup
	assert.True(t, sameEquivalence(flatGroup, &darkFlatGroup))
}

func TestMasterPathOmitsFilterForDarkKinds(t *testing.T) {
	layout := workspace.New("/work", "")
	g := &Group{Kind: frame.KindDark, Setup: frame.Setup{Telescope: "AP102", Camera: "QHY268M"},
		Readout: "High Gain Mode 16BIT", Gain: 100, Offset: 30, USB: 50, Binning: "1x1",
		Exposure: 300, SetTempC: -10, EarliestDate: "2024-03-15", Filter: "L"}
	path := MasterPath(layout, g)
	assert.NotContains(t, path, "_L_")
	assert.Contains(t, path, "MasterDark")
}
