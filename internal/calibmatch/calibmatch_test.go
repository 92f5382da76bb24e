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

package calibmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/astroplan/internal/frame"
)

func intp(v int) *int          { return &v }
func floatp(v float64) *float64 { return &v }

func baseLight(date, ts string) *frame.Frame {
	return &frame.Frame{
		Path: "/lights/IC1396_Ha_300s.fits", Kind: frame.KindLight,
		Setup: frame.Setup{Telescope: "AP102", Camera: "QHY268M"},
		Readout: "High Gain Mode 16BIT", Gain: intp(100), Offset: intp(30), USB: intp(50),
		Binning: "1x1", SetTempC: intp(-10), Exposure: floatp(300), Filter: "Ha",
		Object: "IC1396", Date: date, Timestamp: ts,
	}
}

func baseDarkMaster(date string) *frame.Frame {
	return &frame.Frame{
		Path: "/masters/dark.xisf", Kind: frame.KindMasterDark,
		Setup: frame.Setup{Telescope: "AP102", Camera: "QHY268M"},
		Readout: "High Gain Mode 16BIT", Gain: intp(100), Offset: intp(30), USB: intp(50),
		Binning: "1x1", SetTempC: intp(-10), Exposure: floatp(300), Date: date,
	}
}

func baseFlatMaster(ts string, filter string) *frame.Frame {
	return &frame.Frame{
		Path: "/masters/flat.xisf", Kind: frame.KindMasterFlat,
		Setup: frame.Setup{Telescope: "AP102", Camera: "QHY268M"},
		Binning: "1x1", Filter: filter, Timestamp: ts,
	}
}

func TestBuildMatchesLightAgainstEligibleMasters(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T21:30:00")
	masters := Masters{
		Dark: []*frame.Frame{baseDarkMaster("2024-03-14")},
		Flat: []*frame.Frame{baseFlatMaster("2024-03-15T20:00:00", "Ha")},
	}
	plan := Build([]*frame.Frame{light}, masters, Options{UseBias: false}, nil)
	require.Empty(t, plan.Skipped)
	require.Len(t, plan.Groups, 1)
	for _, g := range plan.Groups {
		assert.Equal(t, "/masters/dark.xisf", g.DarkPath)
		assert.Equal(t, "/masters/flat.xisf", g.FlatPath)
		assert.Equal(t, []string{light.Path}, g.Lights)
	}
}

func TestBuildSkipsLightWithNoEligibleDark(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T21:30:00")
	masters := Masters{
		Flat: []*frame.Frame{baseFlatMaster("2024-03-15T20:00:00", "Ha")},
	}
	plan := Build([]*frame.Frame{light}, masters, Options{UseBias: false}, nil)
	require.Empty(t, plan.Groups)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "no eligible dark master", plan.Skipped[0].Reason)
}

func TestBuildSkipsLightWhenUseBiasAndNoBias(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T21:30:00")
	masters := Masters{
		Dark: []*frame.Frame{baseDarkMaster("2024-03-14")},
		Flat: []*frame.Frame{baseFlatMaster("2024-03-15T20:00:00", "Ha")},
	}
	plan := Build([]*frame.Frame{light}, masters, Options{UseBias: true}, nil)
	require.Empty(t, plan.Groups)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "no eligible bias master", plan.Skipped[0].Reason)
}

func TestMatchFlatRejectsFilterMismatch(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T21:30:00")
	candidates := []*frame.Frame{baseFlatMaster("2024-03-15T20:00:00", "OIII")}
	assert.Nil(t, matchFlat(light, candidates))
}

func TestMatchFlatRejectsCFAMonoMismatch(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T21:30:00")
	light.Filter = ""
	light.BayerPattern = frame.BayerRGGB
	mono := baseFlatMaster("2024-03-15T20:00:00", "")
	assert.Nil(t, matchFlat(light, []*frame.Frame{mono}))
}

func TestMatchFlatPrefersWithin3DaysOverLatestPast(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T12:00:00")
	withinSpan := baseFlatMaster("2024-03-16T12:00:00", "Ha") // 1 day after, within 3d
	farPast := baseFlatMaster("2024-03-01T12:00:00", "Ha")    // 14 days before
	got := matchFlat(light, []*frame.Frame{farPast, withinSpan})
	require.NotNil(t, got)
	assert.Equal(t, withinSpan, got)
}

func TestMatchFlatFallsBackToLatestPastBeyond3Days(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T12:00:00")
	olderPast := baseFlatMaster("2024-03-01T12:00:00", "Ha")
	newerPast := baseFlatMaster("2024-03-05T12:00:00", "Ha")
	got := matchFlat(light, []*frame.Frame{olderPast, newerPast})
	require.NotNil(t, got)
	assert.Equal(t, newerPast, got)
}

func TestMatchFlatFallsBackToNearestFutureWhenOnlyFutureEligible(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T12:00:00")
	nearFuture := baseFlatMaster("2024-03-25T12:00:00", "Ha")
	farFuture := baseFlatMaster("2024-04-25T12:00:00", "Ha")
	got := matchFlat(light, []*frame.Frame{farFuture, nearFuture})
	require.NotNil(t, got)
	assert.Equal(t, nearFuture, got)
}

func TestPickByDatePolicyPrefersClosestPastOverFuture(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T12:00:00")
	closePast := baseDarkMaster("2024-03-14")
	future := baseDarkMaster("2024-03-16")
	got := pickByDatePolicy(light, []*frame.Frame{future, closePast})
	assert.Equal(t, closePast, got)
}

func TestPickByDatePolicyAcceptsEitherCandidateOnExactDateTie(t *testing.T) {
	light := baseLight("2024-03-20", "2024-03-20T12:00:00")
	a := baseDarkMaster("2024-03-15")
	a.Path = "/masters/dark_a.xisf"
	b := baseDarkMaster("2024-03-15")
	b.Path = "/masters/dark_b.xisf"
	got := pickByDatePolicy(light, []*frame.Frame{a, b})
	require.NotNil(t, got)
	assert.Equal(t, "2024-03-15", got.Date)
}

func TestPickByDatePolicyUsesFutureWhenNoPastEligible(t *testing.T) {
	light := baseLight("2024-03-10", "2024-03-10T12:00:00")
	future := baseDarkMaster("2024-03-12")
	got := pickByDatePolicy(light, []*frame.Frame{future})
	assert.Equal(t, future, got)
}

func TestSensorEqualRejectsGainMismatch(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T12:00:00")
	master := baseDarkMaster("2024-03-14")
	master.Gain = intp(200)
	assert.False(t, sensorEqual(light, master))
}

func TestAcquisitionKeyDefaultsEmptyFilterToNone(t *testing.T) {
	g := &PlanGroup{Setup: frame.Setup{Telescope: "A", Camera: "B"}, Object: "M42", Binning: "1x1", Exposure: 60}
	assert.Contains(t, g.AcquisitionKey(), "NONE")
}

func TestBuildPopulatesBayerPatternOnCFAGroups(t *testing.T) {
	light := baseLight("2024-03-15", "2024-03-15T21:30:00")
	light.Filter = ""
	light.BayerPattern = frame.BayerRGGB
	masters := Masters{
		Dark: []*frame.Frame{baseDarkMaster("2024-03-14")},
		Flat: []*frame.Frame{baseFlatMaster("2024-03-15T20:00:00", "")},
	}
	masters.Flat[0].BayerPattern = frame.BayerRGGB
	plan := Build([]*frame.Frame{light}, masters, Options{UseBias: false}, nil)
	require.Len(t, plan.Groups, 1)
	for _, g := range plan.Groups {
		assert.True(t, g.IsCFA)
		assert.Equal(t, frame.BayerRGGB, g.BayerPattern)
	}
}
