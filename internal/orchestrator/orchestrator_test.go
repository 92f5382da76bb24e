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

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/astroplan/internal/calibmatch"
	"github.com/mlnoga/astroplan/internal/config"
	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/ipe/ipetest"
	"github.com/mlnoga/astroplan/internal/perrors"
	"github.com/mlnoga/astroplan/internal/planner"
	"github.com/mlnoga/astroplan/internal/progress"
	"github.com/mlnoga/astroplan/internal/regplan"
	"github.com/mlnoga/astroplan/internal/workspace"
)

// touchLights creates n empty placeholder light files and returns their paths.
func touchLights(t *testing.T, dir string, n int) []string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	var paths []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("light%d.fits", i))
		require.NoError(t, os.WriteFile(p, []byte{}, 0644))
		paths = append(paths, p)
	}
	return paths
}

// TestSessionStagesCalibrateThroughIntegrate exercises selection,
// registration, and integration end to end against the fake IPE engine,
// checking TOP-N folder cardinality, approved-frame weight bounds, and an
// integration output's weights sibling.
func TestSessionStagesCalibrateThroughIntegrate(t *testing.T) {
	tmp := t.TempDir()
	lights := touchLights(t, filepath.Join(tmp, "raw"), 3)

	calPlan := &calibmatch.Plan{Groups: map[string]*calibmatch.PlanGroup{
		"k1": {
			Setup:    frame.Setup{Telescope: "ScopeA", Camera: "CamA"},
			Object:   "M42",
			Filter:   frame.FilterG,
			Binning:  "1x1",
			Exposure: 300,
			DarkPath: "dark.xisf",
			FlatPath: "flat.xisf",
			Lights:   lights,
		},
	}}

	cfg := config.Config{
		WorkspaceRoot: tmp,
		PlateScale:    1.0,
		CameraGain:    1.0,
		FWHMLow:       1.0,
		FWHMHigh:      10.0,
		PSFDivisor:    3.0,
		DrizzleScale:  1,
		AutoReference: true, // TOP-1
	}
	engine := ipetest.New()
	sess := NewSession(cfg, engine, progress.NewBus(), nil, func() string { return "2024-01-01T00:00:00" })
	ctx := context.Background()

	calibratedByGroup, err := sess.calibrateStage(ctx, calPlan)
	require.NoError(t, err)
	require.Len(t, calibratedByGroup["k1"], 3)

	cosmeticByGroup, err := sess.cosmeticStage(ctx, calibratedByGroup)
	require.NoError(t, err)
	require.Len(t, cosmeticByGroup["k1"], 3)

	finalByGroup, err := sess.debayerStage(ctx, calPlan, cosmeticByGroup)
	require.NoError(t, err)
	require.Len(t, finalByGroup["k1"], 3) // mono group passes through unchanged

	acqGroups, err := sess.selectStage(ctx, calPlan, finalByGroup)
	require.NoError(t, err)
	require.Len(t, acqGroups, 1)
	assert.Equal(t, "M42", acqGroups[0].Object)
	assert.Len(t, acqGroups[0].ApprovedPaths, 3, "all three frames clear the default fake measurement thresholds")

	bestDir := sess.Layout.BestN(acqGroups[0].Key)
	entries, err := os.ReadDir(bestDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "auto-reference elects a single TOP-1 file")

	csvPath := filepath.Join(sess.Layout.Approved(), workspace.Sanitize(acqGroups[0].Key)+".csv")
	assert.FileExists(t, csvPath)

	require.NoError(t, sess.registrationStage(ctx, acqGroups))

	require.Len(t, sess.summary.IntegratedOutputs, 2, "main image plus weights sibling")
	mainOutput, weightsOutput := sess.summary.IntegratedOutputs[0], sess.summary.IntegratedOutputs[1]
	assert.Equal(t, workspace.IntegratedWeightsName(mainOutput), filepath.Base(weightsOutput))
	assert.FileExists(t, mainOutput)
	assert.FileExists(t, weightsOutput)

	assert.Contains(t, engine.Calls, "register")
	assert.Contains(t, engine.Calls, "localNormalize")
	assert.Contains(t, engine.Calls, "drizzleIntegrate")
}

func calibGroup(kind frame.Kind, key string, exposure float64, paths ...string) *planner.Group {
	g := &planner.Group{
		Kind: kind, Key: key,
		Setup:   frame.Setup{Telescope: "ScopeA", Camera: "CamA"},
		Readout: "High Gain Mode 16BIT", Gain: 100, Offset: 30, USB: 50,
		Binning: "1x1", SetTempC: -10, Exposure: exposure, Filter: "L",
		EarliestDate: "2024-03-15",
	}
	for _, p := range paths {
		g.Frames = append(g.Frames, &frame.Frame{Path: p, Date: "2024-03-15", Timestamp: "2024-03-15T20:00:00"})
	}
	return g
}

// TestMasterBuildStageCalibratesFlatsWithDarkFlatMaster checks the flat
// build path: a flat group with a matched dark-flat is calibrated against
// that master into the temp folder before it is integrated, while a
// raw-fallback flat integrates its raw frames directly and lands in the
// summary's without-dark-flat list.
func TestMasterBuildStageCalibratesFlatsWithDarkFlatMaster(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.Config{WorkspaceRoot: tmp, PlateScale: 1, FWHMLow: 1, FWHMHigh: 10, DrizzleScale: 1}
	engine := ipetest.New()
	sess := NewSession(cfg, engine, progress.NewBus(), nil, nil)

	df := calibGroup(frame.KindDarkFlat, "df", 2.5, "/calib/darkflat_000.fits")
	matched := calibGroup(frame.KindFlat, "flat-matched", 2.5, "/calib/flat_000.fits")
	matched.DarkFlatMaster = df
	fallback := calibGroup(frame.KindFlat, "flat-fallback", 2.5, "/calib/flat_100.fits")
	fallback.Filter = "R"
	fallback.RawFallback = true

	plan := &planner.Plan{
		DarkFlatGroups: []*planner.Group{df},
		FlatGroups:     []*planner.Group{matched, fallback},
	}
	_, err := sess.masterBuildStage(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"integrate", "calibrate", "integrate", "integrate"}, engine.Calls,
		"dark-flat master first, then the matched flat calibrates before integrating, then the fallback integrates raw")
	assert.FileExists(t, filepath.Join(sess.Layout.FlatTemp(), "flat_000_c.xisf"))
	assert.Len(t, sess.summary.MastersBuilt, 3)
	require.Len(t, sess.summary.FlatsWithoutDarkFlat, 1)
	assert.Contains(t, sess.summary.FlatsWithoutDarkFlat[0], "MasterFlat")
}

// TestSessionRegistrationStageCancelledContext checks that cancellation
// inside the registration stage surfaces as a CancelledError, which Run maps
// to exit status 5 rather than an IPE failure.
func TestSessionRegistrationStageCancelledContext(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.Config{WorkspaceRoot: tmp, PlateScale: 1, FWHMLow: 1, FWHMHigh: 10, DrizzleScale: 1}
	sess := NewSession(cfg, ipetest.New(), progress.NewBus(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acqGroups := []regplan.AcqGroup{
		{Key: "k1", Object: "M42", Filter: frame.FilterG, Exposure: 300, ApprovedPaths: []string{"a.xisf"}},
	}
	err := sess.registrationStage(ctx, acqGroups)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.CancelledError))
}

// TestSessionRegistrationStageNoReferenceCandidate covers the failure
// path where a target with neither a G nor an OIII acquisition group has
// no eligible reference.
func TestSessionRegistrationStageNoReferenceCandidate(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.Config{WorkspaceRoot: tmp, PlateScale: 1.0, FWHMLow: 1, FWHMHigh: 10, DrizzleScale: 1}
	sess := NewSession(cfg, ipetest.New(), progress.NewBus(), nil, nil)

	acqGroups := []regplan.AcqGroup{
		{Key: "k1", Object: "M42", Filter: frame.FilterB, Exposure: 300, ApprovedPaths: []string{"a.xisf"}},
	}
	err := sess.registrationStage(context.Background(), acqGroups)
	assert.Error(t, err)
}
