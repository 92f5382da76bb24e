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

package selector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/ipe/ipetest"
	"github.com/mlnoga/astroplan/internal/workspace"
)

func TestSelectApprovesWithinThresholdsAndRejectsOutOfRange(t *testing.T) {
	engine := ipetest.New()
	engine.Measurements["/in/good.fits"] = measurementOf("/in/good.fits", 2.5, 0.2, 200)
	engine.Measurements["/in/badFWHM.fits"] = measurementOf("/in/badFWHM.fits", 8.0, 0.2, 200)
	engine.Measurements["/in/badEcc.fits"] = measurementOf("/in/badEcc.fits", 2.5, 0.9, 200)

	th := DefaultThresholds(1.0, 5.0, 0)
	g, err := Select(context.Background(), engine, "key", false,
		[]string{"/in/good.fits", "/in/badFWHM.fits", "/in/badEcc.fits"}, 1.0, 1.0, th, 5)
	require.NoError(t, err)
	require.Len(t, g.Scored, 3)

	byPath := map[string]*Scored{}
	for _, s := range g.Scored {
		byPath[s.Path] = s
	}
	assert.True(t, byPath["/in/good.fits"].Approved)
	assert.False(t, byPath["/in/badFWHM.fits"].Approved)
	assert.False(t, byPath["/in/badEcc.fits"].Approved)
}

func TestSelectElectsTopNByWeightDescending(t *testing.T) {
	engine := ipetest.New()
	engine.Measurements["/in/a.fits"] = measurementOf("/in/a.fits", 2.0, 0.1, 300)
	engine.Measurements["/in/b.fits"] = measurementOf("/in/b.fits", 3.0, 0.3, 150)
	engine.Measurements["/in/c.fits"] = measurementOf("/in/c.fits", 2.5, 0.2, 250)

	th := DefaultThresholds(1.0, 5.0, 0)
	g, err := Select(context.Background(), engine, "key", false,
		[]string{"/in/a.fits", "/in/b.fits", "/in/c.fits"}, 1.0, 1.0, th, 2)
	require.NoError(t, err)
	require.Len(t, g.TopN, 2)
	assert.Equal(t, "/in/a.fits", g.TopN[0].Path) // lowest FWHM+ecc, highest PSF
	assert.GreaterOrEqual(t, g.TopN[0].Weight, g.TopN[1].Weight)
}

func TestSelectTopNCappedByApprovedCount(t *testing.T) {
	engine := ipetest.New()
	engine.Measurements["/in/a.fits"] = measurementOf("/in/a.fits", 2.0, 0.1, 300)
	th := DefaultThresholds(1.0, 5.0, 0)
	g, err := Select(context.Background(), engine, "key", false, []string{"/in/a.fits"}, 1.0, 1.0, th, 5)
	require.NoError(t, err)
	assert.Len(t, g.TopN, 1)
}

func TestApproveRejectsPSFSignalBelowDivisorThreshold(t *testing.T) {
	m := measurementOf("/in/a.fits", 2.5, 0.2, 10)
	th := Thresholds{FWHMLow: 1.0, FWHMHigh: 5.0, PSFDivisor: 2.0, EccMax: 0.70}
	assert.False(t, approve(m, th, 100)) // 10*2.0=20 <= 100
	assert.True(t, approve(m, th, 15))   // 10*2.0=20 > 15
}

func TestWriteCSVWritesFourColumnsForCFA(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "group.csv")
	g := &Group{IsCFA: true, Scored: []*Scored{{Path: "/in/a.fits", Approved: true, Weight: 42.5}}}
	require.NoError(t, WriteCSV(path, g))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/in/a.fits,42.50,42.50,42.50")
}

func TestWriteCSVWritesTwoColumnsForMono(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "group.csv")
	g := &Group{IsCFA: false, Scored: []*Scored{{Path: "/in/a.fits", Approved: true, Weight: 10}}}
	require.NoError(t, WriteCSV(path, g))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/in/a.fits,10.00\n")
}

func TestCopyOutputsRoutesApprovedRejectedAndTopN(t *testing.T) {
	dir := t.TempDir()
	layout := workspace.New(dir, "")
	g := &Group{
		Key: "grpkey",
		Scored: []*Scored{
			{Path: "/src/approved.xisf", Approved: true, Weight: 90},
			{Path: "/src/rejected.xisf", Approved: false},
		},
	}
	g.TopN = []*Scored{g.Scored[0]}

	var copied []string
	fakeCopy := func(src, dst string) error {
		copied = append(copied, dst)
		return nil
	}
	require.NoError(t, CopyOutputs(layout, g, fakeCopy))
	assert.Len(t, copied, 3) // approved + rejected + top-N
}

func measurementOf(path string, fwhm, ecc, psf float64) ipe.Measurement {
	return ipe.Measurement{Path: path, FWHM: fwhm, Eccentricity: ecc, PSFSignal: psf}
}
