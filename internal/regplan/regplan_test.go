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

package regplan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/workspace"
)

func TestRegroupMergesAcrossSetupsAndOrdersByFilterThenExposure(t *testing.T) {
	acq := []AcqGroup{
		{Key: "scope2|M42|OIII|1x1|300", Object: "M42", Filter: frame.FilterOIII, Exposure: 300, ApprovedPaths: []string{"b1"}},
		{Key: "scope1|M42|L|1x1|60", Object: "M42", Filter: frame.FilterL, Exposure: 60, ApprovedPaths: []string{"a1"}},
		{Key: "scope1|M42|L|1x1|60|dup", Object: "M42", Filter: frame.FilterL, Exposure: 60, ApprovedPaths: []string{"a2"}},
	}
	groups := Regroup(acq)
	require.Len(t, groups, 2)
	assert.Equal(t, frame.FilterL, groups[0].Filter)
	assert.ElementsMatch(t, []string{"a1", "a2"}, groups[0].ApprovedPaths)
	assert.Equal(t, frame.FilterOIII, groups[1].Filter)
}

func TestFilterRankOrdersLRGBNarrowbandThenUnknown(t *testing.T) {
	assert.Less(t, FilterRank(frame.FilterL), FilterRank(frame.FilterR))
	assert.Less(t, FilterRank(frame.FilterR), FilterRank(frame.FilterG))
	assert.Less(t, FilterRank(frame.FilterB), FilterRank(frame.FilterHa))
	assert.Less(t, FilterRank(frame.FilterSII), FilterRank("Custom"))
}

func TestSelectReferencePrefersGreenOverOIII(t *testing.T) {
	acq := []AcqGroup{
		{Object: "M42", Filter: frame.FilterOIII, Exposure: 600},
		{Object: "M42", Filter: frame.FilterG, Exposure: 60},
	}
	ref, err := SelectReference("M42", acq)
	require.NoError(t, err)
	assert.Equal(t, frame.FilterG, ref.Filter)
}

func TestSelectReferenceFallsBackToOIIIWhenNoGreen(t *testing.T) {
	acq := []AcqGroup{
		{Object: "M42", Filter: frame.FilterOIII, Exposure: 300},
		{Object: "M42", Filter: frame.FilterHa, Exposure: 600},
	}
	ref, err := SelectReference("M42", acq)
	require.NoError(t, err)
	assert.Equal(t, frame.FilterOIII, ref.Filter)
}

func TestSelectReferencePicksLargestExposureAmongCandidates(t *testing.T) {
	acq := []AcqGroup{
		{Object: "M42", Filter: frame.FilterG, Exposure: 30},
		{Object: "M42", Filter: frame.FilterG, Exposure: 90},
	}
	ref, err := SelectReference("M42", acq)
	require.NoError(t, err)
	assert.Equal(t, 90.0, ref.Exposure)
}

func TestSelectReferenceErrorsWhenNoCandidates(t *testing.T) {
	acq := []AcqGroup{{Object: "M42", Filter: frame.FilterHa, Exposure: 600}}
	_, err := SelectReference("M42", acq)
	require.Error(t, err)
	assert.Equal(t, ErrNoReferenceCandidate, err)
}

func TestReferenceFileFailsWhenFolderHasMoreThanOneFile(t *testing.T) {
	dir := t.TempDir()
	layout := workspace.New(dir, "")
	best := layout.BestN("key")
	require.NoError(t, os.MkdirAll(best, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(best, "a.xisf"), []byte{}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(best, "b.xisf"), []byte{}, 0644))

	_, err := ReferenceFile(layout, &AcqGroup{Key: "key"})
	require.Error(t, err)
}

func TestReferenceFileSucceedsWithExactlyOneFile(t *testing.T) {
	dir := t.TempDir()
	layout := workspace.New(dir, "")
	best := layout.BestN("key")
	require.NoError(t, os.MkdirAll(best, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(best, "!1_a.xisf"), []byte{}, 0644))

	path, err := ReferenceFile(layout, &AcqGroup{Key: "key"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(best, "!1_a.xisf"), path)
}

func TestDrizzleIntegrateJobNamesUnfilteredGroupsNone(t *testing.T) {
	dir := t.TempDir()
	layout := workspace.New(dir, "")
	rg := &RegGroup{Object: "M42", Filter: "", Exposure: 2.5, ApprovedPaths: []string{"a", "b"}}
	job := DrizzleIntegrateJob(layout, rg, []string{"a.xdrz"}, []string{"a.xnml"}, 2)
	assert.Contains(t, job.OutputPath, "NONE")
	assert.Contains(t, job.OutputPath, "2x2.5s")
	assert.Equal(t, []string{"a.xnml"}, job.XnmlPaths)
}
