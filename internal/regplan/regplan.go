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

// Package regplan is the registration/normalization planner: it re-groups
// approved frames by object|filter|exposure, elects one reference frame
// per target, and emits Register/LocalNormalize/DrizzleIntegrate jobs.
package regplan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/perrors"
	"github.com/mlnoga/astroplan/internal/workspace"
)

// AcqGroup is one acquisition group's selector output, the unit reference
// election operates over; its Key, once sanitized, names the group's
// folder under !Approved_Best5/.
type AcqGroup struct {
	Key           string // setup|object|filter|binning|exposure
	Object        string
	Filter        string // "" for CFA groups
	IsCFA         bool
	Exposure      float64
	ApprovedPaths []string
}

// RegGroup is the coarser object|filter|exposure grouping integration and
// normalization operate over, merged across setups/binnings.
type RegGroup struct {
	Object        string
	Filter        string
	Exposure      float64
	ApprovedPaths []string
}

func (g *RegGroup) Key() string {
	filt := g.Filter
	if filt == "" {
		filt = "NONE"
	}
	return fmt.Sprintf("%s|%s|%g", g.Object, filt, g.Exposure)
}

var filterOrder = map[string]int{
	frame.FilterL: 0, frame.FilterR: 1, frame.FilterG: 2, frame.FilterB: 3,
	frame.FilterHa: 4, frame.FilterOIII: 5, frame.FilterSII: 6,
}

// FilterRank orders filters L->R->G->B->Ha->OIII->SII->others for
// deterministic registration-planning iteration.
func FilterRank(filter string) int {
	if r, ok := filterOrder[filter]; ok {
		return r
	}
	return len(filterOrder) + 1
}

// Regroup merges acquisition groups into object|filter|exposure groups.
func Regroup(acqGroups []AcqGroup) []*RegGroup {
	byKey := make(map[string]*RegGroup)
	var order []string
	for _, ag := range acqGroups {
		rg := &RegGroup{Object: ag.Object, Filter: ag.Filter, Exposure: ag.Exposure}
		key := rg.Key()
		if existing, ok := byKey[key]; ok {
			existing.ApprovedPaths = append(existing.ApprovedPaths, ag.ApprovedPaths...)
		} else {
			rg.ApprovedPaths = append([]string(nil), ag.ApprovedPaths...)
			byKey[key] = rg
			order = append(order, key)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := byKey[order[i]], byKey[order[j]]
		if a.Object != b.Object {
			return a.Object < b.Object
		}
		if FilterRank(a.Filter) != FilterRank(b.Filter) {
			return FilterRank(a.Filter) < FilterRank(b.Filter)
		}
		return a.Exposure < b.Exposure
	})
	result := make([]*RegGroup, len(order))
	for i, k := range order {
		result[i] = byKey[k]
	}
	return result
}

// ErrNoReferenceCandidate is a PlanError: no G or OIII group exists for the target.
var ErrNoReferenceCandidate = perrors.New(perrors.PlanError, "no G or OIII acquisition group for target")

// SelectReference picks the reference acquisition group for one target:
// prefer filter G, else OIII, then the candidate with the largest exposure.
func SelectReference(target string, acqGroups []AcqGroup) (*AcqGroup, error) {
	var candidates []AcqGroup
	for _, ag := range acqGroups {
		if ag.Object == target && ag.Filter == frame.FilterG {
			candidates = append(candidates, ag)
		}
	}
	if len(candidates) == 0 {
		for _, ag := range acqGroups {
			if ag.Object == target && ag.Filter == frame.FilterOIII {
				candidates = append(candidates, ag)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoReferenceCandidate
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Exposure > best.Exposure {
			best = c
		}
	}
	return &best, nil
}

// ReferenceFile locates the single file in the reference group's TOP-N
// folder; an empty or overfull folder needs operator action, so it is a
// StageFatal rather than a per-group error.
func ReferenceFile(layout *workspace.Layout, refGroup *AcqGroup) (string, error) {
	dir := layout.BestN(refGroup.Key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", perrors.WithRemedy(perrors.StageFatal, fmt.Sprintf("cannot read reference folder %s: %s", dir, err),
			"ensure the Selector stage ran and produced a Best-N folder for this acquisition group")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) != 1 {
		return "", perrors.WithRemedy(perrors.StageFatal,
			fmt.Sprintf("reference folder %s has %d files, expected exactly 1", dir, len(files)),
			"re-run Selection with auto-reference enabled, or resolve the folder manually")
	}
	return files[0], nil
}

// RegisterJob builds the IPE Register job for a target: the reference
// against every approved file across all the target's filters.
func RegisterJob(layout *workspace.Layout, referencePath string, targetApprovedPaths []string) ipe.RegisterJob {
	return ipe.RegisterJob{
		ReferencePath:       referencePath,
		InputPaths:          targetApprovedPaths,
		OutputDir:           layout.ApprovedSet(),
		GenerateDrizzleData: true,
		Resources:           ipe.DefaultResources(),
	}
}

// LocalNormalizeJob builds the IPE LocalNormalize job for one registration
// group, fetching the reference's drizzle sidecar.
func LocalNormalizeJob(referenceRegisteredPath string, registeredInputs []string) ipe.LocalNormalizeJob {
	return ipe.LocalNormalizeJob{
		ReferenceXdrzPath: workspace.RegisteredDrizzleSidecar(referenceRegisteredPath),
		InputPaths:        registeredInputs,
		Resources:         ipe.NormalizationResources(),
	}
}

// DrizzleIntegrateJob builds the IPE integration job for one
// object|filter|exposure group.
func DrizzleIntegrateJob(layout *workspace.Layout, rg *RegGroup, xdrzPaths, xnmlPaths []string, scale int) ipe.DrizzleIntegrateJob {
	filter := rg.Filter
	if filter == "" {
		filter = "NONE"
	}
	outName := workspace.IntegratedName(rg.Object, filter, len(rg.ApprovedPaths), rg.Exposure, scale)
	return ipe.DrizzleIntegrateJob{
		XdrzPaths:  xdrzPaths,
		XnmlPaths:  xnmlPaths,
		Scale:      scale,
		OutputPath: filepath.Join(layout.Integrated(), outName),
		Resources:  ipe.DefaultResources(),
	}
}
