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

// Package selector drives IPE measurement per acquisition group, scores
// and approves frames, elects the TOP-N references, and writes the
// per-group CSV.
package selector

import (
	"context"
	"encoding/csv"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/workspace"
)

// Thresholds are the selector's tunable cutoffs.
type Thresholds struct {
	FWHMLow     float64
	FWHMHigh    float64
	PSFDivisor  float64
	EccMax      float64 // fixed at 0.70; exposed for tests
}

// DefaultThresholds applies the fixed 0.70 eccentricity ceiling.
func DefaultThresholds(fwhmLow, fwhmHigh, psfDivisor float64) Thresholds {
	return Thresholds{FWHMLow: fwhmLow, FWHMHigh: fwhmHigh, PSFDivisor: psfDivisor, EccMax: 0.70}
}

// Scored is one file's measurement plus its derived approval/weight.
type Scored struct {
	Path         string
	Measurement  ipe.Measurement
	Approved     bool
	Weight       float64
}

// Group holds one acquisition group's scored results and elected TOP-N.
type Group struct {
	Key       string
	IsCFA     bool
	Scored    []*Scored
	TopN      []*Scored
}

// Select measures every file in the group via the IPE, scores, approves,
// and elects TOP-N. n is 1 when auto-reference is enabled, else 5.
func Select(ctx context.Context, engine ipe.Engine, key string, isCFA bool, paths []string, plateScale, cameraGain float64, th Thresholds, n int) (*Group, error) {
	measurements, err := engine.Measure(ctx, ipe.MeasureJob{InputPaths: paths, PlateScale: plateScale, CameraGain: cameraGain, Resources: ipe.DefaultResources()})
	if err != nil {
		return nil, err
	}

	g := &Group{Key: key, IsCFA: isCFA}
	if len(measurements) == 0 {
		return g, nil
	}

	minFWHM, maxFWHM := measurements[0].FWHM, measurements[0].FWHM
	minEcc, maxEcc := measurements[0].Eccentricity, measurements[0].Eccentricity
	minPSF, maxPSF := measurements[0].PSFSignal, measurements[0].PSFSignal
	for _, m := range measurements {
		minFWHM, maxFWHM = minOf(minFWHM, m.FWHM), maxOf(maxFWHM, m.FWHM)
		minEcc, maxEcc = minOf(minEcc, m.Eccentricity), maxOf(maxEcc, m.Eccentricity)
		minPSF, maxPSF = minOf(minPSF, m.PSFSignal), maxOf(maxPSF, m.PSFSignal)
	}

	for _, m := range measurements {
		s := &Scored{Path: m.Path, Measurement: m}
		s.Approved = approve(m, th, maxPSF)
		if s.Approved {
			s.Weight = weight(m, minFWHM, maxFWHM, minEcc, maxEcc, minPSF, maxPSF)
		}
		g.Scored = append(g.Scored, s)
	}

	sort.Slice(g.Scored, func(i, j int) bool { return g.Scored[i].Path < g.Scored[j].Path })

	var approved []*Scored
	for _, s := range g.Scored {
		if s.Approved {
			approved = append(approved, s)
		}
	}
	sort.Slice(approved, func(i, j int) bool { return approved[i].Weight > approved[j].Weight })
	if n > len(approved) {
		n = len(approved)
	}
	g.TopN = approved[:n]
	return g, nil
}

// approve requires FWHM in range, eccentricity bounded, and PSF signal not
// catastrophically below the group max (catches clouds, closed enclosures,
// heavy light pollution).
func approve(m ipe.Measurement, th Thresholds, maxPSF float64) bool {
	if m.FWHM < th.FWHMLow || m.FWHM > th.FWHMHigh {
		return false
	}
	if m.Eccentricity > th.EccMax {
		return false
	}
	if th.PSFDivisor > 0 && m.PSFSignal*th.PSFDivisor <= maxPSF {
		return false
	}
	return true
}

// weight combines the group-normalized metrics as 15*a + 15*b + 20*p + 50,
// with FWHM and eccentricity inverted (lower is better).
func weight(m ipe.Measurement, minF, maxF, minE, maxE, minP, maxP float64) float64 {
	a := invertedNorm(m.FWHM, minF, maxF)
	b := invertedNorm(m.Eccentricity, minE, maxE)
	p := norm(m.PSFSignal, minP, maxP)
	return 15*a + 15*b + 20*p + 50
}

func norm(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}

func invertedNorm(v, lo, hi float64) float64 {
	return 1 - norm(v, lo, hi)
}

func minOf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// CopyOutputs copies approved files into the workspace's approved
// directory (as "<stem>_a.xisf") and rejected files into trash, then
// copies TOP-N into the per-group Best-N folder with rank prefixes.
func CopyOutputs(layout *workspace.Layout, g *Group, copyFile func(src, dst string) error) error {
	if err := workspace.EnsureDir(layout.Approved()); err != nil {
		return err
	}
	if err := workspace.EnsureDir(layout.Trash()); err != nil {
		return err
	}
	bestDir := layout.BestN(g.Key)
	if err := workspace.EnsureDir(bestDir); err != nil {
		return err
	}

	for _, s := range g.Scored {
		if s.Approved {
			dst := filepath.Join(layout.Approved(), workspace.ApprovedName(s.Path))
			if err := copyFile(s.Path, dst); err != nil {
				return err
			}
		} else {
			dst := filepath.Join(layout.Trash(), filepath.Base(s.Path))
			if err := copyFile(s.Path, dst); err != nil {
				return err
			}
		}
	}
	for rank, s := range g.TopN {
		dst := filepath.Join(bestDir, workspace.BestNName(s.Path, rank+1))
		if err := copyFile(s.Path, dst); err != nil {
			return err
		}
	}
	return nil
}

// WriteCSV emits the per-group CSV: 2 columns (path, weight) for mono, 4
// columns (path, weight, weight, weight) for CFA, one row per approved
// file plus one row per TOP-N file.
func WriteCSV(path string, g *Group) error {
	if err := workspace.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(0644))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	writeRow := func(s *Scored) error {
		weightStr := fmt.Sprintf("%.2f", s.Weight)
		if g.IsCFA {
			return w.Write([]string{s.Path, weightStr, weightStr, weightStr})
		}
		return w.Write([]string{s.Path, weightStr})
	}

	for _, s := range g.Scored {
		if s.Approved {
			if err := writeRow(s); err != nil {
				return err
			}
		}
	}
	for _, s := range g.TopN {
		if err := writeRow(s); err != nil {
			return err
		}
	}
	return nil
}
