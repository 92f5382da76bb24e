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

// Package ipetest is a fake ipe.Engine for exercising the orchestrator and
// its callers without a real pixel-math backend. It writes empty placeholder
// files in place of whatever the real engine would produce, so downstream
// stages see the paths they expect without needing actual FITS/XISF content.
package ipetest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/workspace"
)

// Engine is a controllable fake: Measurements supplies canned per-path
// measurement results, Fail forces a named primitive to fail, and Calls
// records every invocation for test assertions.
type Engine struct {
	Measurements map[string]ipe.Measurement
	Fail         map[string]error

	mu    sync.Mutex
	Calls []string
}

// New builds an Engine with empty tables.
func New() *Engine {
	return &Engine{Measurements: make(map[string]ipe.Measurement), Fail: make(map[string]error)}
}

func (e *Engine) record(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, name)
}

func (e *Engine) failure(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Fail[name]
}

func touch(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	out := filepath.Join(dir, name)
	if err := os.WriteFile(out, []byte{}, 0644); err != nil {
		return "", err
	}
	return out, nil
}

func (e *Engine) Calibrate(ctx context.Context, job ipe.CalibrateJob) ipe.Result {
	e.record("calibrate")
	if err := e.failure("calibrate"); err != nil {
		return ipe.Result{Err: err}
	}
	var outs []string
	for _, in := range job.LightPaths {
		out, err := touch(job.OutputDir, stem(in)+"_c.xisf")
		if err != nil {
			return ipe.Result{Err: err}
		}
		outs = append(outs, out)
	}
	return ipe.Result{OutputPaths: outs}
}

func (e *Engine) CosmeticCorrect(ctx context.Context, job ipe.CosmeticCorrectJob) ipe.Result {
	e.record("cosmeticCorrect")
	if err := e.failure("cosmeticCorrect"); err != nil {
		return ipe.Result{Err: err}
	}
	var outs []string
	for _, in := range job.InputPaths {
		out, err := touch(job.OutputDir, stem(in)+"_cc.xisf")
		if err != nil {
			return ipe.Result{Err: err}
		}
		outs = append(outs, out)
	}
	return ipe.Result{OutputPaths: outs}
}

func (e *Engine) Debayer(ctx context.Context, job ipe.DebayerJob) ipe.Result {
	e.record("debayer")
	if err := e.failure("debayer"); err != nil {
		return ipe.Result{Err: err}
	}
	var outs []string
	for _, in := range job.InputPaths {
		out, err := touch(job.OutputDir, stem(in)+"_d.xisf")
		if err != nil {
			return ipe.Result{Err: err}
		}
		outs = append(outs, out)
	}
	return ipe.Result{OutputPaths: outs}
}

func (e *Engine) Measure(ctx context.Context, job ipe.MeasureJob) ([]ipe.Measurement, error) {
	e.record("measure")
	if err := e.failure("measure"); err != nil {
		return nil, err
	}
	out := make([]ipe.Measurement, 0, len(job.InputPaths))
	for _, p := range job.InputPaths {
		if m, ok := e.Measurements[p]; ok {
			out = append(out, m)
			continue
		}
		out = append(out, ipe.Measurement{Path: p, FWHM: 3.0, Eccentricity: 0.3, PSFSignal: 100})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (e *Engine) Register(ctx context.Context, job ipe.RegisterJob) ipe.Result {
	e.record("register")
	if err := e.failure("register"); err != nil {
		return ipe.Result{Err: err}
	}
	var outs []string
	for _, in := range job.InputPaths {
		out, err := touch(job.OutputDir, stem(in)+"_r.xisf")
		if err != nil {
			return ipe.Result{Err: err}
		}
		outs = append(outs, out)
		if job.GenerateDrizzleData {
			if _, err := touch(job.OutputDir, stem(in)+"_r.xdrz"); err != nil {
				return ipe.Result{Err: err}
			}
		}
	}
	return ipe.Result{OutputPaths: outs}
}

func (e *Engine) LocalNormalize(ctx context.Context, job ipe.LocalNormalizeJob) ipe.Result {
	e.record("localNormalize")
	if err := e.failure("localNormalize"); err != nil {
		return ipe.Result{Err: err}
	}
	var outs []string
	for _, in := range job.InputPaths {
		dir := filepath.Dir(in)
		out, err := touch(dir, stem(in)+".xnml")
		if err != nil {
			return ipe.Result{Err: err}
		}
		outs = append(outs, out)
	}
	return ipe.Result{OutputPaths: outs}
}

func (e *Engine) DrizzleIntegrate(ctx context.Context, job ipe.DrizzleIntegrateJob) ipe.Result {
	e.record("drizzleIntegrate")
	if err := e.failure("drizzleIntegrate"); err != nil {
		return ipe.Result{Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return ipe.Result{Err: err}
	}
	if err := os.WriteFile(job.OutputPath, []byte{}, 0644); err != nil {
		return ipe.Result{Err: err}
	}
	weightsPath := filepath.Join(filepath.Dir(job.OutputPath), workspace.IntegratedWeightsName(job.OutputPath))
	if err := os.WriteFile(weightsPath, []byte{}, 0644); err != nil {
		return ipe.Result{Err: err}
	}
	return ipe.Result{OutputPaths: []string{job.OutputPath, weightsPath}}
}

func (e *Engine) Integrate(ctx context.Context, job ipe.IntegrateJob) ipe.Result {
	e.record("integrate")
	if err := e.failure("integrate"); err != nil {
		return ipe.Result{Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return ipe.Result{Err: err}
	}
	if err := os.WriteFile(job.OutputPath, []byte{}, 0644); err != nil {
		return ipe.Result{Err: err}
	}
	return ipe.Result{OutputPaths: []string{job.OutputPath}}
}

func stem(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
