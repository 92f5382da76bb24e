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

// Package orchestrator sequences the pipeline stages in dependency order,
// drives per-group IPE calls, surfaces progress events, honors cooperative
// cancellation, and aggregates the final run summary. All run state lives
// in one explicit Session value threaded through every stage; there are no
// package-level singletons.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mlnoga/astroplan/internal/calibmatch"
	"github.com/mlnoga/astroplan/internal/config"
	"github.com/mlnoga/astroplan/internal/fitsio"
	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/frameindex"
	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/notify"
	"github.com/mlnoga/astroplan/internal/perrors"
	"github.com/mlnoga/astroplan/internal/planner"
	"github.com/mlnoga/astroplan/internal/progress"
	"github.com/mlnoga/astroplan/internal/regplan"
	"github.com/mlnoga/astroplan/internal/selector"
	"github.com/mlnoga/astroplan/internal/workspace"
)

// GroupStatus is one group's position in the per-stage state machine:
// Queued -> Running -> (Success | Skipped | Error | Cancelled). Terminal
// states never transition.
type GroupStatus string

const (
	Queued    GroupStatus = "queued"
	Running   GroupStatus = "running"
	Success   GroupStatus = "success"
	Skipped   GroupStatus = "skipped"
	Error     GroupStatus = "error"
	Cancelled GroupStatus = "cancelled"
)

func (s GroupStatus) Terminal() bool {
	switch s {
	case Success, Skipped, Error, Cancelled:
		return true
	}
	return false
}

// StageState tracks every group's status per stage, kept separate from the
// immutable Plan itself so stage runners never mutate plan groups while
// iterating them.
type StageState struct {
	statuses map[string]map[string]GroupStatus
}

func newStageState() *StageState {
	return &StageState{statuses: make(map[string]map[string]GroupStatus)}
}

func (s *StageState) Set(stage, groupKey string, status GroupStatus) {
	if s.statuses[stage] == nil {
		s.statuses[stage] = make(map[string]GroupStatus)
	}
	s.statuses[stage][groupKey] = status
}

func (s *StageState) Get(stage, groupKey string) GroupStatus {
	return s.statuses[stage][groupKey]
}

// Process exit statuses.
const (
	ExitSuccess           = 0
	ExitPlanFailure       = 2
	ExitReferenceFailure  = 3
	ExitIPEFailure        = 4
	ExitCancelled         = 5
)

// Session is the explicit, non-global run context threaded through every stage.
type Session struct {
	RunID  string
	Config config.Config
	Layout *workspace.Layout
	Bus    *progress.Bus
	Engine ipe.Engine
	Notify notify.Sink
	NowFn  func() string

	reader  *fitsio.Reader
	state   *StageState
	summary notify.Summary
}

// NewSession builds a Session ready to Run.
func NewSession(cfg config.Config, engine ipe.Engine, bus *progress.Bus, notifySink notify.Sink, nowFn func() string) *Session {
	if bus == nil {
		bus = progress.NewBus()
	}
	return &Session{
		RunID:  uuid.NewString(),
		Config: cfg,
		Layout: workspace.New(cfg.WorkspaceRoot, cfg.MastersRoot),
		Bus:    bus,
		Engine: engine,
		Notify: notifySink,
		NowFn:  nowFn,
		reader: fitsio.NewReader(),
		state:  newStageState(),
	}
}

// stageTimer measures one stage's wall-clock for progress events; timers
// never drive work.
type stageTimer struct{ start time.Time }

func newStageTimer() stageTimer       { return stageTimer{start: time.Now()} }
func (t stageTimer) elapsedMs() int64 { return time.Since(t.start).Milliseconds() }

// Run executes every stage in dependency order and returns the process exit
// status.
func (s *Session) Run(ctx context.Context) (int, error) {
	if err := s.Config.Validate(); err != nil {
		return ExitPlanFailure, err
	}
	if s.NowFn != nil {
		s.summary.StartedUTC = s.NowFn()
	}

	rawIdx, err := s.indexStage(ctx, "index-raw", s.Config.RawCalibrationsRoot, frame.ScanRawCalibration)
	if err != nil {
		return s.fail(ExitPlanFailure, err)
	}
	lightsIdx, err := s.indexStage(ctx, "index-lights", s.Config.LightsRoot, frame.ScanLights)
	if err != nil {
		return s.fail(ExitPlanFailure, err)
	}

	plan, err := planner.Build(rawIdx.Items)
	if err != nil {
		return s.fail(ExitPlanFailure, err)
	}
	for _, d := range plan.Dropped {
		s.Bus.Emit(progress.Event{Stage: "master-build", GroupKey: d.Key, Phase: progress.PhaseError,
			Note: fmt.Sprintf("dropped: %d frames below minimum of 30", d.Count)})
	}

	if err := ctx.Err(); err != nil {
		return s.cancelled()
	}
	if _, err := s.masterBuildStage(ctx, plan); err != nil {
		return s.fail(ExitIPEFailure, err)
	}

	mastersIdx, err := s.indexStage(ctx, "reindex-masters", s.Config.MastersRoot, frame.ScanMasters)
	if err != nil {
		return s.fail(ExitPlanFailure, err)
	}

	if err := ctx.Err(); err != nil {
		return s.cancelled()
	}
	calPlan := s.calibrationPlanStage(lightsIdx.Items, mastersIdx.Items)
	if len(calPlan.Groups) == 0 {
		return s.fail(ExitPlanFailure, perrors.New(perrors.PlanError, "no light was matched to a full set of masters"))
	}
	if s.Config.HaltOnUnmatchedLight && len(calPlan.Skipped) > 0 {
		return s.fail(ExitPlanFailure, perrors.New(perrors.PlanError,
			fmt.Sprintf("%d light(s) had no eligible masters and haltOnUnmatchedLight is set", len(calPlan.Skipped))))
	}

	if err := ctx.Err(); err != nil {
		return s.cancelled()
	}
	calibratedByGroup, err := s.calibrateStage(ctx, calPlan)
	if err != nil {
		return s.fail(ExitIPEFailure, err)
	}

	if err := ctx.Err(); err != nil {
		return s.cancelled()
	}
	cosmeticByGroup, err := s.cosmeticStage(ctx, calibratedByGroup)
	if err != nil {
		return s.fail(ExitIPEFailure, err)
	}

	if err := ctx.Err(); err != nil {
		return s.cancelled()
	}
	finalByGroup, err := s.debayerStage(ctx, calPlan, cosmeticByGroup)
	if err != nil {
		return s.fail(ExitIPEFailure, err)
	}

	if err := ctx.Err(); err != nil {
		return s.cancelled()
	}
	acqGroups, err := s.selectStage(ctx, calPlan, finalByGroup)
	if err != nil {
		return s.fail(ExitIPEFailure, err)
	}

	if err := ctx.Err(); err != nil {
		return s.cancelled()
	}
	if err := s.registrationStage(ctx, acqGroups); err != nil {
		switch {
		case perrors.Is(err, perrors.CancelledError):
			return s.cancelled()
		case perrors.Is(err, perrors.PlanError), perrors.Is(err, perrors.StageFatal):
			// Both ways the reference can fail: no G/OIII group at all
			// (PlanError), or an empty/overfull TOP-N folder (StageFatal).
			return s.fail(ExitReferenceFailure, err)
		default:
			return s.fail(ExitIPEFailure, err)
		}
	}

	return s.succeed()
}

func (s *Session) indexStage(ctx context.Context, stage, root string, scan frame.ScanKind) (*frameindex.Index, error) {
	if root == "" {
		return &frameindex.Index{}, nil
	}
	s.Bus.Emit(progress.Event{Stage: stage, GroupKey: root, Phase: progress.PhaseRunning})
	ix := &frameindex.Indexer{Reader: s.reader, Bus: s.Bus}
	indexPath := filepath.Join(s.Config.WorkspaceRoot, stage+".json")
	prev, _ := frameindex.Load(indexPath) // no prior index is not an error: full walk
	idx, err := ix.WalkResume(root, scan, s.NowFn, prev)
	if err != nil {
		s.Bus.Emit(progress.Event{Stage: stage, GroupKey: root, Phase: progress.PhaseError, Note: err.Error()})
		return nil, err
	}
	s.Bus.Emit(progress.Event{Stage: stage, GroupKey: root, Phase: progress.PhaseComplete, Processed: idx.Count, Total: idx.Count})
	if err := frameindex.Save(idx, indexPath); err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *Session) masterBuildStage(ctx context.Context, plan *planner.Plan) ([]string, error) {
	tm := newStageTimer()
	var paths []string
	groups := append(append(append([]*planner.Group{}, plan.DarkGroups...), plan.DarkFlatGroups...), plan.FlatGroups...)
	total := len(groups)
	processed := 0

	for _, g := range groups {
		if ctx.Err() != nil {
			s.state.Set("master-build", g.Key, Cancelled)
			continue
		}
		s.state.Set("master-build", g.Key, Running)
		s.Bus.Emit(progress.Event{Stage: "master-build", GroupKey: g.Key, Phase: progress.PhaseRunning, Processed: processed, Total: total})

		if s.Config.DryRun {
			s.state.Set("master-build", g.Key, Success)
			processed++
			continue
		}

		job := planner.IntegrationJob(s.Layout, g)
		if err := workspace.EnsureDir(filepath.Dir(job.OutputPath)); err != nil {
			s.state.Set("master-build", g.Key, Error)
			return nil, err
		}

		// Flats with a matched dark-flat are calibrated against its master
		// first; the calibrated copies land in the temp folder and feed the
		// integration instead of the raw frames. Raw-fallback flats
		// integrate uncalibrated.
		if g.Kind == frame.KindFlat && g.DarkFlatMaster != nil {
			if err := workspace.EnsureDir(s.Layout.FlatTemp()); err != nil {
				s.state.Set("master-build", g.Key, Error)
				return nil, err
			}
			calRes := s.Engine.Calibrate(ctx, ipe.CalibrateJob{
				LightPaths: job.InputPaths,
				DarkPath:   planner.MasterPath(s.Layout, g.DarkFlatMaster),
				OutputDir:  s.Layout.FlatTemp(),
				Resources:  ipe.DefaultResources(),
			})
			if calRes.Err != nil {
				s.state.Set("master-build", g.Key, Error)
				s.Bus.Emit(progress.Event{Stage: "master-build", GroupKey: g.Key, Phase: progress.PhaseError, Note: calRes.Err.Error(), ElapsedMs: tm.elapsedMs()})
				return nil, perrors.Wrap(perrors.StageError, calRes.Err, fmt.Sprintf("calibrating flat group %s with its dark-flat", g.Key))
			}
			job.InputPaths = calRes.OutputPaths
		}

		res := s.Engine.Integrate(ctx, job)
		if res.Err != nil {
			s.state.Set("master-build", g.Key, Error)
			s.Bus.Emit(progress.Event{Stage: "master-build", GroupKey: g.Key, Phase: progress.PhaseError, Note: res.Err.Error(), ElapsedMs: tm.elapsedMs()})
			return nil, perrors.Wrap(perrors.StageError, res.Err, fmt.Sprintf("integrating master group %s", g.Key))
		}
		s.state.Set("master-build", g.Key, Success)
		paths = append(paths, res.OutputPaths...)

		if g.Kind == frame.KindFlat && g.RawFallback {
			s.summary.FlatsWithoutDarkFlat = append(s.summary.FlatsWithoutDarkFlat, job.OutputPath)
		}
		s.summary.MastersBuilt = append(s.summary.MastersBuilt, job.OutputPath)
		processed++
	}
	s.Bus.Emit(progress.Event{Stage: "master-build", Phase: progress.PhaseComplete, Processed: processed, Total: total, ElapsedMs: tm.elapsedMs()})
	return paths, nil
}

func (s *Session) calibrationPlanStage(lights, masters []*frame.Frame) *calibmatch.Plan {
	m := calibmatch.Masters{}
	for _, f := range masters {
		switch f.Kind {
		case frame.KindMasterBias:
			m.Bias = append(m.Bias, f)
		case frame.KindMasterDark:
			m.Dark = append(m.Dark, f)
		case frame.KindMasterFlat:
			m.Flat = append(m.Flat, f)
		}
	}
	plan := calibmatch.Build(lights, m, calibmatch.Options{UseBias: s.Config.UseBias}, s.NowFn)
	s.summary.LightsTotal = len(lights)
	s.summary.LightsSkipped = len(plan.Skipped)
	_ = calibmatch.Save(plan, filepath.Join(s.Config.WorkspaceRoot, "calibration-plan.json"))
	return plan
}

func (s *Session) calibrateStage(ctx context.Context, plan *calibmatch.Plan) (map[string][]string, error) {
	tm := newStageTimer()
	out := make(map[string][]string)
	keys := sortedKeys(plan.Groups)
	for _, key := range keys {
		g := plan.Groups[key]
		if ctx.Err() != nil {
			s.state.Set("calibrate", key, Cancelled)
			continue
		}
		s.state.Set("calibrate", key, Running)
		s.Bus.Emit(progress.Event{Stage: "calibrate", GroupKey: key, Phase: progress.PhaseRunning, Total: len(g.Lights)})

		if s.Config.DryRun {
			out[key] = g.Lights
			s.state.Set("calibrate", key, Success)
			continue
		}
		if err := workspace.EnsureDir(s.Layout.Calibrated()); err != nil {
			return nil, err
		}
		res := s.Engine.Calibrate(ctx, ipe.CalibrateJob{
			LightPaths: g.Lights, BiasPath: g.BiasPath, DarkPath: g.DarkPath, FlatPath: g.FlatPath,
			OutputDir: s.Layout.Calibrated(), Resources: ipe.DefaultResources(),
		})
		if res.Err != nil {
			s.state.Set("calibrate", key, Error)
			s.Bus.Emit(progress.Event{Stage: "calibrate", GroupKey: key, Phase: progress.PhaseError, Note: res.Err.Error(), ElapsedMs: tm.elapsedMs()})
			continue
		}
		out[key] = res.OutputPaths
		s.state.Set("calibrate", key, Success)
		s.Bus.Emit(progress.Event{Stage: "calibrate", GroupKey: key, Phase: progress.PhaseComplete, Processed: len(res.OutputPaths), Total: len(g.Lights), ElapsedMs: tm.elapsedMs()})
	}
	return out, nil
}

func (s *Session) cosmeticStage(ctx context.Context, calibratedByGroup map[string][]string) (map[string][]string, error) {
	tm := newStageTimer()
	out := make(map[string][]string)
	for _, key := range sortedStringKeys(calibratedByGroup) {
		paths := calibratedByGroup[key]
		if ctx.Err() != nil {
			s.state.Set("cosmetic", key, Cancelled)
			continue
		}
		s.state.Set("cosmetic", key, Running)
		s.Bus.Emit(progress.Event{Stage: "cosmetic", GroupKey: key, Phase: progress.PhaseRunning, Total: len(paths)})

		if s.Config.DryRun {
			out[key] = paths
			s.state.Set("cosmetic", key, Success)
			continue
		}
		if err := workspace.EnsureDir(s.Layout.Cosmetic()); err != nil {
			return nil, err
		}
		res := s.Engine.CosmeticCorrect(ctx, ipe.CosmeticCorrectJob{InputPaths: paths, OutputDir: s.Layout.Cosmetic(), Resources: ipe.DefaultResources()})
		if res.Err != nil {
			s.state.Set("cosmetic", key, Error)
			s.Bus.Emit(progress.Event{Stage: "cosmetic", GroupKey: key, Phase: progress.PhaseError, Note: res.Err.Error(), ElapsedMs: tm.elapsedMs()})
			continue
		}
		out[key] = res.OutputPaths
		s.state.Set("cosmetic", key, Success)
		s.Bus.Emit(progress.Event{Stage: "cosmetic", GroupKey: key, Phase: progress.PhaseComplete, Processed: len(res.OutputPaths), Total: len(paths), ElapsedMs: tm.elapsedMs()})
	}
	return out, nil
}

// debayerStage runs only for CFA groups; mono groups pass through.
func (s *Session) debayerStage(ctx context.Context, plan *calibmatch.Plan, cosmeticByGroup map[string][]string) (map[string][]string, error) {
	tm := newStageTimer()
	out := make(map[string][]string)
	for _, key := range sortedStringKeys(cosmeticByGroup) {
		paths := cosmeticByGroup[key]
		g := plan.Groups[key]
		if g == nil || !g.IsCFA {
			out[key] = paths
			continue
		}
		if ctx.Err() != nil {
			s.state.Set("debayer", key, Cancelled)
			continue
		}
		s.state.Set("debayer", key, Running)
		s.Bus.Emit(progress.Event{Stage: "debayer", GroupKey: key, Phase: progress.PhaseRunning, Total: len(paths)})

		if s.Config.DryRun {
			out[key] = paths
			s.state.Set("debayer", key, Success)
			continue
		}
		if err := workspace.EnsureDir(s.Layout.Debayered()); err != nil {
			return nil, err
		}
		bayerPattern := bayerOf(plan, key)
		res := s.Engine.Debayer(ctx, ipe.DebayerJob{InputPaths: paths, BayerPattern: bayerPattern, OutputDir: s.Layout.Debayered(), Resources: ipe.DefaultResources()})
		if res.Err != nil {
			s.state.Set("debayer", key, Error)
			s.Bus.Emit(progress.Event{Stage: "debayer", GroupKey: key, Phase: progress.PhaseError, Note: res.Err.Error(), ElapsedMs: tm.elapsedMs()})
			continue
		}
		out[key] = res.OutputPaths
		s.state.Set("debayer", key, Success)
		s.Bus.Emit(progress.Event{Stage: "debayer", GroupKey: key, Phase: progress.PhaseComplete, Processed: len(res.OutputPaths), Total: len(paths), ElapsedMs: tm.elapsedMs()})
	}
	return out, nil
}

func bayerOf(plan *calibmatch.Plan, key string) string {
	g := plan.Groups[key]
	if g == nil {
		return ""
	}
	return g.BayerPattern
}

func (s *Session) selectStage(ctx context.Context, plan *calibmatch.Plan, finalByGroup map[string][]string) ([]regplan.AcqGroup, error) {
	tm := newStageTimer()
	var acqGroups []regplan.AcqGroup
	n := s.Config.TopN()

	for _, key := range sortedStringKeys(finalByGroup) {
		g := plan.Groups[key]
		paths := finalByGroup[key]
		acqKey := g.AcquisitionKey()
		if ctx.Err() != nil {
			s.state.Set("select", acqKey, Cancelled)
			continue
		}
		s.state.Set("select", acqKey, Running)
		s.Bus.Emit(progress.Event{Stage: "select", GroupKey: acqKey, Phase: progress.PhaseRunning, Total: len(paths)})

		th := selector.DefaultThresholds(s.Config.FWHMLow, s.Config.FWHMHigh, s.Config.PSFDivisor)
		sg, err := selector.Select(ctx, s.Engine, acqKey, g.IsCFA, paths, s.Config.PlateScale, s.Config.CameraGain, th, n)
		if err != nil {
			s.state.Set("select", acqKey, Error)
			s.Bus.Emit(progress.Event{Stage: "select", GroupKey: acqKey, Phase: progress.PhaseError, Note: err.Error(), ElapsedMs: tm.elapsedMs()})
			return nil, perrors.Wrap(perrors.StageError, err, fmt.Sprintf("measuring group %s", acqKey))
		}

		if !s.Config.DryRun {
			if err := selector.CopyOutputs(s.Layout, sg, copyFile); err != nil {
				return nil, err
			}
			csvPath := filepath.Join(s.Layout.Approved(), workspace.Sanitize(acqKey)+".csv")
			if err := selector.WriteCSV(csvPath, sg); err != nil {
				return nil, err
			}
		}

		var approvedPaths []string
		for _, sc := range sg.Scored {
			if sc.Approved {
				approvedPaths = append(approvedPaths, filepath.Join(s.Layout.Approved(), workspace.ApprovedName(sc.Path)))
			}
		}
		acqGroups = append(acqGroups, regplan.AcqGroup{
			Key: acqKey, Object: g.Object, Filter: g.Filter, IsCFA: g.IsCFA, Exposure: g.Exposure, ApprovedPaths: approvedPaths,
		})
		s.state.Set("select", acqKey, Success)
		s.Bus.Emit(progress.Event{Stage: "select", GroupKey: acqKey, Phase: progress.PhaseComplete, Processed: len(sg.Scored), Total: len(paths), ElapsedMs: tm.elapsedMs()})
	}
	return acqGroups, nil
}

func (s *Session) registrationStage(ctx context.Context, acqGroups []regplan.AcqGroup) error {
	tm := newStageTimer()
	targets := uniqueObjects(acqGroups)
	regGroups := regplan.Regroup(acqGroups)

	for _, target := range targets {
		if ctx.Err() != nil {
			return perrors.New(perrors.CancelledError, "cancelled before registration stage completed")
		}
		ref, err := regplan.SelectReference(target, acqGroups)
		if err != nil {
			return err
		}
		refFile, err := regplan.ReferenceFile(s.Layout, ref)
		if err != nil {
			return err
		}

		var targetApproved []string
		for _, ag := range acqGroups {
			if ag.Object == target {
				targetApproved = append(targetApproved, ag.ApprovedPaths...)
			}
		}

		s.Bus.Emit(progress.Event{Stage: "register", GroupKey: target, Phase: progress.PhaseRunning, Total: len(targetApproved)})
		if s.Config.DryRun {
			s.Bus.Emit(progress.Event{Stage: "register", GroupKey: target, Phase: progress.PhaseComplete, ElapsedMs: tm.elapsedMs()})
			continue
		}
		if err := workspace.EnsureDir(s.Layout.ApprovedSet()); err != nil {
			return err
		}
		regRes := s.Engine.Register(ctx, regplan.RegisterJob(s.Layout, refFile, targetApproved))
		if regRes.Err != nil {
			s.Bus.Emit(progress.Event{Stage: "register", GroupKey: target, Phase: progress.PhaseError, Note: regRes.Err.Error(), ElapsedMs: tm.elapsedMs()})
			return perrors.Wrap(perrors.StageError, regRes.Err, fmt.Sprintf("registering target %s", target))
		}
		s.Bus.Emit(progress.Event{Stage: "register", GroupKey: target, Phase: progress.PhaseComplete, Processed: len(regRes.OutputPaths), Total: len(targetApproved), ElapsedMs: tm.elapsedMs()})

		refApprovedPath := filepath.Join(s.Layout.Approved(), workspace.ApprovedNameFromBestN(refFile))
		refRegistered := filepath.Join(s.Layout.ApprovedSet(), workspace.RegisteredName(refApprovedPath))
		normRes := s.Engine.LocalNormalize(ctx, regplan.LocalNormalizeJob(refRegistered, regRes.OutputPaths))
		if normRes.Err != nil {
			s.Bus.Emit(progress.Event{Stage: "normalize", GroupKey: target, Phase: progress.PhaseError, Note: normRes.Err.Error(), ElapsedMs: tm.elapsedMs()})
			return perrors.Wrap(perrors.StageError, normRes.Err, fmt.Sprintf("normalizing target %s", target))
		}
		s.Bus.Emit(progress.Event{Stage: "normalize", GroupKey: target, Phase: progress.PhaseComplete, Processed: len(normRes.OutputPaths), ElapsedMs: tm.elapsedMs()})
	}

	if err := workspace.EnsureDir(s.Layout.Integrated()); err != nil {
		return err
	}
	for _, rg := range regGroups {
		if ctx.Err() != nil {
			return perrors.New(perrors.CancelledError, "cancelled before integration stage completed")
		}
		var xdrz, xnml []string
		for _, p := range rg.ApprovedPaths {
			registered := filepath.Join(s.Layout.ApprovedSet(), workspace.RegisteredName(p))
			xdrz = append(xdrz, workspace.RegisteredDrizzleSidecar(registered))
			if !s.Config.DryRun {
				xnml = append(xnml, workspace.NormalizedSidecar(registered))
			}
		}
		job := regplan.DrizzleIntegrateJob(s.Layout, rg, xdrz, xnml, s.Config.DrizzleScale)
		s.Bus.Emit(progress.Event{Stage: "integrate", GroupKey: rg.Key(), Phase: progress.PhaseRunning, Total: len(xdrz)})

		if s.Config.DryRun {
			s.Bus.Emit(progress.Event{Stage: "integrate", GroupKey: rg.Key(), Phase: progress.PhaseComplete, ElapsedMs: tm.elapsedMs()})
			continue
		}
		res := s.Engine.DrizzleIntegrate(ctx, job)
		if res.Err != nil {
			s.Bus.Emit(progress.Event{Stage: "integrate", GroupKey: rg.Key(), Phase: progress.PhaseError, Note: res.Err.Error(), ElapsedMs: tm.elapsedMs()})
			return perrors.Wrap(perrors.StageError, res.Err, fmt.Sprintf("integrating %s", rg.Key()))
		}
		s.summary.IntegratedOutputs = append(s.summary.IntegratedOutputs, res.OutputPaths...)
		s.Bus.Emit(progress.Event{Stage: "integrate", GroupKey: rg.Key(), Phase: progress.PhaseComplete, Processed: len(res.OutputPaths), ElapsedMs: tm.elapsedMs()})
	}
	return nil
}

func (s *Session) fail(status int, err error) (int, error) {
	s.summary.Errors = append(s.summary.Errors, err.Error())
	s.summary.ExitStatus = status
	s.finish()
	return status, err
}

func (s *Session) cancelled() (int, error) {
	s.summary.ExitStatus = ExitCancelled
	s.finish()
	return ExitCancelled, perrors.New(perrors.CancelledError, "run cancelled")
}

func (s *Session) succeed() (int, error) {
	s.summary.ExitStatus = ExitSuccess
	s.finish()
	return ExitSuccess, nil
}

func (s *Session) finish() {
	s.summary.RunID = s.RunID
	if s.NowFn != nil {
		s.summary.FinishedUTC = s.NowFn()
	}
	if s.Config.WorkspaceRoot != "" && !s.Config.DryRun {
		if data, err := json.MarshalIndent(s.summary, "", "  "); err == nil {
			_ = os.WriteFile(filepath.Join(s.Config.WorkspaceRoot, "run-summary.json"), data, 0644)
		}
	}
	s.Bus.Sync()
	if s.Notify != nil {
		_ = s.Notify.Notify(context.Background(), s.summary)
	}
}

func sortedKeys(m map[string]*calibmatch.PlanGroup) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueObjects(acqGroups []regplan.AcqGroup) []string {
	seen := make(map[string]bool)
	var objects []string
	for _, ag := range acqGroups {
		if !seen[ag.Object] {
			seen[ag.Object] = true
			objects = append(objects, ag.Object)
		}
	}
	sort.Strings(objects)
	return objects
}

// copyFile is the default workspace-copy primitive for CopyOutputs; stage
// code may substitute its own in tests.
func copyFile(src, dst string) error {
	return workspace.CopyFile(src, dst)
}
