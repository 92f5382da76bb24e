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

// Package ipe declares the Image Processing Engine boundary: the eight
// pixel-level primitives the orchestrator drives but never implements
// itself. Every struct here is a job description the core hands to the
// engine; none of them touch pixels. Job structs hold only paths and
// recipe parameters, so the concrete engine implementation can live
// behind any process boundary.
package ipe

import (
	"context"
	"runtime"

	"github.com/pbnjay/memory"

	"github.com/mlnoga/astroplan/internal/perrors"
)

var errNoEngine = perrors.New(perrors.StageFatal, "no image processing engine configured")

// RejectionProfile parametrizes the rejection-based combine used by Integrate.
type RejectionProfile struct {
	Combine               string  `json:"combine"`               // "average"
	Normalization         string  `json:"normalization,omitempty"` // "", "multiplicative"
	Rejection             string  `json:"rejection"`             // "linearFit"
	RejectionLow          float64 `json:"rejectionLow"`
	RejectionHigh         float64 `json:"rejectionHigh"`
	RejectionNormalization string `json:"rejectionNormalization,omitempty"` // "", "equalizeFluxes"
}

// DarkProfile is the Dark/Dark-Flat master integration recipe: plain
// average, linear-fit rejection, no normalization.
var DarkProfile = RejectionProfile{Combine: "average", Rejection: "linearFit", RejectionLow: 4.0, RejectionHigh: 2.0}

// FlatProfile is the Flat master integration recipe: multiplicative
// normalization with flux-equalized linear-fit rejection.
var FlatProfile = RejectionProfile{
	Combine: "average", Normalization: "multiplicative",
	Rejection: "linearFit", RejectionLow: 5.0, RejectionHigh: 2.5,
	RejectionNormalization: "equalizeFluxes",
}

// Resources describes the thread and memory budget handed to a primitive
// call: how many file-read/file-write threads and what memory load limit
// the engine may use.
type Resources struct {
	MemoryLoadPercent int
	ReadThreads       int
	WriteThreads      int
	ThreadOverload    float64
}

const defaultMemoryLoadPercent = 85

// DefaultResources returns the driver-default resource budget: a fixed 85%
// memory load rather than a user flag, one read and one write thread per
// usable CPU (GOMAXPROCS), and a 1.1 thread overload. It does not read
// physical memory.
func DefaultResources() Resources {
	cpus := runtime.GOMAXPROCS(0)
	return Resources{
		MemoryLoadPercent: defaultMemoryLoadPercent,
		ReadThreads:       cpus,
		WriteThreads:      cpus,
		ThreadOverload:    1.1,
	}
}

// NormalizationResources is the fixed 1 read / 1 write budget LocalNormalize runs under.
func NormalizationResources() Resources {
	return Resources{MemoryLoadPercent: defaultMemoryLoadPercent, ReadThreads: 1, WriteThreads: 1, ThreadOverload: 1.0}
}

// AvailableMemoryMiB reports physical memory, for operators sizing their
// own diagnostics at startup.
func AvailableMemoryMiB() int64 {
	return int64(memory.TotalMemory() / 1024 / 1024)
}

// CalibrateJob instructs the engine to subtract bias/dark and divide by flat.
type CalibrateJob struct {
	LightPaths []string `json:"lightPaths"`
	BiasPath   string   `json:"biasPath,omitempty"`
	DarkPath   string   `json:"darkPath,omitempty"`
	FlatPath   string   `json:"flatPath,omitempty"`
	OutputDir  string   `json:"outputDir"`
	Resources  Resources `json:"-"`
}

// CosmeticCorrectJob instructs the engine to remove hot/cold pixels.
type CosmeticCorrectJob struct {
	InputPaths []string  `json:"inputPaths"`
	OutputDir  string    `json:"outputDir"`
	Resources  Resources `json:"-"`
}

// DebayerJob instructs the engine to demosaic CFA frames.
type DebayerJob struct {
	InputPaths   []string  `json:"inputPaths"`
	BayerPattern string    `json:"bayerPattern"`
	OutputDir    string    `json:"outputDir"`
	Resources    Resources `json:"-"`
}

// Measurement is one file's star-shape metrics.
type Measurement struct {
	Path        string  `json:"path"`
	FWHM        float64 `json:"fwhm"`
	Eccentricity float64 `json:"eccentricity"`
	PSFSignal   float64 `json:"psfSignal"`
}

// MeasureJob instructs the engine to measure FWHM/eccentricity/PSF signal per file.
type MeasureJob struct {
	InputPaths []string  `json:"inputPaths"`
	PlateScale float64   `json:"plateScale"`
	CameraGain float64   `json:"cameraGain"`
	Resources  Resources `json:"-"`
}

// RegisterJob instructs the engine to align files to a reference, emitting
// a drizzle-data sidecar per output.
type RegisterJob struct {
	ReferencePath string    `json:"referencePath"`
	InputPaths    []string  `json:"inputPaths"`
	OutputDir     string    `json:"outputDir"`
	GenerateDrizzleData bool `json:"generateDrizzleData"`
	Resources     Resources `json:"-"`
}

// LocalNormalizeJob instructs the engine to locally normalize registered
// frames against a reference's drizzle data.
type LocalNormalizeJob struct {
	ReferenceXdrzPath string    `json:"referenceXdrzPath"`
	InputPaths        []string  `json:"inputPaths"`
	Resources         Resources `json:"-"`
}

// DrizzleIntegrateJob instructs the engine to combine registered +
// normalized frames via drizzle into a super-sampled output plus a
// weights sibling.
type DrizzleIntegrateJob struct {
	XdrzPaths  []string  `json:"xdrzPaths"`
	XnmlPaths  []string  `json:"xnmlPaths,omitempty"`
	Scale      int       `json:"scale"` // 1, 2, or 3
	OutputPath string    `json:"outputPath"`
	Resources  Resources `json:"-"`
}

// IntegrateJob instructs the engine to combine master-calibration candidates
// via a RejectionProfile.
type IntegrateJob struct {
	InputPaths []string          `json:"inputPaths"`
	Profile    RejectionProfile  `json:"profile"`
	OutputPath string            `json:"outputPath"`
	Resources  Resources         `json:"-"`
}

// Result is the outcome of one primitive invocation: the produced file(s),
// or an error the orchestrator reports as a per-group stage failure.
type Result struct {
	OutputPaths []string
	Err         error
}

// unavailableEngine rejects every primitive call. It stands in for the real
// engine binding until a deployment wires one in; failing loudly beats
// silently no-opping.
type unavailableEngine struct{}

// NewUnavailableEngine returns an Engine whose every primitive fails with a
// StageFatal error. Use it only as a placeholder; wire a real implementation
// before running against actual data.
func NewUnavailableEngine() Engine { return unavailableEngine{} }

func (unavailableEngine) err() error {
	return errNoEngine
}

func (e unavailableEngine) Calibrate(ctx context.Context, job CalibrateJob) Result {
	return Result{Err: e.err()}
}
func (e unavailableEngine) CosmeticCorrect(ctx context.Context, job CosmeticCorrectJob) Result {
	return Result{Err: e.err()}
}
func (e unavailableEngine) Debayer(ctx context.Context, job DebayerJob) Result {
	return Result{Err: e.err()}
}
func (e unavailableEngine) Measure(ctx context.Context, job MeasureJob) ([]Measurement, error) {
	return nil, e.err()
}
func (e unavailableEngine) Register(ctx context.Context, job RegisterJob) Result {
	return Result{Err: e.err()}
}
func (e unavailableEngine) LocalNormalize(ctx context.Context, job LocalNormalizeJob) Result {
	return Result{Err: e.err()}
}
func (e unavailableEngine) DrizzleIntegrate(ctx context.Context, job DrizzleIntegrateJob) Result {
	return Result{Err: e.err()}
}
func (e unavailableEngine) Integrate(ctx context.Context, job IntegrateJob) Result {
	return Result{Err: e.err()}
}

// Engine is the external collaborator the orchestrator drives. One call
// per logical group, never per file.
type Engine interface {
	Calibrate(ctx context.Context, job CalibrateJob) Result
	CosmeticCorrect(ctx context.Context, job CosmeticCorrectJob) Result
	Debayer(ctx context.Context, job DebayerJob) Result
	Measure(ctx context.Context, job MeasureJob) ([]Measurement, error)
	Register(ctx context.Context, job RegisterJob) Result
	LocalNormalize(ctx context.Context, job LocalNormalizeJob) Result
	DrizzleIntegrate(ctx context.Context, job DrizzleIntegrateJob) Result
	Integrate(ctx context.Context, job IntegrateJob) Result
}
