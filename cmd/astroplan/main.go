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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/astroplan/internal/config"
	"github.com/mlnoga/astroplan/internal/httpapi"
	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/notify"
	"github.com/mlnoga/astroplan/internal/orchestrator"
	"github.com/mlnoga/astroplan/internal/progress"
)

const version = "0.1.0"

var rawCalibrations = flag.String("rawCalibrations", "", "root directory of raw bias/dark/flat calibration frames")
var lights = flag.String("lights", "", "root directory of light frames")
var masters = flag.String("masters", "", "root directory of the master-frame library")
var workspaceDir = flag.String("workspace", "", "root directory for intermediate and output artifacts")

var useBias = flag.Bool("useBias", true, "subtract a bias master in addition to a dark master")
var autoReference = flag.Bool("autoReference", false, "elect a single TOP-1 reference instead of TOP-5")

var plateScale = flag.Float64("plateScale", 1.0, "plate scale in arcsec/pixel")
var cameraGain = flag.Float64("cameraGain", 1.0, "camera gain in e-/ADU")

var fwhmLow = flag.Float64("fwhmLow", 1.5, "lower FWHM approval threshold, pixels")
var fwhmHigh = flag.Float64("fwhmHigh", 8.0, "upper FWHM approval threshold, pixels")
var psfDivisor = flag.Float64("psfDivisor", 3.0, "PSF-signal rejection divisor")

var drizzleScale = flag.Int("drizzleScale", 1, "drizzle integration scale: 1, 2, or 3")
var notifyEndpoint = flag.String("notify", "", "webhook endpoint to post the run summary to")

var dryRun = flag.Bool("dryRun", false, "plan every stage without invoking the image processing engine")
var haltOnUnmatchedLight = flag.Bool("haltOnUnmatchedLight", false, "halt the run instead of skipping a light with no eligible masters")

var serve = flag.Bool("serve", false, "serve the REST/WebSocket API instead of running once from flags")
var port = flag.String("port", ":8080", "address to serve the REST/WebSocket API on")

var jobFile = flag.String("job", "", "JSON config file to run instead of the individual flags above")

func main() {
	flag.Parse()

	if *serve {
		runServer()
		return
	}

	cfg, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "astroplan %s: %s\n", version, err)
		os.Exit(orchestrator.ExitPlanFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		cancel()
	}()

	bus := progress.NewBus()
	if err := bus.AlsoLogToFile("astroplan.log"); err != nil {
		fmt.Fprintf(os.Stderr, "astroplan %s: cannot open log file: %s\n", version, err)
	}

	var notifySink notify.Sink
	if cfg.NotificationEndpoint != "" {
		notifySink = notify.NewWebhookSink(cfg.NotificationEndpoint)
	}

	engine := ipe.NewUnavailableEngine() // the real engine binds at deployment time
	session := orchestrator.NewSession(cfg, engine, bus, notifySink, nowUTC)

	status, runErr := session.Run(ctx)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "astroplan %s: %s\n", version, runErr)
	}
	os.Exit(status)
}

func runServer() {
	engine := ipe.NewUnavailableEngine()
	runner := httpapi.NewRunner(engine, nowUTC)

	r := gin.Default()
	runner.Serve(r)
	if err := r.Run(*port); err != nil {
		fmt.Fprintf(os.Stderr, "astroplan %s: server exited: %s\n", version, err)
		os.Exit(orchestrator.ExitIPEFailure)
	}
}

func buildConfig() (config.Config, error) {
	if *jobFile != "" {
		return loadJobFile(*jobFile)
	}
	return config.Config{
		RawCalibrationsRoot:  *rawCalibrations,
		LightsRoot:           *lights,
		MastersRoot:          *masters,
		WorkspaceRoot:        *workspaceDir,
		UseBias:              *useBias,
		AutoReference:        *autoReference,
		PlateScale:           *plateScale,
		CameraGain:           *cameraGain,
		FWHMLow:              *fwhmLow,
		FWHMHigh:             *fwhmHigh,
		PSFDivisor:           *psfDivisor,
		DrizzleScale:         *drizzleScale,
		NotificationEndpoint: *notifyEndpoint,
		DryRun:               *dryRun,
		HaltOnUnmatchedLight: *haltOnUnmatchedLight,
	}, nil
}

func loadJobFile(path string) (config.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("opening %s: %w", path, err)
	}
	var cfg config.Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05")
}
