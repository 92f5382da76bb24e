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

package frame

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mlnoga/astroplan/internal/fitsio"
)

// Sentinel parse failures. The indexer records their text as per-file
// entries in the index's error list; DarkFlatSkipped is expected and non-fatal.
var (
	ErrDarkFlatSkipped     = errors.New("dark-flat skipped: handled by the master builder planner")
	ErrMissingIdentity     = errors.New("missing identity: telescope/instrument absent and not recoverable")
	ErrUnknownKind         = errors.New("unknown frame kind")
	ErrMissingLightFields  = errors.New("missing required light fields")
)

// ScanKind tells the parser what an outer indexer walk is looking for, so
// it knows whether a dark-flat-named file belongs here or should be
// deferred to the planner.
type ScanKind int

const (
	ScanAny ScanKind = iota
	ScanLights
	ScanRawCalibration
	ScanMasters
)

// Options carries the per-call context the indexer supplies: the scan root
// and the expected kind of the current walk.
type Options struct {
	Root     string
	Scan     ScanKind
}

var darkFlatTokenRE = regexp.MustCompile(`(?i)dark[-_]?flat|flat[-_]?dark`)

// Parse builds a normalized Frame from a file's headers, its filename, and
// its path relative to root.
func Parse(path string, headers fitsio.KeywordMap, geo fitsio.Geometry, opts Options) (*Frame, error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if opts.Scan == ScanLights || opts.Scan == ScanRawCalibration {
		if darkFlatTokenRE.MatchString(stem) && opts.Scan == ScanLights {
			return nil, ErrDarkFlatSkipped
		}
	}

	kind, kindProvenance, err := detectKind(headers, stem)
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Path:     path,
		FileName: filepath.Base(path),
		Kind:     kind,
	}

	if kind.IsMaster() {
		return parseMaster(f, headers, stem, kindProvenance)
	}
	return parseRaw(f, headers, stem, path, opts, kindProvenance)
}

func detectKind(headers fitsio.KeywordMap, stem string) (Kind, Provenance, error) {
	if raw, ok := lookupString(headers, "IMAGETYP"); ok {
		if k, ok := kindFromImagetyp(raw); ok {
			return k, ProvenanceHeaders, nil
		}
	}
	if k, ok := kindFromFilename(stem); ok {
		return k, ProvenanceFilename, nil
	}
	return "", "", fmt.Errorf("%w: no IMAGETYP header and no recognizable filename token in %q", ErrUnknownKind, stem)
}

func kindFromImagetyp(raw string) (Kind, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(v, "light"):
		return KindLight, true
	case strings.Contains(v, "masterbias"):
		return KindMasterBias, true
	case strings.Contains(v, "masterdarkflat"), strings.Contains(v, "masterflatdark"):
		return KindMasterDarkFlat, true
	case strings.Contains(v, "masterdark"):
		return KindMasterDark, true
	case strings.Contains(v, "masterflat"):
		return KindMasterFlat, true
	case strings.Contains(v, "darkflat"), strings.Contains(v, "flatdark"):
		return KindDarkFlat, true
	case strings.Contains(v, "bias"):
		return KindBias, true
	case strings.Contains(v, "dark"):
		// Generic raw dark; the master builder planner reclassifies this
		// into Dark vs DarkFlat by filter presence when it partitions the
		// raw calibration index. The parser does not guess.
		return KindDark, true
	case strings.Contains(v, "flat"):
		return KindFlat, true
	}
	return "", false
}

func kindFromFilename(stem string) (Kind, bool) {
	upper := strings.ToUpper(stem)
	if strings.Contains(upper, "MASTER") {
		if m := masterTokenFromFilename(upper); m != "" {
			return masterKindFromToken(strings.ToLower(m)), true
		}
	}
	switch {
	case hasToken(upper, "LIGHT"):
		return KindLight, true
	case hasToken(upper, "BIAS"):
		return KindBias, true
	case hasToken(upper, "DARKFLAT"), hasToken(upper, "FLATDARK"):
		return KindDarkFlat, true
	case hasToken(upper, "DARK"):
		return KindDark, true
	case hasToken(upper, "FLAT"):
		return KindFlat, true
	}
	return "", false
}

func hasToken(upper, token string) bool {
	return strings.Contains(upper, "_"+token+"_") || strings.Contains(upper, token)
}

var masterTokenAnyRE = regexp.MustCompile(`(?i)master(bias|dark|flat|darkflat|flatdark)`)

func masterTokenFromFilename(upper string) string {
	m := masterTokenAnyRE.FindStringSubmatch(upper)
	if m == nil {
		return ""
	}
	tok := strings.ToLower(m[1])
	if tok == "flatdark" {
		tok = "darkflat"
	}
	return tok
}

// parseMaster fills setup and sensor parameters for a master frame, running
// the filename fallback only for the fields headers are missing.
func parseMaster(f *Frame, headers fitsio.KeywordMap, stem string, kindProvenance Provenance) (*Frame, error) {
	telescope, _ := lookupString(headers, "TELESCOP")
	camera, _ := lookupString(headers, "INSTRUME")
	readout, hasReadout := lookupString(headers, "READOUTM")
	gain, hasGain := lookupInt(headers, "GAIN")
	offset, hasOffset := lookupInt(headers, "OFFSET")
	usb, hasUSB := lookupInt(headers, "USBLIMIT")
	xbin, hasXBin := lookupInt(headers, "XBINNING")
	ybin, hasYBin := lookupInt(headers, "YBINNING")
	setTemp, hasSetTemp := lookupInt(headers, "SET-TEMP")

	needFallback := !hasReadout || !hasGain || !hasOffset || !hasUSB || !(hasXBin && hasYBin) || !hasSetTemp
	usedFallback := false

	var fb filenameFallback
	if needFallback {
		fb = parseFilenameFallback(stem)
		usedFallback = true
	}

	if telescope == "" {
		telescope = fb.Telescope
	}
	if camera == "" {
		camera = fb.Camera
	}
	f.Setup = Setup{Telescope: telescope, Camera: camera}
	if f.Setup.IsZero() {
		return nil, fmt.Errorf("%w: master %q has no telescope/instrument in headers or filename", ErrMissingIdentity, f.FileName)
	}

	if hasReadout {
		f.Readout = readout
	} else {
		f.Readout = fb.Readout
	}
	if hasGain {
		f.Gain = intPtr(gain)
	} else {
		f.Gain = fb.Gain
	}
	if hasOffset {
		f.Offset = intPtr(offset)
	} else {
		f.Offset = fb.Offset
	}
	if hasUSB {
		f.USB = intPtr(usb)
	} else {
		f.USB = fb.USB
	}
	if hasXBin && hasYBin {
		f.Binning = fmt.Sprintf("%dx%d", xbin, ybin)
	} else {
		f.Binning = fb.Binning
	}
	if hasSetTemp {
		f.SetTempC = intPtr(setTemp)
	} else {
		f.SetTempC = fb.SetTempC
	}

	if exp, ok := lookupFloat(headers, "EXPTIME"); ok {
		f.Exposure = floatPtr(exp)
	} else if fb.Exposure != nil {
		f.Exposure = fb.Exposure
		usedFallback = true
	}

	if filt, ok := lookupString(headers, "FILTER"); ok {
		f.Filter = normalizeFilter(filt)
	} else if fb.Filter != "" {
		f.Filter = fb.Filter
	}
	if bayer, ok := lookupString(headers, "BAYERPAT"); ok {
		f.BayerPattern = normalizeBayer(bayer)
	}

	if dateObs, ok := lookupString(headers, "DATE-OBS"); ok {
		if date, ts, err := parseISOTimestamp(dateObs); err == nil {
			f.Date, f.Timestamp = date, ts
		}
	}
	if f.Date == "" && fb.Date != "" {
		f.Date, f.Timestamp = fb.Date, fb.Timestamp
		usedFallback = true
	}

	f.Provenance = resolveProvenance(kindProvenance, usedFallback)
	return f, nil
}

// parseRaw fills setup and sensor parameters for a light or raw calibration
// frame. Non-master kinds require setup identity from headers, with a
// directory-structure fallback that yields provenance "mixed".
func parseRaw(f *Frame, headers fitsio.KeywordMap, stem, path string, opts Options, kindProvenance Provenance) (*Frame, error) {
	telescope, hasTelescope := lookupString(headers, "TELESCOP")
	camera, hasCamera := lookupString(headers, "INSTRUME")
	fromDirectory := false

	if !hasTelescope || !hasCamera {
		if dirTelescope, dirCamera, ok := setupFromPath(path, opts.Root); ok {
			if !hasTelescope {
				telescope = dirTelescope
			}
			if !hasCamera {
				camera = dirCamera
			}
			fromDirectory = true
		}
	}
	f.Setup = Setup{Telescope: telescope, Camera: camera}
	if f.Setup.IsZero() {
		return nil, fmt.Errorf("%w: %q has no telescope/instrument in headers or directory structure", ErrMissingIdentity, f.FileName)
	}

	if readout, ok := lookupString(headers, "READOUTM"); ok {
		f.Readout = readout
	}
	if gain, ok := lookupInt(headers, "GAIN"); ok {
		f.Gain = intPtr(gain)
	}
	if offset, ok := lookupInt(headers, "OFFSET"); ok {
		f.Offset = intPtr(offset)
	}
	if usb, ok := lookupInt(headers, "USBLIMIT"); ok {
		f.USB = intPtr(usb)
	}
	if xbin, okX := lookupInt(headers, "XBINNING"); okX {
		if ybin, okY := lookupInt(headers, "YBINNING"); okY {
			f.Binning = fmt.Sprintf("%dx%d", xbin, ybin)
		}
	}
	if setTemp, ok := lookupInt(headers, "SET-TEMP"); ok {
		f.SetTempC = intPtr(setTemp)
	}
	if exp, ok := lookupFloat(headers, "EXPTIME"); ok {
		f.Exposure = floatPtr(exp)
	}
	if filt, ok := lookupString(headers, "FILTER"); ok {
		f.Filter = normalizeFilter(filt)
	}
	if bayer, ok := lookupString(headers, "BAYERPAT"); ok {
		f.BayerPattern = normalizeBayer(bayer)
	}
	if object, ok := lookupString(headers, "OBJECT"); ok {
		f.Object = object
	}
	if dateObs, ok := lookupString(headers, "DATE-OBS"); ok {
		date, ts, err := parseISOTimestamp(dateObs)
		if err != nil {
			return nil, err
		}
		f.Date, f.Timestamp = date, ts
	} else if date, ts, ok := parseFilenameDate(stem); ok {
		f.Date, f.Timestamp = date, ts
	}

	if f.Kind == KindLight {
		if focal, ok := lookupFloat(headers, "FOCALLEN"); ok {
			f.FocalLengthMM = floatPtr(focal)
		}
		if pix, ok := lookupFloat(headers, "XPIXSZ"); ok {
			f.PixelSizeUM = floatPtr(pix)
		}
		if f.FocalLengthMM != nil && f.PixelSizeUM != nil && *f.FocalLengthMM > 0 {
			scale := (*f.PixelSizeUM / *f.FocalLengthMM) * 206.265
			f.PixelScale = floatPtr(scale)
		}
		if err := validateLight(f); err != nil {
			return nil, err
		}
	}

	f.Provenance = resolveProvenance(kindProvenance, fromDirectory)
	return f, nil
}

func validateLight(f *Frame) error {
	var missing []string
	if f.Readout == "" {
		missing = append(missing, "readout")
	}
	if f.Gain == nil {
		missing = append(missing, "gain")
	}
	if f.Offset == nil {
		missing = append(missing, "offset")
	}
	if f.USB == nil {
		missing = append(missing, "usb")
	}
	if f.Binning == "" {
		missing = append(missing, "binning")
	}
	if f.SetTempC == nil {
		missing = append(missing, "setTempC")
	}
	if f.Exposure == nil {
		missing = append(missing, "exposure")
	}
	if f.Date == "" {
		missing = append(missing, "date")
	}
	if f.Filter == "" && f.BayerPattern == "" {
		missing = append(missing, "filter-or-bayerPattern")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingLightFields, strings.Join(missing, ", "))
	}
	return nil
}

// setupFromPath infers (telescope, camera) from the first root-relative
// directory segment, assuming the "<Telescope>_<Camera>" convention the
// masters library itself uses.
func setupFromPath(path, root string) (telescope, camera string, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	segment := parts[0]
	tokens := strings.SplitN(segment, "_", 2)
	if len(tokens) != 2 || tokens[0] == "" || tokens[1] == "" {
		return "", "", false
	}
	return tokens[0], tokens[1], true
}

func resolveProvenance(kindProvenance Provenance, usedNonHeaderSource bool) Provenance {
	if kindProvenance == ProvenanceHeaders && !usedNonHeaderSource {
		return ProvenanceHeaders
	}
	if kindProvenance == ProvenanceFilename && usedNonHeaderSource {
		return ProvenanceFilename
	}
	return ProvenanceMixed
}
