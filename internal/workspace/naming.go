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

package workspace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Stem returns a path's filename without extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CalibratedName returns "<stem>_c.xisf".
func CalibratedName(path string) string { return Stem(path) + "_c.xisf" }

// CosmeticName returns "<stem>_c_cc.xisf" when stem already carries the
// calibration suffix, or "<stem>_cc.xisf" when the input arrived already
// calibrated externally. Downstream stages accept both.
func CosmeticName(path string) string { return Stem(path) + "_cc.xisf" }

// DebayeredName returns "<stem>_d.xisf", where stem already carries
// whatever calibration/cosmetic suffixes preceded it.
func DebayeredName(path string) string { return Stem(path) + "_d.xisf" }

// ApprovedName returns "<stem>_a.xisf".
func ApprovedName(path string) string { return Stem(path) + "_a.xisf" }

// BestNName returns "!<rank>_<stem>_a.xisf" for a TOP-N folder entry.
func BestNName(path string, rank int) string {
	return fmt.Sprintf("!%d_%s_a.xisf", rank, Stem(path))
}

var bestNRankRE = regexp.MustCompile(`^!\d+_`)

// ApprovedNameFromBestN strips a Best-N folder entry's rank prefix
// ("!<n>_") to recover the plain approved-directory filename it was copied
// from; the selector names the same underlying frame twice, once in the
// approved directory and once rank-prefixed under !Approved_Best5/<group>/.
func ApprovedNameFromBestN(bestNPath string) string {
	return bestNRankRE.ReplaceAllString(filepath.Base(bestNPath), "")
}

// RegisteredName returns "<stem>_r.xisf", where stem already ends in "_a".
func RegisteredName(approvedPath string) string { return Stem(approvedPath) + "_r.xisf" }

// RegisteredDrizzleSidecar returns the "<stem>_r.xdrz" sidecar for a
// registered output, in the same directory.
func RegisteredDrizzleSidecar(registeredPath string) string {
	return strings.TrimSuffix(registeredPath, filepath.Ext(registeredPath)) + ".xdrz"
}

// NormalizedSidecar returns the "<stem>_r.xnml" sidecar for a registered
// output, in the same directory.
func NormalizedSidecar(registeredPath string) string {
	return strings.TrimSuffix(registeredPath, filepath.Ext(registeredPath)) + ".xnml"
}

// IntegratedName returns "<object>_<filter>_<count>x<exposure>s_drz<S>x.xisf".
// filter is "NONE" for CFA groups.
func IntegratedName(object, filter string, count int, exposure float64, scale int) string {
	if filter == "" {
		filter = "NONE"
	}
	return fmt.Sprintf("%s_%s_%dx%ss_drz%dx.xisf",
		Sanitize(object), Sanitize(filter), count, trimTrailingZeros(exposure), scale)
}

// IntegratedWeightsName returns the drizzle weights sibling for an integrated output.
func IntegratedWeightsName(integratedPath string) string {
	return Stem(integratedPath) + "_weights.xisf"
}

// MasterName builds the master filename, encoding every group parameter.
// filter is omitted for bias/dark masters (empty string). exposure is
// zero-padded to 3 integer digits for Dark, and keeps fractional seconds
// for Flat/DarkFlat.
func MasterName(telescope, instrument, kind string, year, month, day int, filter, readout string,
	gain, offset int, usb *int, binning string, exposure float64, tempC int, isDarkKind bool) string {

	var expStr string
	if isDarkKind {
		expStr = fmt.Sprintf("%03d", int(exposure))
	} else {
		expStr = trimTrailingZeros(exposure)
	}

	name := fmt.Sprintf("%s_%s_Master%s_%04d_%02d_%02d", Sanitize(telescope), Sanitize(instrument), kind, year, month, day)
	if filter != "" {
		name += "_" + Sanitize(filter)
	}
	name += fmt.Sprintf("_%s_G%d_OS%d", Sanitize(readout), gain, offset)
	if usb != nil {
		name += fmt.Sprintf("_U%d", *usb)
	}
	name += fmt.Sprintf("_Bin%s_%ss_%dC.xisf", binning, expStr, tempC)
	return name
}

func trimTrailingZeros(v float64) string {
	s := fmt.Sprintf("%g", v)
	return s
}
