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

// Package frame holds the normalized Frame record and the metadata parser
// that builds one from FITS/XISF headers plus filename fallback. Unknown
// fields are represented with nil pointers rather than zero values, so
// "absent" and "present but zero" stay distinguishable.
package frame

// Kind is the closed sum of frame classifications.
type Kind string

const (
	KindLight           Kind = "light"
	KindBias             Kind = "bias"
	KindDark             Kind = "dark"
	KindFlat             Kind = "flat"
	KindDarkFlat         Kind = "dark-flat"
	KindMasterBias       Kind = "master-bias"
	KindMasterDark       Kind = "master-dark"
	KindMasterFlat       Kind = "master-flat"
	KindMasterDarkFlat   Kind = "master-dark-flat"
)

// IsMaster reports whether the kind is one of the master-frame variants.
func (k Kind) IsMaster() bool {
	switch k {
	case KindMasterBias, KindMasterDark, KindMasterFlat, KindMasterDarkFlat:
		return true
	}
	return false
}

// IsRawCalibration reports whether the kind is a raw (non-master, non-light) calibration.
func (k Kind) IsRawCalibration() bool {
	switch k {
	case KindBias, KindDark, KindFlat, KindDarkFlat:
		return true
	}
	return false
}

// Provenance records how a Frame's critical fields were recovered.
type Provenance string

const (
	ProvenanceHeaders  Provenance = "headers"
	ProvenanceFilename Provenance = "filename"
	ProvenanceMixed    Provenance = "mixed"
)

// Setup identifies a telescope/camera rig.
type Setup struct {
	Telescope string `json:"telescope"`
	Camera    string `json:"camera"`
}

// Key returns the composite grouping key for a setup.
func (s Setup) Key() string {
	return s.Telescope + "|" + s.Camera
}

func (s Setup) IsZero() bool {
	return s.Telescope == "" && s.Camera == ""
}

// Canonical filter names.
const (
	FilterL    = "L"
	FilterR    = "R"
	FilterG    = "G"
	FilterB    = "B"
	FilterHa   = "Ha"
	FilterOIII = "OIII"
	FilterSII  = "SII"
	FilterNII  = "NII"
)

// Bayer pattern tokens.
const (
	BayerRGGB = "RGGB"
	BayerBGGR = "BGGR"
	BayerGBRG = "GBRG"
	BayerGRBG = "GRBG"
	BayerGBGR = "GBGR"
	BayerRGBG = "RGBG"
	BayerBGRG = "BGRG"
	BayerNone = ""
)

// Frame is one raw or master file, normalized from headers and/or filename.
type Frame struct {
	Path         string     `json:"path"`
	FileName     string     `json:"fileName"`
	Kind         Kind       `json:"kind"`
	Setup        Setup      `json:"setup"`
	Readout      string     `json:"readout,omitempty"`
	Gain         *int       `json:"gain,omitempty"`
	Offset       *int       `json:"offset,omitempty"`
	USB          *int       `json:"usb,omitempty"`
	Binning      string     `json:"binning,omitempty"` // "WxH"
	SetTempC     *int       `json:"setTempC,omitempty"`
	Exposure     *float64   `json:"exposure,omitempty"` // seconds
	Filter       string     `json:"filter,omitempty"`
	BayerPattern string     `json:"bayerPattern,omitempty"`
	Object       string     `json:"object,omitempty"`
	Date         string     `json:"date,omitempty"`      // YYYY-MM-DD, UTC day
	Timestamp    string     `json:"timestamp,omitempty"` // ISO 8601 UTC
	FocalLengthMM *float64  `json:"focalLengthMM,omitempty"`
	PixelSizeUM   *float64  `json:"pixelSizeUM,omitempty"`
	PixelScale    *float64  `json:"pixelScale,omitempty"` // arcsec/px
	Provenance    Provenance `json:"provenance"`
}

// IsCFA reports whether the frame is from a one-shot-color sensor (Bayer pattern, no filter).
func (f *Frame) IsCFA() bool {
	return f.BayerPattern != "" && f.BayerPattern != BayerNone
}

func intPtr(v int) *int          { return &v }
func floatPtr(v float64) *float64 { return &v }
