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

// Filename fallback parsing is kept as its own explicit stage with its own
// validated grammar, rather than interleaved with header parsing. It only
// runs when headers are missing the fields it can recover.
package frame

import (
	"regexp"
	"strconv"
	"strings"
)

var knownCameraBrands = []string{"QHY", "ASI", "ZWO", "FLI", "SBIG", "ATIK"}

var (
	masterTokenRE = regexp.MustCompile(`(?i)^master(bias|dark|flat|darkflat)$`)
	gainTokenRE   = regexp.MustCompile(`(?i)^G(\d+)$`)
	offsetTokenRE = regexp.MustCompile(`(?i)^OS(\d+)$`)
	usbTokenRE    = regexp.MustCompile(`(?i)^U(\d+)$`)
	tempTokenRE   = regexp.MustCompile(`^(-?\d+)C$`)
	expTokenRE    = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)s$`)
	binTokenRE    = regexp.MustCompile(`(?i)^Bin(\d+)[xX](\d+)$`)
	plainBinRE    = regexp.MustCompile(`^(\d+)[xX](\d+)$`)
)

// filenameFallback collects every field the tokenizer could recover.
// Pointer/empty-string fields mean "not found in the filename".
type filenameFallback struct {
	Telescope string
	Camera    string
	Readout   string
	Binning   string
	Gain      *int
	Offset    *int
	USB       *int
	SetTempC  *int
	Exposure  *float64
	Filter    string
	Date      string
	Timestamp string
	Kind      Kind
	sawMaster bool
}

// parseFilenameFallback tokenizes stem on "_" and extracts every field the
// master naming convention encodes.
func parseFilenameFallback(stem string) filenameFallback {
	tokens := strings.Split(stem, "_")
	var fb filenameFallback

	masterIdx := -1
	for i, t := range tokens {
		if m := masterTokenRE.FindStringSubmatch(t); m != nil {
			masterIdx = i
			fb.sawMaster = true
			fb.Kind = masterKindFromToken(strings.ToLower(m[1]))
			break
		}
	}
	if masterIdx >= 0 {
		if masterIdx >= 1 {
			fb.Telescope = tokens[0]
		}
		for i := 1; i < masterIdx; i++ {
			if brand := matchCameraBrand(tokens[i]); brand != "" {
				fb.Camera = tokens[i]
				break
			}
		}
		if fb.Camera == "" && masterIdx >= 2 {
			fb.Camera = tokens[1]
		}
	} else {
		for _, t := range tokens {
			if matchCameraBrand(t) != "" && fb.Camera == "" {
				fb.Camera = t
			}
		}
	}

	// Date: look for three consecutive numeric tokens YYYY, MM, DD (the
	// master naming convention inserts them as separate underscore segments).
	for i := 0; i+2 < len(tokens); i++ {
		y, okY := parseExact(tokens[i], 4)
		mo, okM := parseExact(tokens[i+1], 2)
		d, okD := parseExact(tokens[i+2], 2)
		if okY && okM && okD && y >= 1900 && y <= 3000 && mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			fb.Date, fb.Timestamp, _ = parseISOTimestamp(padDate(y, mo, d))
			break
		}
	}
	if fb.Date == "" {
		if d, ts, ok := parseFilenameDate(stem); ok {
			fb.Date, fb.Timestamp = d, ts
		}
	}

	for _, t := range tokens {
		if m := gainTokenRE.FindStringSubmatch(t); m != nil && fb.Gain == nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				fb.Gain = &v
			}
			continue
		}
		if m := offsetTokenRE.FindStringSubmatch(t); m != nil && fb.Offset == nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				fb.Offset = &v
			}
			continue
		}
		if m := usbTokenRE.FindStringSubmatch(t); m != nil && fb.USB == nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				fb.USB = &v
			}
			continue
		}
		if m := tempTokenRE.FindStringSubmatch(t); m != nil && fb.SetTempC == nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				fb.SetTempC = &v
			}
			continue
		}
		if m := expTokenRE.FindStringSubmatch(t); m != nil && fb.Exposure == nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				fb.Exposure = &v
			}
			continue
		}
		if m := binTokenRE.FindStringSubmatch(t); m != nil && fb.Binning == "" {
			fb.Binning = m[1] + "x" + m[2]
			continue
		}
		if m := plainBinRE.FindStringSubmatch(t); m != nil && fb.Binning == "" {
			fb.Binning = m[1] + "x" + m[2]
			continue
		}
		if canon, ok := canonicalFilters[strings.ToUpper(t)]; ok && fb.Filter == "" {
			fb.Filter = canon
			continue
		}
	}

	fb.Readout = readoutDescriptor(tokens)
	return fb
}

func masterKindFromToken(lower string) Kind {
	switch lower {
	case "bias":
		return KindMasterBias
	case "dark":
		return KindMasterDark
	case "flat":
		return KindMasterFlat
	case "darkflat":
		return KindMasterDarkFlat
	}
	return ""
}

func matchCameraBrand(token string) string {
	upper := strings.ToUpper(token)
	for _, brand := range knownCameraBrands {
		if strings.Contains(upper, brand) {
			return brand
		}
	}
	return ""
}

// readoutDescriptor recognizes the vendor-specific "High Gain Mode 16BIT"
// style descriptor, re-assembled from the space-joined tokens that survive
// an upstream "readout mode" filename segment (spaces are frequently kept
// literal in on-disk filenames rather than underscored).
var readoutHintRE = regexp.MustCompile(`(?i)(high|low|extended)\s*gain\s*mode\s*\d+bit`)

func readoutDescriptor(tokens []string) string {
	joined := strings.Join(tokens, " ")
	if m := readoutHintRE.FindString(joined); m != "" {
		return m
	}
	return ""
}

func parseExact(token string, digits int) (int, bool) {
	if len(token) != digits {
		return 0, false
	}
	for _, c := range token {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return 0, false
	}
	return v, true
}

func padDate(y, m, d int) string {
	return strconv.Itoa(y) + "-" + pad2(m) + "-" + pad2(d) + "T00:00:00"
}

func pad2(v int) string {
	s := strconv.Itoa(v)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}
