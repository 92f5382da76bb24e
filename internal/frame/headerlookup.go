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
	"strconv"
	"strings"

	"github.com/mlnoga/astroplan/internal/fitsio"
)

// headerAlternatives is one declarative table of alternate keyword
// spellings across camera vendors, consulted by a single helper
// (lookupString et al.) instead of scattered if/else chains.
var headerAlternatives = map[string][]string{
	"IMAGETYP":   {"IMAGETYP", "FRAME"},
	"TELESCOP":   {"TELESCOP"},
	"INSTRUME":   {"INSTRUME"},
	"GAIN":       {"GAIN", "EGAIN"},
	"OFFSET":     {"OFFSET", "BLKLEVEL"},
	"USBLIMIT":   {"USBLIMIT", "USBLIMIT", "USB"},
	"READOUTM":   {"READOUTM", "GAINMODE", "READOUT"},
	"XBINNING":   {"XBINNING"},
	"YBINNING":   {"YBINNING"},
	"SET-TEMP":   {"SET-TEMP", "SETTEMP"},
	"EXPTIME":    {"EXPTIME", "EXPOSURE"},
	"FILTER":     {"FILTER"},
	"BAYERPAT":   {"BAYERPAT", "COLORTYP"},
	"OBJECT":     {"OBJECT"},
	"DATE-OBS":   {"DATE-OBS", "DATE"},
	"FOCALLEN":   {"FOCALLEN"},
	"XPIXSZ":     {"XPIXSZ", "PIXSIZE1"},
}

func lookupString(kw fitsio.KeywordMap, canonical string) (string, bool) {
	for _, alt := range headerAlternatives[canonical] {
		if v, ok := kw[alt]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func lookupInt(kw fitsio.KeywordMap, canonical string) (int, bool) {
	s, ok := lookupString(kw, canonical)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

func lookupFloat(kw fitsio.KeywordMap, canonical string) (float64, bool) {
	s, ok := lookupString(kw, canonical)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
