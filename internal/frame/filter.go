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

import "strings"

var canonicalFilters = map[string]string{
	"L": FilterL, "LUM": FilterL, "LUMINANCE": FilterL,
	"R": FilterR, "RED": FilterR,
	"G": FilterG, "GREEN": FilterG,
	"B": FilterB, "BLUE": FilterB,
	"HA": FilterHa, "H-ALPHA": FilterHa, "HALPHA": FilterHa,
	"OIII": FilterOIII, "O3": FilterOIII,
	"SII": FilterSII, "S2": FilterSII,
	"NII": FilterNII, "N2": FilterNII,
}

// normalizeFilter maps a raw filter token to the canonical set, preserving
// the original case for custom filters outside the known bands.
func normalizeFilter(raw string) string {
	if raw == "" {
		return ""
	}
	if canon, ok := canonicalFilters[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return canon
	}
	return strings.TrimSpace(raw)
}

var canonicalBayer = map[string]string{
	"RGGB": BayerRGGB, "BGGR": BayerBGGR, "GBRG": BayerGBRG,
	"GRBG": BayerGRBG, "GBGR": BayerGBGR, "RGBG": BayerRGBG, "BGRG": BayerBGRG,
}

func normalizeBayer(raw string) string {
	if raw == "" {
		return ""
	}
	if canon, ok := canonicalBayer[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return canon
	}
	return ""
}
