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

package fitsio

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const fitsBlockSize = 2880
const fitsLineSize = 80

// fitsDriver reads FITS header units only: it scans 2880-byte blocks of
// 80-character cards and stops as soon as the END card is seen, never
// decoding the pixel data unit.
type fitsDriver struct{}

func (fitsDriver) Extensions() []string { return []string{".fits", ".fit", ".fts"} }

var fitsLineRE = compileFITSLineRE()

func compileFITSLineRE() *regexp.Regexp {
	white := `\s+`
	whiteOpt := `\s*`

	hist := "HISTORY"
	rest := ".*"
	histLine := hist + white + "(?P<H>" + rest + ")"

	commKey := "COMMENT"
	commLine := commKey + white + "(?P<C>" + rest + ")"

	end := "(?P<E>END)"
	endLine := end + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := `(?P<i>[+-]?[0-9]+)`
	floa := `(?P<f>[+-]?[0-9]*\.[0-9]*(?:[ED][-+]?[0-9]+)?)`
	stri := "'(?P<s>[^']*)'"

	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + white + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}

// ReadHeaders scans FITS header blocks until the END card, returning every
// keyword as a string (so PopHeader-style typed lookups live in the
// metadata parser, not here) plus geometry derived from NAXISn.
func (fitsDriver) ReadHeaders(r io.Reader) (KeywordMap, Geometry, error) {
	kw := make(KeywordMap)
	buf := make([]byte, fitsBlockSize)
	end := false

	for !end {
		n, err := io.ReadFull(r, buf)
		if err != nil || n != fitsBlockSize {
			return nil, Geometry{}, fmt.Errorf("short FITS header block: %w", err)
		}
		for line := 0; line < fitsBlockSize/fitsLineSize && !end; line++ {
			text := buf[line*fitsLineSize : (line+1)*fitsLineSize]
			sub := fitsLineRE.FindSubmatch(text)
			if sub == nil {
				continue // malformed line; skip, do not abort the whole header
			}
			names := fitsLineRE.SubexpNames()
			for i := 1; i < len(names); i++ {
				if sub[i] == nil || len(names[i]) != 1 {
					continue
				}
				switch names[i][0] {
				case 'E':
					end = true
				case 'k':
					// handled together with the value below
				}
			}
			readKeyLine(kw, names, sub)
		}
	}

	geo := geometryFromKeywords(kw)
	return kw, geo, nil
}

func readKeyLine(kw KeywordMap, names []string, sub [][]byte) {
	key := ""
	for i := 1; i < len(names); i++ {
		if sub[i] == nil || len(names[i]) != 1 {
			continue
		}
		if names[i][0] == 'k' {
			key = string(sub[i])
		}
	}
	if key == "" {
		return
	}
	for i := 1; i < len(names); i++ {
		if sub[i] == nil || len(names[i]) != 1 {
			continue
		}
		switch names[i][0] {
		case 'b', 'i', 'f', 's':
			kw[key] = string(sub[i])
		}
	}
}

func geometryFromKeywords(kw KeywordMap) Geometry {
	naxis1, _ := strconv.Atoi(strings.TrimSpace(kw["NAXIS1"]))
	naxis2, _ := strconv.Atoi(strings.TrimSpace(kw["NAXIS2"]))
	return Geometry{Width: naxis1, Height: naxis2}
}
