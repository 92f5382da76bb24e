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
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// xisfDriver reads the XML monolithic header of a PixInsight XISF file and
// exposes its embedded FITS-compatible keywords the same way the FITS
// driver exposes native FITS cards, so the metadata parser need not know
// which container format it came from. Master frames are mandated to be
// XISF by the IPE; this driver is what lets the header reader open them.
// It is a direct implementation of the public XISF 1.0 header layout.
type xisfDriver struct{}

func (xisfDriver) Extensions() []string { return []string{".xisf"} }

var xisfSignature = [8]byte{'X', 'I', 'S', 'F', '0', '1', '0', '0'}

type xisfDocument struct {
	XMLName xml.Name    `xml:"xisf"`
	Images  []xisfImage `xml:"Image"`
}

type xisfImage struct {
	Geometry string        `xml:"geometry,attr"`
	Keywords []xisfKeyword `xml:"FITSKeyword"`
}

type xisfKeyword struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (xisfDriver) ReadHeaders(r io.Reader) (KeywordMap, Geometry, error) {
	var sig [8]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, Geometry{}, fmt.Errorf("reading XISF signature: %w", err)
	}
	if sig != xisfSignature {
		return nil, Geometry{}, fmt.Errorf("not an XISF 1.0 file (bad signature %q)", sig)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, Geometry{}, fmt.Errorf("reading XISF header length: %w", err)
	}
	var reserved uint32
	if err := binary.Read(r, binary.LittleEndian, &reserved); err != nil {
		return nil, Geometry{}, fmt.Errorf("reading XISF reserved field: %w", err)
	}

	headerXML := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerXML); err != nil {
		return nil, Geometry{}, fmt.Errorf("reading XISF header: %w", err)
	}

	var doc xisfDocument
	if err := xml.Unmarshal(headerXML, &doc); err != nil {
		return nil, Geometry{}, fmt.Errorf("parsing XISF header XML: %w", err)
	}
	if len(doc.Images) == 0 {
		return nil, Geometry{}, fmt.Errorf("XISF header has no Image element")
	}

	img := doc.Images[0]
	kw := make(KeywordMap, len(img.Keywords))
	for _, k := range img.Keywords {
		kw[strings.ToUpper(k.Name)] = strings.Trim(k.Value, "'")
	}

	geo := parseXISFGeometry(img.Geometry)
	return kw, geo, nil
}

func parseXISFGeometry(geometry string) Geometry {
	parts := strings.Split(geometry, ":")
	if len(parts) < 2 {
		return Geometry{}
	}
	w, _ := strconv.Atoi(parts[0])
	h, _ := strconv.Atoi(parts[1])
	return Geometry{Width: w, Height: h}
}
