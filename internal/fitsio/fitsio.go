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

// Package fitsio is the header reader: it opens a FITS or XISF file
// through a pluggable format driver, in read-only keyword-only mode, and
// returns an uppercase keyword->string map plus image geometry. It never
// loads pixel data.
//
// The full-featured FITS/XISF keyword driver is an external collaborator;
// Driver is that seam. fitsDriver and xisfDriver below are reference
// implementations that stop at the header boundary, so the rest of the
// module has something real to run against in tests.
package fitsio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned when no driver recognizes the file extension.
var ErrUnsupportedFormat = errors.New("unsupported format")

// ErrOpenFailed is returned when a recognized file cannot be parsed.
var ErrOpenFailed = errors.New("open failed")

// Geometry is the image's pixel dimensions, read from the header without touching pixel data.
type Geometry struct {
	Width  int
	Height int
}

// KeywordMap is an uppercase-normalized keyword to stripped string value mapping.
type KeywordMap map[string]string

// Driver is the pluggable file-format keyword reader.
type Driver interface {
	// Extensions lists the lowercase file extensions (with leading dot) this driver handles.
	Extensions() []string
	// ReadHeaders opens r in keyword-only mode and returns the header map and geometry.
	// It must never read the pixel data unit.
	ReadHeaders(r io.Reader) (KeywordMap, Geometry, error)
}

// Reader dispatches to a registered Driver by file extension and guarantees
// handle release on every exit path.
type Reader struct {
	drivers map[string]Driver
	// ByteObserver, if set, is called with the number of bytes consumed
	// from the underlying file once reading completes. It exists purely
	// so tests can assert that only header bytes were read.
	ByteObserver func(fileName string, bytesRead int64)
}

// NewReader builds a Reader with the default FITS and XISF drivers registered.
func NewReader() *Reader {
	r := &Reader{drivers: make(map[string]Driver)}
	r.Register(&fitsDriver{})
	r.Register(&xisfDriver{})
	return r
}

// Register adds or replaces the driver for each of its extensions.
func (r *Reader) Register(d Driver) {
	for _, ext := range d.Extensions() {
		r.drivers[ext] = d
	}
}

// ReadHeaders opens fileName, dispatches to the matching driver, and returns
// the uppercase keyword map and geometry. The underlying file handle is
// always released before returning, even on error.
func (r *Reader) ReadHeaders(fileName string) (KeywordMap, Geometry, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	d, ok := r.drivers[ext]
	if !ok {
		return nil, Geometry{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(fileName)
	if err != nil {
		return nil, Geometry{}, fmt.Errorf("%w: %s: %s", ErrOpenFailed, fileName, err)
	}
	defer f.Close()

	cr := &countingReader{r: f}
	kw, geo, err := d.ReadHeaders(cr)
	if r.ByteObserver != nil {
		r.ByteObserver(fileName, cr.n)
	}
	if err != nil {
		return nil, Geometry{}, fmt.Errorf("%w: %s: %s", ErrOpenFailed, fileName, err)
	}
	return normalize(kw), geo, nil
}

func normalize(kw KeywordMap) KeywordMap {
	out := make(KeywordMap, len(kw))
	for k, v := range kw {
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
