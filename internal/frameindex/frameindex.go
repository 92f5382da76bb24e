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

// Package frameindex is the frame indexer: it walks a directory tree, runs
// the header reader and metadata parser against every FITS-like file, and
// persists the result as a JSON index. Individual file failures are
// collected, never fatal to the walk.
package frameindex

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mlnoga/astroplan/internal/fitsio"
	"github.com/mlnoga/astroplan/internal/frame"
	"github.com/mlnoga/astroplan/internal/perrors"
	"github.com/mlnoga/astroplan/internal/progress"
)

var recognizedExtensions = map[string]bool{
	".fits": true, ".fit": true, ".xisf": true,
}

// FileError records one file's indexing failure without aborting the walk.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Index is the indexer's persisted output: Errors is the failure count,
// ErrorList the per-file records, Saved set once the index has been
// written to disk. ModTimes carries each indexed file's modification time
// (unix seconds) so a later run can skip re-parsing unchanged files.
type Index struct {
	Root      string           `json:"root"`
	Items     []*frame.Frame   `json:"items"`
	Count     int              `json:"count"`
	Errors    int              `json:"errors"`
	ErrorList []FileError      `json:"errorList"`
	Time      string           `json:"time"`
	Saved     bool             `json:"saved"`
	ModTimes  map[string]int64 `json:"modTimes,omitempty"`
}

func (idx *Index) addError(path string, err string) {
	idx.ErrorList = append(idx.ErrorList, FileError{Path: path, Error: err})
	idx.Errors = len(idx.ErrorList)
}

// Indexer walks a tree and classifies every recognized file against an
// expected scan kind (lights, raw calibrations, or masters).
type Indexer struct {
	Reader *fitsio.Reader
	Bus    *progress.Bus // optional; nil is a no-op
}

// New builds an Indexer with the default fitsio.Reader.
func New() *Indexer {
	return &Indexer{Reader: fitsio.NewReader()}
}

// Walk recursively scans root for .fits/.fit/.xisf files, classifies each
// with the given scan kind, and returns the resulting Index. Masters must
// be in XISF (the IPE's mandate); any other extension under a masters scan
// is skipped with a warning rather than failing the walk.
func (ix *Indexer) Walk(root string, scan frame.ScanKind, nowFn func() string) (*Index, error) {
	return ix.walk(root, scan, nowFn, nil)
}

// WalkResume behaves like Walk, but reuses entries from prev whose file
// modification time has not changed, so an unchanged tree re-indexes
// without re-parsing a single header.
func (ix *Indexer) WalkResume(root string, scan frame.ScanKind, nowFn func() string, prev *Index) (*Index, error) {
	return ix.walk(root, scan, nowFn, prev)
}

func (ix *Indexer) walk(root string, scan frame.ScanKind, nowFn func() string, prev *Index) (*Index, error) {
	idx := &Index{Root: root, ModTimes: make(map[string]int64)}

	var prevItems map[string]*frame.Frame
	var prevModTimes map[string]int64
	if prev != nil {
		prevItems = make(map[string]*frame.Frame, len(prev.Items))
		for _, f := range prev.Items {
			prevItems[f.Path] = f
		}
		prevModTimes = prev.ModTimes
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			idx.addError(path, err.Error())
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !recognizedExtensions[ext] {
			return nil
		}
		if scan == frame.ScanMasters && ext != ".xisf" {
			ix.emit(root, path, "skipped: masters must be XISF")
			idx.addError(path, "skipped: masters must be XISF")
			return nil
		}

		var mtime int64
		if info, infoErr := d.Info(); infoErr == nil {
			mtime = info.ModTime().Unix()
		}
		if prevItems != nil {
			if pf, ok := prevItems[path]; ok && prevModTimes[path] == mtime {
				idx.Items = append(idx.Items, pf)
				idx.ModTimes[path] = mtime
				return nil
			}
		}

		f, ferr := ix.indexOne(path, root, scan)
		if ferr != nil {
			idx.addError(path, ferr.Error())
			return nil
		}
		idx.Items = append(idx.Items, f)
		idx.ModTimes[path] = mtime
		return nil
	})
	if err != nil {
		return nil, perrors.Wrap(perrors.IndexError, err, fmt.Sprintf("walking %s", root))
	}

	idx.Count = len(idx.Items)
	if nowFn != nil {
		idx.Time = nowFn()
	}
	return idx, nil
}

func (ix *Indexer) indexOne(path, root string, scan frame.ScanKind) (*frame.Frame, error) {
	kw, geo, err := ix.Reader.ReadHeaders(path)
	if err != nil {
		return nil, err
	}
	return frame.Parse(path, kw, geo, frame.Options{Root: root, Scan: scan})
}

func (ix *Indexer) emit(root, path, note string) {
	if ix.Bus == nil {
		return
	}
	ix.Bus.Emit(progress.Event{
		Stage:    "index",
		GroupKey: root,
		Label:    path,
		Phase:    progress.PhaseError,
		Note:     note,
	})
}

// Save persists the index as JSON, overwriting any existing file.
func Save(idx *Index, path string) error {
	idx.Saved = true
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return perrors.Wrap(perrors.IndexError, err, "marshaling index")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return perrors.Wrap(perrors.IndexError, err, fmt.Sprintf("writing index to %s", path))
	}
	return nil
}

// Load reads a previously saved Index from path.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.Wrap(perrors.IndexError, err, fmt.Sprintf("reading index from %s", path))
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, perrors.Wrap(perrors.IndexError, err, "unmarshaling index")
	}
	return &idx, nil
}
