/*
Copyright © 2018 the SAMAzure authors.
This file is part of SAMAzure.

SAMAzure is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SAMAzure is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SAMAzure.  If not, see <http://www.gnu.org/licenses/>.
*/

package samazure

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Input is a file that is uploaded to blob storage and made available
// to simulation tasks.
type Input struct {
	// Path is the location of the file in the case filesystem.
	Path string

	// Name is the blob name of the file, which is also the name
	// the file has in the task working directory.
	Name string
}

// Unit is a single independent simulation, which is run as one task.
type Unit struct {
	Input

	// Index is the position of the unit within its case.
	Index int

	// Output is the name of the result file the unit produces.
	Output string
}

// Case is a directory of simulation inputs.
type Case struct {
	Dir      string
	Workload Workload

	// Shared holds the inputs every unit needs.
	Shared []Input

	// Units holds one entry per task, in file name order.
	Units []Unit

	fs afero.Fs
}

// Open opens the given case input for reading.
func (c *Case) Open(in Input) (afero.File, error) {
	return c.fs.Open(in.Path)
}

// Inputs returns all of the case inputs, shared inputs first.
func (c *Case) Inputs() []Input {
	o := make([]Input, 0, len(c.Shared)+len(c.Units))
	o = append(o, c.Shared...)
	for _, u := range c.Units {
		o = append(o, u.Input)
	}
	return o
}

// DiscoverCase reads the case in directory dir of filesystem fs,
// using w to determine which files make up the case.
func DiscoverCase(fs afero.Fs, dir string, w Workload) (*Case, error) {
	c := &Case{Dir: dir, Workload: w, fs: fs}
	names := make(map[string]string)
	for _, s := range w.SharedInputs() {
		p := filepath.Join(dir, s)
		info, err := fs.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("samazure: %s case is missing shared input: %v", w.Name(), err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("samazure: %s case shared input %s is a directory", w.Name(), p)
		}
		name := NormalizeFileName(s)
		names[name] = p
		c.Shared = append(c.Shared, Input{Path: p, Name: name})
	}

	files, err := FindFiles(fs, filepath.Join(dir, w.UnitDir()), w.UnitExt())
	if err != nil {
		return nil, fmt.Errorf("samazure: finding %s units: %v", w.Name(), err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("samazure: no *%s files in %s", w.UnitExt(), filepath.Join(dir, w.UnitDir()))
	}
	for i, f := range files {
		name := NormalizeFileName(filepath.Base(f))
		if strings.TrimSuffix(name, filepath.Ext(name)) == "" {
			return nil, fmt.Errorf("samazure: unit file %s has no usable name", f)
		}
		if other, ok := names[name]; ok {
			return nil, fmt.Errorf("samazure: %s and %s both normalize to %s", other, f, name)
		}
		names[name] = f
		c.Units = append(c.Units, Unit{
			Input:  Input{Path: f, Name: name},
			Index:  i,
			Output: w.OutputName(name),
		})
	}
	return c, nil
}

// FindFiles returns the sorted paths of the regular files in dir
// whose names end in ext. Subdirectories are not searched.
func FindFiles(fs afero.Fs, dir, ext string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}
	ext = strings.ToLower(ext)
	var o []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(strings.ToLower(info.Name()), ext) {
			continue
		}
		o = append(o, filepath.Join(dir, info.Name()))
	}
	sort.Strings(o)
	return o, nil
}

// NormalizeName converts s into a form that is valid as an Azure
// storage container name and as part of a batch resource id:
// lower case letters and digits separated by single dashes.
func NormalizeName(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	return b.String()
}

// NormalizeFileName normalizes the name part of a file name and keeps
// its extension, so "Zone 1.JSON" becomes "zone-1.json".
func NormalizeFileName(s string) string {
	s = filepath.Base(s)
	ext := filepath.Ext(s)
	return NormalizeName(strings.TrimSuffix(s, ext)) + strings.ToLower(ext)
}
