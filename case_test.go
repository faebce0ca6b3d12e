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
	"reflect"
	"strings"
	"testing"

	"github.com/kr/pretty"
	"github.com/spf13/afero"
)

func TestNormalizeName(t *testing.T) {
	for _, test := range []struct{ in, want string }{
		{"Project_01", "project-01"},
		{"  Grid  A.b ", "grid-a-b"},
		{"--abc--", "abc"},
		{"ÅÄÖ", ""},
		{"already-fine", "already-fine"},
	} {
		t.Run(test.in, func(t *testing.T) {
			if got := NormalizeName(test.in); got != test.want {
				t.Errorf("%q != %q", got, test.want)
			}
		})
	}
}

func TestNormalizeFileName(t *testing.T) {
	if got := NormalizeFileName("dir/Zone 1.JSON"); got != "zone-1.json" {
		t.Errorf("got %q", got)
	}
}

func writeFiles(t *testing.T, fs afero.Fs, files ...string) {
	for _, f := range files {
		if err := afero.WriteFile(fs, f, []byte(f), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscoverCase_radiance(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		"case/surfaces.json",
		"case/sky_mtx.json",
		"case/AnalysisGrids/Zone B.json",
		"case/AnalysisGrids/Zone A.json",
		"case/AnalysisGrids/notes.txt",
	)
	c, err := DiscoverCase(fs, "case", DefaultRadiance())
	if err != nil {
		t.Fatal(err)
	}
	want := []Unit{
		{Input: Input{Path: "case/AnalysisGrids/Zone A.json", Name: "zone-a.json"}, Index: 0, Output: "zone-a_result.json"},
		{Input: Input{Path: "case/AnalysisGrids/Zone B.json", Name: "zone-b.json"}, Index: 1, Output: "zone-b_result.json"},
	}
	if !reflect.DeepEqual(c.Units, want) {
		t.Error(pretty.Diff(c.Units, want))
	}
	if len(c.Inputs()) != 4 || c.Inputs()[0].Name != "surfaces.json" {
		t.Errorf("inputs: %v", c.Inputs())
	}
	f, err := c.Open(c.Units[1].Input)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestDiscoverCase_errors(t *testing.T) {
	for _, test := range []struct {
		name  string
		files []string
		err   string
	}{
		{
			name:  "missing weather",
			files: []string{"case/models/a.idf"},
			err:   "missing shared input",
		},
		{
			name:  "no models",
			files: []string{"case/weatherfile.epw", "case/models/readme.md"},
			err:   "no *.idf files",
		},
		{
			name:  "duplicate",
			files: []string{"case/weatherfile.epw", "case/models/A b.idf", "case/models/a_b.idf"},
			err:   "both normalize to a-b.idf",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFiles(t, fs, test.files...)
			_, err := DiscoverCase(fs, "case", DefaultEnergyPlus())
			if err == nil || !strings.Contains(err.Error(), test.err) {
				t.Errorf("error %v does not contain %q", err, test.err)
			}
		})
	}
}

func TestFindFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, "d/b.IDF", "d/a.idf", "d/sub/c.idf", "d/x.csv")
	files, err := FindFiles(fs, "d", ".idf")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"d/a.idf", "d/b.IDF"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("%v != %v", files, want)
	}

	// Byte order, so upper case names sort first.
	writeFiles(t, fs, "d/C.idf")
	files, err = FindFiles(fs, "d", ".idf")
	if err != nil {
		t.Fatal(err)
	}
	want = []string{"d/C.idf", "d/a.idf", "d/b.IDF"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("%v != %v", files, want)
	}
}
