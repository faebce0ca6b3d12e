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

package results

import (
	"bytes"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/kr/pretty"
	"github.com/spf13/afero"
	"github.com/tealeg/xlsx"
)

func radianceResults(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		// Records.
		"out/zone-b_result.json": `[{"x": 1, "y": 2, "da": 50}, {"x": 1, "y": 3, "da": 70}]`,
		// Columns, with an extra column and a scalar.
		"out/zone-a_result.json": `{"x": [0, 0], "y": [0, 1], "da": [10, 30], "udi": [5, 6], "zone": "a"}`,
		"out/notes.txt":          "ignored",
	}
	for name, data := range files {
		if err := afero.WriteFile(fs, name, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestCombine_json(t *testing.T) {
	tbl, err := Combine(radianceResults(t), "out", ".json")
	if err != nil {
		t.Fatal(err)
	}
	wantCols := []string{"source", "x", "y", "da", "udi", "zone"}
	if !reflect.DeepEqual(tbl.Columns, wantCols) {
		t.Error(pretty.Diff(tbl.Columns, wantCols))
	}
	if len(tbl.Rows) != 4 {
		t.Fatalf("%d rows", len(tbl.Rows))
	}
	for i, want := range []struct {
		source string
		da     float64
		zone   interface{}
	}{
		{"zone-a_result.json", 10, "a"},
		{"zone-a_result.json", 30, "a"},
		{"zone-b_result.json", 50, nil},
		{"zone-b_result.json", 70, nil},
	} {
		if got := tbl.Value(i, SourceColumn); got != want.source {
			t.Errorf("row %d source %v", i, got)
		}
		if got := tbl.Value(i, "da"); got != want.da {
			t.Errorf("row %d da %v", i, got)
		}
		if got := tbl.Value(i, "zone"); got != want.zone {
			t.Errorf("row %d zone %v", i, got)
		}
	}
	if tbl.Value(3, "udi") != nil {
		t.Error("missing value should be nil")
	}

	t.Run("Summary", func(t *testing.T) {
		got := tbl.Summary()
		want := []Stats{
			{Column: "x", Count: 4, Min: 0, Mean: 0.5, Max: 1, Std: math.Sqrt(1.0 / 3)},
			{Column: "y", Count: 4, Min: 0, Mean: 1.5, Max: 3, Std: math.Sqrt(5.0 / 3)},
			{Column: "da", Count: 4, Min: 10, Mean: 40, Max: 70, Std: math.Sqrt(2000.0 / 3)},
			{Column: "udi", Count: 2, Min: 5, Mean: 5.5, Max: 6, Std: math.Sqrt(0.5)},
		}
		if len(got) != len(want) {
			t.Fatal(pretty.Diff(got, want))
		}
		for i := range want {
			g, w := got[i], want[i]
			if g.Column != w.Column || g.Count != w.Count || g.Min != w.Min || g.Max != w.Max ||
				math.Abs(g.Mean-w.Mean) > 1e-12 || math.Abs(g.Std-w.Std) > 1e-12 {
				t.Errorf("%d: %+v != %+v", i, g, w)
			}
		}
	})

	t.Run("WriteCSV", func(t *testing.T) {
		var b bytes.Buffer
		if err := tbl.WriteCSV(&b); err != nil {
			t.Fatal(err)
		}
		want := `source,x,y,da,udi,zone
zone-a_result.json,0,0,10,5,a
zone-a_result.json,0,1,30,6,a
zone-b_result.json,1,2,50,,
zone-b_result.json,1,3,70,,
`
		if b.String() != want {
			t.Errorf("%s\n!=\n%s", b.String(), want)
		}
	})

	t.Run("WriteXLSX", func(t *testing.T) {
		var b bytes.Buffer
		if err := tbl.WriteXLSX(&b); err != nil {
			t.Fatal(err)
		}
		f, err := xlsx.OpenBinary(b.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		data, ok := f.Sheet["data"]
		if !ok {
			t.Fatal("missing data sheet")
		}
		if len(data.Rows) != 5 || data.Rows[0].Cells[3].Value != "da" {
			t.Errorf("data sheet has %d rows", len(data.Rows))
		}
		if v, err := data.Rows[4].Cells[3].Float(); err != nil || v != 70 {
			t.Errorf("da in last row: %v %v", v, err)
		}
		summary, ok := f.Sheet["summary"]
		if !ok {
			t.Fatal("missing summary sheet")
		}
		if len(summary.Rows) != 5 || summary.Rows[3].Cells[0].Value != "da" {
			t.Errorf("summary sheet has %d rows", len(summary.Rows))
		}
		if v, err := summary.Rows[3].Cells[3].Float(); err != nil || v != 40 {
			t.Errorf("mean da: %v %v", v, err)
		}
	})
}

func TestCombine_csv(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "out/office-1out.csv", []byte("Date/Time,Zone Temp [C]\n 01/01  01:00:00,20.5\n 01/01  02:00:00,21\n"), 0644)
	afero.WriteFile(fs, "out/office-2out.csv", []byte("Date/Time,Zone Temp [C]\n 01/01  01:00:00,19\n"), 0644)
	tbl, err := Combine(fs, "out", ".csv")
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 3 {
		t.Fatalf("%d rows", len(tbl.Rows))
	}
	s := tbl.Summary()
	if len(s) != 1 || s[0].Column != "Zone Temp [C]" || s[0].Min != 19 || s[0].Max != 21 {
		t.Errorf("%+v", s)
	}
}

func TestCombine_errors(t *testing.T) {
	for name, data := range map[string]string{
		"ragged columns": `{"a": [1, 2], "b": [1]}`,
		"scalar":         `3`,
		"source column":  `[{"source": "x"}]`,
		"bad json":       `[{"a": 1,}]`,
	} {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			afero.WriteFile(fs, "out/r.json", []byte(data), 0644)
			if _, err := Combine(fs, "out", ".json"); err == nil {
				t.Error("expected an error")
			}
		})
	}
	_, err := Combine(afero.NewMemMapFs(), "out", ".json")
	if err == nil || !strings.Contains(err.Error(), "out") {
		t.Errorf("missing directory: %v", err)
	}
}
