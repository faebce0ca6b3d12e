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

// Package results combines the per-task result files of a simulation
// case into a single table.
package results

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/samazure/samazure"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/tealeg/xlsx"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SourceColumn names the column holding the file each row came from.
const SourceColumn = "source"

// Table holds rows of values, which are strings, float64s, bools or nil.
type Table struct {
	Columns []string
	Rows    [][]interface{}

	index map[string]int
}

func newTable() *Table {
	t := &Table{index: make(map[string]int)}
	t.column(SourceColumn)
	return t
}

// column returns the index of the named column, adding it if needed.
func (t *Table) column(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.index[name] = len(t.Columns)
	t.Columns = append(t.Columns, name)
	return len(t.Columns) - 1
}

// Value returns the value in the given row and column, or nil if
// the row has no value there.
func (t *Table) Value(row int, column string) interface{} {
	i, ok := t.index[column]
	if !ok || i >= len(t.Rows[row]) {
		return nil
	}
	return t.Rows[row][i]
}

func (t *Table) add(source string, keys []string, vals map[string]interface{}) error {
	row := make([]interface{}, len(t.Columns))
	row[0] = source
	for _, k := range keys {
		if k == SourceColumn {
			return fmt.Errorf("results: %s has a %q column", source, SourceColumn)
		}
		i := t.column(k)
		for len(row) <= i {
			row = append(row, nil)
		}
		row[i] = vals[k]
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// Combine reads every file in dir with the extension ext (".json"
// or ".csv"), in name order, into one table. JSON files hold either an
// array of records or an object of equal-length column arrays. Columns
// are ordered as first seen and a row has no value for columns its
// file lacks.
func Combine(fs afero.Fs, dir, ext string) (*Table, error) {
	files, err := samazure.FindFiles(fs, dir, ext)
	if err != nil {
		return nil, fmt.Errorf("results: %v", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("results: no *%s files in %s", ext, dir)
	}
	t := newTable()
	for _, path := range files {
		f, err := fs.Open(path)
		if err != nil {
			return nil, fmt.Errorf("results: %v", err)
		}
		source := filepath.Base(path)
		switch strings.ToLower(ext) {
		case ".json":
			err = t.readJSON(f, source)
		case ".csv":
			err = t.readCSV(f, source)
		default:
			err = fmt.Errorf("results: unsupported file type %s", ext)
		}
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) readJSON(r io.Reader, source string) error {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("results: reading %s: %v", source, err)
	}
	switch tok {
	case json.Delim('['):
		for dec.More() {
			if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
				return fmt.Errorf("results: %s: records must be objects", source)
			}
			keys, vals, err := readObject(dec)
			if err != nil {
				return fmt.Errorf("results: reading %s: %v", source, err)
			}
			if err := t.add(source, keys, vals); err != nil {
				return err
			}
		}
		return nil
	case json.Delim('{'):
		keys, vals, err := readObject(dec)
		if err != nil {
			return fmt.Errorf("results: reading %s: %v", source, err)
		}
		return t.addColumns(source, keys, vals)
	default:
		return fmt.Errorf("results: %s holds neither an array nor an object", source)
	}
}

// readObject reads the members of an object whose opening brace has
// already been read, keeping their order.
func readObject(dec *json.Decoder) ([]string, map[string]interface{}, error) {
	var keys []string
	vals := make(map[string]interface{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		k := tok.(string)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, ok := vals[k]; !ok {
			keys = append(keys, k)
		}
		vals[k] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, vals, nil
}

// addColumns adds the rows of an object of columns. Scalar members
// are repeated in every row.
func (t *Table) addColumns(source string, keys []string, cols map[string]interface{}) error {
	n := -1
	for _, k := range keys {
		a, ok := cols[k].([]interface{})
		if !ok {
			continue
		}
		if n >= 0 && len(a) != n {
			return fmt.Errorf("results: %s: column %s has %d values, not %d", source, k, len(a), n)
		}
		n = len(a)
	}
	if n < 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		row := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			if a, ok := cols[k].([]interface{}); ok {
				row[k] = a[i]
			} else {
				row[k] = cols[k]
			}
		}
		if err := t.add(source, keys, row); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) readCSV(r io.Reader, source string) error {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return fmt.Errorf("results: reading %s: %v", source, err)
	}
	if len(records) == 0 {
		return nil
	}
	header := records[0]
	for _, rec := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, k := range header {
			row[k] = rec[i]
		}
		if err := t.add(source, header, row); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the numeric values in one column.
type Stats struct {
	Column              string
	Count               int
	Min, Mean, Max, Std float64
}

// Summary returns statistics for each column in which every value
// that is present is numeric. CSV values are parsed as numbers.
func (t *Table) Summary() []Stats {
	var o []Stats
	for ci, name := range t.Columns {
		if name == SourceColumn {
			continue
		}
		x, ok := t.numbers(ci)
		if !ok || len(x) == 0 {
			continue
		}
		s := Stats{
			Column: name,
			Count:  len(x),
			Min:    floats.Min(x),
			Max:    floats.Max(x),
			Mean:   stat.Mean(x, nil),
		}
		if len(x) > 1 {
			s.Std = stat.StdDev(x, nil)
		}
		o = append(o, s)
	}
	return o
}

// numbers returns the values in column ci, or false if any
// of them is not a number.
func (t *Table) numbers(ci int) ([]float64, bool) {
	var x []float64
	for _, row := range t.Rows {
		if ci >= len(row) || row[ci] == nil {
			continue
		}
		v := row[ci]
		switch vv := v.(type) {
		case bool:
			return nil, false
		case string:
			if strings.TrimSpace(vv) == "" {
				continue
			}
			v = strings.TrimSpace(vv)
		}
		f, err := cast.ToFloat64E(v)
		if err != nil || math.IsNaN(f) {
			return nil, false
		}
		x = append(x, f)
	}
	return x, true
}

func format(v interface{}) string {
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

// WriteCSV writes the table with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("results: writing CSV: %v", err)
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i := range rec {
			rec[i] = ""
			if i < len(row) {
				rec[i] = format(row[i])
			}
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("results: writing CSV: %v", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("results: writing CSV: %v", err)
	}
	return nil
}

// WriteXLSX writes a workbook with the table on a "data" sheet and
// its Summary on a "summary" sheet.
func (t *Table) WriteXLSX(w io.Writer) error {
	file := xlsx.NewFile()
	data, err := file.AddSheet("data")
	if err != nil {
		return fmt.Errorf("results: %v", err)
	}
	header := data.AddRow()
	for _, c := range t.Columns {
		header.AddCell().SetString(c)
	}
	for _, row := range t.Rows {
		r := data.AddRow()
		for i := range t.Columns {
			cell := r.AddCell()
			if i >= len(row) {
				continue
			}
			switch v := row[i].(type) {
			case nil:
			case float64:
				cell.SetFloat(v)
			case bool:
				cell.SetBool(v)
			default:
				cell.SetString(format(v))
			}
		}
	}

	summary, err := file.AddSheet("summary")
	if err != nil {
		return fmt.Errorf("results: %v", err)
	}
	header = summary.AddRow()
	for _, h := range []string{"column", "count", "min", "mean", "max", "std"} {
		header.AddCell().SetString(h)
	}
	for _, s := range t.Summary() {
		r := summary.AddRow()
		r.AddCell().SetString(s.Column)
		r.AddCell().SetInt(s.Count)
		for _, v := range []float64{s.Min, s.Mean, s.Max, s.Std} {
			r.AddCell().SetFloat(v)
		}
	}
	if err := file.Write(w); err != nil {
		return fmt.Errorf("results: writing workbook: %v", err)
	}
	return nil
}
