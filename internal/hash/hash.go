/*
Copyright © 2019 the SAMAzure authors.
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
along with SAMAzure.  If not, see <http://www.gnu.org/licenses/>.*/

// Package hash computes stable fingerprints of submissions so that
// resubmitting an unchanged case can be detected.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash"
	"hash/fnv"
	"io"

	"github.com/davecgh/go-spew/spew"
)

// Hash returns a hex fingerprint of object.
func Hash(object interface{}) string {
	h := fnv.New128a()
	write(h, object)
	return sum(h)
}

// Files returns a fingerprint of object combined with the
// contents of the given readers, in order.
func Files(object interface{}, files ...io.Reader) (string, error) {
	h := fnv.New128a()
	write(h, object)
	for i, f := range files {
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("hash: reading file %d: %v", i, err)
		}
	}
	return sum(h), nil
}

func write(h hash.Hash, object interface{}) {
	if err := gob.NewEncoder(h).Encode(object); err == nil {
		return
	}
	// gob can't encode some values (e.g. NaN map keys or
	// unexported structs), so fall back to a sorted dump.
	h.Reset()
	printer := spew.ConfigState{
		Indent:                  " ",
		SortKeys:                true,
		DisableMethods:          true,
		SpewKeys:                true,
		DisablePointerAddresses: true,
		DisableCapacities:       true,
	}
	printer.Fprintf(h, "%#v", object)
}

func sum(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}
