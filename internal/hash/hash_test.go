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

package hash

import (
	"strings"
	"testing"
)

func TestHash(t *testing.T) {
	a := Hash([]string{"a.idf", "b.idf"})
	if a != Hash([]string{"a.idf", "b.idf"}) {
		t.Error("hash is not stable")
	}
	if a == Hash([]string{"b.idf", "a.idf"}) {
		t.Error("hash ignores order")
	}
	if len(a) != 32 {
		t.Errorf("hash length %d", len(a))
	}
}

func TestFiles(t *testing.T) {
	h1, err := Files("energyplus", strings.NewReader("one"), strings.NewReader("two"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Files("energyplus", strings.NewReader("one"), strings.NewReader("three"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("file contents do not change the hash")
	}
}
