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

package cloud

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWrapCommands(t *testing.T) {
	for _, test := range []struct {
		os      OS
		cmds    []string
		want    string
		wantErr bool
	}{
		{
			os:   Linux,
			cmds: []string{"cd /", "ls"},
			want: `/bin/bash -c "set -e; set -o pipefail; cd /;ls; wait"`,
		},
		{
			os:   Linux,
			cmds: []string{`echo "y /usr/local" | sudo ./install.sh`},
			want: `/bin/bash -c "set -e; set -o pipefail; echo \"y /usr/local\" | sudo ./install.sh; wait"`,
		},
		{
			os:   Windows,
			cmds: []string{"dir", "echo done"},
			want: "cmd.exe /c dir&echo done",
		},
		{
			os:      "plan9",
			cmds:    []string{"ls"},
			wantErr: true,
		},
	} {
		t.Run(string(test.os), func(t *testing.T) {
			got, err := WrapCommands(test.os, test.cmds)
			if (err != nil) != test.wantErr {
				t.Fatalf("error: %v", err)
			}
			if got != test.want {
				t.Errorf("%s != %s", got, test.want)
			}
		})
	}
}

func TestSelectImage(t *testing.T) {
	img := func(pub, offer, sku, version string, verified bool) Image {
		return Image{
			ImageReference: ImageReference{Publisher: pub, Offer: offer, SKU: sku, Version: version},
			NodeAgentSKU:   "batch.node.ubuntu " + sku,
			Verified:       verified,
			OS:             Linux,
		}
	}
	images := []Image{
		img("Canonical", "UbuntuServer", "14.04.5-LTS", "latest", true),
		img("Canonical", "UbuntuServer", "16.04-LTS", "1.0", true),
		img("canonical", "ubuntuserver", "16.04-LTS", "2.0", true),
		img("Canonical", "UbuntuServer", "16.04.9-LTS", "latest", false),
		img("OpenLogic", "CentOS", "7.5", "latest", true),
	}

	t.Run("newest", func(t *testing.T) {
		got, err := SelectImage(images, ImageQuery{Publisher: "Canonical", Offer: "UbuntuServer", SKUPrefix: "16.04"})
		if err != nil {
			t.Fatal(err)
		}
		want := images[2]
		if diff := cmp.Diff(want, got); diff != "" {
			t.Error(diff)
		}
	})
	t.Run("none", func(t *testing.T) {
		_, err := SelectImage(images, ImageQuery{Publisher: "Canonical", Offer: "UbuntuServer", SKUPrefix: "18.04"})
		if err == nil {
			t.Error("expected an error")
		}
	})
}
