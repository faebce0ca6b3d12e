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
	"fmt"
	"sort"
	"strings"
)

// WrapCommands joins commands into a single command line for the
// given operating system. On Linux the commands run in bash and the
// first failing command fails the whole line. Double quotes and
// backslashes in the commands are escaped.
func WrapCommands(os OS, commands []string) (string, error) {
	switch os {
	case Linux:
		joined := bashQuoter.Replace(strings.Join(commands, ";"))
		return fmt.Sprintf(`/bin/bash -c "set -e; set -o pipefail; %s; wait"`, joined), nil
	case Windows:
		return fmt.Sprintf("cmd.exe /c %s", strings.Join(commands, "&")), nil
	default:
		return "", fmt.Errorf("cloud: unsupported operating system %q", os)
	}
}

var bashQuoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// ImageQuery selects a virtual machine image. The zero value means
// the batch service has no image choice to make.
type ImageQuery struct {
	Publisher, Offer, SKUPrefix string
}

// SelectImage returns the newest verified image matching q.
// Publisher and offer are compared case-insensitively; the SKU must
// start with q.SKUPrefix. Newer means a larger SKU, then a larger version.
func SelectImage(images []Image, q ImageQuery) (Image, error) {
	var matches []Image
	for _, img := range images {
		if !img.Verified ||
			!strings.EqualFold(img.Publisher, q.Publisher) ||
			!strings.EqualFold(img.Offer, q.Offer) ||
			!strings.HasPrefix(img.SKU, q.SKUPrefix) {
			continue
		}
		matches = append(matches, img)
	}
	if len(matches) == 0 {
		return Image{}, fmt.Errorf("cloud: no verified image for %s %s %s*", q.Publisher, q.Offer, q.SKUPrefix)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].SKU != matches[j].SKU {
			return matches[i].SKU > matches[j].SKU
		}
		return matches[i].Version > matches[j].Version
	})
	return matches[0], nil
}
