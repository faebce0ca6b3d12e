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
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
)

// Manifest records the cloud resources of one submitted case, so that
// it can be monitored, collected and cleaned up by later commands.
type Manifest struct {
	Project   string `toml:"project"`
	Container string `toml:"container"`
	Workload  string `toml:"workload"`
	CaseDir   string `toml:"case_dir"`

	// Fingerprint identifies the submitted inputs.
	Fingerprint string `toml:"fingerprint"`

	Created time.Time `toml:"created"`

	Pools []string     `toml:"pools"`
	Jobs  []string     `toml:"jobs"`
	Tasks []TaskRecord `toml:"tasks"`
}

// TaskRecord is a submitted task and the result it produces.
type TaskRecord struct {
	ID     string `toml:"id"`
	Job    string `toml:"job"`
	Input  string `toml:"input"`
	Output string `toml:"output"`
}

// Outputs returns the names of the result blobs of all tasks.
func (m *Manifest) Outputs() []string {
	o := make([]string, len(m.Tasks))
	for i, t := range m.Tasks {
		o[i] = t.Output
	}
	return o
}

// Save writes the manifest to path, creating its directory if needed.
func (m *Manifest) Save(fs afero.Fs, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cloud: saving manifest: %v", err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("cloud: saving manifest: %v", err)
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("cloud: encoding manifest: %v", err)
	}
	return f.Close()
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(fs afero.Fs, path string) (*Manifest, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cloud: loading manifest: %w", err)
	}
	defer f.Close()
	m := new(Manifest)
	if _, err := toml.NewDecoder(f).Decode(m); err != nil {
		return nil, fmt.Errorf("cloud: decoding manifest %s: %v", path, err)
	}
	return m, nil
}
