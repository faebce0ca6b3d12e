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
	"path"
	"strings"
)

// TaskDir is the environment variable holding the task working
// directory on a compute node. Resource files are downloaded into it.
const TaskDir = "$AZ_BATCH_TASK_WORKING_DIR"

// A Workload describes a kind of simulation case.
type Workload interface {
	// Name is a short lower case identifier, e.g. "radiance".
	Name() string

	// SharedInputs lists the files, relative to the case directory,
	// that every task needs.
	SharedInputs() []string

	// UnitDir is the case subdirectory holding one file per unit,
	// and UnitExt is the extension of those files.
	UnitDir() string
	UnitExt() string

	// OutputPattern is a glob matching the result files written
	// in the task working directory.
	OutputPattern() string

	// OutputName returns the result file name for the unit input
	// with the given blob name.
	OutputName(unit string) string

	// TaskCommands returns the commands that run u on a fresh node.
	TaskCommands(u Unit) []string
}

// Radiance is an annual daylight simulation run by Honeybee
// with one task per analysis grid.
type Radiance struct {
	// RadianceURL is the location of a Radiance binary distribution
	// tarball, which unpacks into RadianceDir.
	RadianceURL, RadianceDir string

	// HoneybeeURL is the location of a tarball of the Ladybug and
	// Honeybee python libraries.
	HoneybeeURL string

	// RunnerURL is the location of the python script that runs a
	// single analysis grid.
	RunnerURL string
}

const samazureRaw = "https://github.com/FraserGreenroyd/SAMAzure/raw/master/TestFiles/resources/azure_common/"

// DefaultRadiance returns the Radiance workload with the
// default tool locations.
func DefaultRadiance() *Radiance {
	return &Radiance{
		RadianceURL: samazureRaw + "radiance-5.1.0-Linux.tar.gz",
		RadianceDir: "radiance-5.1.0-Linux",
		HoneybeeURL: samazureRaw + "lb_hb.tar.gz",
		RunnerURL:   samazureRaw + "RunHoneybeeRadiance.py",
	}
}

func (r *Radiance) Name() string           { return "radiance" }
func (r *Radiance) SharedInputs() []string { return []string{"surfaces.json", "sky_mtx.json"} }
func (r *Radiance) UnitDir() string        { return "AnalysisGrids" }
func (r *Radiance) UnitExt() string        { return ".json" }
func (r *Radiance) OutputPattern() string  { return "*_result.json" }

func (r *Radiance) OutputName(unit string) string {
	return strings.TrimSuffix(unit, ".json") + "_result.json"
}

func (r *Radiance) TaskCommands(u Unit) []string {
	return []string{
		"cd /",
		"sudo wget -q --no-check-certificate " + r.RadianceURL,
		"sudo tar xzf " + path.Base(r.RadianceURL),
		fmt.Sprintf("sudo rsync -a /%s/usr/local/radiance/bin/ /usr/local/bin/", r.RadianceDir),
		fmt.Sprintf("sudo rsync -a /%s/usr/local/radiance/lib/ /usr/local/lib/ray/", r.RadianceDir),
		"sudo wget -q --no-check-certificate " + r.HoneybeeURL,
		"sudo tar xzf " + path.Base(r.HoneybeeURL),
		"sudo wget -q --no-check-certificate " + r.RunnerURL,
		fmt.Sprintf("sudo python %s -s %s/surfaces.json -sm %s/sky_mtx.json -p %s/%s",
			path.Base(r.RunnerURL), TaskDir, TaskDir, TaskDir, u.Name),
	}
}

// EnergyPlus is a thermal simulation with one task per IDF model,
// all sharing a single weather file.
type EnergyPlus struct {
	// InstallerURL is the location of the EnergyPlus Linux
	// installation script.
	InstallerURL string

	// IDD is the path of the EnergyPlus input data dictionary
	// after installation.
	IDD string
}

// DefaultEnergyPlus returns the EnergyPlus 8.9 workload.
func DefaultEnergyPlus() *EnergyPlus {
	return &EnergyPlus{
		InstallerURL: "https://github.com/NREL/EnergyPlus/releases/download/v8.9.0/EnergyPlus-8.9.0-40101eaafd-Linux-x86_64.sh",
		IDD:          "/usr/local/bin/Energy+.idd",
	}
}

func (e *EnergyPlus) Name() string           { return "energyplus" }
func (e *EnergyPlus) SharedInputs() []string { return []string{"weatherfile.epw"} }
func (e *EnergyPlus) UnitDir() string        { return "models" }
func (e *EnergyPlus) UnitExt() string        { return ".idf" }
func (e *EnergyPlus) OutputPattern() string  { return "*out.csv" }

// OutputName returns the name of the CSV EnergyPlus writes when run
// with the model name as its output prefix.
func (e *EnergyPlus) OutputName(unit string) string {
	return strings.TrimSuffix(unit, ".idf") + "out.csv"
}

func (e *EnergyPlus) TaskCommands(u Unit) []string {
	installer := path.Base(e.InstallerURL)
	prefix := strings.TrimSuffix(u.Name, ".idf")
	return []string{
		"sudo wget -q --no-check-certificate " + e.InstallerURL,
		"sudo chmod +x ./" + installer,
		fmt.Sprintf(`echo "y /usr/local /usr/local/bin" | sudo ./%s`, installer),
		fmt.Sprintf(`EnergyPlus -x -r -i "%s" -p "%s" -w "weatherfile.epw" "%s"`, e.IDD, prefix, u.Name),
	}
}
