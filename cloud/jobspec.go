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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samazure/samazure"
)

// MaxTasksPerJob is the largest number of tasks placed in one job,
// and the largest number added in one request.
const MaxTasksPerJob = 100

// maxIDLen is the longest id the batch service accepts.
const maxIDLen = 64

// poolIDLen leaves room in pool ids for the job and task suffixes.
const poolIDLen = 44

// Chunk is the half-open range [Start, End) of unit indices.
type Chunk struct {
	Start, End int
}

// Len returns the number of units in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

// Chunks splits n units into consecutive chunks of at most size units.
func Chunks(n, size int) ([]Chunk, error) {
	if size < 1 {
		return nil, fmt.Errorf("cloud: invalid chunk size %d", size)
	}
	var o []Chunk
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		o = append(o, Chunk{Start: i, End: end})
	}
	return o, nil
}

// uniqueSuffixLen is the length of the suffix UniqueName appends.
const uniqueSuffixLen = len("-20060102-150405-") + 6

// UniqueName returns prefix followed by the time t and a short random
// suffix, e.g. "proj-pool0-20181022-134501-3f9ac2". The prefix is
// shortened if needed so the result is no longer than maxLen.
func UniqueName(prefix string, t time.Time, maxLen int) string {
	suffix := fmt.Sprintf("-%s-%s", t.UTC().Format("20060102-150405"), strings.Replace(uuid.New().String(), "-", "", -1)[:6])
	if n := maxLen - len(suffix); len(prefix) > n {
		if n < 0 {
			n = 0
		}
		prefix = strings.TrimRight(prefix[:n], "-")
	}
	return prefix + suffix
}

// AutoScaleFormula returns a pool auto-scale formula that sizes the
// pool to the recent number of pending tasks, up to maxNodes.
// While fewer than 70% of samples are available it targets one node.
func AutoScaleFormula(maxNodes int) string {
	return "pendingTaskSamplePercent = $PendingTasks.GetSamplePercent(180 * TimeInterval_Second); " +
		"pendingTaskSamples = pendingTaskSamplePercent < 70 ? 1 : avg($PendingTasks.GetSample(180 * TimeInterval_Second)); " +
		fmt.Sprintf("$TargetDedicatedNodes = min(%d, pendingTaskSamples);", maxNodes)
}

// PlannedTask is a unit and the task that runs it.
type PlannedTask struct {
	ID   string
	Unit samazure.Unit
}

// PlannedJob is one chunk of a case: a pool, the job that runs on it,
// and the job's tasks.
type PlannedJob struct {
	PoolID, JobID string
	Tasks         []PlannedTask
}

// Plan is the layout of a case across pools, jobs and tasks.
type Plan struct {
	Project string
	Jobs    []PlannedJob
}

// NewPlan lays the units of c out in chunks of at most chunkSize tasks.
// Chunk n gets pool "<project>-pool<n>-<time>-<random>", job
// "<pool>-job<n>" and task "<job>-task<i>", where i is the unit index.
func NewPlan(project string, c *samazure.Case, chunkSize int, now time.Time) (*Plan, error) {
	if chunkSize > MaxTasksPerJob {
		return nil, fmt.Errorf("cloud: chunk size %d is greater than %d", chunkSize, MaxTasksPerJob)
	}
	chunks, err := Chunks(len(c.Units), chunkSize)
	if err != nil {
		return nil, err
	}
	p := &Plan{Project: project}
	for n, ch := range chunks {
		pool := poolName(project, n, now)
		j := PlannedJob{
			PoolID: pool,
			JobID:  fmt.Sprintf("%s-job%d", pool, n),
		}
		for _, u := range c.Units[ch.Start:ch.End] {
			id := fmt.Sprintf("%s-task%d", j.JobID, u.Index)
			if len(id) > maxIDLen {
				return nil, fmt.Errorf("cloud: task id %s is longer than %d characters", id, maxIDLen)
			}
			j.Tasks = append(j.Tasks, PlannedTask{ID: id, Unit: u})
		}
		p.Jobs = append(p.Jobs, j)
	}
	return p, nil
}

// poolName returns a unique id for pool n of project, shortening the
// project so the pool number is kept.
func poolName(project string, n int, now time.Time) string {
	tag := fmt.Sprintf("-pool%d", n)
	if room := poolIDLen - uniqueSuffixLen - len(tag); len(project) > room {
		project = strings.TrimRight(project[:room], "-")
	}
	return UniqueName(project+tag, now, poolIDLen)
}

// taskSpec returns the specification of task t of case c.
// urls maps input blob names to signed download URLs and
// containerURL is a signed, writable URL of the output container.
func taskSpec(c *samazure.Case, t PlannedTask, os OS, urls map[string]string, containerURL string) (*TaskSpec, error) {
	cmd, err := WrapCommands(os, c.Workload.TaskCommands(t.Unit))
	if err != nil {
		return nil, err
	}
	s := &TaskSpec{
		ID:          t.ID,
		CommandLine: cmd,
		OutputFiles: []OutputFile{{
			Pattern:      c.Workload.OutputPattern(),
			ContainerURL: containerURL,
			Condition:    TaskCompletion,
		}},
		Elevated: true,
	}
	inputs := append([]samazure.Input{t.Unit.Input}, c.Shared...)
	for _, in := range inputs {
		u, ok := urls[in.Name]
		if !ok {
			return nil, fmt.Errorf("cloud: no download URL for input %s", in.Name)
		}
		s.ResourceFiles = append(s.ResourceFiles, ResourceFile{URL: u, FilePath: in.Name})
	}
	return s, nil
}
