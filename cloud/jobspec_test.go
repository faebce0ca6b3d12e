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
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/samazure/samazure"
)

func TestChunks(t *testing.T) {
	for _, test := range []struct {
		n, size int
		want    []Chunk
	}{
		{n: 0, size: 100, want: nil},
		{n: 3, size: 100, want: []Chunk{{0, 3}}},
		{n: 100, size: 100, want: []Chunk{{0, 100}}},
		{n: 250, size: 100, want: []Chunk{{0, 100}, {100, 200}, {200, 250}}},
		{n: 5, size: 2, want: []Chunk{{0, 2}, {2, 4}, {4, 5}}},
	} {
		t.Run(fmt.Sprintf("%d_%d", test.n, test.size), func(t *testing.T) {
			got, err := Chunks(test.n, test.size)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Error(pretty.Diff(got, test.want))
			}
			total := 0
			for _, c := range got {
				total += c.Len()
			}
			if total != test.n {
				t.Errorf("chunks cover %d units, want %d", total, test.n)
			}
		})
	}
	if _, err := Chunks(10, 0); err == nil {
		t.Error("expected an error for size 0")
	}
}

func TestUniqueName(t *testing.T) {
	now := time.Date(2018, 10, 22, 13, 45, 1, 0, time.UTC)
	re := regexp.MustCompile(`^proj-pool0-20181022-134501-[0-9a-f]{6}$`)
	a := UniqueName("proj-pool0", now, 64)
	if !re.MatchString(a) {
		t.Errorf("name %s does not match %s", a, re)
	}
	if b := UniqueName("proj-pool0", now, 64); a == b {
		t.Errorf("names are not unique: %s", a)
	}

	long := UniqueName(strings.Repeat("x", 100), now, 44)
	if len(long) != 44 {
		t.Errorf("length %d != 44: %s", len(long), long)
	}
}

func TestAutoScaleFormula(t *testing.T) {
	f := AutoScaleFormula(25)
	for _, want := range []string{
		"$PendingTasks.GetSamplePercent(180 * TimeInterval_Second)",
		"pendingTaskSamplePercent < 70 ? 1",
		"$TargetDedicatedNodes = min(25, pendingTaskSamples);",
	} {
		if !strings.Contains(f, want) {
			t.Errorf("formula %q does not contain %q", f, want)
		}
	}
}

func testUnits(n int) *samazure.Case {
	c := &samazure.Case{Workload: testWorkload{}}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("u%d.txt", i)
		c.Units = append(c.Units, samazure.Unit{
			Input:  samazure.Input{Path: name, Name: name},
			Index:  i,
			Output: testWorkload{}.OutputName(name),
		})
	}
	return c
}

func TestNewPlan_longProject(t *testing.T) {
	now := time.Date(2018, 10, 22, 13, 45, 1, 0, time.UTC)
	p, err := NewPlan("000000-testproject-3513", testUnits(150), 100, now)
	if err != nil {
		t.Fatal(err)
	}
	poolRe := regexp.MustCompile(`^000000-testproj-pool(\d)-20181022-134501-[0-9a-f]{6}$`)
	for n, j := range p.Jobs {
		m := poolRe.FindStringSubmatch(j.PoolID)
		if m == nil || m[1] != fmt.Sprint(n) || len(j.PoolID) > poolIDLen {
			t.Errorf("job %d: pool id %s", n, j.PoolID)
		}
	}
}

func TestNewPlan(t *testing.T) {
	now := time.Date(2018, 10, 22, 13, 45, 1, 0, time.UTC)
	p, err := NewPlan("office-daylight", testUnits(250), 100, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Jobs) != 3 {
		t.Fatalf("%d jobs != 3", len(p.Jobs))
	}
	sizes := []int{100, 100, 50}
	poolRe := regexp.MustCompile(`^office-daylight-pool(\d)-20181022-134501-[0-9a-f]{6}$`)
	seen := make(map[string]bool)
	for n, j := range p.Jobs {
		m := poolRe.FindStringSubmatch(j.PoolID)
		if m == nil || m[1] != fmt.Sprint(n) {
			t.Errorf("job %d: pool id %s", n, j.PoolID)
		}
		if want := fmt.Sprintf("%s-job%d", j.PoolID, n); j.JobID != want {
			t.Errorf("job id %s != %s", j.JobID, want)
		}
		if len(j.Tasks) != sizes[n] {
			t.Errorf("job %d: %d tasks != %d", n, len(j.Tasks), sizes[n])
		}
		for _, task := range j.Tasks {
			if want := fmt.Sprintf("%s-task%d", j.JobID, task.Unit.Index); task.ID != want {
				t.Errorf("task id %s != %s", task.ID, want)
			}
			if len(task.ID) > 64 {
				t.Errorf("task id %s is too long", task.ID)
			}
			if seen[task.ID] {
				t.Errorf("duplicate task id %s", task.ID)
			}
			seen[task.ID] = true
		}
	}

	if _, err := NewPlan("p", testUnits(1), 101, now); err == nil {
		t.Error("expected an error for chunk size 101")
	}
}

func TestTaskSpec(t *testing.T) {
	c := testUnits(2)
	c.Shared = []samazure.Input{{Path: "shared.txt", Name: "shared.txt"}}
	urls := map[string]string{
		"u1.txt":     "https://a/u1.txt?sig",
		"shared.txt": "https://a/shared.txt?sig",
	}
	task := PlannedTask{ID: "job-task1", Unit: c.Units[1]}
	s, err := taskSpec(c, task, Linux, urls, "https://a?sas")
	if err != nil {
		t.Fatal(err)
	}
	want := &TaskSpec{
		ID:          "job-task1",
		CommandLine: `/bin/bash -c "set -e; set -o pipefail; cat shared.txt u1.txt > u1_result.txt; wait"`,
		ResourceFiles: []ResourceFile{
			{URL: "https://a/u1.txt?sig", FilePath: "u1.txt"},
			{URL: "https://a/shared.txt?sig", FilePath: "shared.txt"},
		},
		OutputFiles: []OutputFile{{
			Pattern:      "*_result.txt",
			ContainerURL: "https://a?sas",
			Condition:    TaskCompletion,
		}},
		Elevated: true,
	}
	if !reflect.DeepEqual(s, want) {
		t.Error(pretty.Diff(s, want))
	}

	task = PlannedTask{ID: "job-task0", Unit: c.Units[0]}
	if _, err := taskSpec(c, task, Linux, urls, ""); err == nil {
		t.Error("expected an error for an input without a URL")
	}
}
