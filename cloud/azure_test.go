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
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/batch/azbatch"
	"github.com/google/go-cmp/cmp"
)

func TestAzureError(t *testing.T) {
	for _, test := range []struct {
		code string
		want error
	}{
		{"PoolExists", ErrExists},
		{"JobExists", ErrExists},
		{"JobNotFound", ErrNotFound},
		{"PoolNotFound", ErrNotFound},
	} {
		err := azureError("op", "id", &azcore.ResponseError{ErrorCode: test.code, StatusCode: 409})
		if !errors.Is(err, test.want) {
			t.Errorf("%s: %v", test.code, err)
		}
	}
	err := azureError("op", "id", &azcore.ResponseError{ErrorCode: "ServerBusy", StatusCode: 503})
	if errors.Is(err, ErrExists) || errors.Is(err, ErrNotFound) {
		t.Errorf("ServerBusy: %v", err)
	}
	if azureError("op", "id", nil) != nil {
		t.Error("nil error was translated")
	}
}

func TestToPoolContent(t *testing.T) {
	p := &PoolSpec{
		ID:     "pool0",
		VMSize: "STANDARD_A1_v2",
		Image: Image{
			ImageReference: ImageReference{Publisher: "Canonical", Offer: "UbuntuServer", SKU: "16.04-LTS", Version: "latest"},
			NodeAgentSKU:   "batch.node.ubuntu 16.04",
		},
		AutoScaleFormula:  AutoScaleFormula(10),
		AutoScaleInterval: 5 * time.Minute,
		TaskSlotsPerNode:  1,
		NodeFill:          Spread,
		StartTask:         &StartTask{CommandLine: "/bin/bash -c \"cd /\"", Elevated: true, WaitForSuccess: true},
	}
	c := toPoolContent(p)
	if *c.ID != "pool0" || *c.VMSize != "STANDARD_A1_v2" {
		t.Errorf("id %s size %s", *c.ID, *c.VMSize)
	}
	if *c.VirtualMachineConfiguration.NodeAgentSKUID != "batch.node.ubuntu 16.04" ||
		*c.VirtualMachineConfiguration.ImageReference.SKU != "16.04-LTS" {
		t.Error("wrong image")
	}
	if !*c.EnableAutoScale || *c.AutoScaleEvaluationInterval != "PT5M" || c.TargetDedicatedNodes != nil {
		t.Error("wrong auto-scale settings")
	}
	if *c.TaskSchedulingPolicy.NodeFillType != azbatch.BatchNodeFillTypeSpread {
		t.Error("wrong node fill")
	}
	if !*c.StartTask.WaitForSuccess || *c.StartTask.UserIdentity.AutoUser.ElevationLevel != azbatch.ElevationLevelAdmin ||
		*c.StartTask.UserIdentity.AutoUser.Scope != azbatch.AutoUserScopePool {
		t.Error("wrong start task")
	}

	p.AutoScaleFormula = ""
	p.TargetDedicatedNodes = 3
	c = toPoolContent(p)
	if c.EnableAutoScale != nil || *c.TargetDedicatedNodes != 3 {
		t.Error("wrong fixed size settings")
	}
}

func TestToTaskContent(t *testing.T) {
	c := toTaskContent(&TaskSpec{
		ID:            "job-task0",
		CommandLine:   "run",
		ResourceFiles: []ResourceFile{{URL: "https://a/in.json?sig", FilePath: "in.json"}},
		OutputFiles: []OutputFile{{
			Pattern:      "*_result.json",
			ContainerURL: "https://a?sas",
			Condition:    TaskCompletion,
		}},
		Elevated: true,
	})
	want := azbatch.CreateTaskContent{
		ID:            to.Ptr("job-task0"),
		CommandLine:   to.Ptr("run"),
		ResourceFiles: []azbatch.ResourceFile{{HTTPURL: to.Ptr("https://a/in.json?sig"), FilePath: to.Ptr("in.json")}},
		OutputFiles: []azbatch.OutputFile{{
			FilePattern: to.Ptr("*_result.json"),
			Destination: &azbatch.OutputFileDestination{
				Container: &azbatch.OutputFileBlobContainerDestination{
					ContainerURL: to.Ptr("https://a?sas"),
					Path:         to.Ptr(""),
				},
			},
			UploadOptions: &azbatch.OutputFileUploadConfig{
				UploadCondition: to.Ptr(azbatch.OutputFileUploadConditionTaskCompletion),
			},
		}},
		UserIdentity: &azbatch.UserIdentity{
			AutoUser: &azbatch.AutoUserSpecification{
				ElevationLevel: to.Ptr(azbatch.ElevationLevelAdmin),
				Scope:          to.Ptr(azbatch.AutoUserScopeTask),
			},
		},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Error(diff)
	}
}

func TestFromTask(t *testing.T) {
	got := fromTask(azbatch.Task{
		ID:    to.Ptr("t0"),
		State: to.Ptr(azbatch.TaskStateCompleted),
		ExecutionInfo: &azbatch.TaskExecutionInfo{
			ExitCode:    to.Ptr[int32](2),
			FailureInfo: &azbatch.TaskFailureInfo{Message: to.Ptr("The task exited with an exit code representing a failure")},
		},
	})
	code := 2
	want := TaskStatus{
		ID:       "t0",
		State:    TaskCompleted,
		ExitCode: &code,
		Failure:  "The task exited with an exit code representing a failure",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}
	if s := fromTask(azbatch.Task{ID: to.Ptr("t1")}); s.State != TaskActive || s.Failed() {
		t.Errorf("%+v", s)
	}
}

func TestFromSupportedImage(t *testing.T) {
	got := fromSupportedImage(azbatch.SupportedImage{
		NodeAgentSKUID: to.Ptr("batch.node.ubuntu 16.04"),
		ImageReference: &azbatch.ImageReference{
			Publisher: to.Ptr("Canonical"),
			Offer:     to.Ptr("UbuntuServer"),
			SKU:       to.Ptr("16.04-LTS"),
			Version:   to.Ptr("latest"),
		},
		OSType:           to.Ptr(azbatch.OSTypeLinux),
		VerificationType: to.Ptr(azbatch.ImageVerificationTypeVerified),
	})
	want := Image{
		ImageReference: ImageReference{Publisher: "Canonical", Offer: "UbuntuServer", SKU: "16.04-LTS", Version: "latest"},
		NodeAgentSKU:   "batch.node.ubuntu 16.04",
		Verified:       true,
		OS:             Linux,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}
}

func TestISODuration(t *testing.T) {
	for d, want := range map[time.Duration]string{
		5 * time.Minute:  "PT5M",
		90 * time.Second: "PT90S",
		time.Hour:        "PT60M",
	} {
		if got := isoDuration(d); got != want {
			t.Errorf("%v: %s != %s", d, got, want)
		}
	}
}
