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
	"time"

	batch "k8s.io/api/batch/v1"
	core "k8s.io/api/core/v1"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// NewFakeKubernetes creates a Kubernetes batch service for testing that
// does not run any containers. Each job finishes as soon as it is created:
// run, if not nil, is passed the job's bash script and its error, if any,
// fails the job. Otherwise the job succeeds.
func NewFakeKubernetes(namespace string, run func(script string) error) *Kubernetes {
	k8sClient := fake.NewSimpleClientset()
	k8sClient.Fake.PrependReactor("create", "jobs", fakeRun(run))
	return NewKubernetes(k8sClient, namespace)
}

// fakeRun sets the final status of a job as it is created and then
// lets the object tracker store it.
func fakeRun(run func(string) error) func(action k8stesting.Action) (handled bool, ret runtime.Object, err error) {
	return func(action k8stesting.Action) (handled bool, ret runtime.Object, err error) {
		job := action.(k8stesting.CreateAction).GetObject().(*batch.Job)
		cmd := job.Spec.Template.Spec.Containers[0].Command

		cond := batch.JobCondition{Type: batch.JobComplete, Status: core.ConditionTrue}
		if run != nil {
			if err := run(cmd[len(cmd)-1]); err != nil {
				cond = batch.JobCondition{
					Type:    batch.JobFailed,
					Status:  core.ConditionTrue,
					Reason:  "BackoffLimitExceeded",
					Message: err.Error(),
				}
			}
		}
		job.Status.Conditions = []batch.JobCondition{cond}

		start, err := time.Parse("2006-Jan-02", "2018-Oct-22")
		if err != nil {
			panic(err)
		}
		s := meta.NewTime(start)
		c := meta.NewTime(start.Add(time.Minute))
		job.Status.StartTime = &s
		job.Status.CompletionTime = &c
		if cond.Type == batch.JobComplete {
			job.Status.Succeeded = 1
		} else {
			job.Status.Failed = 1
		}
		return false, job, nil
	}
}
