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
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/samazure/samazure"
	"github.com/sirupsen/logrus"
	batch "k8s.io/api/batch/v1"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	batchclient "k8s.io/client-go/kubernetes/typed/batch/v1"
)

const (
	labelApp   = "app"
	labelPool  = "samazure/pool"
	labelJob   = "samazure/job"
	annotation = "samazure/task-id"

	// workDir is where resource files are downloaded in task containers.
	workDir = "/mnt/task/wd"
)

// Kubernetes is a batch service that runs each task as a Kubernetes
// Job in a single namespace. Pools are recorded as labels: the cluster
// itself provides the nodes, so pool sizing settings are ignored.
type Kubernetes struct {
	kubernetes.Interface
	jobControl batchclient.JobInterface

	// Image holds the container image tasks run in. It must provide
	// bash, and apt-get if any of Tools is missing. The default is
	// "ubuntu:16.04".
	Image string

	// Tools are commands the tasks need. Those the image lacks are
	// installed with apt-get, using the command name as the package
	// name, before the inputs are downloaded.
	Tools []string

	// Resources specifies the minimum resources required by each task.
	Resources core.ResourceList

	// Volumes specifies any Kubernetes volumes that are to be
	// mounted in the containers that are created.
	// Each volume will be mounted at /data/volumeName
	// with read-only access.
	Volumes []core.Volume

	Log logrus.FieldLogger

	mu    sync.Mutex
	pools map[string]bool
	jobs  map[string]string // job id to pool id
}

// NewKubernetes returns a batch service that creates jobs in the
// given namespace.
func NewKubernetes(k kubernetes.Interface, namespace string) *Kubernetes {
	return &Kubernetes{
		Interface:  k,
		jobControl: k.BatchV1().Jobs(namespace),
		Image:      "ubuntu:16.04",
		Tools:      []string{"curl", "wget", "sudo", "rsync", "python"},
		Log:        logrus.StandardLogger(),
		pools:      make(map[string]bool),
		jobs:       make(map[string]string),
	}
}

// ListImages returns the configured container image.
func (k *Kubernetes) ListImages(ctx context.Context) ([]Image, error) {
	ref := ImageReference{Publisher: "kubernetes", Offer: k.Image, SKU: "container", Version: "latest"}
	if i := strings.LastIndex(k.Image, ":"); i > 0 {
		ref.Offer, ref.Version = k.Image[:i], k.Image[i+1:]
	}
	return []Image{{ImageReference: ref, NodeAgentSKU: "kubernetes", Verified: true, OS: Linux}}, nil
}

func (k *Kubernetes) CreatePool(ctx context.Context, pool *PoolSpec) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pools[pool.ID] {
		return fmt.Errorf("cloud: pool %s: %w", pool.ID, ErrExists)
	}
	k.pools[pool.ID] = true
	return nil
}

func (k *Kubernetes) CreateJob(ctx context.Context, job *JobSpec) error {
	existing, err := k.list(ctx, labelJob, job.ID)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.jobs[job.ID]; ok || len(existing) > 0 {
		return fmt.Errorf("cloud: job %s: %w", job.ID, ErrExists)
	}
	k.jobs[job.ID] = job.PoolID
	return nil
}

func (k *Kubernetes) poolOf(jobID string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.jobs[jobID]
	return p, ok
}

// AddTasks creates one Kubernetes Job per task.
func (k *Kubernetes) AddTasks(ctx context.Context, jobID string, tasks []*TaskSpec) error {
	if len(tasks) > MaxTasksPerJob {
		return fmt.Errorf("cloud: %d tasks is more than the %d allowed per request", len(tasks), MaxTasksPerJob)
	}
	pool, ok := k.poolOf(jobID)
	if !ok {
		return fmt.Errorf("cloud: job %s: %w", jobID, ErrNotFound)
	}
	for _, t := range tasks {
		script, err := taskScript(t, k.Tools)
		if err != nil {
			return err
		}
		j := createJob(k8sName(t.ID), t.ID, map[string]string{
			labelApp:  "samazure",
			labelPool: labelValue(pool),
			labelJob:  labelValue(jobID),
		}, script, k.Image, k.Resources, k.Volumes)
		_, err = k.jobControl.Create(ctx, j, meta.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			k.Log.WithFields(logrus.Fields{"job": jobID, "task": t.ID}).Debug("cloud: task already exists")
			continue
		}
		if err != nil {
			return fmt.Errorf("cloud: creating task %s: %v", t.ID, err)
		}
		k.Log.WithFields(logrus.Fields{"job": jobID, "task": t.ID}).Debug("cloud: created kubernetes job")
	}
	return nil
}

func (k *Kubernetes) list(ctx context.Context, label, value string) ([]batch.Job, error) {
	sel := labels.SelectorFromSet(labels.Set{label: labelValue(value)})
	l, err := k.jobControl.List(ctx, meta.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return nil, fmt.Errorf("cloud: listing kubernetes jobs: %v", err)
	}
	return l.Items, nil
}

// ListTasks maps the conditions of the Kubernetes Jobs of a job onto
// task states.
func (k *Kubernetes) ListTasks(ctx context.Context, jobID string) ([]TaskStatus, error) {
	items, err := k.list(ctx, labelJob, jobID)
	if err != nil {
		return nil, err
	}
	if _, ok := k.poolOf(jobID); !ok && len(items) == 0 {
		return nil, fmt.Errorf("cloud: job %s: %w", jobID, ErrNotFound)
	}
	o := make([]TaskStatus, len(items))
	for i, j := range items {
		o[i] = taskStatus(&j)
	}
	return o, nil
}

func taskStatus(j *batch.Job) TaskStatus {
	s := TaskStatus{ID: j.Annotations[annotation], State: TaskActive}
	if s.ID == "" {
		s.ID = j.Name
	}
	for _, cond := range j.Status.Conditions {
		if cond.Status != core.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batch.JobComplete:
			code := 0
			s.State, s.ExitCode = TaskCompleted, &code
			return s
		case batch.JobFailed:
			code := 1
			s.State, s.ExitCode, s.Failure = TaskCompleted, &code, cond.Message
			return s
		}
	}
	if j.Status.Active > 0 {
		s.State = TaskRunning
	}
	return s
}

// DeleteJob deletes the Kubernetes Jobs of a job along with their pods.
func (k *Kubernetes) DeleteJob(ctx context.Context, jobID string) error {
	items, err := k.list(ctx, labelJob, jobID)
	if err != nil {
		return err
	}
	_, known := k.poolOf(jobID)
	if !known && len(items) == 0 {
		return fmt.Errorf("cloud: job %s: %w", jobID, ErrNotFound)
	}
	if err := k.deleteAll(ctx, items); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.jobs, jobID)
	k.mu.Unlock()
	return nil
}

// DeletePool deletes any remaining Kubernetes Jobs in the pool.
func (k *Kubernetes) DeletePool(ctx context.Context, poolID string) error {
	items, err := k.list(ctx, labelPool, poolID)
	if err != nil {
		return err
	}
	k.mu.Lock()
	known := k.pools[poolID]
	delete(k.pools, poolID)
	k.mu.Unlock()
	if !known && len(items) == 0 {
		return fmt.Errorf("cloud: pool %s: %w", poolID, ErrNotFound)
	}
	return k.deleteAll(ctx, items)
}

func (k *Kubernetes) deleteAll(ctx context.Context, items []batch.Job) error {
	p := meta.DeletePropagationForeground
	for _, j := range items {
		err := k.jobControl.Delete(ctx, j.Name, meta.DeleteOptions{PropagationPolicy: &p})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("cloud: deleting kubernetes job %s: %v", j.Name, err)
		}
	}
	return nil
}

// k8sName returns a valid Kubernetes object name for a task id.
func k8sName(id string) string {
	n := samazure.NormalizeName(id)
	if len(n) > 63 {
		n = strings.TrimRight(n[:63], "-")
	}
	return n
}

// labelValue shortens v to the label value length limit.
func labelValue(v string) string {
	if len(v) > 63 {
		v = strings.TrimRight(v[:63], "-_.")
	}
	return v
}

// taskScript returns a bash script that downloads the resource files
// of t, runs its command line and uploads its output files to their
// Azure container URLs.
func taskScript(t *TaskSpec, tools []string) (string, error) {
	var b strings.Builder
	b.WriteString("set -e\n")
	if len(tools) > 0 {
		fmt.Fprintf(&b, "missing=\nfor c in %s; do command -v $c >/dev/null 2>&1 || missing=\"$missing $c\"; done\n", strings.Join(tools, " "))
		b.WriteString("if [ -n \"$missing\" ]; then apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq ca-certificates $missing; fi\n")
	}
	fmt.Fprintf(&b, "mkdir -p %s && cd %s\n", workDir, workDir)
	for _, rf := range t.ResourceFiles {
		fmt.Fprintf(&b, "mkdir -p \"$(dirname '%s')\"\ncurl -fsSL -o '%s' '%s'\n", rf.FilePath, rf.FilePath, rf.URL)
	}
	fmt.Fprintf(&b, "set +e\n%s\nstatus=$?\n", t.CommandLine)
	for _, o := range t.OutputFiles {
		u, err := url.Parse(o.ContainerURL)
		if err != nil {
			return "", fmt.Errorf("cloud: output container URL: %v", err)
		}
		sas := u.RawQuery
		u.RawQuery = ""
		u.Path = path.Join(u.Path, o.Path)
		upload := fmt.Sprintf("for f in %s; do [ -f \"$f\" ] && curl -fsS -X PUT -H 'x-ms-blob-type: BlockBlob' --data-binary \"@$f\" '%s/'\"$f\"'?%s'; done",
			o.Pattern, strings.TrimSuffix(u.String(), "/"), sas)
		switch o.Condition {
		case TaskSuccess:
			upload = "[ $status -eq 0 ] && " + "{ " + upload + "; }"
		case TaskFailure:
			upload = "[ $status -ne 0 ] && " + "{ " + upload + "; }"
		}
		b.WriteString(upload + "\n")
	}
	b.WriteString("exit $status\n")
	return b.String(), nil
}

// createJob creates a Kubernetes job specification with the given name
// and labels that runs script with bash on the given container image.
// resources specifies the minimum required resources for execution.
// volumes holds the list of k8s volumes to mount, with all volumes assumed to
// be read-only.
func createJob(name, taskID string, jobLabels map[string]string, script, image string, resources core.ResourceList, volumes []core.Volume) *batch.Job {
	volumeMounts := make([]core.VolumeMount, len(volumes), len(volumes)+1)
	for i, v := range volumes {
		volumeMounts[i] = core.VolumeMount{
			Name:      v.Name,
			ReadOnly:  true,
			MountPath: "/data/" + v.Name,
		}
	}
	volumeMounts = append(volumeMounts, core.VolumeMount{Name: "task", MountPath: path.Dir(workDir)})
	vols := append([]core.Volume{{
		Name:         "task",
		VolumeSource: core.VolumeSource{EmptyDir: &core.EmptyDirVolumeSource{}},
	}}, volumes...)

	var backoffLimit int32
	return &batch.Job{
		TypeMeta: meta.TypeMeta{
			Kind:       "Job",
			APIVersion: "batch/v1",
		},
		ObjectMeta: meta.ObjectMeta{
			Name:        name,
			Labels:      jobLabels,
			Annotations: map[string]string{annotation: taskID},
		},
		Spec: batch.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: core.PodTemplateSpec{
				ObjectMeta: meta.ObjectMeta{
					Labels: jobLabels,
				},
				Spec: core.PodSpec{
					Containers: []core.Container{
						{
							Name:       "task",
							Image:      image,
							Command:    []string{"/bin/bash", "-c", script},
							WorkingDir: workDir,
							Env: []core.EnvVar{
								{Name: "AZ_BATCH_TASK_WORKING_DIR", Value: workDir},
								{Name: "AZ_BATCH_TASK_ID", Value: taskID},
							},
							Resources: core.ResourceRequirements{
								Requests: resources,
							},
							VolumeMounts: volumeMounts,
						},
					},
					Volumes:       vols,
					RestartPolicy: core.RestartPolicyNever,
				},
			},
		},
	}
}
