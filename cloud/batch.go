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

// Package cloud fans simulation cases out to a batch computing service.
// Inputs are staged in blob storage, each unit of a case becomes a task,
// tasks are grouped into jobs of bounded size that each run on their own
// pool of nodes, and results are written back to blob storage.
package cloud

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExists is returned when creating a resource that already exists.
	ErrExists = errors.New("cloud: resource already exists")

	// ErrNotFound is returned when a resource does not exist.
	ErrNotFound = errors.New("cloud: resource not found")

	// ErrTimeout is returned when tasks do not reach the completed
	// state within the allowed time.
	ErrTimeout = errors.New("cloud: tasks did not reach completed state within timeout")
)

// OS is a compute node operating system family.
type OS string

const (
	Linux   OS = "linux"
	Windows OS = "windows"
)

// ImageReference identifies a marketplace virtual machine image.
type ImageReference struct {
	Publisher, Offer, SKU, Version string
}

// Image is a virtual machine image supported by a batch service.
type Image struct {
	ImageReference

	// NodeAgentSKU is the id of the batch node agent that runs
	// on the image.
	NodeAgentSKU string

	// Verified is true if the batch service has validated the image.
	Verified bool

	OS OS
}

// NodeFill determines how tasks are distributed across the nodes of a pool.
type NodeFill string

const (
	Spread NodeFill = "spread"
	Pack   NodeFill = "pack"
)

// StartTask runs on each node when it joins a pool.
type StartTask struct {
	CommandLine string

	// Elevated runs the command as a pool-wide administrator.
	Elevated bool

	// WaitForSuccess delays scheduling tasks on a node until the
	// start task has succeeded there.
	WaitForSuccess bool
}

// PoolSpec describes a pool of compute nodes.
type PoolSpec struct {
	ID     string
	VMSize string
	Image  Image

	// TargetDedicatedNodes is used when AutoScaleFormula is empty.
	TargetDedicatedNodes int

	AutoScaleFormula  string
	AutoScaleInterval time.Duration

	// TaskSlotsPerNode is the number of tasks that may run
	// on one node at the same time.
	TaskSlotsPerNode int

	NodeFill  NodeFill
	StartTask *StartTask
}

// JobSpec describes a job, which groups tasks that run on a single pool.
type JobSpec struct {
	ID, PoolID string
}

// ResourceFile is downloaded into a task's working directory before
// the task runs.
type ResourceFile struct {
	// URL is a (typically signed) location the file can be
	// downloaded from without further credentials.
	URL string

	// FilePath is the destination relative to the working directory.
	FilePath string
}

// UploadCondition determines when task output files are uploaded.
type UploadCondition string

const (
	TaskCompletion UploadCondition = "taskCompletion"
	TaskSuccess    UploadCondition = "taskSuccess"
	TaskFailure    UploadCondition = "taskFailure"
)

// OutputFile is uploaded from a task's working directory to a blob
// container after the task runs.
type OutputFile struct {
	// Pattern is a glob relative to the working directory.
	Pattern string

	// ContainerURL is a signed, writable container location.
	ContainerURL string

	// Path is the blob name prefix the matched files are uploaded under.
	Path string

	Condition UploadCondition
}

// TaskSpec describes one task.
type TaskSpec struct {
	ID          string
	CommandLine string

	ResourceFiles []ResourceFile
	OutputFiles   []OutputFile

	// Elevated runs the task as an administrator scoped to the task.
	Elevated bool
}

// TaskState is the state of a task.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskPreparing TaskState = "preparing"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
)

// TaskStatus is the reported state of a task.
type TaskStatus struct {
	ID    string
	State TaskState

	// ExitCode is set once the task process has exited.
	ExitCode *int

	// Failure describes why the task could not be run or
	// completed, if it failed.
	Failure string
}

// Failed returns whether the task completed unsuccessfully.
func (s TaskStatus) Failed() bool {
	if s.State != TaskCompleted {
		return false
	}
	return s.Failure != "" || (s.ExitCode != nil && *s.ExitCode != 0)
}

// Batch is a batch computing service.
// Implementations return errors wrapping ErrExists and ErrNotFound
// where applicable.
type Batch interface {
	// ListImages lists the virtual machine images pools can use.
	ListImages(ctx context.Context) ([]Image, error)

	CreatePool(ctx context.Context, pool *PoolSpec) error
	CreateJob(ctx context.Context, job *JobSpec) error

	// AddTasks adds tasks to the given job. At most MaxTasksPerJob
	// tasks may be added in one call. Tasks that already exist are
	// skipped, so a failed call can be repeated.
	AddTasks(ctx context.Context, jobID string, tasks []*TaskSpec) error

	ListTasks(ctx context.Context, jobID string) ([]TaskStatus, error)

	DeleteJob(ctx context.Context, jobID string) error
	DeletePool(ctx context.Context, poolID string) error
}
