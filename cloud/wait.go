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
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

var errPending = errors.New("cloud: tasks still pending")

// Wait returns once every task of m has completed, or returns an error
// wrapping ErrTimeout if they have not all completed within timeout.
// Errors while checking task states are logged and the check retried.
func (c *Client) Wait(parent context.Context, m *Manifest, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := c.Log.WithFields(logrus.Fields{"project": m.Project, "timeout": timeout})
	log.Info("cloud: monitoring tasks for completed state")
	remaining := len(m.Tasks)
	op := func() error {
		n, err := c.incomplete(ctx, m)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		remaining = n
		if n > 0 {
			return errPending
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(c.PollInterval), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		if err == errPending {
			log.WithField("incomplete", remaining).Debug("cloud: waiting")
			return
		}
		log.Warnf("cloud: checking task states: %v", err)
	})
	switch {
	case err == nil:
		log.Info("cloud: all tasks completed")
		return nil
	case errors.Is(err, ErrNotFound):
		return err
	case parent.Err() != nil:
		return parent.Err()
	}
	// The constant backoff only stops when the next poll would pass
	// the deadline.
	return fmt.Errorf("%w: %d of %d tasks incomplete after %v", ErrTimeout, remaining, len(m.Tasks), timeout)
}

// incomplete returns the number of tasks of m that have not completed.
// Tasks the service does not report yet count as incomplete.
func (c *Client) incomplete(ctx context.Context, m *Manifest) (int, error) {
	want := make(map[string]int)
	for _, t := range m.Tasks {
		want[t.Job]++
	}
	n := 0
	for _, job := range m.Jobs {
		tasks, err := c.Batch.ListTasks(ctx, job)
		if err != nil {
			return 0, err
		}
		done := 0
		for _, t := range tasks {
			if t.State == TaskCompleted {
				done++
			}
		}
		if w := want[job]; w > len(tasks) {
			n += w - done
		} else {
			n += len(tasks) - done
		}
	}
	return n, nil
}

// JobStatus summarizes the tasks of one job.
type JobStatus struct {
	ID     string
	Counts map[TaskState]int

	// Failed lists completed tasks with a failure or
	// non-zero exit code.
	Failed []TaskStatus
}

// Status is the state of a submission.
type Status struct {
	Jobs []JobStatus

	// MissingOutputs lists the outputs of successfully completed
	// tasks that are absent from the container or empty.
	MissingOutputs []string
}

// Incomplete returns the number of tasks that have not completed.
func (s *Status) Incomplete() int {
	n := 0
	for _, j := range s.Jobs {
		for state, count := range j.Counts {
			if state != TaskCompleted {
				n += count
			}
		}
	}
	return n
}

// Failed returns all failed tasks.
func (s *Status) Failed() []TaskStatus {
	var o []TaskStatus
	for _, j := range s.Jobs {
		o = append(o, j.Failed...)
	}
	return o
}

func (s *Status) log(l logrus.FieldLogger) {
	for _, f := range s.Failed() {
		e := l.WithField("task", f.ID)
		if f.ExitCode != nil {
			e = e.WithField("exit_code", *f.ExitCode)
		}
		e.Warnf("cloud: task failed: %s", f.Failure)
	}
	for _, o := range s.MissingOutputs {
		l.WithField("output", o).Warn("cloud: task completed without output")
	}
}

// Status returns the current state of the tasks of m. Like the batch
// service, it treats a task as completed regardless of its exit code,
// so completed tasks are also checked for a non-empty output.
func (c *Client) Status(ctx context.Context, m *Manifest) (*Status, error) {
	s := new(Status)
	completed := make(map[string]bool)
	for _, job := range m.Jobs {
		var tasks []TaskStatus
		err := c.call(ctx, "list tasks", func() (err error) {
			tasks, err = c.Batch.ListTasks(ctx, job)
			return err
		})
		if err != nil {
			return nil, err
		}
		js := JobStatus{ID: job, Counts: make(map[TaskState]int)}
		for _, t := range tasks {
			js.Counts[t.State]++
			if t.Failed() {
				js.Failed = append(js.Failed, t)
			} else if t.State == TaskCompleted {
				completed[t.ID] = true
			}
		}
		s.Jobs = append(s.Jobs, js)
	}
	if len(completed) == 0 {
		return s, nil
	}

	bucket, err := c.Store.Bucket(ctx, m.Container)
	if err != nil {
		return nil, err
	}
	defer bucket.Close()
	sizes, err := blobSizes(ctx, bucket, "")
	if err != nil {
		return nil, err
	}
	for _, t := range m.Tasks {
		if completed[t.ID] && sizes[t.Output] == 0 {
			s.MissingOutputs = append(s.MissingOutputs, t.Output)
		}
	}
	sort.Strings(s.MissingOutputs)
	return s, nil
}
