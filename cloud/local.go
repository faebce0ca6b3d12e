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
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/sirupsen/logrus"
)

// Local is a batch service that runs tasks as processes on the local
// machine. It is used for testing and for small cases. Pools are
// bookkeeping only: tasks from all jobs share Parallelism process slots.
type Local struct {
	// Dir holds the task working directories, which are kept
	// after their jobs are deleted.
	Dir string

	// Resolver opens signed resource file URLs. file:// URLs
	// are always opened directly.
	Resolver Resolver

	Log logrus.FieldLogger

	mu    sync.Mutex
	pools map[string]PoolSpec
	jobs  map[string]*localJob
	sem   chan struct{}
	wg    sync.WaitGroup

	cacheMu sync.Mutex
	cache   *lru.Cache
}

type localJob struct {
	spec   JobSpec
	order  []string
	tasks  map[string]*TaskStatus
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocal returns a local batch service that keeps task working
// directories in dir and runs at most parallelism tasks at once.
// If parallelism is less than 1, the number of CPUs is used.
func NewLocal(dir string, r Resolver, parallelism int) *Local {
	if parallelism < 1 {
		parallelism = runtime.NumCPU()
	}
	const maxCachedResources = 64
	return &Local{
		Dir:      dir,
		Resolver: r,
		Log:      logrus.StandardLogger(),
		pools:    make(map[string]PoolSpec),
		jobs:     make(map[string]*localJob),
		sem:      make(chan struct{}, parallelism),
		cache:    lru.New(maxCachedResources),
	}
}

func localOS() OS {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return Linux
}

// ListImages returns a single image describing the local machine.
func (l *Local) ListImages(ctx context.Context) ([]Image, error) {
	return []Image{{
		ImageReference: ImageReference{Publisher: "local", Offer: runtime.GOOS, SKU: runtime.GOARCH, Version: "latest"},
		NodeAgentSKU:   "local",
		Verified:       true,
		OS:             localOS(),
	}}, nil
}

func (l *Local) CreatePool(ctx context.Context, pool *PoolSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[pool.ID]; ok {
		return fmt.Errorf("cloud: pool %s: %w", pool.ID, ErrExists)
	}
	l.pools[pool.ID] = *pool
	return nil
}

func (l *Local) CreateJob(ctx context.Context, job *JobSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[job.PoolID]; !ok {
		return fmt.Errorf("cloud: pool %s: %w", job.PoolID, ErrNotFound)
	}
	if _, ok := l.jobs[job.ID]; ok {
		return fmt.Errorf("cloud: job %s: %w", job.ID, ErrExists)
	}
	jctx, cancel := context.WithCancel(context.Background())
	l.jobs[job.ID] = &localJob{
		spec:   *job,
		tasks:  make(map[string]*TaskStatus),
		ctx:    jctx,
		cancel: cancel,
	}
	return nil
}

// AddTasks queues the tasks, which start as soon as a process slot is free.
func (l *Local) AddTasks(ctx context.Context, jobID string, tasks []*TaskSpec) error {
	if len(tasks) > MaxTasksPerJob {
		return fmt.Errorf("cloud: %d tasks is more than the %d allowed per request", len(tasks), MaxTasksPerJob)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[jobID]
	if !ok {
		return fmt.Errorf("cloud: job %s: %w", jobID, ErrNotFound)
	}
	for _, t := range tasks {
		if _, ok := j.tasks[t.ID]; ok {
			l.Log.WithFields(logrus.Fields{"job": jobID, "task": t.ID}).Debug("cloud: task already exists")
			continue
		}
		j.order = append(j.order, t.ID)
		j.tasks[t.ID] = &TaskStatus{ID: t.ID, State: TaskActive}
		l.wg.Add(1)
		j.wg.Add(1)
		go l.run(j, *t)
	}
	return nil
}

func (l *Local) setState(jobID, taskID string, state TaskState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if j, ok := l.jobs[jobID]; ok {
		j.tasks[taskID].State = state
	}
}

func (l *Local) finish(jobID, taskID string, exitCode *int, failure string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if j, ok := l.jobs[jobID]; ok {
		s := j.tasks[taskID]
		s.State = TaskCompleted
		s.ExitCode = exitCode
		s.Failure = failure
	}
}

func (l *Local) run(j *localJob, t TaskSpec) {
	defer l.wg.Done()
	defer j.wg.Done()
	ctx, jobID := j.ctx, j.spec.ID
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		l.finish(jobID, t.ID, nil, "job deleted before task started")
		return
	}
	defer func() { <-l.sem }()
	log := l.Log.WithFields(logrus.Fields{"job": jobID, "task": t.ID})

	l.setState(jobID, t.ID, TaskPreparing)
	taskDir := filepath.Join(l.Dir, jobID, t.ID)
	wd := filepath.Join(taskDir, "wd")
	if err := os.MkdirAll(wd, os.ModePerm); err != nil {
		l.finish(jobID, t.ID, nil, err.Error())
		return
	}
	for _, rf := range t.ResourceFiles {
		if err := l.fetch(ctx, rf, wd); err != nil {
			log.Warnf("cloud: %v", err)
			l.finish(jobID, t.ID, nil, err.Error())
			return
		}
	}

	l.setState(jobID, t.ID, TaskRunning)
	var cmd *exec.Cmd
	if localOS() == Windows {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/c", t.CommandLine)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", t.CommandLine)
	}
	cmd.Dir = wd
	cmd.Env = append(os.Environ(),
		"AZ_BATCH_TASK_WORKING_DIR="+wd,
		"AZ_BATCH_JOB_ID="+jobID,
		"AZ_BATCH_TASK_ID="+t.ID,
	)
	stdout, err1 := os.Create(filepath.Join(taskDir, "stdout.txt"))
	stderr, err2 := os.Create(filepath.Join(taskDir, "stderr.txt"))
	if err1 == nil && err2 == nil {
		cmd.Stdout, cmd.Stderr = stdout, stderr
		defer stdout.Close()
		defer stderr.Close()
	}

	code, failure := 0, ""
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
			failure = err.Error()
		}
	}
	if ctx.Err() != nil {
		l.finish(jobID, t.ID, &code, "job deleted while task was running")
		return
	}
	if err := uploadOutputs(t.OutputFiles, wd, code); err != nil {
		failure = err.Error()
	}
	log.WithField("exit_code", code).Debug("cloud: local task finished")
	l.finish(jobID, t.ID, &code, failure)
}

// fetch downloads a resource file into the working directory wd.
func (l *Local) fetch(ctx context.Context, rf ResourceFile, wd string) error {
	data, err := l.resource(ctx, rf.URL)
	if err != nil {
		return fmt.Errorf("cloud: downloading resource file %s: %v", rf.FilePath, err)
	}
	dst := filepath.Join(wd, filepath.FromSlash(rf.FilePath))
	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// resource returns the contents at the given URL. Tasks of one case
// share inputs, so recently used contents are cached.
func (l *Local) resource(ctx context.Context, rawURL string) ([]byte, error) {
	l.cacheMu.Lock()
	if d, ok := l.cache.Get(rawURL); ok {
		l.cacheMu.Unlock()
		return d.([]byte), nil
	}
	l.cacheMu.Unlock()

	var r io.ReadCloser
	u, err := url.Parse(rawURL)
	switch {
	case err != nil:
		return nil, err
	case u.Scheme == "file":
		r, err = os.Open(filepath.FromSlash(u.Path))
	case l.Resolver != nil:
		r, err = l.Resolver.Resolve(ctx, rawURL)
	default:
		return nil, fmt.Errorf("no resolver for %s URL", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	l.cacheMu.Lock()
	l.cache.Add(rawURL, data)
	l.cacheMu.Unlock()
	return data, nil
}

// uploadOutputs copies the output files of a task that exited with
// the given code into their file:// destination containers.
func uploadOutputs(outputs []OutputFile, wd string, code int) error {
	for _, o := range outputs {
		if (o.Condition == TaskSuccess && code != 0) || (o.Condition == TaskFailure && code == 0) {
			continue
		}
		u, err := url.Parse(o.ContainerURL)
		if err != nil {
			return fmt.Errorf("cloud: output container URL: %v", err)
		}
		if u.Scheme != "file" {
			return fmt.Errorf("cloud: local tasks cannot upload to %s URLs", u.Scheme)
		}
		matches, err := filepath.Glob(filepath.Join(wd, o.Pattern))
		if err != nil {
			return fmt.Errorf("cloud: output pattern %s: %v", o.Pattern, err)
		}
		dstDir := filepath.Join(filepath.FromSlash(u.Path), filepath.FromSlash(o.Path))
		if err := os.MkdirAll(dstDir, os.ModePerm); err != nil {
			return err
		}
		for _, m := range matches {
			if err := copyFile(m, filepath.Join(dstDir, filepath.Base(m))); err != nil {
				return fmt.Errorf("cloud: uploading output: %v", err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (l *Local) ListTasks(ctx context.Context, jobID string) ([]TaskStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("cloud: job %s: %w", jobID, ErrNotFound)
	}
	o := make([]TaskStatus, len(j.order))
	for i, id := range j.order {
		o[i] = *j.tasks[id]
	}
	return o, nil
}

// DeleteJob terminates the tasks of the job, waits for them to exit
// and removes the job.
func (l *Local) DeleteJob(ctx context.Context, jobID string) error {
	l.mu.Lock()
	j, ok := l.jobs[jobID]
	delete(l.jobs, jobID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("cloud: job %s: %w", jobID, ErrNotFound)
	}
	j.cancel()
	j.wg.Wait()
	return nil
}

func (l *Local) DeletePool(ctx context.Context, poolID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[poolID]; !ok {
		return fmt.Errorf("cloud: pool %s: %w", poolID, ErrNotFound)
	}
	delete(l.pools, poolID)
	return nil
}

// Close terminates all tasks and waits for them to exit.
func (l *Local) Close() error {
	l.mu.Lock()
	for _, j := range l.jobs {
		j.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
